// Package server implements the spagate SPA daemon: the packet collectors
// (bound UDP socket or pcap capture) and the per-datagram intake pipeline
// that runs from raw bytes to a firewall grant, a command execution, or a
// silent drop.
//
// The server never responds to a packet. The only observable effect of a
// valid SPA datagram is the resulting access grant; everything else is a
// single log line.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spagate/spagate/internal/access"
	"github.com/spagate/spagate/internal/cmdcycle"
	"github.com/spagate/spagate/internal/command"
	"github.com/spagate/spagate/internal/config"
	"github.com/spagate/spagate/internal/firewall"
	"github.com/spagate/spagate/internal/replay"
	"github.com/spagate/spagate/internal/service"
	"github.com/spagate/spagate/pkg/spa"
)

// Options holds the server's collaborators. Every field except Log is
// required; Firewall may be nil when firewall manipulation is disabled.
type Options struct {
	Config   *config.ServerConfig
	Access   *access.Resolver
	Replay   replay.Store
	Firewall firewall.Controller
	Services *service.Registry
	Commands command.Runner
	Cycles   *cmdcycle.Runner
	Log      *slog.Logger
}

// Server is the running SPA daemon.
type Server struct {
	cfg      *config.ServerConfig
	access   *access.Resolver
	replay   replay.Store
	fw       firewall.Controller
	services *service.Registry
	cmds     command.Runner
	cycles   *cmdcycle.Runner
	log      *slog.Logger

	packetCtr     int
	rulesCheckCtr int
}

// New creates a Server from opts.
func New(opts *Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Server{
		cfg:      opts.Config,
		access:   opts.Access,
		replay:   opts.Replay,
		fw:       opts.Firewall,
		services: opts.Services,
		cmds:     opts.Commands,
		cycles:   opts.Cycles,
		log:      log,
	}
}

// Run starts the configured collector. It blocks until ctx is cancelled or
// the packet limit is reached. In-flight pipelines run to completion; the
// cancellation check happens once per receive-loop iteration.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Server.Collector == "pcap" {
		return s.runPcap(ctx)
	}
	return s.runUDP(ctx)
}

// runUDP collects SPA packets from a bound UDP socket. The read deadline
// doubles as the housekeeping interval, mirroring a select()-with-timeout
// receive loop.
func (s *Server) runUDP(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.UDPPort)
	pc, err := net.ListenPacket("udp4", addr)
	if err != nil {
		return fmt.Errorf("listening UDP %s: %w", addr, err)
	}
	defer pc.Close()

	conn := pc.(*net.UDPConn)
	localIP := listenIP(conn)

	s.log.Info("kicking off UDP server", "port", s.cfg.Server.UDPPort)

	buf := make([]byte, spa.MaxSPAPacketLen+1)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("terminating signal received, will stop")
			return nil
		default:
		}

		s.housekeeping()

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.Server.SelectTimeout.Duration)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			s.log.Error("UDP read error", "err", err)
			continue
		}

		if n == 0 || n > spa.MaxSPAPacketLen {
			continue
		}

		s.log.Debug("got UDP datagram", "bytes", n, "src", raddr.IP)

		data := make([]byte, n)
		copy(data, buf[:n])
		s.IncomingSPA(&Packet{
			Data:    data,
			SrcIP:   raddr.IP,
			DstIP:   localIP,
			SrcPort: uint16(raddr.Port),
			DstPort: s.cfg.Server.UDPPort,
		})

		if s.countPacket() {
			return nil
		}
	}
}

// housekeeping runs the per-iteration maintenance the receive loop owns:
// expired firewall rules (with a periodic forced full sweep) and due
// command-cycle closes. Skipped entirely in test mode.
func (s *Server) housekeeping() {
	if s.cfg.Server.Test {
		return
	}
	if s.fw != nil {
		fullSweep := false
		if threshold := s.cfg.Server.RulesCheckThreshold; threshold > 0 {
			s.rulesCheckCtr++
			if s.rulesCheckCtr%threshold == 0 {
				fullSweep = true
				s.rulesCheckCtr = 0
			}
		}
		s.fw.CheckAndExpire(fullSweep)
	}
	if s.cycles != nil {
		s.cycles.SweepClosed(time.Now())
	}
}

// countPacket bumps the packet counter and reports whether the configured
// packet limit has been reached.
func (s *Server) countPacket() bool {
	s.packetCtr++
	if limit := s.cfg.Server.PacketLimit; limit > 0 && s.packetCtr >= limit {
		s.log.Warn("incoming packet count limit reached", "limit", limit)
		return true
	}
	return false
}

// listenIP returns the local address the socket is bound to, best effort:
// a wildcard bind reports the unspecified address.
func listenIP(conn *net.UDPConn) net.IP {
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok && la.IP != nil && !la.IP.IsUnspecified() {
		return la.IP
	}
	return net.IPv4zero
}
