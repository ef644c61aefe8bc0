package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/spagate/spagate/pkg/spa"
)

const pcapSnapLen = 1600

// runPcap collects SPA packets with a live pcap capture instead of a bound
// socket, so the daemon can watch a port nothing is listening on. The BPF
// filter defaults to the configured UDP port.
func (s *Server) runPcap(ctx context.Context) error {
	iface := s.cfg.Server.PcapIface
	handle, err := pcap.OpenLive(iface, pcapSnapLen, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("opening pcap on %s: %w", iface, err)
	}
	defer handle.Close()

	filter := s.cfg.Server.PcapFilter
	if filter == "" {
		filter = fmt.Sprintf("udp dst port %d", s.cfg.Server.UDPPort)
	}
	if err := handle.SetBPFFilter(filter); err != nil {
		return fmt.Errorf("setting BPF filter %q: %w", filter, err)
	}

	s.log.Info("kicking off pcap capture", "iface", iface, "filter", filter)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	packets := source.Packets()
	ticker := time.NewTicker(s.cfg.Server.SelectTimeout.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("terminating signal received, will stop")
			return nil
		case <-ticker.C:
			s.housekeeping()
		case cap, ok := <-packets:
			if !ok {
				return fmt.Errorf("pcap capture on %s ended", iface)
			}
			s.housekeeping()
			pkt := udpPacket(cap)
			if pkt == nil {
				continue
			}
			s.log.Debug("captured datagram", "bytes", len(pkt.Data), "src", pkt.SrcIP)
			s.IncomingSPA(pkt)
			if s.countPacket() {
				return nil
			}
		}
	}
}

// udpPacket extracts the UDP payload and addressing from a captured frame.
// Non-UDP and oversized captures are discarded here, before the pipeline.
func udpPacket(cap gopacket.Packet) *Packet {
	ipLayer := cap.Layer(layers.LayerTypeIPv4)
	udpLayer := cap.Layer(layers.LayerTypeUDP)
	if ipLayer == nil || udpLayer == nil {
		return nil
	}
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return nil
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil
	}
	payload := udp.Payload
	if len(payload) == 0 || len(payload) > spa.MaxSPAPacketLen {
		return nil
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	return &Packet{
		Data:    data,
		SrcIP:   ip.SrcIP,
		DstIP:   ip.DstIP,
		SrcPort: uint16(udp.SrcPort),
		DstPort: uint16(udp.DstPort),
	}
}
