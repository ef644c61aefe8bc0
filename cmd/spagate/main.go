// Command spagate is a Single Packet Authorization daemon: it listens for
// small, cryptographically authenticated UDP datagrams and, on successful
// validation, installs time-bounded firewall access for the sender. It is
// silent by default: a packet is either accepted (with a side effect) or
// dropped (with a log line).
//
// Usage:
//
//	spagate serve                   # start the daemon
//	spagate serve --test            # validate packets, no side effects
//	spagate init                    # write a default server config
//	spagate keygen                  # generate stanza key material
//	spagate keygen --qr             # also display a provisioning QR code
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spagate/spagate/internal/access"
	"github.com/spagate/spagate/internal/cmdcycle"
	"github.com/spagate/spagate/internal/command"
	"github.com/spagate/spagate/internal/config"
	"github.com/spagate/spagate/internal/firewall"
	"github.com/spagate/spagate/internal/qr"
	"github.com/spagate/spagate/internal/replay"
	"github.com/spagate/spagate/internal/server"
	"github.com/spagate/spagate/internal/service"
	"github.com/spagate/spagate/pkg/spa"
)

const defaultServerConfigPath = "/etc/spagate/config.yaml"

var (
	serverConfigPath string
	logLevel         string
)

func main() {
	root := &cobra.Command{
		Use:   "spagate",
		Short: "Single Packet Authorization daemon",
		Long: `spagate grants time-bounded network access to clients that present a
single valid SPA datagram: an HMAC-authenticated Rijndael or OpenPGP
ciphertext carrying the request. Invalid packets are dropped silently.`,
	}

	root.PersistentFlags().StringVar(&serverConfigPath, "config", defaultServerConfigPath, "server config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newKeygenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger creates a slog.Logger at the configured level.
func newLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "trace":
		level = server.LevelTrace
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ────────────────────────────────────────────────────────────────────────────
// spagate init
// ────────────────────────────────────────────────────────────────────────────

func newInitCmd() *cobra.Command {
	var (
		force           bool
		udpPort         uint16
		firewallBackend string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default spagate server configuration",
		Long: `Write a default server config.

By default the config is written to /etc/spagate/config.yaml.
Use --config to override the path. The access policy file referenced by the
config (access.toml) must be created separately; see spagate keygen for
generating stanza key material.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force, udpPort, firewallBackend)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config without prompting")
	cmd.Flags().Uint16Var(&udpPort, "port", 62201, "UDP port to listen on")
	cmd.Flags().StringVar(&firewallBackend, "firewall", "nft", "firewall backend: nft or iptables")

	return cmd
}

func runInit(force bool, udpPort uint16, firewallBackend string) error {
	// Validate firewall backend early so we fail before writing anything.
	if _, err := firewall.NewBackend(firewallBackend); err != nil {
		return err
	}

	if _, err := os.Stat(serverConfigPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s\nUse --force to overwrite", serverConfigPath)
	}

	cfg := config.DefaultServerConfig()
	cfg.Server.UDPPort = udpPort
	cfg.Server.Firewall = firewallBackend

	if err := config.SaveServerConfig(serverConfigPath, cfg); err != nil {
		return fmt.Errorf("writing server config: %w", err)
	}

	fmt.Printf(`spagate server initialised.

  Config:       %s
  UDP port:     %d
  Firewall:     %s
  Access file:  %s

Next steps:
  1. Generate stanza key material:
       spagate keygen

  2. Create %s with at least one stanza.

  3. Start the server:
       sudo spagate serve

`, serverConfigPath, udpPort, firewallBackend, cfg.Server.AccessFile, cfg.Server.AccessFile)

	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// spagate serve
// ────────────────────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var test bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the spagate SPA daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(test)
		},
	}
	cmd.Flags().BoolVar(&test, "test", false, "validate packets but perform no side effects")
	return cmd
}

func runServe(test bool) error {
	log := newLogger()

	cfg, err := config.LoadServerConfig(serverConfigPath)
	if err != nil {
		return fmt.Errorf("loading server config: %w", err)
	}
	if test {
		cfg.Server.Test = true
	}

	stanzas, err := access.Load(cfg.Server.AccessFile)
	if err != nil {
		return fmt.Errorf("loading access policy: %w", err)
	}
	resolver := access.NewResolver(stanzas)
	log.Info("access policy loaded", "stanzas", len(stanzas))

	var store replay.Store = replay.Disabled{}
	if cfg.Server.EnableDigestPersistence {
		bs, err := replay.Open(cfg.Server.DigestFile)
		if err != nil {
			return fmt.Errorf("opening replay store: %w", err)
		}
		defer bs.Close()
		if n, err := bs.Count(); err == nil {
			log.Info("replay digest store loaded", "digests", n)
		}
		store = bs
	}

	services := make([]service.Data, 0, len(cfg.Services))
	for _, e := range cfg.Services {
		services = append(services, service.Data{
			ID: e.ID, Name: e.Name, Proto: e.Proto, Port: e.Port,
			NatIP: e.NatIP, NatPort: e.NatPort,
		})
	}
	registry, err := service.NewRegistry(services)
	if err != nil {
		return fmt.Errorf("building service registry: %w", err)
	}

	var fwMgr *firewall.Manager
	var controller firewall.Controller
	if cfg.Server.EnableFirewall {
		backend, err := firewall.NewBackend(cfg.Server.Firewall)
		if err != nil {
			return err
		}
		fwMgr = firewall.NewManager(backend, log)
		controller = fwMgr
	}

	cmds := command.ShellRunner{}
	cycles := cmdcycle.NewRunner(cmds, log)

	srv := server.New(&server.Options{
		Config:   cfg,
		Access:   resolver,
		Replay:   store,
		Firewall: controller,
		Services: registry,
		Commands: cmds,
		Cycles:   cycles,
		Log:      log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Run(ctx)

	if fwMgr != nil {
		log.Info("cleaning up firewall rules")
		fwMgr.CleanupAll()
	}
	cycles.CloseAll()
	if ferr := store.Flush(); ferr != nil {
		log.Error("flushing replay store", "err", ferr)
	}

	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// spagate keygen
// ────────────────────────────────────────────────────────────────────────────

func newKeygenCmd() *cobra.Command {
	var (
		showQR     bool
		qrPath     string
		serverHost string
		udpPort    uint16
		sdpID      uint32
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate symmetric and HMAC key material for a stanza",
		Long: `Generate a fresh symmetric key and HMAC key, printed base64-encoded for
pasting into access.toml (key_base64 / hmac_key_base64) and into the client
configuration. With --qr the client half is also rendered as a QR code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(showQR, qrPath, serverHost, udpPort, sdpID)
		},
	}

	cmd.Flags().BoolVar(&showQR, "qr", false, "render a provisioning QR code")
	cmd.Flags().StringVar(&qrPath, "qr-out", "", "write the QR as a PNG to this path")
	cmd.Flags().StringVar(&serverHost, "server", "", "server host embedded in the QR payload")
	cmd.Flags().Uint16Var(&udpPort, "port", 62201, "server UDP port embedded in the QR payload")
	cmd.Flags().Uint32Var(&sdpID, "sdp-id", 0, "client identifier for identifier-mode stanzas")

	return cmd
}

func runKeygen(showQR bool, qrPath, serverHost string, udpPort uint16, sdpID uint32) error {
	key := make([]byte, 32)
	hmacKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, hmacKey); err != nil {
		return fmt.Errorf("generating hmac key: %w", err)
	}

	keyB64 := spa.RawB64Encoding.EncodeToString(key)
	hmacB64 := spa.RawB64Encoding.EncodeToString(hmacKey)

	fmt.Printf(`Stanza key material (add to access.toml):

  key_base64      = %q
  hmac_key_base64 = %q

`, keyB64, hmacB64)
	if sdpID != 0 {
		fmt.Printf("  sdp_id          = %d\n\n", sdpID)
	}

	if !showQR && qrPath == "" {
		return nil
	}

	payload := &qr.Payload{
		ServerHost:    serverHost,
		ServerUDPPort: udpPort,
		Key:           keyB64,
		HMACKey:       hmacB64,
		HMACType:      "sha256",
		SDPID:         sdpID,
	}
	return qr.Generate(payload, &qr.GenerateOptions{OutputPath: qrPath})
}
