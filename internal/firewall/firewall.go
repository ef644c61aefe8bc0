// Package firewall provides an abstraction over iptables and nftables for
// installing time-limited access rules granted by validated SPA packets.
//
// Rule expiry is sweep-driven: the server's receive loop calls
// CheckAndExpire on every iteration, and a full sweep is forced every
// rules_check_threshold iterations. This keeps rule lifetime bookkeeping in
// one place instead of spreading it over per-rule timers.
package firewall

import (
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/spagate/spagate/pkg/spa"
)

// NATSpec carries the translation target of a NAT access grant.
type NATSpec struct {
	// TargetIP is the internal address traffic is forwarded to.
	TargetIP net.IP

	// TargetPort is the internal port traffic is forwarded to.
	TargetPort uint16

	// Local marks a local NAT grant (translation to the server itself).
	Local bool
}

// Grant is one validated access request to install.
type Grant struct {
	// SrcIP is the address access is granted to (the chosen use-src-ip).
	SrcIP net.IP

	// Ports are the proto/port pairs to open.
	Ports []spa.PortProto

	// NAT is non-nil for NAT-class grants.
	NAT *NATSpec
}

// Backend is implemented by the iptables and nftables rule writers.
type Backend interface {
	// Open installs accept (and, for NAT grants, translation) rules.
	Open(g *Grant) error

	// Close removes the rules previously installed for g.
	Close(g *Grant) error

	// Name returns the backend name ("iptables" or "nft").
	Name() string
}

// Controller is the firewall surface the SPA pipeline depends on.
type Controller interface {
	InstallAccess(g *Grant, timeout time.Duration) error
	CheckAndExpire(fullSweep bool)
	CleanupAll()
}

// Manager wraps a Backend and owns rule expiry.
type Manager struct {
	backend Backend
	log     *slog.Logger

	mu         sync.Mutex
	active     map[string]*activeRule
	nextExpire time.Time
}

type activeRule struct {
	grant     *Grant
	expiresAt time.Time
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, log *slog.Logger) *Manager {
	return &Manager{
		backend: backend,
		log:     log,
		active:  make(map[string]*activeRule),
	}
}

// InstallAccess installs rules for g and records their expiry. A repeated
// grant for the same rule extends the existing expiry instead of stacking a
// duplicate rule.
func (m *Manager) InstallAccess(g *Grant, timeout time.Duration) error {
	key := grantKey(g)
	expires := time.Now().Add(timeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	if rule, ok := m.active[key]; ok {
		if expires.After(rule.expiresAt) {
			rule.expiresAt = expires
		}
		m.log.Info("firewall rule extended", "src", g.SrcIP, "timeout", timeout)
		return nil
	}

	if err := m.backend.Open(g); err != nil {
		return fmt.Errorf("installing access rules: %w", err)
	}
	m.active[key] = &activeRule{grant: g, expiresAt: expires}
	if m.nextExpire.IsZero() || expires.Before(m.nextExpire) {
		m.nextExpire = expires
	}

	m.log.Info("firewall rule opened",
		"src", g.SrcIP, "ports", portsString(g.Ports), "timeout", timeout, "nat", g.NAT != nil)
	return nil
}

// CheckAndExpire removes rules whose lifetime has passed. The quick path
// returns without scanning when nothing can have expired yet; a full sweep
// always scans.
func (m *Manager) CheckAndExpire(fullSweep bool) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !fullSweep && (m.nextExpire.IsZero() || now.Before(m.nextExpire)) {
		return
	}

	m.nextExpire = time.Time{}
	for key, rule := range m.active {
		if !rule.expiresAt.After(now) {
			if err := m.backend.Close(rule.grant); err != nil {
				m.log.Error("removing expired rule", "src", rule.grant.SrcIP, "err", err)
			} else {
				m.log.Info("firewall rule expired", "src", rule.grant.SrcIP)
			}
			delete(m.active, key)
			continue
		}
		if m.nextExpire.IsZero() || rule.expiresAt.Before(m.nextExpire) {
			m.nextExpire = rule.expiresAt
		}
	}
}

// CleanupAll removes every managed rule immediately, for shutdown.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, rule := range m.active {
		if err := m.backend.Close(rule.grant); err != nil {
			m.log.Error("removing rule on shutdown", "src", rule.grant.SrcIP, "err", err)
		}
		delete(m.active, key)
	}
	m.nextExpire = time.Time{}
}

// ActiveCount reports how many rules are currently managed.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func grantKey(g *Grant) string {
	key := g.SrcIP.String()
	for _, p := range g.Ports {
		key += ":" + p.String()
	}
	if g.NAT != nil {
		key += fmt.Sprintf(">%s:%d", g.NAT.TargetIP, g.NAT.TargetPort)
	}
	return key
}

func portsString(ports []spa.PortProto) string {
	s := ""
	for i, p := range ports {
		if i > 0 {
			s += ","
		}
		s += p.String()
	}
	return s
}

// NewBackend creates a firewall backend by name ("iptables" or "nft").
func NewBackend(name string) (Backend, error) {
	switch name {
	case "iptables":
		return &IPTablesBackend{}, nil
	case "nft":
		return &NFTablesBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown firewall backend %q (use 'iptables' or 'nft')", name)
	}
}

// runCmd executes a command and returns a wrapped error on failure.
func runCmd(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %s %v: %w (output: %s)", name, args, err, out)
	}
	return nil
}
