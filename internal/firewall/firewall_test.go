package firewall_test

import (
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spagate/spagate/internal/firewall"
	"github.com/spagate/spagate/pkg/spa"
)

// mockBackend records Open/Close calls for test assertions.
type mockBackend struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Open(g *firewall.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, g.SrcIP.String())
	return nil
}

func (m *mockBackend) Close(g *firewall.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, g.SrcIP.String())
	return nil
}

func newTestManager(backend firewall.Backend) *firewall.Manager {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return firewall.NewManager(backend, log)
}

func grant(ip string) *firewall.Grant {
	return &firewall.Grant{
		SrcIP: net.ParseIP(ip),
		Ports: []spa.PortProto{{Proto: "tcp", Port: 22}},
	}
}

func TestManager_InstallCallsBackend(t *testing.T) {
	mock := &mockBackend{}
	mgr := newTestManager(mock)

	if err := mgr.InstallAccess(grant("192.168.1.1"), time.Minute); err != nil {
		t.Fatalf("InstallAccess error = %v", err)
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.opened) != 1 || mock.opened[0] != "192.168.1.1" {
		t.Errorf("backend opened = %v, want [192.168.1.1]", mock.opened)
	}
}

func TestManager_RepeatedGrantExtendsNotStacks(t *testing.T) {
	mock := &mockBackend{}
	mgr := newTestManager(mock)

	for i := 0; i < 3; i++ {
		if err := mgr.InstallAccess(grant("10.0.0.1"), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.opened) != 1 {
		t.Errorf("backend.Open called %d times for the same grant, want 1", len(mock.opened))
	}
}

func TestManager_SweepExpiry(t *testing.T) {
	mock := &mockBackend{}
	mgr := newTestManager(mock)

	if err := mgr.InstallAccess(grant("10.0.0.1"), 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	// Before expiry the sweep must not remove anything.
	mgr.CheckAndExpire(false)
	if mgr.ActiveCount() != 1 {
		t.Fatal("rule removed before its timeout")
	}

	time.Sleep(50 * time.Millisecond)
	mgr.CheckAndExpire(false)

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.closed) != 1 {
		t.Errorf("backend.Close called %d times after expiry sweep, want 1", len(mock.closed))
	}
	if mgr.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after sweep, want 0", mgr.ActiveCount())
	}
}

func TestManager_FullSweep(t *testing.T) {
	mock := &mockBackend{}
	mgr := newTestManager(mock)

	if err := mgr.InstallAccess(grant("10.0.0.2"), 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	mgr.CheckAndExpire(true)
	if mgr.ActiveCount() != 0 {
		t.Error("full sweep left an expired rule behind")
	}
}

func TestManager_CleanupAll(t *testing.T) {
	mock := &mockBackend{}
	mgr := newTestManager(mock)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		if err := mgr.InstallAccess(grant(ip), time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	mgr.CleanupAll()

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if len(mock.closed) != 2 {
		t.Errorf("CleanupAll closed %d rules, want 2", len(mock.closed))
	}
	if mgr.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d after CleanupAll, want 0", mgr.ActiveCount())
	}
}

func TestNewBackend(t *testing.T) {
	if _, err := firewall.NewBackend("unknown"); err == nil {
		t.Error("NewBackend accepted an unknown backend name")
	}
	for _, name := range []string{"iptables", "nft"} {
		b, err := firewall.NewBackend(name)
		if err != nil {
			t.Fatalf("NewBackend(%q) error = %v", name, err)
		}
		if b.Name() != name {
			t.Errorf("backend Name() = %q, want %q", b.Name(), name)
		}
	}
}
