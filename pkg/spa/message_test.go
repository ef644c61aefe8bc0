package spa_test

import (
	"testing"
	"time"

	"github.com/spagate/spagate/pkg/spa"
)

func TestParseMessage_Access(t *testing.T) {
	m, err := spa.ParseMessage("1234:alice:1700000000:2.0.3:1:192.168.1.7,tcp/22")
	if err != nil {
		t.Fatalf("ParseMessage error = %v", err)
	}
	if m.Username != "alice" {
		t.Errorf("Username = %q, want alice", m.Username)
	}
	if m.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %d, want 1700000000", m.Timestamp.Unix())
	}
	if m.Version != "2.0.3" {
		t.Errorf("Version = %q, want 2.0.3", m.Version)
	}
	if m.Type != spa.LegacyAccess {
		t.Errorf("Type = %v, want LEGACY_ACCESS", m.Type)
	}
	if m.Body != "192.168.1.7,tcp/22" {
		t.Errorf("Body = %q", m.Body)
	}
}

func TestParseMessage_ClientTimeout(t *testing.T) {
	m, err := spa.ParseMessage("99:bob:1700000000:2.0.3:3:10.0.0.2,tcp/443:90")
	if err != nil {
		t.Fatalf("ParseMessage error = %v", err)
	}
	if m.Type != spa.ClientTimeoutAccess {
		t.Errorf("Type = %v, want CLIENT_TIMEOUT_ACCESS", m.Type)
	}
	if m.ClientTimeout != 90*time.Second {
		t.Errorf("ClientTimeout = %v, want 90s", m.ClientTimeout)
	}
}

func TestParseMessage_NatWithTimeout(t *testing.T) {
	m, err := spa.ParseMessage("7:carol:1700000000:2.0.3:5:10.0.0.2,tcp/80:192.168.5.5,8080:120")
	if err != nil {
		t.Fatalf("ParseMessage error = %v", err)
	}
	if m.Type != spa.ClientTimeoutNatAccess {
		t.Errorf("Type = %v, want CLIENT_TIMEOUT_NAT_ACCESS", m.Type)
	}
	if m.NatAccess != "192.168.5.5,8080" {
		t.Errorf("NatAccess = %q", m.NatAccess)
	}
	if m.ClientTimeout != 120*time.Second {
		t.Errorf("ClientTimeout = %v, want 120s", m.ClientTimeout)
	}
}

func TestParseMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"too few fields", "a:b:c"},
		{"too many fields", "a:b:1:d:1:f:g:h:i:j"},
		{"empty username", "1234::1700000000:2.0.3:1:body"},
		{"bad timestamp", "1234:alice:soon:2.0.3:1:body"},
		{"bad type", "1234:alice:1700000000:2.0.3:99:body"},
		{"nat type missing nat field", "1:a:1700000000:2.0.3:4:1.2.3.4,tcp/22"},
		{"timeout type missing timeout", "1:a:1700000000:2.0.3:3:1.2.3.4,tcp/22"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := spa.ParseMessage(tt.in); err == nil {
				t.Errorf("ParseMessage(%q) accepted invalid input", tt.in)
			}
		})
	}
}

func TestMessageEncodeRoundTrip(t *testing.T) {
	msgs := []*spa.Message{
		{
			Random: "6742319843261054", Username: "alice",
			Timestamp: time.Unix(1700000000, 0), Version: "2.0.3",
			Type: spa.LegacyAccess, Body: "192.168.1.7,tcp/22",
		},
		{
			Random: "11", Username: "bob",
			Timestamp: time.Unix(1700000100, 0), Version: "3.0.0",
			Type: spa.ClientTimeoutNatAccess, Body: "10.0.0.2,tcp/80",
			NatAccess: "192.168.5.5,8080", ClientTimeout: 45 * time.Second,
		},
		{
			Random: "42", Username: "svc",
			Timestamp: time.Unix(1700000200, 0), Version: "3.0.0",
			Type: spa.ServiceAccess, Body: "10.1.1.1,5,9",
		},
	}
	for _, want := range msgs {
		got, err := spa.ParseMessage(want.Encode())
		if err != nil {
			t.Fatalf("ParseMessage(Encode()) error = %v", err)
		}
		if *got != *want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestParsePortList(t *testing.T) {
	ports, err := spa.ParsePortList("tcp/22,udp/53")
	if err != nil {
		t.Fatalf("ParsePortList error = %v", err)
	}
	if len(ports) != 2 || ports[0] != (spa.PortProto{Proto: "tcp", Port: 22}) ||
		ports[1] != (spa.PortProto{Proto: "udp", Port: 53}) {
		t.Errorf("ParsePortList = %v", ports)
	}

	for _, bad := range []string{"", "tcp", "tcp/", "/22", "icmp/8", "tcp/0", "tcp/70000"} {
		if _, err := spa.ParsePortList(bad); err == nil {
			t.Errorf("ParsePortList(%q) accepted invalid input", bad)
		}
	}
}

func TestParseServiceIDList(t *testing.T) {
	ids, err := spa.ParseServiceIDList("5,9,12")
	if err != nil {
		t.Fatalf("ParseServiceIDList error = %v", err)
	}
	if len(ids) != 3 || ids[0] != 5 || ids[2] != 12 {
		t.Errorf("ParseServiceIDList = %v", ids)
	}
	for _, bad := range []string{"", "0", "5,x", "-1"} {
		if _, err := spa.ParseServiceIDList(bad); err == nil {
			t.Errorf("ParseServiceIDList(%q) accepted invalid input", bad)
		}
	}
}

func TestIsValidIPv4(t *testing.T) {
	valid := []string{"192.168.1.7", "0.0.0.0", "255.255.255.255"}
	invalid := []string{"", "192.168.1", "::1", "192.168.1.256", "a.b.c.d"}
	for _, s := range valid {
		if !spa.IsValidIPv4(s) {
			t.Errorf("IsValidIPv4(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if spa.IsValidIPv4(s) {
			t.Errorf("IsValidIPv4(%q) = true, want false", s)
		}
	}
}
