package access_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spagate/spagate/internal/access"
	"github.com/spagate/spagate/pkg/spa"
)

const accessTOML = `
[[stanza]]
source = ["192.168.1.0/24"]
key = "test_key_12345"
hmac_key = "hmac_key_67890"
open_ports = ["tcp/22", "tcp/80"]
require_username = "alice"
fw_access_timeout = 60

[[stanza]]
sdp_id = 99999
source = ["any"]
key = "other_key"
hmac_key = "other_hmac"
services = [5, 9]

[[stanza]]
source = ["10.0.0.1"]
use_gpg = true
gpg_home_dir = "/var/lib/spagate/gpg"
gpg_allow_no_pw = true
gpg_require_sig = true
gpg_remote_id = ["ABCD1234ABCD1234"]
expire = "2001-01-01"
`

func writeAccessFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	stanzas, err := access.Load(writeAccessFile(t, accessTOML))
	if err != nil {
		t.Fatalf("Load error = %v", err)
	}
	if len(stanzas) != 3 {
		t.Fatalf("loaded %d stanzas, want 3", len(stanzas))
	}

	st := stanzas[0]
	if st.Num != 1 {
		t.Errorf("Num = %d, want 1", st.Num)
	}
	if string(st.Key) != "test_key_12345" || string(st.HMACKey) != "hmac_key_67890" {
		t.Error("key material not loaded")
	}
	if len(st.OpenPorts) != 2 || st.OpenPorts[0] != (spa.PortProto{Proto: "tcp", Port: 22}) {
		t.Errorf("OpenPorts = %v", st.OpenPorts)
	}
	if st.RequireUsername != "alice" {
		t.Errorf("RequireUsername = %q", st.RequireUsername)
	}
	if st.FWAccessTimeout != 60*time.Second {
		t.Errorf("FWAccessTimeout = %v", st.FWAccessTimeout)
	}

	if stanzas[1].SDPID != 99999 || len(stanzas[1].Services) != 2 {
		t.Errorf("stanza 2 = %+v", stanzas[1])
	}
	if !stanzas[2].UseGPG || stanzas[2].ExpireTime.IsZero() {
		t.Errorf("stanza 3 = %+v", stanzas[2])
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"no stanzas", ""},
		{"no source", "[[stanza]]\nkey = \"k\"\nhmac_key = \"h\"\n"},
		{"no credentials", "[[stanza]]\nsource = [\"any\"]\n"},
		{"key without hmac", "[[stanza]]\nsource = [\"any\"]\nkey = \"k\"\n"},
		{"bad cidr", "[[stanza]]\nsource = [\"300.1.2.3/24\"]\nkey = \"k\"\nhmac_key = \"h\"\n"},
		{"bad port", "[[stanza]]\nsource = [\"any\"]\nkey = \"k\"\nhmac_key = \"h\"\nopen_ports = [\"tcp/x\"]\n"},
		{"gpg without pw", "[[stanza]]\nsource = [\"any\"]\nuse_gpg = true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := access.Load(writeAccessFile(t, tt.toml)); err == nil {
				t.Error("Load accepted an invalid stanza file")
			}
		})
	}
}

func TestAddrMatch(t *testing.T) {
	anyM, err := access.ParseAddrMatch("any")
	if err != nil {
		t.Fatal(err)
	}
	if !anyM.Match(net.ParseIP("203.0.113.9")) {
		t.Error("any did not match")
	}

	cidr, err := access.ParseAddrMatch("192.168.1.0/24")
	if err != nil {
		t.Fatal(err)
	}
	if !cidr.Match(net.ParseIP("192.168.1.7")) {
		t.Error("CIDR did not match member address")
	}
	if cidr.Match(net.ParseIP("192.168.2.7")) {
		t.Error("CIDR matched outside address")
	}

	host, err := access.ParseAddrMatch("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !host.Match(net.ParseIP("10.0.0.1")) || host.Match(net.ParseIP("10.0.0.2")) {
		t.Error("single host match wrong")
	}

	if _, err := access.ParseAddrMatch("not-an-addr"); err == nil {
		t.Error("ParseAddrMatch accepted garbage")
	}
}

func TestStanzaExpired_Sticky(t *testing.T) {
	st := &access.Stanza{ExpireTime: time.Now().Add(50 * time.Millisecond)}
	if st.Expired(time.Now()) {
		t.Fatal("stanza expired before its time")
	}
	if !st.Expired(time.Now().Add(time.Second)) {
		t.Fatal("stanza not expired after its time")
	}
	// Sticky: even a clock that jumps backwards keeps it expired.
	if !st.Expired(time.Now().Add(-time.Hour)) {
		t.Error("expired mark is not sticky")
	}

	forever := &access.Stanza{}
	if forever.Expired(time.Now().Add(24 * time.Hour)) {
		t.Error("stanza with no expiration reported expired")
	}
}

func TestCheckPortAccess(t *testing.T) {
	st := &access.Stanza{OpenPorts: []spa.PortProto{
		{Proto: "tcp", Port: 22}, {Proto: "udp", Port: 53},
	}}
	if !st.CheckPortAccess([]spa.PortProto{{Proto: "tcp", Port: 22}}) {
		t.Error("permitted port denied")
	}
	if st.CheckPortAccess([]spa.PortProto{{Proto: "tcp", Port: 22}, {Proto: "tcp", Port: 443}}) {
		t.Error("partially denied request allowed")
	}
	if st.CheckPortAccess(nil) {
		t.Error("empty request allowed")
	}
}

func TestCheckServiceAccess(t *testing.T) {
	st := &access.Stanza{Services: []uint32{5, 9}}
	if !st.CheckServiceAccess([]uint32{5}) || !st.CheckServiceAccess([]uint32{5, 9}) {
		t.Error("permitted service denied")
	}
	if st.CheckServiceAccess([]uint32{5, 12}) {
		t.Error("partially denied request allowed")
	}
}

func TestResolver(t *testing.T) {
	stanzas, err := access.Load(writeAccessFile(t, accessTOML))
	if err != nil {
		t.Fatal(err)
	}
	r := access.NewResolver(stanzas)

	if !r.AnySourceMatch(net.ParseIP("192.168.1.7")) {
		t.Error("AnySourceMatch missed a covered source")
	}

	if st := r.BySDPID(99999, time.Now()); st == nil || st.Num != 2 {
		t.Errorf("BySDPID(99999) = %v", st)
	}
	if st := r.BySDPID(12345, time.Now()); st != nil {
		t.Errorf("BySDPID(12345) = %v, want nil", st)
	}

	// Reload with a single stanza; lookups follow the new policy.
	r.Reload(stanzas[:1])
	if st := r.BySDPID(99999, time.Now()); st != nil {
		t.Error("BySDPID still finds a stanza removed by reload")
	}
	if len(r.Snapshot()) != 1 {
		t.Errorf("Snapshot length = %d after reload, want 1", len(r.Snapshot()))
	}
}
