package spa_test

import (
	"strings"
	"testing"

	"github.com/spagate/spagate/pkg/spa"
)

func TestIsBase64(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"plain", "QWxhZGRpbjpvcGVuIHNlc2FtZQ", true},
		{"padded", "QWxhZGRpbjpvcGVuIHNlc2FtAA==", true},
		{"empty", "", false},
		{"space", "QWxh ZGRp", false},
		{"colon", "QWxh:ZGRp", false},
		{"pad in middle", "QWxh=GRpbjNvcGVu", false},
		{"data after pad", "QWxhZGRpbjNvcGV=Q", false},
		{"three pads", "QWxhZ===", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := spa.IsBase64([]byte(tt.in)); got != tt.want {
				t.Errorf("IsBase64(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncryptionTypeOf(t *testing.T) {
	short := strings.Repeat("A", spa.MinSPADataSize)
	long := strings.Repeat("A", spa.MinGnuPGMsgSize+1)

	if got := spa.EncryptionTypeOf([]byte(short)); got != spa.RijndaelSymmetric {
		t.Errorf("short payload classified as %v, want RIJNDAEL_SYMMETRIC", got)
	}
	if got := spa.EncryptionTypeOf([]byte(long)); got != spa.AsymmetricSigned {
		t.Errorf("long payload classified as %v, want ASYMMETRIC_SIGNED", got)
	}
	if got := spa.EncryptionTypeOf([]byte("tiny")); got != spa.EncryptionUnknown {
		t.Errorf("tiny payload classified as %v, want UNKNOWN", got)
	}
}

func TestSDPIDRoundTrip(t *testing.T) {
	for _, id := range []uint32{1, 99999, 0xFFFFFFFF} {
		enc := spa.EncodeSDPID(id)
		if len(enc) != spa.B64SDPIDStrLen {
			t.Fatalf("EncodeSDPID(%d) length = %d, want %d", id, len(enc), spa.B64SDPIDStrLen)
		}
		got, err := spa.DecodeSDPID([]byte(enc))
		if err != nil {
			t.Fatalf("DecodeSDPID error = %v", err)
		}
		if got != id {
			t.Errorf("round trip = %d, want %d", got, id)
		}
	}
}

func TestDecodeSDPID_Zero(t *testing.T) {
	enc := spa.RawB64Encoding.EncodeToString([]byte{0, 0, 0, 0})
	if _, err := spa.DecodeSDPID([]byte(enc)); err == nil {
		t.Error("DecodeSDPID accepted the reserved zero ID")
	}
}

func TestDecodeSDPID_Malformed(t *testing.T) {
	if _, err := spa.DecodeSDPID([]byte("!!!!!!")); err == nil {
		t.Error("DecodeSDPID accepted invalid base64")
	}
	if _, err := spa.DecodeSDPID([]byte("AA")); err == nil {
		t.Error("DecodeSDPID accepted a short prefix")
	}
}

func TestMessageTypeProperties(t *testing.T) {
	if !spa.NatAccess.HasNat() || !spa.ClientTimeoutLocalNatAccess.HasNat() {
		t.Error("NAT types should report HasNat")
	}
	if spa.Access.HasNat() {
		t.Error("ACCESS should not report HasNat")
	}
	if !spa.ClientTimeoutServiceAccess.HasClientTimeout() {
		t.Error("CLIENT_TIMEOUT_SERVICE_ACCESS should report HasClientTimeout")
	}
	if !spa.ServiceAccess.IsService() || spa.ServiceAccess.IsLegacy() {
		t.Error("SERVICE_ACCESS misclassified")
	}
	if spa.Command.IsLegacy() {
		t.Error("COMMAND should not be legacy")
	}
	if !spa.LegacyAccess.IsLegacy() || !spa.NatAccess.IsLegacy() {
		t.Error("pre-service access types should be legacy")
	}
	if !spa.LocalNatAccess.IsLocalNat() || spa.NatAccess.IsLocalNat() {
		t.Error("IsLocalNat misclassified")
	}
}

func TestRawDigest_Deterministic(t *testing.T) {
	d1 := spa.RawDigest([]byte("some ciphertext"))
	d2 := spa.RawDigest([]byte("some ciphertext"))
	if d1 != d2 {
		t.Error("RawDigest is not deterministic")
	}
	if d1 == spa.RawDigest([]byte("other ciphertext")) {
		t.Error("RawDigest collision on different input")
	}
}
