package spa

import (
	"crypto/sha256"
	"encoding/base64"
)

// RawB64Encoding is the base64 variant used everywhere on the wire:
// standard alphabet, no padding.
var RawB64Encoding = base64.RawStdEncoding

// RawDigest computes the canonical replay digest of a classified ciphertext:
// SHA-256 of the untouched base64 payload, base64-encoded. It is computed
// before any decryption so undecryptable replays are still suppressed.
func RawDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return RawB64Encoding.EncodeToString(sum[:])
}

// EncodeSDPID encodes a client identifier as the 6-char base64 prefix of an
// identifier-mode datagram. The ID travels little-endian, matching the
// client implementation.
func EncodeSDPID(id uint32) string {
	b := []byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)}
	return RawB64Encoding.EncodeToString(b)
}

// DecodeSDPID decodes the identifier prefix of an identifier-mode datagram.
// It fails on malformed base64 and on the reserved zero ID.
func DecodeSDPID(prefix []byte) (uint32, error) {
	if len(prefix) != B64SDPIDStrLen {
		return 0, ErrNotSPAData
	}
	raw, err := RawB64Encoding.DecodeString(string(prefix))
	if err != nil || len(raw) != SDPIDSize {
		return 0, ErrNotSPAData
	}
	id := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	if id == 0 {
		return 0, ErrNotSPAData
	}
	return id, nil
}
