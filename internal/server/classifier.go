package server

import (
	"bytes"
	"crypto/subtle"
	"fmt"

	"github.com/spagate/spagate/pkg/spa"
)

// httpUserAgent is the marker a SPA-over-HTTP request must carry.
const httpUserAgent = "User-Agent: Fwknop"

// classify runs the cheap structural checks on a raw datagram before any
// crypto work: length bounds, cipher-prefix poisoning, optional HTTP
// unwrapping, base64 validation, and identifier extraction. It never
// decrypts and allocates only the bounded HTTP-unwrap buffer and the
// identifier scratch.
//
// The length checks repeat what the collector already enforced; malformed
// input from an untrusted network earns a second look.
func (s *Server) classify(pkt *Packet) error {
	data := pkt.Data

	if len(data) < spa.MinSPADataSize || len(data) > spa.MaxSPAPacketLen {
		return fmt.Errorf("%w: length %d", spa.ErrBadData, len(data))
	}

	// A legitimate client strips the well-known cipher prefixes before
	// sending, so a datagram that still carries one is an attacker pasting
	// a prefix onto previously seen SPA data to slip past the replay check.
	// Compared in constant time so the rejection leaks nothing about how
	// far the match got.
	if constantTimeHasPrefix(data, spa.B64RijndaelSalt) {
		return fmt.Errorf("%w: rijndael prefix present", spa.ErrBadData)
	}
	if len(data) > spa.MinGnuPGMsgSize && constantTimeHasPrefix(data, spa.B64GPGPrefix) {
		return fmt.Errorf("%w: gpg prefix present", spa.ErrBadData)
	}

	if s.cfg.Server.EnableSPAOverHTTP && isHTTPWrapped(data) {
		unwrapped, err := unwrapHTTP(data)
		if err != nil {
			return err
		}
		pkt.Data = unwrapped
		data = unwrapped
	}

	if !spa.IsBase64(data) {
		return fmt.Errorf("%w: not base64", spa.ErrNotSPAData)
	}

	if !s.cfg.Server.DisableSDPMode {
		if len(data) <= spa.B64SDPIDStrLen {
			return fmt.Errorf("%w: too short for identifier", spa.ErrNotSPAData)
		}
		id, err := spa.DecodeSDPID(data[:spa.B64SDPIDStrLen])
		if err != nil {
			return err
		}
		pkt.setSDPID(id)
	}

	return nil
}

// constantTimeHasPrefix reports whether data begins with prefix, in time
// dependent only on the prefix length.
func constantTimeHasPrefix(data []byte, prefix string) bool {
	if len(data) < len(prefix) {
		return false
	}
	return subtle.ConstantTimeCompare(data[:len(prefix)], []byte(prefix)) == 1
}

func isHTTPWrapped(data []byte) bool {
	if len(data) < 5 {
		return false
	}
	return bytes.EqualFold(data[:5], []byte("GET /")) &&
		bytes.Contains(data, []byte(httpUserAgent))
}

// unwrapHTTP extracts the SPA payload from a single-line HTTP GET: the
// leading "GET /" is stripped, the request terminates at the first
// whitespace, and the client's URL-safe base64 translation is undone.
func unwrapHTTP(data []byte) ([]byte, error) {
	body := data[5:]
	out := make([]byte, 0, len(body))
	for _, c := range body {
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			break
		}
		switch c {
		case '-':
			c = '+'
		case '_':
			c = '/'
		}
		out = append(out, c)
	}
	if len(out) < spa.MinSPADataSize {
		return nil, fmt.Errorf("%w: unwrapped HTTP payload too short", spa.ErrBadData)
	}
	return out, nil
}
