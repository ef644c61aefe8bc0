// Package spa defines the spagate Single Packet Authorization wire format.
//
// A SPA datagram is a single base64 text payload:
//
//	[sdp_id(6 b64 chars, identifier mode only)] [ciphertext] [hmac(b64), Rijndael only]
//
// The ciphertext is either an OpenSSL-salted Rijndael (AES-256-CBC) message
// with its well-known "U2FsdGVkX1" base64 prefix stripped by the client, or a
// binary OpenPGP message with its "hQ" prefix stripped. The server restores
// the prefix before decrypting, so a datagram that arrives already carrying
// one of those prefixes is treated as hostile (a replay-smuggling attempt)
// and dropped.
//
// The decrypted plaintext is a colon-delimited record:
//
//	random:user:timestamp:version:msg_type:msg_body[:nat_access][:server_auth][:client_timeout]
//
// where msg_body is "ipv4,request" and request is a proto/port list, a
// command string, or a service-ID list depending on msg_type.
//
// Security properties:
//   - Payload opacity and integrity via AES-256-CBC + explicit HMAC
//     (verified before any decryption), or OpenPGP with detached signer checks
//   - Replay protection via a persistent digest set keyed on the ciphertext
//   - Silence: the server never responds; a bad packet is only a log line
package spa

import "time"

// Base64 alphabet is standard, unpadded. All wire fields use RawB64Encoding.
const (
	// MinSPADataSize is the smallest payload that could be real SPA data.
	MinSPADataSize = 80

	// MaxSPAPacketLen is the largest accepted datagram payload.
	MaxSPAPacketLen = 1500

	// MinGnuPGMsgSize is the length at or above which a ciphertext is
	// classified as an OpenPGP message rather than a Rijndael one.
	MinGnuPGMsgSize = 400

	// B64RijndaelSalt is the base64 prefix of every OpenSSL-salted message.
	// Clients strip it before sending; the server restores it.
	B64RijndaelSalt       = "U2FsdGVkX1"
	B64RijndaelSaltStrLen = len(B64RijndaelSalt)

	// B64GPGPrefix is the base64 prefix of an OpenPGP public-key encrypted
	// session key packet. Stripped and restored like the Rijndael salt.
	B64GPGPrefix       = "hQ"
	B64GPGPrefixStrLen = len(B64GPGPrefix)

	// SDPIDSize is the decoded size of the client identifier prefix.
	SDPIDSize = 4

	// B64SDPIDStrLen is the encoded length of the client identifier prefix.
	B64SDPIDStrLen = 6

	// MinIPv4StrLen and MaxIPv4StrLen bound the embedded source IP field.
	MinIPv4StrLen = 7
	MaxIPv4StrLen = 15

	// MaxDecryptedSPALen bounds the post-decrypt request remainder.
	MaxDecryptedSPALen = 1024

	// MaxSPACmdLen bounds a rendered command line.
	MaxSPACmdLen = 1024

	// DefaultFWAccessTimeout is the firewall grant lifetime when neither the
	// client nor the stanza supplies one.
	DefaultFWAccessTimeout = 30 * time.Second

	// DefaultMaxSPAPacketAge is the default freshness window.
	DefaultMaxSPAPacketAge = 120 * time.Second
)

// MessageType identifies what an authenticated SPA message asks for.
type MessageType int

// Message types, in wire order. LegacyAccess through
// ClientTimeoutLocalNatAccess are the pre-service request styles and are only
// honored when legacy access requests are enabled.
const (
	Command MessageType = iota
	LegacyAccess
	Access
	ClientTimeoutAccess
	NatAccess
	ClientTimeoutNatAccess
	LocalNatAccess
	ClientTimeoutLocalNatAccess
	ServiceAccess
	ClientTimeoutServiceAccess
)

var messageTypeNames = map[MessageType]string{
	Command:                     "COMMAND",
	LegacyAccess:                "LEGACY_ACCESS",
	Access:                      "ACCESS",
	ClientTimeoutAccess:         "CLIENT_TIMEOUT_ACCESS",
	NatAccess:                   "NAT_ACCESS",
	ClientTimeoutNatAccess:      "CLIENT_TIMEOUT_NAT_ACCESS",
	LocalNatAccess:              "LOCAL_NAT_ACCESS",
	ClientTimeoutLocalNatAccess: "CLIENT_TIMEOUT_LOCAL_NAT_ACCESS",
	ServiceAccess:               "SERVICE_ACCESS",
	ClientTimeoutServiceAccess:  "CLIENT_TIMEOUT_SERVICE_ACCESS",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// Valid reports whether t is a defined message type.
func (t MessageType) Valid() bool {
	return t >= Command && t <= ClientTimeoutServiceAccess
}

// HasNat reports whether the wire record carries a nat_access field.
func (t MessageType) HasNat() bool {
	switch t {
	case NatAccess, ClientTimeoutNatAccess, LocalNatAccess, ClientTimeoutLocalNatAccess:
		return true
	}
	return false
}

// IsLocalNat reports whether the request is for local NAT access.
func (t MessageType) IsLocalNat() bool {
	return t == LocalNatAccess || t == ClientTimeoutLocalNatAccess
}

// HasClientTimeout reports whether the wire record carries a trailing
// client-supplied timeout field.
func (t MessageType) HasClientTimeout() bool {
	switch t {
	case ClientTimeoutAccess, ClientTimeoutNatAccess,
		ClientTimeoutLocalNatAccess, ClientTimeoutServiceAccess:
		return true
	}
	return false
}

// IsService reports whether the request names services rather than ports.
func (t MessageType) IsService() bool {
	return t == ServiceAccess || t == ClientTimeoutServiceAccess
}

// IsLegacy reports whether the request style predates service access.
// Legacy requests are refused unless allow_legacy_access_requests is set.
func (t MessageType) IsLegacy() bool {
	return t != Command && !t.IsService()
}

// EncryptionType identifies the outer cipher of a SPA ciphertext.
type EncryptionType int

const (
	EncryptionUnknown EncryptionType = iota
	RijndaelSymmetric
	AsymmetricSigned
)

func (e EncryptionType) String() string {
	switch e {
	case RijndaelSymmetric:
		return "RIJNDAEL_SYMMETRIC"
	case AsymmetricSigned:
		return "ASYMMETRIC_SIGNED"
	}
	return "UNKNOWN"
}

// EncryptionTypeOf classifies a (prefix-stripped) ciphertext by length.
// OpenPGP messages carry key material and are always substantially larger
// than a salted Rijndael message of the same plaintext.
func EncryptionTypeOf(data []byte) EncryptionType {
	if len(data) < MinSPADataSize {
		return EncryptionUnknown
	}
	if len(data) >= MinGnuPGMsgSize {
		return AsymmetricSigned
	}
	return RijndaelSymmetric
}

// IsBase64 reports whether data is pure base64 text: standard alphabet, with
// '=' permitted only as trailing padding that completes a 4-char group.
func IsBase64(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	pad := 0
	for i, c := range data {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '+', c == '/':
			if pad > 0 {
				return false // data after padding
			}
		case c == '=':
			pad++
			if pad > 2 || i < len(data)-2 {
				return false
			}
		default:
			return false
		}
	}
	if pad > 0 && (len(data)%4) != 0 {
		return false
	}
	return true
}
