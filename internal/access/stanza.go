// Package access holds the server's access policy: the stanza list loaded
// from access.toml and the resolver that selects candidate stanzas for an
// incoming packet, either by source-IP scan or by client-identifier lookup.
package access

import (
	"net"
	"sync"
	"time"

	"github.com/spagate/spagate/internal/crypto"
	"github.com/spagate/spagate/pkg/spa"
)

// Stanza is one access policy entry. Stanzas are long-lived and may be
// referenced read-only by multiple in-flight packets; the only mutable field
// is the sticky expired mark, which is guarded.
type Stanza struct {
	// Num is the 1-based stanza position, used in log lines.
	Num int

	// SDPID keys this stanza in identifier mode, zero otherwise.
	SDPID uint32

	// Source and Destination are match lists. Source is required;
	// Destination is optional and matches everything when empty.
	Source      []AddrMatch
	Destination []AddrMatch

	// Symmetric credentials.
	Key      []byte
	HMACKey  []byte
	HMACType crypto.HMACType

	// Asymmetric settings.
	UseGPG            bool
	GPGHomeDir        string
	GPGExe            string
	GPGDecryptID      string
	GPGDecryptPW      string
	GPGAllowNoPW      bool
	GPGRequireSig     bool
	GPGIgnoreSigError bool
	GPGRemoteID       []string
	GPGRemoteFpr      []string

	// OpenPorts is the permitted proto/port list for access requests.
	OpenPorts []spa.PortProto

	// Services is the permitted service-ID list for service requests.
	Services []uint32

	// Policy predicates.
	RequireUsername      string
	RequireSourceAddress bool
	FWAccessTimeout      time.Duration
	ExpireTime           time.Time

	// Command execution.
	EnableCmdExec     bool
	EnableCmdSudoExec bool
	CmdExecUser       string
	CmdExecGroup      string
	CmdSudoExecUser   string
	CmdSudoExecGroup  string
	CmdExecUID        uint32
	CmdExecGID        uint32

	// Command cycle templates. A non-empty open template takes the place of
	// direct firewall manipulation.
	CmdCycleOpen  string
	CmdCycleClose string

	mu      sync.Mutex
	expired bool
}

// UseRijndael reports whether this stanza can attempt symmetric decryption.
func (s *Stanza) UseRijndael() bool {
	return len(s.Key) > 0
}

// Expired applies the sticky expiration rule: once a stanza is observed past
// its expiration it stays expired for all subsequent packets.
func (s *Stanza) Expired(now time.Time) bool {
	if s.ExpireTime.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return true
	}
	if now.After(s.ExpireTime) {
		s.expired = true
		return true
	}
	return false
}

// SourceMatch reports whether ip matches the stanza's SOURCE list.
func (s *Stanza) SourceMatch(ip net.IP) bool {
	return matchAny(s.Source, ip)
}

// DestinationMatch reports whether ip matches the stanza's DESTINATION list.
// An empty list matches everything.
func (s *Stanza) DestinationMatch(ip net.IP) bool {
	if len(s.Destination) == 0 {
		return true
	}
	return matchAny(s.Destination, ip)
}

// CheckPortAccess reports whether every requested proto/port appears in the
// stanza's permitted list.
func (s *Stanza) CheckPortAccess(req []spa.PortProto) bool {
	if len(req) == 0 {
		return false
	}
	for _, want := range req {
		ok := false
		for _, have := range s.OpenPorts {
			if have.Proto == want.Proto && have.Port == want.Port {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// CheckServiceAccess reports whether every requested service ID appears in
// the stanza's permitted list.
func (s *Stanza) CheckServiceAccess(ids []uint32) bool {
	if len(ids) == 0 {
		return false
	}
	for _, want := range ids {
		ok := false
		for _, have := range s.Services {
			if have == want {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// AddrMatch is one entry of a source or destination match list: a CIDR
// block, a single address, or the wildcard "any".
type AddrMatch struct {
	any bool
	net *net.IPNet
}

// ParseAddrMatch parses "any", a bare IPv4 address, or CIDR notation.
func ParseAddrMatch(s string) (AddrMatch, error) {
	if s == "any" || s == "ANY" {
		return AddrMatch{any: true}, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return AddrMatch{net: &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}}, nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return AddrMatch{}, err
	}
	return AddrMatch{net: n}, nil
}

// Match reports whether ip is covered by this entry.
func (m AddrMatch) Match(ip net.IP) bool {
	if m.any {
		return true
	}
	return m.net != nil && m.net.Contains(ip)
}

func matchAny(list []AddrMatch, ip net.IP) bool {
	for _, m := range list {
		if m.Match(ip) {
			return true
		}
	}
	return false
}
