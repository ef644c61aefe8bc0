package spa

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Message is a decoded SPA plaintext record.
type Message struct {
	// Random is the client's anti-collision filler; it is never interpreted.
	Random string

	// Username is the client-side username the message was built as.
	Username string

	// Timestamp is the client clock at build time.
	Timestamp time.Time

	// Version is the client software version string.
	Version string

	// Type is the request kind.
	Type MessageType

	// Body is the raw msg_body field, "ipv4,request".
	Body string

	// NatAccess is the NAT specifier ("internal_ip,port") for NAT requests.
	NatAccess string

	// ServerAuth is the optional server authentication field.
	ServerAuth string

	// ClientTimeout is the client-requested access lifetime, zero if absent.
	ClientTimeout time.Duration
}

// ParseMessage decodes a colon-delimited SPA plaintext.
func ParseMessage(plaintext string) (*Message, error) {
	fields := strings.Split(plaintext, ":")
	if len(fields) < 6 || len(fields) > 9 {
		return nil, fmt.Errorf("%w: field count %d", ErrBadData, len(fields))
	}

	for i := 0; i < 6; i++ {
		if fields[i] == "" {
			return nil, fmt.Errorf("%w: empty field %d", ErrBadData, i)
		}
	}

	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || ts < 0 {
		return nil, fmt.Errorf("%w: timestamp", ErrBadData)
	}

	mt, err := strconv.Atoi(fields[4])
	if err != nil || !MessageType(mt).Valid() {
		return nil, fmt.Errorf("%w: message type", ErrBadData)
	}

	m := &Message{
		Random:    fields[0],
		Username:  fields[1],
		Timestamp: time.Unix(ts, 0),
		Version:   fields[3],
		Type:      MessageType(mt),
		Body:      fields[5],
	}

	rest := fields[6:]
	if m.Type.HasNat() {
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: missing nat_access", ErrBadData)
		}
		m.NatAccess = rest[0]
		rest = rest[1:]
	}
	if m.Type.HasClientTimeout() {
		if len(rest) == 0 {
			return nil, fmt.Errorf("%w: missing client_timeout", ErrBadData)
		}
		secs, err := strconv.Atoi(rest[len(rest)-1])
		if err != nil || secs < 0 {
			return nil, fmt.Errorf("%w: client_timeout", ErrBadData)
		}
		m.ClientTimeout = time.Duration(secs) * time.Second
		rest = rest[:len(rest)-1]
	}
	if len(rest) > 0 {
		m.ServerAuth = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing fields", ErrBadData)
	}

	return m, nil
}

// Encode renders m back into the colon-delimited plaintext form. It is the
// exact inverse of ParseMessage for well-formed messages.
func (m *Message) Encode() string {
	fields := []string{
		m.Random,
		m.Username,
		strconv.FormatInt(m.Timestamp.Unix(), 10),
		m.Version,
		strconv.Itoa(int(m.Type)),
		m.Body,
	}
	if m.Type.HasNat() {
		fields = append(fields, m.NatAccess)
	}
	if m.ServerAuth != "" {
		fields = append(fields, m.ServerAuth)
	}
	if m.Type.HasClientTimeout() {
		fields = append(fields, strconv.Itoa(int(m.ClientTimeout/time.Second)))
	}
	return strings.Join(fields, ":")
}

// IsValidIPv4 reports whether s is a dotted-quad IPv4 address.
func IsValidIPv4(s string) bool {
	if strings.Count(s, ".") != 3 {
		return false
	}
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// PortProto is one entry of a proto/port request list.
type PortProto struct {
	Proto string
	Port  uint16
}

func (p PortProto) String() string {
	return fmt.Sprintf("%s/%d", p.Proto, p.Port)
}

// ParsePortList parses a "proto/port[,proto/port...]" request.
func ParsePortList(request string) ([]PortProto, error) {
	if request == "" {
		return nil, fmt.Errorf("%w: empty port request", ErrBadData)
	}
	parts := strings.Split(request, ",")
	out := make([]PortProto, 0, len(parts))
	for _, part := range parts {
		slash := strings.IndexByte(part, '/')
		if slash <= 0 || slash == len(part)-1 {
			return nil, fmt.Errorf("%w: port entry %q", ErrBadData, part)
		}
		proto := strings.ToLower(part[:slash])
		if proto != "tcp" && proto != "udp" {
			return nil, fmt.Errorf("%w: protocol %q", ErrBadData, proto)
		}
		port, err := strconv.ParseUint(part[slash+1:], 10, 16)
		if err != nil || port == 0 {
			return nil, fmt.Errorf("%w: port %q", ErrBadData, part[slash+1:])
		}
		out = append(out, PortProto{Proto: proto, Port: uint16(port)})
	}
	return out, nil
}

// ParseServiceIDList parses a "service-id[,service-id...]" request.
func ParseServiceIDList(request string) ([]uint32, error) {
	if request == "" {
		return nil, fmt.Errorf("%w: empty service request", ErrBadData)
	}
	parts := strings.Split(request, ",")
	out := make([]uint32, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("%w: service ID %q", ErrBadData, part)
		}
		out = append(out, uint32(id))
	}
	return out, nil
}
