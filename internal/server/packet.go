package server

import (
	"net"
	"strconv"
)

// Packet is the per-datagram scratch record handed to the SPA pipeline. It
// is owned by the pipeline for the duration of one packet and never escapes
// it.
type Packet struct {
	// Data is the raw payload. The classifier may rewrite it in place
	// (HTTP unwrapping).
	Data []byte

	// Addressing captured at receive time.
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16

	// SDPID is the extracted client identifier, zero when identifier mode
	// is disabled. SDPIDStr is its decimal form for logs and lookups.
	SDPID    uint32
	SDPIDStr string
}

func (p *Packet) setSDPID(id uint32) {
	p.SDPID = id
	p.SDPIDStr = strconv.FormatUint(uint64(id), 10)
}
