// Package service maps the service IDs named by SERVICE_ACCESS requests to
// the concrete proto/port data the firewall needs.
package service

import (
	"fmt"

	"github.com/spagate/spagate/pkg/spa"
)

// Data describes one grantable service.
type Data struct {
	ID      uint32
	Name    string
	Proto   string
	Port    uint16
	NatIP   string
	NatPort uint16
}

// PortProto returns the firewall-facing proto/port of the service.
func (d Data) PortProto() spa.PortProto {
	return spa.PortProto{Proto: d.Proto, Port: d.Port}
}

// Registry resolves service IDs. It is built once from server config and is
// read-only afterwards.
type Registry struct {
	byID map[uint32]Data
}

// NewRegistry builds a registry, rejecting duplicate IDs.
func NewRegistry(services []Data) (*Registry, error) {
	byID := make(map[uint32]Data, len(services))
	for _, d := range services {
		if d.ID == 0 {
			return nil, fmt.Errorf("service %q: ID must be non-zero", d.Name)
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate service ID %d", d.ID)
		}
		if d.Proto != "tcp" && d.Proto != "udp" {
			return nil, fmt.Errorf("service %d: protocol %q", d.ID, d.Proto)
		}
		byID[d.ID] = d
	}
	return &Registry{byID: byID}, nil
}

// Gather resolves every requested service ID; any unknown ID fails the whole
// request.
func (r *Registry) Gather(ids []uint32) ([]Data, error) {
	out := make([]Data, 0, len(ids))
	for _, id := range ids {
		d, ok := r.byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown service ID %d", id)
		}
		out = append(out, d)
	}
	return out, nil
}
