package service_test

import (
	"testing"

	"github.com/spagate/spagate/internal/service"
	"github.com/spagate/spagate/pkg/spa"
)

func TestRegistryGather(t *testing.T) {
	r, err := service.NewRegistry([]service.Data{
		{ID: 5, Name: "ssh", Proto: "tcp", Port: 22},
		{ID: 9, Name: "dns", Proto: "udp", Port: 53},
	})
	if err != nil {
		t.Fatalf("NewRegistry error = %v", err)
	}

	data, err := r.Gather([]uint32{9, 5})
	if err != nil {
		t.Fatalf("Gather error = %v", err)
	}
	if len(data) != 2 || data[0].ID != 9 || data[1].ID != 5 {
		t.Errorf("Gather = %+v", data)
	}
	if data[0].PortProto() != (spa.PortProto{Proto: "udp", Port: 53}) {
		t.Errorf("PortProto = %v", data[0].PortProto())
	}

	if _, err := r.Gather([]uint32{5, 77}); err == nil {
		t.Error("Gather resolved an unknown service ID")
	}
}

func TestRegistryRejectsBadEntries(t *testing.T) {
	if _, err := service.NewRegistry([]service.Data{{ID: 0, Proto: "tcp", Port: 22}}); err == nil {
		t.Error("zero service ID accepted")
	}
	if _, err := service.NewRegistry([]service.Data{
		{ID: 5, Proto: "tcp", Port: 22},
		{ID: 5, Proto: "tcp", Port: 23},
	}); err == nil {
		t.Error("duplicate service ID accepted")
	}
	if _, err := service.NewRegistry([]service.Data{{ID: 5, Proto: "icmp", Port: 0}}); err == nil {
		t.Error("bad protocol accepted")
	}
}
