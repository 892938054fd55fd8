package device

import (
	"context"
	"testing"
	"time"

	"github.com/dresden-elektronik/gwcore/internal/aps"
	"github.com/dresden-elektronik/gwcore/internal/ddf"
	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

type fakeController struct {
	sent []aps.Request
}

func (f *fakeController) Send(ctx context.Context, req aps.Request) (uint8, aps.SendResult, error) {
	f.sent = append(f.sent, req)
	return uint8(len(f.sent)), aps.SendEnqueued, nil
}
func (f *fakeController) Indication(cb func(aps.Indication)) {}
func (f *fakeController) Confirm(cb func(aps.Confirm))       {}
func (f *fakeController) GetNode(int) (aps.Node, bool)       { return aps.Node{}, false }
func (f *fakeController) Param(aps.Param) (any, error)       { return nil, nil }

func newTestSupervisor() (*Supervisor, *fakeController, *eventbus.Bus) {
	bus := eventbus.New()
	ctrl := &fakeController{}
	store := ddf.NewStore(".", bus)
	s := NewSupervisor(0x0011223344556677, aps.Address{Mode: aps.AddrNWK, NWK: 0xABCD}, bus, ctrl, store)
	return s, ctrl, bus
}

func TestSupervisor_AdvancesFromInitOnAwake(t *testing.T) {
	s, ctrl, bus := newTestSupervisor()
	bus.Subscribe(eventbus.ResourceKind("device"), func(e eventbus.Event) { s.HandleEvent(context.Background(), e) })
	s.HandleEvent(context.Background(), eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventAwake, s.DeviceKey))

	if s.State() != StateNodeDescriptor {
		t.Fatalf("expected NodeDescriptor, got %v", s.State())
	}
	// The request goes out when the supervisor handles its own state.enter
	// event, which the transition only enqueued.
	bus.Drain()
	if len(ctrl.sent) != 1 || ctrl.sent[0].ClusterID != 0x0002 {
		t.Fatalf("expected node descriptor request sent, got %+v", ctrl.sent)
	}
}

func TestSupervisor_UnreachableDeviceStaysInInit(t *testing.T) {
	s, ctrl, _ := newTestSupervisor()
	s.HandleEvent(context.Background(), eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventPoll, s.DeviceKey))

	if s.State() != StateInit {
		t.Fatalf("expected to remain in Init when unreachable, got %v", s.State())
	}
	if len(ctrl.sent) != 0 {
		t.Fatalf("expected no request sent while unreachable, got %+v", ctrl.sent)
	}
}

func TestSupervisor_DiscoveryTimeoutReturnsToInit(t *testing.T) {
	s, _, _ := newTestSupervisor()
	s.HandleEvent(context.Background(), eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventAwake, s.DeviceKey))
	if s.State() != StateNodeDescriptor {
		t.Fatalf("expected NodeDescriptor, got %v", s.State())
	}

	s.HandleEvent(context.Background(), eventbus.NewEvent(eventbus.ResourceKind("device"), eventbus.EventStateTimeout, "", 0))
	if s.State() != StateInit {
		t.Fatalf("expected Init after discovery timeout, got %v", s.State())
	}
}

func TestSupervisor_ReachableWithinWindow(t *testing.T) {
	s, _, _ := newTestSupervisor()
	now := time.Now()
	s.lastAwake = now
	if !s.Reachable(now.Add(4 * time.Second)) {
		t.Fatal("expected reachable within the 8s window")
	}
	if s.Reachable(now.Add(20 * time.Second)) {
		t.Fatal("expected unreachable past the window for an rx-off device")
	}
}

func TestSupervisor_BindDDFPopulatesPollItems(t *testing.T) {
	s, _, _ := newTestSupervisor()
	cmd := uint8(0x01)
	d := &ddf.DDF{
		Match: ddf.MatchCriteria{Manufacturer: "Philips", Model: "LCT001"},
		SubDevices: map[string]map[string]ddf.Item{
			"lights": {
				"state/on": {
					Read: &ddf.AccessParams{Fn: ddf.FnZCL, Endpoint: 1, Cluster: 0x0006, Attributes: []uint16{0x0000}},
				},
				"state/bri": {
					Read:  &ddf.AccessParams{Fn: ddf.FnZCL, Endpoint: 1, Cluster: 0x0008, Attributes: []uint16{0x0000}},
					Write: &ddf.AccessParams{Fn: ddf.FnZCL, Endpoint: 1, Cluster: 0x0008, Command: &cmd},
				},
			},
		},
	}

	s.bindDDF(d)

	if len(s.pollItems) != 2 {
		t.Fatalf("expected 2 pollable items, got %v", s.pollItems)
	}
	if s.pollItems[0] != "state/bri" || s.pollItems[1] != "state/on" {
		t.Fatalf("expected sorted suffix order, got %v", s.pollItems)
	}
}

func TestSupervisor_PollRoundRobinsAndEntersPollBusy(t *testing.T) {
	s, ctrl, _ := newTestSupervisor()
	d := &ddf.DDF{
		SubDevices: map[string]map[string]ddf.Item{
			"lights": {
				"state/on": {Read: &ddf.AccessParams{Fn: ddf.FnZCL, Endpoint: 1, Cluster: 0x0006, Attributes: []uint16{0x0000}}},
			},
		},
	}
	s.bindDDF(d)
	s.node.Endpoints = []uint8{1}

	s.tickPoll(context.Background(), eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventPoll, s.DeviceKey))

	if s.subState[2] != PollBusy {
		t.Fatalf("expected PollBusy after enqueuing a read, got %d", s.subState[2])
	}
	if len(ctrl.sent) != 1 {
		t.Fatalf("expected one read request sent, got %d", len(ctrl.sent))
	}
}
