// Package device implements the per-device supervisor state machine
// (spec §4.G): discovery, DDF binding, and the two parallel idle sub-state
// machines (binding-table reconciliation, round-robin polling). Grounded on
// the teacher's pkg/zigbee/controller.go device map and pkg/device's
// Controller/EventSubscriber interfaces, generalized from a flat
// discover-once model into a tagged-enum state machine: function-pointer
// state handlers become a state enum dispatched through a single switch,
// matching the idiomatic Go replacement for the original's table of
// function pointers.
package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/aps"
	"github.com/dresden-elektronik/gwcore/internal/ddf"
	"github.com/dresden-elektronik/gwcore/internal/eventbus"
	"github.com/dresden-elektronik/gwcore/internal/resource"
	"github.com/dresden-elektronik/gwcore/internal/statechange"
	"github.com/dresden-elektronik/gwcore/internal/zigbee"
)

// TopState is the supervisor's top-level discovery/identification state.
type TopState uint8

const (
	StateInit TopState = iota
	StateNodeDescriptor
	StateActiveEndpoints
	StateSimpleDescriptors
	StateBasicCluster
	StateGetDDF
	StateIdle
	StateDead
)

func (s TopState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateNodeDescriptor:
		return "node-descriptor"
	case StateActiveEndpoints:
		return "active-endpoints"
	case StateSimpleDescriptors:
		return "simple-descriptors"
	case StateBasicCluster:
		return "basic-cluster"
	case StateGetDDF:
		return "get-ddf"
	case StateIdle:
		return "idle"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// discoveryTimeout is the 8-second window allotted to each discovery state —
// roughly one MAC poll cycle for rx-off-when-idle end devices, with
// headroom (spec §4.G).
const discoveryTimeout = 8 * time.Second

// reachableWindow bounds how stale `last awake` may be before a device is
// considered unreachable, absent a node descriptor saying otherwise.
const reachableWindow = 8 * time.Second

// SimpleDescriptor is the per-endpoint descriptor collected during
// discovery.
type SimpleDescriptor struct {
	Endpoint uint8
	ProfileID uint16
	DeviceID  uint16
	InClusters []uint16
	OutClusters []uint16
}

// Node mirrors the subset of aps.Node state the supervisor tracks locally
// plus discovery results not carried by the boundary type.
type Node struct {
	HasNodeDescriptor bool
	ReceiverOnWhenIdle bool

	Endpoints []uint8
	SimpleDescriptors map[uint8]SimpleDescriptor

	Manufacturer string
	Model        string
}

func (n *Node) allSimpleDescriptorsKnown() bool {
	if len(n.Endpoints) == 0 {
		return false
	}
	for _, ep := range n.Endpoints {
		sd, ok := n.SimpleDescriptors[ep]
		if !ok || sd.DeviceID == 0xFFFF {
			return false
		}
	}
	return true
}

// Supervisor owns one physical device's discovery/identification lifecycle
// and its idle-time sub-states. Not safe for concurrent use from more than
// one goroutine; callers serialize access through the owning event bus.
type Supervisor struct {
	DeviceKey uint64
	Address   aps.Address

	state    TopState
	subState [3]uint8 // index 0 unused, 1 = BindingHandler, 2 = Poll

	node Node

	lastAwake      time.Time
	stateEntered   time.Time
	deadline       time.Time
	pendingReqID   uint8
	pendingSeq     uint8

	pollIndex      int
	bindingLastRun time.Time
	pollDeadline   time.Time

	managed bool

	bus      *eventbus.Bus
	ctrl     aps.Controller
	ddfStore *ddf.Store

	subDevices map[string]*resource.Resource // unique-id -> sub-device resource
	stateChanges []*statechange.StateChange

	ddfMatch     *ddf.DDF
	pollItems    []string // suffixes of the first sub-device, in Poll round-robin order
	pollParams   map[string]ddf.AccessParams
}

// NewSupervisor creates a supervisor for deviceKey in StateInit.
func NewSupervisor(deviceKey uint64, addr aps.Address, bus *eventbus.Bus, ctrl aps.Controller, store *ddf.Store) *Supervisor {
	return &Supervisor{
		DeviceKey:  deviceKey,
		Address:    addr,
		bus:        bus,
		ctrl:       ctrl,
		ddfStore:   store,
		node:       Node{SimpleDescriptors: make(map[uint8]SimpleDescriptor)},
		subDevices: make(map[string]*resource.Resource),
	}
}

// State returns the current top-level state.
func (s *Supervisor) State() TopState { return s.state }

// Key returns the device's identifying key, satisfying internal/tick.Device.
func (s *Supervisor) Key() uint64 { return s.DeviceKey }

// Reachable reports whether the device is presumed awake per spec §4.G.
func (s *Supervisor) Reachable(now time.Time) bool {
	if now.Sub(s.lastAwake) <= reachableWindow {
		return true
	}
	return s.node.ReceiverOnWhenIdle
}

// HandleEvent drives the top-level state machine and, while idle, the two
// parallel sub-state machines from one incoming bus event.
func (s *Supervisor) HandleEvent(ctx context.Context, e eventbus.Event) {
	switch e.What {
	case eventbus.EventAwake:
		s.lastAwake = time.Now()
	case eventbus.EventStateTimeout:
		s.onTimeout(ctx)
		return
	}

	switch s.state {
	case StateInit:
		s.stepInit(ctx)
	case StateNodeDescriptor:
		s.stepNodeDescriptor(ctx, e)
	case StateActiveEndpoints:
		s.stepActiveEndpoints(ctx, e)
	case StateSimpleDescriptors:
		s.stepSimpleDescriptors(ctx, e)
	case StateBasicCluster:
		s.stepBasicCluster(ctx, e)
	case StateGetDDF:
		s.stepGetDDF(ctx, e)
	case StateIdle:
		s.stepIdle(ctx, e)
	case StateDead:
		if e.What == eventbus.EventDDFReload {
			s.transition(StateInit)
		}
	}
}

func (s *Supervisor) transition(next TopState) {
	s.emitSelf(eventbus.EventStateLeave)
	log.Debug().Uint64("device", s.DeviceKey).Str("from", s.state.String()).Str("to", next.String()).Msg("device state transition")
	s.state = next
	s.stateEntered = time.Now()
	s.deadline = time.Time{}
	s.emitSelf(eventbus.EventStateEnter)
}

func (s *Supervisor) emitSelf(what string) {
	if s.bus == nil {
		return
	}
	s.bus.Enqueue(eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), what, s.DeviceKey))
}

func (s *Supervisor) onTimeout(ctx context.Context) {
	switch s.state {
	case StateNodeDescriptor, StateActiveEndpoints, StateSimpleDescriptors:
		s.transition(StateInit)
	case StateBasicCluster:
		s.transition(StateInit)
	case StateIdle:
		if s.subState[2] == PollBusy {
			s.subState[2] = PollIdle
		}
	}
}

func (s *Supervisor) stepInit(ctx context.Context) {
	if !s.Reachable(time.Now()) {
		return
	}
	if s.node.HasNodeDescriptor {
		s.transition(StateActiveEndpoints)
		return
	}
	s.transition(StateNodeDescriptor)
}

func (s *Supervisor) stepNodeDescriptor(ctx context.Context, e eventbus.Event) {
	if s.node.HasNodeDescriptor {
		s.transition(StateActiveEndpoints)
		return
	}
	if e.What == eventbus.EventStateEnter {
		if !s.Reachable(time.Now()) {
			s.transition(StateInit)
			return
		}
		s.sendZDP(ctx, zigbee.ZDPNodeDescriptorReq, s.startTimeout())
		return
	}
	if e.What == eventbus.EventNodeDescriptor {
		s.node.HasNodeDescriptor = true
		s.transition(StateActiveEndpoints)
	}
}

func (s *Supervisor) stepActiveEndpoints(ctx context.Context, e eventbus.Event) {
	if len(s.node.Endpoints) > 0 {
		s.transition(StateSimpleDescriptors)
		return
	}
	if e.What == eventbus.EventStateEnter {
		if !s.Reachable(time.Now()) {
			s.transition(StateInit)
			return
		}
		s.sendZDP(ctx, zigbee.ZDPActiveEPReq, s.startTimeout())
		return
	}
	if e.What == eventbus.EventActiveEndpoints {
		s.transition(StateSimpleDescriptors)
	}
}

func (s *Supervisor) stepSimpleDescriptors(ctx context.Context, e eventbus.Event) {
	if s.node.allSimpleDescriptorsKnown() {
		s.transition(StateBasicCluster)
		return
	}
	if e.What == eventbus.EventStateEnter {
		if !s.Reachable(time.Now()) {
			s.transition(StateInit)
			return
		}
		s.sendZDP(ctx, zigbee.ZDPSimpleDescriptorReq, s.startTimeout())
		return
	}
	if e.What == eventbus.EventSimpleDescriptor {
		if s.node.allSimpleDescriptorsKnown() {
			s.transition(StateBasicCluster)
		}
	}
}

func (s *Supervisor) stepBasicCluster(ctx context.Context, e eventbus.Event) {
	if s.node.Manufacturer != "" && s.node.Model != "" {
		s.transition(StateGetDDF)
		return
	}
	if e.What == eventbus.EventStateEnter {
		if !s.Reachable(time.Now()) {
			s.transition(StateInit)
			return
		}
		s.readBasicCluster(ctx)
		s.startTimeout()
		return
	}
	if e.What == eventbus.EventZCLResponse {
		if s.node.Manufacturer != "" && s.node.Model != "" {
			s.transition(StateGetDDF)
		}
	}
}

func (s *Supervisor) stepGetDDF(ctx context.Context, e eventbus.Event) {
	if e.What == eventbus.EventStateEnter {
		s.emitSelf(eventbus.EventDDFInitRequest)
		if s.ddfStore != nil {
			if d, ok := s.ddfStore.Match(s.node.Manufacturer, s.node.Model); ok {
				s.bindDDF(d)
				s.transition(StateIdle)
			} else {
				s.transition(StateDead)
			}
		}
		return
	}
	if e.What == eventbus.EventDDFInitResponse {
		if e.Num == 1 {
			s.transition(StateIdle)
		} else {
			s.transition(StateDead)
		}
	}
}

func (s *Supervisor) stepIdle(ctx context.Context, e eventbus.Event) {
	if e.What == eventbus.EventDDFReload {
		s.transition(StateInit)
		return
	}

	s.tickBindingHandler(ctx, e)
	s.tickPoll(ctx, e)

	for _, sc := range s.stateChanges {
		if e.ID != "" {
			sc.VerifyItemChange(e.ID)
		}
		sc.Tick(time.Now())
	}
}

// startTimeout arms an 8-second discovery timeout and returns the deadline,
// matching the spec's stated budget for a MAC poll cycle plus headroom.
func (s *Supervisor) startTimeout() time.Time {
	s.deadline = time.Now().Add(discoveryTimeout)
	return s.deadline
}

func (s *Supervisor) sendZDP(ctx context.Context, command uint16, _ time.Time) {
	if s.ctrl == nil {
		return
	}
	req := aps.Request{
		Dst:       s.Address,
		ProfileID: zigbee.ProfileZDP,
		ClusterID: command,
		Payload:   []byte{s.pendingSeq},
	}
	id, _, err := s.ctrl.Send(ctx, req)
	if err != nil {
		log.Warn().Err(err).Uint64("device", s.DeviceKey).Msg("zdp send failed")
		return
	}
	s.pendingReqID = id
}

func (s *Supervisor) readBasicCluster(ctx context.Context) {
	if s.ctrl == nil {
		return
	}
	req := aps.Request{
		Dst:       s.Address,
		ProfileID: zigbee.ProfileHA,
		ClusterID: zigbee.ClusterBasic,
		Payload:   zigbee.EncodeReadAttributes([]uint16{zigbee.AttrManufacturerName, zigbee.AttrModelID}),
	}
	_, _, _ = s.ctrl.Send(ctx, req)
}

// AddStateChange attaches a convergence loop to this device.
func (s *Supervisor) AddStateChange(sc *statechange.StateChange) {
	s.stateChanges = append(s.stateChanges, sc)
}

// PruneFinishedStateChanges drops Finished/Failed state changes. HandleEvent
// does not call it, and neither does the device-tick scheduler; until it is
// called, Idle keeps visiting every attached state change on each event.
func (s *Supervisor) PruneFinishedStateChanges() {
	kept := s.stateChanges[:0]
	for _, sc := range s.stateChanges {
		if sc.State() != statechange.SCFinished && sc.State() != statechange.SCFailed {
			kept = append(kept, sc)
		}
	}
	s.stateChanges = kept
}
