// Package statechange implements the convergence loop that retries a write
// until a target resource item is observed to match (spec §4.H). Ticked
// from the owning device supervisor's event handler, not on its own timer.
package statechange

import (
	"context"
	"reflect"
	"time"

	"github.com/dresden-elektronik/gwcore/internal/aps"
	"github.com/dresden-elektronik/gwcore/internal/ddf"
	"github.com/dresden-elektronik/gwcore/internal/resource"
	"github.com/dresden-elektronik/gwcore/internal/zigbee"
)

// InnerState is StateChange's own convergence state.
type InnerState uint8

const (
	SCCallFunction InnerState = iota
	SCWaitSync
	SCRead
	SCFinished
	SCFailed
)

// perStateTimeout and wholeChangeTimeout are the defaults from spec §3.
const (
	perStateTimeout    = 5 * time.Second
	wholeChangeTimeout = 180 * time.Second
)

// syncStatus tracks one target's convergence.
type syncStatus uint8

const (
	syncUnknown syncStatus = iota
	syncSynced
	syncNotSynced
)

// Target is one (suffix, value) pair the change must converge on.
type Target struct {
	Suffix string
	Value  any

	status syncStatus
}

// ChangeFunc performs the side-effecting write for one tick of CallFunction.
// It returns the number of APS requests it enqueued. Tick does not use that
// count: it reserves one budget slot per target (at least one) instead.
type ChangeFunc func(ctx context.Context, targets []Target, parameters map[string]any) (inFlight int, err error)

// Budget is the system-wide cap on unconfirmed APS requests shared by every
// StateChange; at most 5 may be in flight at once (spec §4.H).
type Budget struct {
	max     int
	current int
}

// NewBudget returns a Budget capped at n in-flight requests.
func NewBudget(n int) *Budget { return &Budget{max: n} }

func (b *Budget) reserve(n int) bool {
	if b.current+n > b.max {
		return false
	}
	b.current += n
	return true
}

// Release returns n in-flight slots, called when a confirm or its timeout
// resolves them.
func (b *Budget) Release(n int) {
	b.current -= n
	if b.current < 0 {
		b.current = 0
	}
}

// StateChange drives one write-and-verify cycle.
type StateChange struct {
	Targets    []Target
	Parameters map[string]any
	Fn         ChangeFunc
	DstEndpoint uint8

	state        InnerState
	stateEntered time.Time
	changeStart  time.Time
	budget       *Budget
	reserved     int

	ResolveItem func(suffix string) (*resource.Item, bool)
}

// New creates a StateChange in CallFunction, ready for its first Tick.
func New(targets []Target, parameters map[string]any, fn ChangeFunc, budget *Budget) *StateChange {
	now := time.Now()
	return &StateChange{
		Targets:      targets,
		Parameters:   parameters,
		Fn:           fn,
		state:        SCCallFunction,
		stateEntered: now,
		changeStart:  now,
		budget:       budget,
	}
}

// State returns the current inner state.
func (sc *StateChange) State() InnerState { return sc.state }

// VerifyItemChange is called for every item the owning device just observed
// change from a device-sourced write. It marks the matching target Synced
// or NotSynced and, if every target is now Synced, finishes the change.
func (sc *StateChange) VerifyItemChange(suffix string) {
	if sc.state != SCWaitSync {
		return
	}
	if sc.ResolveItem == nil {
		return
	}
	it, ok := sc.ResolveItem(suffix)
	if !ok || it.Source() != resource.SourceDevice {
		return
	}

	for i := range sc.Targets {
		t := &sc.Targets[i]
		if t.Suffix != suffix {
			continue
		}
		if valuesEqual(it.Value(), t.Value) {
			t.status = syncSynced
		} else {
			t.status = syncNotSynced
		}
	}

	if sc.allSynced() {
		sc.enter(SCFinished)
	}
}

func (sc *StateChange) allSynced() bool {
	for _, t := range sc.Targets {
		if t.status != syncSynced {
			return false
		}
	}
	return true
}

func (sc *StateChange) anyUnknown() bool {
	for _, t := range sc.Targets {
		if t.status == syncUnknown {
			return true
		}
	}
	return false
}

// Tick advances the state machine by at most one step. The caller passes
// the current time so the whole thing is deterministic under test.
func (sc *StateChange) Tick(now time.Time) {
	if sc.state == SCFinished || sc.state == SCFailed {
		return
	}
	if now.Sub(sc.changeStart) > wholeChangeTimeout {
		sc.fail()
		return
	}

	switch sc.state {
	case SCCallFunction:
		sc.tickCallFunction(now)
	case SCWaitSync:
		sc.tickWaitSync(now)
	case SCRead:
		sc.tickRead(now)
	}
}

func (sc *StateChange) tickCallFunction(now time.Time) {
	if sc.Fn == nil {
		sc.fail()
		return
	}
	n := len(sc.Targets)
	if n == 0 {
		n = 1
	}
	if sc.budget != nil && !sc.budget.reserve(n) {
		return // system-wide budget exceeded: tick is a no-op (spec §4.H)
	}
	if _, err := sc.Fn(context.Background(), sc.Targets, sc.Parameters); err != nil {
		if sc.budget != nil {
			sc.budget.Release(n)
		}
		sc.fail()
		return
	}
	sc.reserved = n
	sc.enter(SCWaitSync)
}

func (sc *StateChange) tickWaitSync(now time.Time) {
	if now.Sub(sc.stateEntered) <= perStateTimeout {
		return
	}
	if sc.budget != nil && sc.reserved > 0 {
		sc.budget.Release(sc.reserved)
		sc.reserved = 0
	}
	if sc.anyUnknown() {
		sc.enter(SCRead)
		return
	}
	sc.enter(SCCallFunction)
}

func (sc *StateChange) tickRead(now time.Time) {
	_ = now
	// Re-issuing the bound read of unknown targets belongs to the caller
	// (the supervisor knows each target's DDF read parameters); here we
	// only track the state transition back once the supervisor signals it
	// has enqueued reads, via ReadEnqueued.
}

// ReadEnqueued transitions Read -> WaitSync once the supervisor has
// reissued reads for every unknown target.
func (sc *StateChange) ReadEnqueued() {
	if sc.state == SCRead {
		sc.enter(SCWaitSync)
	}
}

func (sc *StateChange) fail() {
	if sc.budget != nil && sc.reserved > 0 {
		sc.budget.Release(sc.reserved)
		sc.reserved = 0
	}
	sc.enter(SCFailed)
}

func (sc *StateChange) enter(s InnerState) {
	sc.state = s
	sc.stateEntered = time.Now()
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// WriteZCL is the built-in change function that, for each target, copies
// the item's bound write parameters and invokes the access-layer write with
// the target value substituted in.
func WriteZCL(ctrl aps.Controller, dst aps.Address, srcEndpoint uint8, paramsFor func(suffix string) *ddf.AccessParams, write func(ctx context.Context, ctrl aps.Controller, dst aps.Address, srcEndpoint uint8, p *ddf.AccessParams, value any) error) ChangeFunc {
	return func(ctx context.Context, targets []Target, _ map[string]any) (int, error) {
		n := 0
		for _, t := range targets {
			p := paramsFor(t.Suffix)
			if p == nil {
				continue
			}
			if err := write(ctx, ctrl, dst, srcEndpoint, p, t.Value); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	}
}

// SetOnOff is the built-in change function for the On/Off cluster: it reads
// `cmd` from parameters (`on`, `off`, `off-with-effect`) and sends the
// corresponding cluster-specific command, ignoring individual targets.
func SetOnOff(ctrl aps.Controller, dst aps.Address, srcEndpoint, dstEndpoint uint8) ChangeFunc {
	return func(ctx context.Context, _ []Target, parameters map[string]any) (int, error) {
		cmd, _ := parameters["cmd"].(string)
		var commandID uint8
		switch cmd {
		case "on":
			commandID = zigbee.CmdOn
		case "off-with-effect":
			commandID = zigbee.CmdOffWithEffect
		default:
			commandID = zigbee.CmdOff
		}
		req := aps.Request{
			Dst:         dst,
			SrcEndpoint: srcEndpoint,
			DstEndpoint: dstEndpoint,
			ProfileID:   zigbee.ProfileHA,
			ClusterID:   zigbee.ClusterOnOff,
			Payload:     zigbee.BuildOnOffCommand(commandID).Encode(),
		}
		if _, _, err := ctrl.Send(ctx, req); err != nil {
			return 0, err
		}
		return 1, nil
	}
}
