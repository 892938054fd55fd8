// Package tick implements the device-tick scheduler (spec §4.L): the
// component that paces polling and joining across every device supervisor,
// as distinct from each supervisor's own discovery state machine (component
// G). Grounded directly on original_source/device_tick.cpp's state-handler
// dispatch and timing constants, translated into the tagged-enum idiom used
// throughout this module (see internal/device, internal/statechange).
package tick

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

// Timing constants, matching DEV_TICK_BOOT_TIME / TICK_INTERVAL_* exactly.
const (
	bootTime             = 8000 * time.Millisecond
	tickIntervalJoin     = 500 * time.Millisecond
	tickIntervalIdle     = 1000 * time.Millisecond
	tickIntervalIdleOTAU = 6000 * time.Millisecond
	pollTimeout          = 10000 * time.Millisecond
	joinGrace            = 20 * time.Second
)

// State is the scheduler's own pacing state, independent of any device's
// discovery state.
type State uint8

const (
	StateInit State = iota
	StateIdle
	StatePoll
	StateJoin
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StatePoll:
		return "poll"
	case StateJoin:
		return "join"
	default:
		return "unknown"
	}
}

// Device is the narrow view the scheduler needs of a device supervisor.
type Device interface {
	Key() uint64
	Reachable(now time.Time) bool
}

type joinDevice struct {
	deviceKey       uint64
	macCapabilities uint8
}

// Scheduler coordinates poking device state machines: normal idle operation
// walks every device at a relaxed pace, while Permit Join being enabled
// switches to a faster, join-only pace (DT_StateJoin in the original).
type Scheduler struct {
	bus *eventbus.Bus

	devices []Device
	devIter int

	// ApsUnconfirmedRequests reports the number of in-flight unconfirmed
	// APS requests system-wide (DA_ApsUnconfirmedRequests); polling pauses
	// once it reaches 4, the original's backpressure threshold. Injected
	// so this package does not need to depend on internal/statechange for
	// its Budget.
	ApsUnconfirmedRequests func() int
	// OtauBusy reports whether an OTA image transfer is in progress
	// (DEV_OtauBusy), widening the idle poll interval while true.
	OtauBusy func() bool

	state    State
	deadline time.Time

	joinDevices      []joinDevice
	joinDisabledTime time.Time

	curDeviceKey uint64
}

// NewScheduler constructs a scheduler in StateInit, arming the boot delay.
func NewScheduler(bus *eventbus.Bus) *Scheduler {
	s := &Scheduler{bus: bus}
	s.deadline = time.Now().Add(bootTime)
	return s
}

// SetDevices replaces the device set the idle/poll states walk, mirroring
// the original's reference to a single shared DeviceContainer.
func (s *Scheduler) SetDevices(devices []Device) {
	s.devices = devices
	if s.devIter >= len(devices) {
		s.devIter = 0
	}
}

// State returns the scheduler's current pacing state.
func (s *Scheduler) State() State { return s.state }

// HandleEvent is the scheduler's public event entry, matching
// DeviceTick::handleEvent.
func (s *Scheduler) HandleEvent(e eventbus.Event) {
	switch s.state {
	case StateInit:
		s.stepInit(e)
	case StateIdle:
		s.stepIdle(e)
	case StatePoll:
		s.stepPoll(e)
	case StateJoin:
		s.stepJoin(e)
	}
}

// Tick checks the armed deadline and, if elapsed, synthesizes the state
// timeout event the original delivered via a single-shot QTimer.
func (s *Scheduler) Tick(now time.Time) {
	if s.deadline.IsZero() || now.Before(s.deadline) {
		return
	}
	s.deadline = time.Time{}
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceLocal, eventbus.EventStateTimeout, "", 0))
}

func (s *Scheduler) startTimer(d time.Duration) {
	s.deadline = time.Now().Add(d)
}

func (s *Scheduler) stopTimer() {
	s.deadline = time.Time{}
}

// transition moves to next, firing state leave/enter the way DT_SetState
// does.
func (s *Scheduler) transition(next State) {
	if s.state == next {
		return
	}
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceLocal, eventbus.EventStateLeave, "", 0))
	s.state = next
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceLocal, eventbus.EventStateEnter, "", 0))
}

func (s *Scheduler) stepInit(e eventbus.Event) {
	if e.Resource == eventbus.ResourceLocal && e.What == eventbus.EventStateTimeout {
		log.Debug().Dur("boot", bootTime).Msg("tick scheduler booted")
		s.transition(StateIdle)
	}
}

// pollNextIdleDevice emits a poll event for the next reachable device in
// round-robin order, matching DT_PollNextIdleDevice.
func (s *Scheduler) pollNextIdleDevice(now time.Time) bool {
	if len(s.devices) == 0 {
		return false
	}
	s.devIter %= len(s.devices)
	d := s.devices[s.devIter]
	s.devIter++

	if !d.Reachable(now) {
		return false
	}
	s.curDeviceKey = d.Key()
	if s.bus != nil {
		s.bus.Enqueue(eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventPoll, d.Key()))
	}
	return true
}

func (s *Scheduler) stepIdle(e eventbus.Event) {
	if e.What == eventbus.EventPermitJoinEnabled {
		s.transition(StateJoin)
		return
	}
	if e.Resource != eventbus.ResourceLocal {
		return
	}
	switch e.What {
	case eventbus.EventStateTimeout:
		interval := tickIntervalIdle
		if s.OtauBusy != nil && s.OtauBusy() {
			interval = tickIntervalIdleOTAU
		}
		if s.ApsUnconfirmedRequests == nil || s.ApsUnconfirmedRequests() < 4 {
			if s.pollNextIdleDevice(time.Now()) {
				s.transition(StatePoll)
				return
			}
		}
		s.startTimer(interval)
	case eventbus.EventStateEnter:
		s.startTimer(tickIntervalIdle)
	case eventbus.EventStateLeave:
		s.stopTimer()
	}
}

// stepPoll waits for the polled device to finish, by either REventPollDone
// or the poll timeout, matching DT_StatePoll.
func (s *Scheduler) stepPoll(e eventbus.Event) {
	if e.What == eventbus.EventPermitJoinEnabled {
		s.transition(StateJoin)
		return
	}
	if e.Resource == eventbus.ResourceLocal {
		switch e.What {
		case eventbus.EventStateTimeout:
			s.transition(StateIdle)
		case eventbus.EventStateEnter:
			log.Debug().Uint64("device", s.curDeviceKey).Msg("tick scheduler poll enter")
			s.startTimer(pollTimeout)
		case eventbus.EventStateLeave:
			log.Debug().Uint64("device", s.curDeviceKey).Msg("tick scheduler poll leave")
			s.stopTimer()
		}
		return
	}
	if e.What == eventbus.EventPollDone {
		log.Debug().Uint64("device", s.curDeviceKey).Msg("tick scheduler poll done")
		s.transition(StateIdle)
	}
}

// registerJoiningDevice adds deviceKey to the fast-poll queue if not
// already present, matching DT_RegisterJoiningDevice.
func (s *Scheduler) registerJoiningDevice(deviceKey uint64, macCapabilities uint8) {
	for _, d := range s.joinDevices {
		if d.deviceKey == deviceKey {
			return
		}
	}
	s.joinDevices = append(s.joinDevices, joinDevice{deviceKey: deviceKey, macCapabilities: macCapabilities})
	log.Debug().Uint64("device", deviceKey).Uint8("macCapabilities", macCapabilities).Msg("tick scheduler fast poll")
}

// pollNextJoiningDevice emits EventAwake for the next device in the joining
// queue, matching DT_PollNextJoiningDevice.
func (s *Scheduler) pollNextJoiningDevice() {
	if len(s.joinDevices) == 0 {
		return
	}
	s.devIter %= len(s.joinDevices)
	d := s.joinDevices[s.devIter]
	if s.bus != nil {
		s.bus.Enqueue(eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventAwake, d.deviceKey))
	}
	s.devIter++
}

// stepJoin is active while Permit Join is enabled, fast-polling newly
// announced devices, matching DT_StateJoin.
func (s *Scheduler) stepJoin(e eventbus.Event) {
	switch {
	case e.What == eventbus.EventPermitJoinDisabled:
		s.joinDisabledTime = time.Now()
	case e.What == eventbus.EventDeviceAnnounce:
		s.registerJoiningDevice(e.DeviceKey, uint8(e.Num))
	case e.Resource == eventbus.ResourceLocal:
		switch e.What {
		case eventbus.EventStateTimeout:
			if !s.joinDisabledTime.IsZero() && time.Since(s.joinDisabledTime) > joinGrace {
				s.transition(StateIdle)
				return
			}
			s.pollNextJoiningDevice()
			s.startTimer(tickIntervalJoin)
		case eventbus.EventStateEnter:
			s.joinDisabledTime = time.Time{}
			s.startTimer(tickIntervalJoin)
		case eventbus.EventStateLeave:
			s.stopTimer()
			s.joinDevices = nil
		}
	}
}
