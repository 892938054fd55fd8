package tick

import (
	"testing"
	"time"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

type fakeDevice struct {
	key        uint64
	reachable  bool
}

func (d *fakeDevice) Key() uint64                    { return d.key }
func (d *fakeDevice) Reachable(now time.Time) bool { return d.reachable }

func newTestScheduler() (*Scheduler, *eventbus.Bus, *[]eventbus.Event) {
	bus := eventbus.New()
	var got []eventbus.Event
	bus.Subscribe(eventbus.ResourceKind("device"), func(e eventbus.Event) { got = append(got, e) })
	s := NewScheduler(bus)
	return s, bus, &got
}

func TestScheduler_BootsIntoIdleAfterBootTime(t *testing.T) {
	s, _, _ := newTestScheduler()
	if s.State() != StateInit {
		t.Fatalf("State() = %v, want StateInit", s.State())
	}
	s.Tick(time.Now().Add(bootTime + time.Millisecond))
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle", s.State())
	}
}

func bootScheduler(s *Scheduler) {
	s.Tick(time.Now().Add(bootTime + time.Millisecond))
}

func TestScheduler_IdlePollsReachableDeviceThenReturnsToIdle(t *testing.T) {
	s, bus, got := newTestScheduler()
	bootScheduler(s)
	s.SetDevices([]Device{&fakeDevice{key: 1, reachable: true}})

	s.Tick(time.Now().Add(tickIntervalIdle + time.Millisecond))
	if s.State() != StatePoll {
		t.Fatalf("State() = %v, want StatePoll", s.State())
	}
	bus.Drain()
	if len(*got) != 1 || (*got)[0].What != eventbus.EventPoll {
		t.Fatalf("got events %v, want one EventPoll", *got)
	}

	s.HandleEvent(eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventPollDone, 1))
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle after poll done", s.State())
	}
}

func TestScheduler_PollTimesOutBackToIdle(t *testing.T) {
	s, _, _ := newTestScheduler()
	bootScheduler(s)
	s.SetDevices([]Device{&fakeDevice{key: 1, reachable: true}})
	s.Tick(time.Now().Add(tickIntervalIdle + time.Millisecond))
	if s.State() != StatePoll {
		t.Fatalf("State() = %v, want StatePoll", s.State())
	}
	s.Tick(time.Now().Add(pollTimeout + time.Millisecond))
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle after poll timeout", s.State())
	}
}

func TestScheduler_UnreachableDeviceKeepsIdleWaiting(t *testing.T) {
	s, _, _ := newTestScheduler()
	bootScheduler(s)
	s.SetDevices([]Device{&fakeDevice{key: 1, reachable: false}})
	s.Tick(time.Now().Add(tickIntervalIdle + time.Millisecond))
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle (no reachable device to poll)", s.State())
	}
}

func TestScheduler_ApsBackpressureSkipsPolling(t *testing.T) {
	s, bus, got := newTestScheduler()
	s.ApsUnconfirmedRequests = func() int { return 10 }
	bootScheduler(s)
	s.SetDevices([]Device{&fakeDevice{key: 1, reachable: true}})
	s.Tick(time.Now().Add(tickIntervalIdle + time.Millisecond))
	if s.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle under backpressure", s.State())
	}
	bus.Drain()
	if len(*got) != 0 {
		t.Errorf("got %d poll events, want 0 under backpressure", len(*got))
	}
}

func TestScheduler_PermitJoinEnabledSwitchesToJoin(t *testing.T) {
	s, _, _ := newTestScheduler()
	bootScheduler(s)
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceKind("device"), eventbus.EventPermitJoinEnabled, "", 0))
	if s.State() != StateJoin {
		t.Fatalf("State() = %v, want StateJoin", s.State())
	}
}

func TestScheduler_JoinFastPollsAnnouncedDevice(t *testing.T) {
	s, bus, got := newTestScheduler()
	bootScheduler(s)
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceKind("device"), eventbus.EventPermitJoinEnabled, "", 0))

	announce := eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventDeviceAnnounce, 0xabc)
	announce.Num = 0x80
	s.HandleEvent(announce)

	s.Tick(time.Now().Add(tickIntervalJoin + time.Millisecond))
	bus.Drain()

	if len(*got) != 1 || (*got)[0].What != eventbus.EventAwake || (*got)[0].DeviceKey != 0xabc {
		t.Fatalf("got events %v, want one EventAwake for 0xabc", *got)
	}
}

func TestScheduler_JoinReturnsToIdleAfterGraceFollowingPermitJoinDisabled(t *testing.T) {
	s, _, _ := newTestScheduler()
	bootScheduler(s)
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceKind("device"), eventbus.EventPermitJoinEnabled, "", 0))
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceKind("device"), eventbus.EventPermitJoinDisabled, "", 0))
	s.joinDisabledTime = time.Now().Add(-joinGrace - time.Second)

	s.Tick(time.Now().Add(tickIntervalJoin + time.Millisecond))

	if s.State() != StateIdle {
		t.Errorf("State() = %v, want StateIdle after the join grace period elapses", s.State())
	}
}
