package device

import (
	"context"
	"sort"
	"time"

	"github.com/dresden-elektronik/gwcore/internal/access"
	"github.com/dresden-elektronik/gwcore/internal/ddf"
	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

// Level-2 sub-states for the round-robin poller, stored in subState[2].
const (
	PollIdle uint8 = iota
	PollBusy
)

const pollConfirmTimeout = 10 * time.Second

// bindDDF records the matched DDF's first sub-device's items as the Poll
// round-robin set (spec §4.G: "iterate items in the first sub-device").
func (s *Supervisor) bindDDF(d *ddf.DDF) {
	s.ddfMatch = d
	s.pollItems = nil
	s.pollParams = make(map[string]ddf.AccessParams)

	kinds := make([]string, 0, len(d.SubDevices))
	for kind := range d.SubDevices {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	if len(kinds) == 0 {
		return
	}
	first := d.SubDevices[kinds[0]]

	suffixes := make([]string, 0, len(first))
	for suffix := range first {
		suffixes = append(suffixes, suffix)
	}
	sort.Strings(suffixes)

	for _, suffix := range suffixes {
		item := first[suffix]
		if item.Read == nil {
			continue
		}
		s.pollItems = append(s.pollItems, suffix)
		s.pollParams[suffix] = *item.Read
	}
	s.pollIndex = 0
}

// tickPoll drives the level-2 round-robin poller.
func (s *Supervisor) tickPoll(ctx context.Context, e eventbus.Event) {
	switch s.subState[2] {
	case PollIdle:
		if e.What != eventbus.EventPoll || len(s.pollItems) == 0 || s.ctrl == nil {
			return
		}
		suffix := s.pollItems[s.pollIndex%len(s.pollItems)]
		s.pollIndex++
		params := s.pollParams[suffix]

		res, err := access.Read(ctx, s.ctrl, s.Address, s.firstEndpoint(), s.autoEndpoint, &params)
		if err != nil || !res.Enqueued {
			return
		}
		s.pendingReqID = res.ApsReqID
		s.pollDeadline = time.Now().Add(pollConfirmTimeout)
		s.subState[2] = PollBusy
	case PollBusy:
		if e.What == eventbus.EventApsConfirm && uint8(e.Num) == s.pendingReqID {
			s.subState[2] = PollIdle
			return
		}
		if time.Now().After(s.pollDeadline) {
			s.subState[2] = PollIdle
		}
	}
}

func (s *Supervisor) firstEndpoint() uint8 {
	if len(s.node.Endpoints) == 0 {
		return 0
	}
	return s.node.Endpoints[0]
}

func (s *Supervisor) autoEndpoint() uint8 {
	return s.firstEndpoint()
}
