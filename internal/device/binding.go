package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
	"github.com/dresden-elektronik/gwcore/internal/zigbee"
)

// Level-1 sub-states for the BindingHandler, stored in subState[1].
//
// AddBinding, ReadReportConfig, and ConfigReporting are reserved: the
// original supervisor enumerates the binding table and logs it but never
// drives these children, so they stay as named, unimplemented constants
// rather than silently dropped (spec §4.G Open Question 2).
const (
	BindingIdle uint8 = iota
	BindingVerify
	BindingAddBinding
	BindingReadReportConfig
	BindingConfigReporting
)

const bindingHandlerInterval = 5 * time.Minute

// tickBindingHandler drives the level-1 sub-state machine: every five
// minutes, on a poll or awake event, it requests the device's binding table
// and logs the entries it gets back.
func (s *Supervisor) tickBindingHandler(ctx context.Context, e eventbus.Event) {
	switch s.subState[1] {
	case BindingIdle:
		if e.What != eventbus.EventPoll && e.What != eventbus.EventAwake {
			return
		}
		if time.Since(s.bindingLastRun) < bindingHandlerInterval {
			return
		}
		if s.ctrl == nil {
			return
		}
		s.bindingLastRun = time.Now()
		s.subState[1] = BindingVerify
		s.sendZDP(ctx, zigbee.ZDPMgmtBindReq, s.startBindingTimeout())
	case BindingVerify:
		if e.What == eventbus.EventStateTimeout {
			s.subState[1] = BindingIdle
			return
		}
		if e.What == eventbus.EventZDPResponse {
			log.Debug().Uint64("device", s.DeviceKey).Int64("entries", e.Num).Msg("binding table entries")
			s.subState[1] = BindingIdle
		}
	}
}

func (s *Supervisor) startBindingTimeout() time.Time {
	deadline := time.Now().Add(discoveryTimeout)
	return deadline
}
