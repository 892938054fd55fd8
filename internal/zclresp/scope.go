// Package zclresp implements the ZCL default-response coordinator (spec
// §4.I): a scope constructed around handling of one incoming ZCL indication
// that watches every outbound request sent during that scope and, if none of
// them answered the inbound frame, emits a default response on Close. Go
// idiom for the original's RAII scope object: a struct with a Close method
// used via defer.
package zclresp

import (
	"context"

	"github.com/dresden-elektronik/gwcore/internal/aps"
	"github.com/dresden-elektronik/gwcore/internal/zigbee"
)

// scopeState is DefaultResponseScope's own state.
type scopeState uint8

const (
	scopeInit scopeState = iota
	scopeWatch
	scopeHasResponse
	scopeNoResponseNeeded
)

// DefaultResponseScope watches one ZCL indication's handling for a specific
// response and emits a default response on Close if none was sent.
type DefaultResponseScope struct {
	ctx   context.Context
	ctrl  aps.Controller
	ind   aps.Indication
	frame zigbee.Frame

	state scopeState
}

// Begin opens a scope for ind. Callers skip opening one at all for the ZDP
// profile and the OTA cluster (0x0019), per spec §4.I — those never need a
// default response.
func Begin(ctx context.Context, ctrl aps.Controller, ind aps.Indication) *DefaultResponseScope {
	s := &DefaultResponseScope{ctx: ctx, ctrl: ctrl, ind: ind}

	frame, ok := zigbee.DecodeFrame(ind.Payload)
	if !ok {
		s.state = scopeNoResponseNeeded
		return s
	}
	s.frame = frame

	if !s.needsResponse() {
		s.state = scopeNoResponseNeeded
		return s
	}
	s.state = scopeWatch
	return s
}

// needsResponse reports whether the inbound frame is itself eligible for a
// default response: unicast, not already a default response, and not
// suppressed by the disable-default-response bit.
func (s *DefaultResponseScope) needsResponse() bool {
	if s.frame.FrameControl&zigbee.FCDisableDefaultResponse != 0 {
		return false
	}
	if s.frame.FrameControl&0x03 == zigbee.FrameTypeGlobal && s.frame.CommandID == zigbee.CmdDefaultResponse {
		return false
	}
	return s.ind.Src.Mode != aps.AddrBroadcast && s.ind.Src.Mode != aps.AddrGroup
}

// Observe inspects one outbound request sent during the scope's lifetime,
// recording whether it answers the watched indication. Matching is by
// destination address, profile id, cluster id, and ZCL sequence number —
// any command, including another default response, counts as an answer.
func (s *DefaultResponseScope) Observe(req aps.Request) {
	if s.state != scopeWatch {
		return
	}
	if req.Dst.Mode != s.ind.Src.Mode || req.Dst.NWK != s.ind.Src.NWK || req.Dst.IEEE != s.ind.Src.IEEE {
		return
	}
	if req.ProfileID != s.reqProfileID() || req.ClusterID != s.ind.ClusterID {
		return
	}
	outFrame, ok := zigbee.DecodeFrame(req.Payload)
	if !ok || outFrame.SeqNumber != s.frame.SeqNumber {
		return
	}
	s.state = scopeHasResponse
}

// reqProfileID approximates the request's expected profile id as the
// indication's own, since the boundary type does not separately carry a
// request-side profile hint; both sides of a ZCL exchange share one profile.
func (s *DefaultResponseScope) reqProfileID() uint16 { return s.ind.ProfileID }

// Close ends the scope, sending a default response with status success if
// Watch is still set. Direction and manufacturer-code bits are inverted from
// the request, matching spec §4.I.
func (s *DefaultResponseScope) Close() {
	if s.state != scopeWatch || s.ctrl == nil {
		return
	}
	resp := zigbee.DefaultResponse(s.frame, 0x00)
	req := aps.Request{
		Dst:         s.ind.Src,
		SrcEndpoint: s.ind.DstEndpoint,
		DstEndpoint: s.ind.SrcEndpoint,
		ProfileID:   s.ind.ProfileID,
		ClusterID:   s.ind.ClusterID,
		Payload:     resp.Encode(),
	}
	_, _, _ = s.ctrl.Send(s.ctx, req)
	s.state = scopeHasResponse
}
