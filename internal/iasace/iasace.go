// Package iasace adapts the IAS Ancillary Control Equipment cluster (ZCL
// cluster 0x0501) onto internal/alarm: pure translation between inbound
// Arm/GetPanelStatus commands and internal/alarm.System calls, and between
// System state and the outbound ArmResponse/GetPanelStatusResponse frames.
// Grounded directly on original_source/ias_ace.cpp's handleIasAceClusterIndication,
// sendArmResponse, and sendGetPanelStatusResponse.
package iasace

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/alarm"
	"github.com/dresden-elektronik/gwcore/internal/aps"
	"github.com/dresden-elektronik/gwcore/internal/zigbee"
)

// Inbound command ids (server receive), matching IAS_ACE_CMD_*.
const (
	CmdArm                uint8 = 0x00
	CmdBypass             uint8 = 0x01
	CmdEmergency          uint8 = 0x02
	CmdFire               uint8 = 0x03
	CmdPanic              uint8 = 0x04
	CmdGetZoneIDMap       uint8 = 0x05
	CmdGetZoneInformation uint8 = 0x06
	CmdGetPanelStatus     uint8 = 0x07
	CmdGetBypassedZoneList uint8 = 0x08
	CmdGetZoneStatus      uint8 = 0x09
)

// Outbound command ids (server send), matching IAS_ACE_CMD_*_RESPONSE /
// _CHANGED.
const (
	CmdArmResponse              uint8 = 0x00
	CmdGetZoneIDMapResponse     uint8 = 0x01
	CmdGetZoneInformationResponse uint8 = 0x02
	CmdZoneStatusChanged        uint8 = 0x03
	CmdPanelStatusChanged       uint8 = 0x04
	CmdGetPanelStatusResponse   uint8 = 0x05
	CmdSetBypassedZoneList      uint8 = 0x06
	CmdBypassResponse           uint8 = 0x07
	CmdGetZoneStatusResponse    uint8 = 0x08
)

// Arm mode values carried in an inbound Arm command, matching
// IAS_ACE_ARM_MODE_*. These line up 1:1 with alarm.ArmMode's own ordering
// (Disarmed/Stay/Night/Away), so no translation table is needed between
// the two.
const (
	ArmModeDisarm          uint8 = 0x00
	ArmModeDayHomeOnly     uint8 = 0x01
	ArmModeNightSleepOnly  uint8 = 0x02
	ArmModeAllZones        uint8 = 0x03
)

// Arm notification codes returned in an ArmResponse, matching
// IAS_ACE_ARM_NOTF_*.
const (
	ArmNotfAllZonesDisarmed    uint8 = 0x00
	ArmNotfDayHomeZonesArmed   uint8 = 0x01
	ArmNotfNightSleepZonesArmed uint8 = 0x02
	ArmNotfAllZonesArmed       uint8 = 0x03
	ArmNotfInvalidCode         uint8 = 0x04
	ArmNotfNotReadyToArm       uint8 = 0x05
	ArmNotfAlreadyDisarmed     uint8 = 0x06
)

// panelStatusToIASACE maps alarm.PanelStatus onto the wire panel-status byte;
// the two already share the same numbering (spec.md §4.J / §4.M), so this is
// an identity conversion kept explicit for documentation and to insulate
// callers from the two types changing independently.
func panelStatusToIASACE(p alarm.PanelStatus) uint8 { return uint8(p) }

// ZoneLookup resolves the IEEE source address of an inbound indication to
// the alarm-system partition it is permitted to arm/disarm, matching the
// original's IASZone -> AlarmSystemId association (AS_DeviceEntry.AlarmSystemID).
type ZoneLookup interface {
	SystemForAddress(extAddress uint64) (*alarm.System, bool)
}

// Adapter drives IAS ACE indications against a ZoneLookup, sending ZCL
// responses over ctrl.
type Adapter struct {
	ctrl  aps.Controller
	zones ZoneLookup
}

// NewAdapter constructs an Adapter.
func NewAdapter(ctrl aps.Controller, zones ZoneLookup) *Adapter {
	return &Adapter{ctrl: ctrl, zones: zones}
}

// HandleIndication dispatches one decoded IAS ACE cluster frame, matching
// handleIasAceClusterIndication's command switch (only Arm and
// GetPanelStatus are implemented upstream; other commands are accepted by
// the protocol but have no original handler to ground a translation on).
func (a *Adapter) HandleIndication(ctx context.Context, ind aps.Indication, frame zigbee.Frame) {
	if frame.FrameControl&zigbee.FCDirectionServerClient != 0 {
		return
	}

	switch frame.CommandID {
	case CmdArm:
		a.handleArm(ctx, ind, frame)
	case CmdGetPanelStatus:
		a.handleGetPanelStatus(ctx, ind, frame)
	}
}

// handleArm decodes an Arm command payload ([0] arm mode, [1] code string,
// [2] zone id) and replies with the resulting ArmResponse.
func (a *Adapter) handleArm(ctx context.Context, ind aps.Indication, frame zigbee.Frame) {
	if len(frame.Payload) < 2 {
		return
	}
	armMode := frame.Payload[0]
	if armMode > ArmModeAllZones {
		log.Debug().Uint8("armMode", armMode).Msg("ias ace: invalid arm mode, skip")
		return
	}
	code := string(frame.Payload[1 : len(frame.Payload)-1])

	resp := a.handleArmCommand(ind.Src.IEEE, armMode, code)
	a.sendArmResponse(ctx, ind, frame, resp)
}

// handleArmCommand mirrors IAS_HandleArmCommand's validation order: unknown
// zone, bad code, already-disarmed short-circuit, then apply.
func (a *Adapter) handleArmCommand(extAddress uint64, armMode uint8, code string) uint8 {
	system, ok := a.zones.SystemForAddress(extAddress)
	if !ok {
		return ArmNotfNotReadyToArm
	}

	if code != "" && !system.IsValidCode(code) {
		return ArmNotfInvalidCode
	}

	current := system.TargetArmMode()
	if current == alarm.ArmModeDisarmed && alarm.ArmMode(armMode) == alarm.ArmModeDisarmed {
		return ArmNotfAlreadyDisarmed
	}

	var result uint8
	switch armMode {
	case ArmModeAllZones:
		result = ArmNotfAllZonesArmed
	case ArmModeDisarm:
		result = ArmNotfAllZonesDisarmed
	case ArmModeDayHomeOnly:
		result = ArmNotfDayHomeZonesArmed
	case ArmModeNightSleepOnly:
		result = ArmNotfNightSleepZonesArmed
	default:
		return ArmNotfNotReadyToArm
	}

	if alarm.ArmMode(armMode) != current {
		system.SetTargetArmMode(alarm.ArmMode(armMode))
	}
	return result
}

func (a *Adapter) handleGetPanelStatus(ctx context.Context, ind aps.Indication, frame zigbee.Frame) {
	system, ok := a.zones.SystemForAddress(ind.Src.IEEE)
	if !ok {
		a.sendGetPanelStatusResponse(ctx, ind, frame, uint8(alarm.PanelStatusDisarmed), 0)
		return
	}
	a.sendGetPanelStatusResponse(ctx, ind, frame, panelStatusToIASACE(system.PanelStatus()), uint8(system.SecondsRemaining()))
}

func (a *Adapter) sendArmResponse(ctx context.Context, ind aps.Indication, frame zigbee.Frame, armResult uint8) {
	if a.ctrl == nil {
		return
	}
	out := zigbee.Frame{
		FrameControl: zigbee.FrameTypeClusterSpecific | zigbee.FCDirectionServerClient | zigbee.FCDisableDefaultResponse,
		SeqNumber:    frame.SeqNumber,
		CommandID:    CmdArmResponse,
		Payload:      []byte{armResult},
	}
	a.send(ctx, ind, out)
}

// sendGetPanelStatusResponse builds the 4-byte payload (panel status,
// seconds remaining, audible notification, alarm status), matching
// sendGetPanelStatusResponse's wire layout exactly. Audible notification is
// always 0x01 (default sound) and alarm status 0x00 (no alarm), as in the
// original.
func (a *Adapter) sendGetPanelStatusResponse(ctx context.Context, ind aps.Indication, frame zigbee.Frame, panelStatus, secondsRemaining uint8) {
	if a.ctrl == nil {
		return
	}
	out := zigbee.Frame{
		FrameControl: zigbee.FrameTypeClusterSpecific | zigbee.FCDirectionServerClient,
		SeqNumber:    frame.SeqNumber,
		CommandID:    CmdGetPanelStatusResponse,
		Payload:      []byte{panelStatus, secondsRemaining, 0x01, 0x00},
	}
	a.send(ctx, ind, out)
}

func (a *Adapter) send(ctx context.Context, ind aps.Indication, out zigbee.Frame) {
	req := aps.Request{
		Dst:         ind.Src,
		SrcEndpoint: ind.DstEndpoint,
		DstEndpoint: ind.SrcEndpoint,
		ProfileID:   ind.ProfileID,
		ClusterID:   zigbee.ClusterIASACE,
		Payload:     out.Encode(),
	}
	if _, _, err := a.ctrl.Send(ctx, req); err != nil {
		log.Warn().Err(err).Msg("ias ace: failed to send response")
	}
}
