package iasace

import (
	"context"
	"testing"

	"github.com/dresden-elektronik/gwcore/internal/alarm"
	"github.com/dresden-elektronik/gwcore/internal/aps"
	"github.com/dresden-elektronik/gwcore/internal/eventbus"
	"github.com/dresden-elektronik/gwcore/internal/zigbee"
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
func (f *fakeController) GetNode(index int) (aps.Node, bool) { return aps.Node{}, false }
func (f *fakeController) Param(k aps.Param) (any, error)     { return nil, nil }

const testExtAddress = uint64(0x1122334455667788)

func newTestAdapter() (*Adapter, *fakeController, *alarm.System) {
	devTable := alarm.NewDeviceTable()
	devTable.Put("zone-1", testExtAddress, alarm.FlagIASAce, 1)

	system := alarm.NewSystem(1, eventbus.New(), devTable)
	registry := NewRegistry(devTable, map[uint8]*alarm.System{1: system})
	ctrl := &fakeController{}
	return NewAdapter(ctrl, registry), ctrl, system
}

func testIndication() aps.Indication {
	return aps.Indication{
		Src:         aps.Address{Mode: aps.AddrIEEE, IEEE: testExtAddress},
		SrcEndpoint: 1,
		DstEndpoint: 1,
		ProfileID:   zigbee.ProfileHA,
		ClusterID:   zigbee.ClusterIASACE,
	}
}

func TestAdapter_ArmAllZonesArmsTheSystem(t *testing.T) {
	a, ctrl, system := newTestAdapter()
	frame := zigbee.Frame{SeqNumber: 7, CommandID: CmdArm, Payload: []byte{ArmModeAllZones, 0}}

	a.HandleIndication(context.Background(), testIndication(), frame)

	if system.TargetArmMode() != alarm.ArmModeArmedAway {
		t.Fatalf("TargetArmMode() = %v, want ArmModeArmedAway", system.TargetArmMode())
	}
	if len(ctrl.sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(ctrl.sent))
	}
	resp, ok := zigbee.DecodeFrame(ctrl.sent[0].Payload)
	if !ok || resp.CommandID != CmdArmResponse {
		t.Fatalf("response frame = %+v, ok=%v", resp, ok)
	}
	if len(resp.Payload) != 1 || resp.Payload[0] != ArmNotfAllZonesArmed {
		t.Errorf("response payload = %v, want [%#x]", resp.Payload, ArmNotfAllZonesArmed)
	}
}

func TestAdapter_ArmWithWrongCodeIsRejected(t *testing.T) {
	a, ctrl, system := newTestAdapter()
	system.SetCode(0, "1234")

	frame := zigbee.Frame{SeqNumber: 1, CommandID: CmdArm, Payload: []byte{ArmModeAllZones, '9', '9', '9', '9', 0}}
	a.HandleIndication(context.Background(), testIndication(), frame)

	if system.TargetArmMode() != alarm.ArmModeDisarmed {
		t.Errorf("TargetArmMode() = %v, want unchanged ArmModeDisarmed", system.TargetArmMode())
	}
	resp, _ := zigbee.DecodeFrame(ctrl.sent[0].Payload)
	if resp.Payload[0] != ArmNotfInvalidCode {
		t.Errorf("response = %#x, want ArmNotfInvalidCode", resp.Payload[0])
	}
}

func TestAdapter_DisarmWhenAlreadyDisarmed(t *testing.T) {
	a, ctrl, _ := newTestAdapter()
	frame := zigbee.Frame{SeqNumber: 2, CommandID: CmdArm, Payload: []byte{ArmModeDisarm, 0}}
	a.HandleIndication(context.Background(), testIndication(), frame)

	resp, _ := zigbee.DecodeFrame(ctrl.sent[0].Payload)
	if resp.Payload[0] != ArmNotfAlreadyDisarmed {
		t.Errorf("response = %#x, want ArmNotfAlreadyDisarmed", resp.Payload[0])
	}
}

func TestAdapter_GetPanelStatusReportsCurrentState(t *testing.T) {
	a, ctrl, system := newTestAdapter()
	system.SetTargetArmMode(alarm.ArmModeArmedStay)

	frame := zigbee.Frame{SeqNumber: 3, CommandID: CmdGetPanelStatus}
	a.HandleIndication(context.Background(), testIndication(), frame)

	resp, ok := zigbee.DecodeFrame(ctrl.sent[0].Payload)
	if !ok || resp.CommandID != CmdGetPanelStatusResponse {
		t.Fatalf("response frame = %+v, ok=%v", resp, ok)
	}
	if len(resp.Payload) != 4 {
		t.Fatalf("response payload length = %d, want 4", len(resp.Payload))
	}
	if resp.Payload[0] != uint8(alarm.PanelStatusExitDelay) {
		t.Errorf("panel status = %#x, want ExitDelay (%#x)", resp.Payload[0], alarm.PanelStatusExitDelay)
	}
}

func TestAdapter_UnknownDeviceGetsNotReadyToArm(t *testing.T) {
	a, ctrl, _ := newTestAdapter()
	ind := testIndication()
	ind.Src.IEEE = 0xdeadbeef

	frame := zigbee.Frame{SeqNumber: 4, CommandID: CmdArm, Payload: []byte{ArmModeAllZones, 0}}
	a.HandleIndication(context.Background(), ind, frame)

	resp, _ := zigbee.DecodeFrame(ctrl.sent[0].Payload)
	if resp.Payload[0] != ArmNotfNotReadyToArm {
		t.Errorf("response = %#x, want ArmNotfNotReadyToArm", resp.Payload[0])
	}
}

func TestAdapter_IgnoresServerToClientFrames(t *testing.T) {
	a, ctrl, _ := newTestAdapter()
	frame := zigbee.Frame{
		FrameControl: zigbee.FCDirectionServerClient,
		SeqNumber:    5,
		CommandID:    CmdArm,
		Payload:      []byte{ArmModeAllZones, 0},
	}
	a.HandleIndication(context.Background(), testIndication(), frame)
	if len(ctrl.sent) != 0 {
		t.Errorf("sent %d requests for a server-to-client frame, want 0", len(ctrl.sent))
	}
}
