package zclresp

import (
	"context"
	"testing"

	"github.com/dresden-elektronik/gwcore/internal/aps"
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
func (f *fakeController) GetNode(int) (aps.Node, bool)       { return aps.Node{}, false }
func (f *fakeController) Param(aps.Param) (any, error)       { return nil, nil }

func readAttrsFrame(seq uint8) []byte {
	f := zigbee.Frame{FrameControl: zigbee.FrameTypeGlobal, SeqNumber: seq, CommandID: zigbee.CmdReadAttributes, Payload: zigbee.EncodeReadAttributes([]uint16{0x0000})}
	return f.Encode()
}

func TestDefaultResponseScope_EmitsWhenNoSpecificResponseSent(t *testing.T) {
	ctrl := &fakeController{}
	ind := aps.Indication{
		Src:         aps.Address{Mode: aps.AddrNWK, NWK: 0x1234},
		SrcEndpoint: 1,
		DstEndpoint: 1,
		ProfileID:   zigbee.ProfileHA,
		ClusterID:   0x0402,
		Payload:     readAttrsFrame(0x42),
	}

	scope := Begin(context.Background(), ctrl, ind)
	scope.Close()

	if len(ctrl.sent) != 1 {
		t.Fatalf("expected one default response sent, got %d", len(ctrl.sent))
	}
	frame, ok := zigbee.DecodeFrame(ctrl.sent[0].Payload)
	if !ok || frame.CommandID != zigbee.CmdDefaultResponse || frame.SeqNumber != 0x42 {
		t.Fatalf("unexpected response frame: %+v", frame)
	}
}

func TestDefaultResponseScope_SkipsWhenSpecificResponseSent(t *testing.T) {
	ctrl := &fakeController{}
	ind := aps.Indication{
		Src:         aps.Address{Mode: aps.AddrNWK, NWK: 0x1234},
		SrcEndpoint: 1,
		DstEndpoint: 1,
		ProfileID:   zigbee.ProfileHA,
		ClusterID:   0x0402,
		Payload:     readAttrsFrame(0x42),
	}

	scope := Begin(context.Background(), ctrl, ind)

	respFrame := zigbee.Frame{FrameControl: zigbee.FrameTypeGlobal | zigbee.FCDirectionServerClient, SeqNumber: 0x42, CommandID: zigbee.CmdReadAttributesResponse}
	scope.Observe(aps.Request{
		Dst:       ind.Src,
		ProfileID: ind.ProfileID,
		ClusterID: ind.ClusterID,
		Payload:   respFrame.Encode(),
	})
	scope.Close()

	if len(ctrl.sent) != 0 {
		t.Fatalf("expected no default response, got %d sends", len(ctrl.sent))
	}
}

func TestDefaultResponseScope_SkipsDisabledDefaultResponse(t *testing.T) {
	ctrl := &fakeController{}
	f := zigbee.Frame{FrameControl: zigbee.FrameTypeGlobal | zigbee.FCDisableDefaultResponse, SeqNumber: 0x05, CommandID: zigbee.CmdReadAttributes}
	ind := aps.Indication{
		Src:       aps.Address{Mode: aps.AddrNWK, NWK: 0x1234},
		ProfileID: zigbee.ProfileHA,
		ClusterID: 0x0402,
		Payload:   f.Encode(),
	}

	scope := Begin(context.Background(), ctrl, ind)
	scope.Close()

	if len(ctrl.sent) != 0 {
		t.Fatalf("expected no default response when suppressed, got %d", len(ctrl.sent))
	}
}

func TestDefaultResponseScope_SkipsBroadcast(t *testing.T) {
	ctrl := &fakeController{}
	ind := aps.Indication{
		Src:       aps.Address{Mode: aps.AddrBroadcast},
		ProfileID: zigbee.ProfileHA,
		ClusterID: 0x0402,
		Payload:   readAttrsFrame(0x10),
	}

	scope := Begin(context.Background(), ctrl, ind)
	scope.Close()

	if len(ctrl.sent) != 0 {
		t.Fatalf("expected no default response for broadcast, got %d", len(ctrl.sent))
	}
}
