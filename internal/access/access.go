// Package access implements the three DDF-driven access functions — Read,
// Parse, Write — that translate between resource items and wire frames
// (spec §4.F). The ZCL shape reuses the teacher's pkg/zigbee/zcl.go codec,
// generalized from its fixed On/Off-only command set into generic
// attribute-list read/write plus Tuya/Xiaomi/IAS specializations.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dresden-elektronik/gwcore/internal/aps"
	"github.com/dresden-elektronik/gwcore/internal/ddf"
	"github.com/dresden-elektronik/gwcore/internal/jsvm"
	"github.com/dresden-elektronik/gwcore/internal/resource"
	"github.com/dresden-elektronik/gwcore/internal/zigbee"
)

var (
	ErrUnsupportedFunction = errors.New("access: unsupported function")
	ErrNoEval              = errors.New("access: parse access function has no eval expression")
	ErrFrameMismatch       = errors.New("access: indication does not match item's bound parameters")
)

// ReadResult is the synchronous outcome of a Read call.
type ReadResult struct {
	Enqueued bool
	ApsReqID uint8
	ZclSeq   uint8
}

// ResolveEndpoint derives the endpoint a zero ("auto") `ep` parameter binds
// to from the subdevice's own unique-id endpoint, per spec §4.F.
type ResolveEndpoint func() uint8

// Read builds and sends the wire request that fetches an item's current
// value from the device.
func Read(ctx context.Context, ctrl aps.Controller, dst aps.Address, srcEndpoint uint8, autoEndpoint ResolveEndpoint, p *ddf.AccessParams) (ReadResult, error) {
	if p == nil {
		return ReadResult{}, ErrUnsupportedFunction
	}

	endpoint := p.Endpoint
	if endpoint == ddf.AutoEndpoint && autoEndpoint != nil {
		endpoint = autoEndpoint()
	}

	switch p.Fn {
	case ddf.FnZCL:
		return readZCL(ctx, ctrl, dst, srcEndpoint, endpoint, p)
	case ddf.FnTuya:
		return readTuya(ctx, ctrl, dst, srcEndpoint, endpoint, p)
	case ddf.FnTime, ddf.FnTuyaTime, ddf.FnXiaomi, ddf.FnIASZoneStat:
		// Passive: these values only ever arrive unsolicited or piggybacked
		// on another read, so Read is a no-op.
		return ReadResult{}, nil
	default:
		return ReadResult{}, fmt.Errorf("%w: %s", ErrUnsupportedFunction, p.Fn)
	}
}

func readZCL(ctx context.Context, ctrl aps.Controller, dst aps.Address, srcEndpoint, endpoint uint8, p *ddf.AccessParams) (ReadResult, error) {
	seq := zigbee.NextSequence()
	frame := zigbee.Frame{
		FrameControl: zigbee.FrameTypeGlobal,
		Manufacturer: p.Manufacturer,
		SeqNumber:    seq,
		CommandID:    zigbee.CmdReadAttributes,
		Payload:      zigbee.EncodeReadAttributes(p.Attributes),
	}
	req := aps.Request{
		Dst:         dst,
		SrcEndpoint: srcEndpoint,
		DstEndpoint: endpoint,
		ProfileID:   zigbee.ProfileHA,
		ClusterID:   p.Cluster,
		Payload:     frame.Encode(),
	}
	id, result, err := ctrl.Send(ctx, req)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Enqueued: result == aps.SendEnqueued, ApsReqID: id, ZclSeq: seq}, nil
}

// tuyaQueryInterval is the minimum spacing, per device key, that TuyaLimiter
// allows between Tuya data-queries: a single query drains every datapoint,
// so there is never a reason to issue one more often (spec §4.F).
const tuyaQueryInterval = 15 // seconds

// TuyaLimiter tracks the last data-query time per device key and reports
// whether a new query falls outside the 15-second window. Read and readTuya
// do not consult it: a Tuya read sends its data-query unconditionally.
type TuyaLimiter struct {
	lastQuery map[uint64]int64 // device key -> unix seconds
}

// NewTuyaLimiter returns an empty limiter.
func NewTuyaLimiter() *TuyaLimiter {
	return &TuyaLimiter{lastQuery: make(map[uint64]int64)}
}

// Allow reports whether a query may be sent to deviceKey at time now
// (unix seconds), re-arming the window if so.
func (l *TuyaLimiter) Allow(deviceKey uint64, now int64) bool {
	if last, ok := l.lastQuery[deviceKey]; ok && now-last < tuyaQueryInterval {
		return false
	}
	l.lastQuery[deviceKey] = now
	return true
}

// tuyaManufacturerCluster is the Tuya private cluster used for both
// datapoint reports and data-queries.
const tuyaManufacturerCluster uint16 = 0xEF00

// TuyaDataQuery command id.
const cmdTuyaDataQuery uint8 = 0x03

func readTuya(ctx context.Context, ctrl aps.Controller, dst aps.Address, srcEndpoint, endpoint uint8, p *ddf.AccessParams) (ReadResult, error) {
	seq := zigbee.NextSequence()
	frame := zigbee.Frame{
		FrameControl: zigbee.FrameTypeClusterSpecific | zigbee.FCDirectionServerClient,
		SeqNumber:    seq,
		CommandID:    cmdTuyaDataQuery,
	}
	req := aps.Request{
		Dst:         dst,
		SrcEndpoint: srcEndpoint,
		DstEndpoint: endpoint,
		ProfileID:   zigbee.ProfileHA,
		ClusterID:   tuyaManufacturerCluster,
		Payload:     frame.Encode(),
	}
	id, result, err := ctrl.Send(ctx, req)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Enqueued: result == aps.SendEnqueued, ApsReqID: id, ZclSeq: seq}, nil
}

// Write builds and sends the wire request that sets an item's value on the
// device.
func Write(ctx context.Context, ctrl aps.Controller, dst aps.Address, srcEndpoint uint8, autoEndpoint ResolveEndpoint, p *ddf.AccessParams, value any) (ReadResult, error) {
	if p == nil {
		return ReadResult{}, ErrUnsupportedFunction
	}
	endpoint := p.Endpoint
	if endpoint == ddf.AutoEndpoint && autoEndpoint != nil {
		endpoint = autoEndpoint()
	}

	switch p.Fn {
	case ddf.FnZCL:
		return writeZCL(ctx, ctrl, dst, srcEndpoint, endpoint, p, value)
	default:
		return ReadResult{}, fmt.Errorf("%w: %s", ErrUnsupportedFunction, p.Fn)
	}
}

func writeZCL(ctx context.Context, ctrl aps.Controller, dst aps.Address, srcEndpoint, endpoint uint8, p *ddf.AccessParams, value any) (ReadResult, error) {
	seq := zigbee.NextSequence()
	var frame zigbee.Frame
	if p.Command != nil {
		// A named cluster-specific command (e.g. On/Off's On=0x01): value
		// carries no payload of its own.
		frame = zigbee.Frame{
			FrameControl: zigbee.FrameTypeClusterSpecific | zigbee.FCDirectionServerClient,
			Manufacturer: p.Manufacturer,
			SeqNumber:    seq,
			CommandID:    *p.Command,
		}
	} else if len(p.Attributes) == 1 {
		raw, err := encodeValue(p.DataType, value)
		if err != nil {
			return ReadResult{}, err
		}
		frame = zigbee.Frame{
			FrameControl: zigbee.FrameTypeGlobal | zigbee.FCDirectionServerClient,
			Manufacturer: p.Manufacturer,
			SeqNumber:    seq,
			CommandID:    zigbee.CmdWriteAttributes,
			Payload:      zigbee.EncodeWriteAttributes(p.Attributes[0], p.DataType, raw),
		}
	} else {
		return ReadResult{}, fmt.Errorf("%w: write needs either cmd or exactly one attribute id", ErrUnsupportedFunction)
	}

	req := aps.Request{
		Dst:         dst,
		SrcEndpoint: srcEndpoint,
		DstEndpoint: endpoint,
		ProfileID:   zigbee.ProfileHA,
		ClusterID:   p.Cluster,
		Payload:     frame.Encode(),
	}
	id, result, err := ctrl.Send(ctx, req)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Enqueued: result == aps.SendEnqueued, ApsReqID: id, ZclSeq: seq}, nil
}

// encodeValue serializes a Go value back into wire bytes for the given ZCL
// data type, the inverse of zigbee.DecodeValue.
func encodeValue(dataType uint8, value any) ([]byte, error) {
	switch dataType {
	case 0x10: // bool
		b, _ := value.(bool)
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case 0x20, 0x30: // uint8 / enum8
		return []byte{uint8(toUint(value))}, nil
	case 0x21, 0x31: // uint16 / enum16
		v := uint16(toUint(value))
		return []byte{byte(v), byte(v >> 8)}, nil
	case 0x23: // uint32
		v := uint32(toUint(value))
		return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}, nil
	case 0x28: // int8
		return []byte{byte(int8(toInt(value)))}, nil
	case 0x29: // int16
		v := int16(toInt(value))
		return []byte{byte(v), byte(v >> 8)}, nil
	case 0x2B: // int32
		v := int32(toInt(value))
		return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}, nil
	default:
		return nil, fmt.Errorf("access: unsupported write data type 0x%02x", dataType)
	}
}

func toUint(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// ParseContext carries everything Parse needs beyond the raw indication: the
// sandbox to evaluate `eval` in, the declared item being parsed, and a
// resolver for R.item() lookups of other items on the same resource.
type ParseContext struct {
	Sandbox      *jsvm.Sandbox
	DeclaredItem *resource.Item
	ItemName     string
	ResolveItem  func(suffix string) (*resource.Item, bool)
	Endpoints    func() []uint8
	HasCluster   func(ep uint8, cluster uint16, side string) bool
}

// Parse interprets an inbound indication against an item's bound parse
// parameters, evaluating the DDF's `eval` expression once per matched
// attribute. It returns the suffixes (including ItemName) written during
// evaluation, per the sandbox's items-set contract.
func Parse(pc ParseContext, ind aps.Indication, p *ddf.AccessParams) ([]string, error) {
	if p == nil {
		return nil, ErrUnsupportedFunction
	}

	switch p.Fn {
	case ddf.FnZCL:
		return parseZCL(pc, ind, p)
	case ddf.FnXiaomi:
		return parseXiaomi(pc, ind, p)
	case ddf.FnIASZoneStat:
		return parseIASZoneStatus(pc, ind, p)
	case ddf.FnTuya:
		return parseTuya(pc, ind, p)
	case ddf.FnNumToStr:
		return parseNumToStr(pc, p)
	case ddf.FnTuyaTime:
		return nil, nil // handled by a dedicated TY_DATA_SYNC_TIME responder, not a value parse
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFunction, p.Fn)
	}
}

func parseZCL(pc ParseContext, ind aps.Indication, p *ddf.AccessParams) ([]string, error) {
	if p.Eval == "" {
		return nil, ErrNoEval
	}
	if ind.ClusterID != p.Cluster {
		return nil, ErrFrameMismatch
	}
	if p.Endpoint != ddf.AnyEndpoint && p.Endpoint != ddf.AutoEndpoint && ind.DstEndpoint != p.Endpoint {
		return nil, ErrFrameMismatch
	}

	frame, ok := zigbee.DecodeFrame(ind.Payload)
	if !ok {
		return nil, ErrFrameMismatch
	}
	if p.Manufacturer != 0 && frame.Manufacturer != p.Manufacturer {
		return nil, ErrFrameMismatch
	}

	var attrs []zigbee.AttrValue
	switch frame.CommandID {
	case zigbee.CmdReportAttributes:
		attrs = zigbee.ParseAttributeReport(frame.Payload)
	case zigbee.CmdReadAttributesResponse:
		attrs = zigbee.ParseReadAttributesResponse(frame.Payload)
	default:
		return nil, ErrFrameMismatch
	}

	var written []string
	for idx, attr := range attrs {
		if !containsAttr(p.Attributes, attr.ID) {
			continue
		}
		val, err := zigbee.DecodeValue(attr.DataType, attr.Raw)
		if err != nil {
			continue
		}
		pc.Sandbox.Reset(jsvm.Context{
			DeclaredItem: pc.DeclaredItem,
			ItemName:     pc.ItemName,
			ResolveItem:  pc.ResolveItem,
			Endpoints:    pc.Endpoints,
			HasCluster:   pc.HasCluster,
			Attr:         jsvm.ZclAttribute{Val: val, ID: attr.ID, Index: idx, DataType: attr.DataType},
			Frame: jsvm.ZclFrameView{
				Cmd:         frame.CommandID,
				PayloadSize: len(frame.Payload),
				IsClCmd:     frame.FrameControl&0x03 == zigbee.FrameTypeClusterSpecific,
			},
			SrcEp:     ind.SrcEndpoint,
			ClusterID: ind.ClusterID,
		})
		if err := pc.Sandbox.Evaluate(p.Eval); err != nil {
			return written, err
		}
		written = appendUnique(written, pc.Sandbox.ItemsSet()...)
	}
	return written, nil
}

// xiaomiReportCluster/xiaomiReportCommand are the private "special" report used for the
// 0xFF01/0xFF02/0x00F7 tagged-struct attributes (spec §4.F / §2c).
const (
	xiaomiReportCluster uint16 = 0x0000
	xiaomiReportCommand uint8  = 0x0A
)

func parseXiaomi(pc ParseContext, ind aps.Indication, p *ddf.AccessParams) ([]string, error) {
	if p.Eval == "" {
		return nil, ErrNoEval
	}
	if ind.ClusterID != xiaomiReportCluster {
		return nil, ErrFrameMismatch
	}
	frame, ok := zigbee.DecodeFrame(ind.Payload)
	if !ok || frame.CommandID != xiaomiReportCommand {
		return nil, ErrFrameMismatch
	}
	reports := zigbee.ParseAttributeReport(frame.Payload)
	for _, r := range reports {
		if r.ID != p.XiaomiAttr {
			continue
		}
		tag, val, ok := decodeXiaomiTag(r.Raw, p.XiaomiIdx)
		if !ok || tag != p.XiaomiIdx {
			continue
		}
		pc.Sandbox.Reset(jsvm.Context{
			DeclaredItem: pc.DeclaredItem,
			ItemName:     pc.ItemName,
			ResolveItem:  pc.ResolveItem,
			Attr:         jsvm.ZclAttribute{Val: val, ID: r.ID, DataType: r.DataType},
			SrcEp:        ind.SrcEndpoint,
			ClusterID:    ind.ClusterID,
		})
		if err := pc.Sandbox.Evaluate(p.Eval); err != nil {
			return nil, err
		}
		return pc.Sandbox.ItemsSet(), nil
	}
	return nil, nil
}

// decodeXiaomiTag walks a tagged-struct payload (tag u8 | type u8 | value)+
// looking for wantTag, returning its decoded value.
func decodeXiaomiTag(data []byte, wantTag uint8) (tag uint8, val any, ok bool) {
	offset := 0
	for offset+2 <= len(data) {
		t := data[offset]
		dt := data[offset+1]
		offset += 2
		n := zigbee.DataTypeLength(dt, data[offset:])
		if n < 0 || offset+n > len(data) {
			return 0, nil, false
		}
		if t == wantTag {
			v, err := zigbee.DecodeValue(dt, data[offset:offset+n])
			if err != nil {
				return 0, nil, false
			}
			return t, v, true
		}
		offset += n
	}
	return 0, nil, false
}

const iasZoneStatusAttr uint16 = 0x0002
const iasZoneCluster uint16 = 0x0500
const iasZoneStatusChangeCmd uint8 = 0x00

func parseIASZoneStatus(pc ParseContext, ind aps.Indication, p *ddf.AccessParams) ([]string, error) {
	if ind.ClusterID != iasZoneCluster {
		return nil, ErrFrameMismatch
	}
	frame, ok := zigbee.DecodeFrame(ind.Payload)
	if !ok {
		return nil, ErrFrameMismatch
	}

	var status uint64
	switch {
	case frame.FrameControl&0x03 == zigbee.FrameTypeClusterSpecific && frame.CommandID == iasZoneStatusChangeCmd && len(frame.Payload) >= 2:
		status = uint64(frame.Payload[0]) | uint64(frame.Payload[1])<<8
	case frame.CommandID == zigbee.CmdReportAttributes || frame.CommandID == zigbee.CmdReadAttributesResponse:
		var attrs []zigbee.AttrValue
		if frame.CommandID == zigbee.CmdReportAttributes {
			attrs = zigbee.ParseAttributeReport(frame.Payload)
		} else {
			attrs = zigbee.ParseReadAttributesResponse(frame.Payload)
		}
		found := false
		for _, a := range attrs {
			if a.ID == iasZoneStatusAttr {
				v, err := zigbee.DecodeValue(a.DataType, a.Raw)
				if err != nil {
					return nil, err
				}
				status, _ = v.(uint64)
				found = true
				break
			}
		}
		if !found {
			return nil, ErrFrameMismatch
		}
	default:
		return nil, ErrFrameMismatch
	}

	masked := maskIASBits(status, p.Mask)
	if _, err := pc.DeclaredItem.SetValue(masked, resource.SourceDevice, time.Now()); err != nil {
		return nil, err
	}
	return []string{pc.ItemName}, nil
}

var iasAlarmBit = map[string]uint{
	"alarm1": 0,
	"alarm2": 1,
	"tamper": 2,
	"battery": 3,
	"supervision": 4,
	"restore": 5,
	"trouble": 6,
	"ac": 7,
}

func maskIASBits(status uint64, mask []string) bool {
	for _, m := range mask {
		if bit, ok := iasAlarmBit[m]; ok && status&(1<<bit) != 0 {
			return true
		}
	}
	return false
}

func parseTuya(pc ParseContext, ind aps.Indication, p *ddf.AccessParams) ([]string, error) {
	if p.Eval == "" {
		return nil, ErrNoEval
	}
	if ind.ClusterID != tuyaManufacturerCluster {
		return nil, ErrFrameMismatch
	}
	frame, ok := zigbee.DecodeFrame(ind.Payload)
	if !ok {
		return nil, ErrFrameMismatch
	}
	dps := decodeTuyaDatapoints(frame.Payload)
	for _, dp := range dps {
		if dp.id != p.DPID {
			continue
		}
		val, err := decodeTuyaValue(dp.dataType, dp.value)
		if err != nil {
			continue
		}
		pc.Sandbox.Reset(jsvm.Context{
			DeclaredItem: pc.DeclaredItem,
			ItemName:     pc.ItemName,
			ResolveItem:  pc.ResolveItem,
			Attr:         jsvm.ZclAttribute{Val: val, ID: uint16(dp.id)},
			SrcEp:        ind.SrcEndpoint,
			ClusterID:    ind.ClusterID,
		})
		if err := pc.Sandbox.Evaluate(p.Eval); err != nil {
			return nil, err
		}
		return pc.Sandbox.ItemsSet(), nil
	}
	return nil, nil
}

type tuyaDatapoint struct {
	id       uint8
	dataType uint8
	value    []byte
}

// decodeTuyaDatapoints parses seq u16 | (dpid u8 | datatype u8 | length u16 |
// value)+, big-endian, per spec §4.F.
func decodeTuyaDatapoints(data []byte) []tuyaDatapoint {
	if len(data) < 2 {
		return nil
	}
	offset := 2 // skip seq
	var out []tuyaDatapoint
	for offset+4 <= len(data) {
		id := data[offset]
		dt := data[offset+1]
		length := int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if offset+length > len(data) {
			break
		}
		out = append(out, tuyaDatapoint{id: id, dataType: dt, value: data[offset : offset+length]})
		offset += length
	}
	return out
}

// Tuya datapoint type codes.
const (
	tuyaTypeRaw    uint8 = 0x00
	tuyaTypeBool   uint8 = 0x01
	tuyaTypeValue  uint8 = 0x02
	tuyaTypeString uint8 = 0x03
	tuyaTypeEnum   uint8 = 0x04
	tuyaTypeBitmap uint8 = 0x05
)

func decodeTuyaValue(dataType uint8, raw []byte) (any, error) {
	switch dataType {
	case tuyaTypeRaw:
		return nil, errors.New("access: tuya raw datapoints are not evaluated")
	case tuyaTypeBool:
		if len(raw) < 1 {
			return nil, errShort
		}
		return raw[0] != 0, nil
	case tuyaTypeValue:
		if len(raw) < 4 {
			return nil, errShort
		}
		v := int32(raw[0])<<24 | int32(raw[1])<<16 | int32(raw[2])<<8 | int32(raw[3])
		return int64(v), nil
	case tuyaTypeEnum:
		if len(raw) < 1 {
			return nil, errShort
		}
		return uint64(raw[0]), nil
	case tuyaTypeBitmap:
		var v uint64
		for _, b := range raw {
			v = v<<8 | uint64(b)
		}
		return v, nil
	default:
		return nil, errors.New("access: unknown tuya datapoint type")
	}
}

var errShort = errors.New("access: tuya datapoint value too short for its type")

// parseNumToStr evaluates a piecewise numeric-to-label mapping: the source
// item's numeric value is compared against p.To's sorted threshold/label
// pairs using p.Op, and the matching label is written to the declared item.
func parseNumToStr(pc ParseContext, p *ddf.AccessParams) ([]string, error) {
	if pc.ResolveItem == nil {
		return nil, ErrFrameMismatch
	}
	src, ok := pc.ResolveItem(p.SrcItem)
	if !ok {
		return nil, ErrFrameMismatch
	}
	num, ok := src.Value().(float64)
	if !ok {
		if n, ok2 := toFloatAny(src.Value()); ok2 {
			num = n
		} else {
			return nil, ErrFrameMismatch
		}
	}

	label, ok := matchNumToStr(num, p.Op, p.To)
	if !ok {
		return nil, nil
	}
	if _, err := pc.DeclaredItem.SetValue(label, resource.SourceRule, time.Now()); err != nil {
		return nil, err
	}
	return []string{pc.ItemName}, nil
}

func toFloatAny(v any) (float64, bool) {
	switch n := v.(type) {
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// matchNumToStr walks to's (threshold, label) pairs in order and returns the
// label of the first threshold that satisfies op against num.
func matchNumToStr(num float64, op string, to []string) (string, bool) {
	for i := 0; i+1 < len(to); i += 2 {
		var threshold float64
		if _, err := fmt.Sscanf(to[i], "%g", &threshold); err != nil {
			continue
		}
		label := to[i+1]
		var match bool
		switch op {
		case "lt":
			match = num < threshold
		case "le":
			match = num <= threshold
		case "eq":
			match = num == threshold
		case "gt":
			match = num > threshold
		case "ge":
			match = num >= threshold
		}
		if match {
			return label, true
		}
	}
	return "", false
}

func containsAttr(ids []uint16, id uint16) bool {
	for _, a := range ids {
		if a == id {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
