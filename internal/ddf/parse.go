package ddf

import (
	"encoding/json"
	"fmt"
)

type document struct {
	Manufacturer string                                `json:"manufacturer"`
	Model        string                                `json:"model"`
	Product      string                                `json:"product"`
	SubDevices   map[string]map[string]rawItem `json:"subdevices"`
}

type rawItem struct {
	Read  *rawAccessParams `json:"read"`
	Parse *rawAccessParams `json:"parse"`
	Write *rawAccessParams `json:"write"`
}

// Parse decodes and validates raw DDF JSON into a DDF. Unknown `fn` values
// disable the item (per spec §6) rather than failing the whole document.
func Parse(raw json.RawMessage) (*DDF, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal ddf: %w", err)
	}

	d := &DDF{
		Match:      MatchCriteria{Manufacturer: doc.Manufacturer, Model: doc.Model, Product: doc.Product},
		SubDevices: make(map[string]map[string]Item, len(doc.SubDevices)),
		raw:        raw,
	}

	for subdevice, items := range doc.SubDevices {
		bound := make(map[string]Item, len(items))
		for suffix, raw := range items {
			bound[suffix] = Item{
				Read:  bindAccessParams(raw.Read),
				Parse: bindAccessParams(raw.Parse),
				Write: bindAccessParams(raw.Write),
			}
		}
		d.SubDevices[subdevice] = bound
	}

	return d, nil
}

// bindAccessParams returns nil if raw is nil, or if raw.Fn names a function
// this module does not recognize (the item slot is then simply absent,
// which access functions treat as "disabled").
func bindAccessParams(raw *rawAccessParams) *AccessParams {
	if raw == nil {
		return nil
	}

	fn := Function(raw.Fn)
	if fn == "" {
		fn = FnZCL
	}
	switch fn {
	case FnZCL, FnTuya, FnXiaomi, FnIASZoneStat, FnNumToStr, FnTime, FnTuyaTime:
	default:
		return nil
	}

	p := &AccessParams{Fn: fn, Eval: raw.Eval}

	if raw.EP != nil {
		p.Endpoint = uint8(*raw.EP)
	}
	if raw.CL != nil {
		p.Cluster = uint16(*raw.CL)
	}
	if raw.MF != nil {
		p.Manufacturer = uint16(*raw.MF)
	}
	if raw.Cmd != nil {
		c := uint8(*raw.Cmd)
		p.Command = &c
	}
	p.Attributes = parseAttrList(raw.AT)

	if raw.DPID != nil {
		p.DPID = uint8(*raw.DPID)
	}
	if raw.DT != nil {
		p.DataType = uint8(*raw.DT)
	}

	if fn == FnXiaomi {
		if len(p.Attributes) > 0 {
			p.XiaomiAttr = p.Attributes[0]
		}
		var idx int
		fmt.Sscanf(raw.Idx, "0x%x", &idx)
		p.XiaomiIdx = uint8(idx)
	}

	if fn == FnIASZoneStat && raw.Mask != "" {
		p.Mask = splitCSV(raw.Mask)
	}

	if fn == FnNumToStr {
		p.SrcItem = raw.SrcItem
		p.Op = raw.Op
		p.To = raw.To
	}

	return p
}

// parseAttrList accepts either a single numeric id or a list of ids (≤8 per
// spec §4.D); anything else yields an empty list.
func parseAttrList(at any) []uint16 {
	switch v := at.(type) {
	case float64:
		return []uint16{uint16(v)}
	case []any:
		out := make([]uint16, 0, len(v))
		for _, e := range v {
			if n, ok := e.(float64); ok {
				out = append(out, uint16(n))
			}
			if len(out) == 8 {
				break
			}
		}
		return out
	default:
		return nil
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '|' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
