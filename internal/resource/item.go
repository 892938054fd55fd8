package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DataType is a ResourceItem's value kind.
type DataType uint8

const (
	TypeBool DataType = iota
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeReal
	TypeString
	TypeTime
	TypeTimePattern
)

// Source records who last set an item's value; required for feedback
// suppression (a value written by the API must not be echoed back as if the
// device reported it).
type Source uint8

const (
	SourceUnknown Source = iota
	SourceDevice
	SourceAPI
	SourceRule
)

// Flags are additive bits tracking push/store obligations.
type Flags uint16

const (
	FlagPushOnSet Flags = 1 << iota
	FlagPushOnChange
	FlagPushPendingSet
	FlagPushPendingChange
	FlagNeedStore
	FlagAwakeOnSet
	FlagImplicit
	FlagZCLUnsupported
)

// Descriptor is immutable once registered: exactly one per suffix across the
// process (invariant I4), enforced by Registry.Register.
type Descriptor struct {
	Suffix   string
	Kind     string // "device", "light", "sensor", "group", "alarm-system"
	Type     DataType
	Min, Max float64 // numeric validity range; ignored for non-numeric types
}

// Item is a typed, aged, change-tracked cell identified by its Descriptor's
// suffix (e.g. "state/on", "config/battery", "attr/modelid").
type Item struct {
	Descriptor Descriptor

	value    any
	prevNum  float64
	lastSet  time.Time
	lastChg  time.Time
	flags    Flags
	source   Source

	// Access parameters bound by the DDF store (component D); opaque to
	// this package.
	ReadParams  []byte
	ParseParams []byte
	WriteParams []byte

	// RuleHandles are back-pointers to rules referencing this item, kept
	// sorted and deduplicated so a rules engine can schedule evaluations.
	RuleHandles []string
}

// NewItem constructs an item with its descriptor and zero value.
func NewItem(d Descriptor) *Item {
	return &Item{Descriptor: d, value: zeroValue(d.Type)}
}

func zeroValue(t DataType) any {
	switch t {
	case TypeBool:
		return false
	case TypeString:
		return ""
	case TypeReal:
		return 0.0
	case TypeTime, TypeTimePattern:
		return time.Time{}
	default:
		return uint64(0)
	}
}

// Value returns the current stored value.
func (it *Item) Value() any { return it.value }

// PreviousNumeric returns the numeric value before the last change, used by
// edge-trigger rules.
func (it *Item) PreviousNumeric() float64 { return it.prevNum }

// LastSet and LastChanged report the item's timestamps. LastChanged advances
// only on an actual value change (invariant I5).
func (it *Item) LastSet() time.Time     { return it.lastSet }
func (it *Item) LastChanged() time.Time { return it.lastChg }

func (it *Item) HasFlag(f Flags) bool { return it.flags&f != 0 }
func (it *Item) SetFlag(f Flags)      { it.flags |= f }
func (it *Item) ClearFlag(f Flags)    { it.flags &^= f }

func (it *Item) Source() Source { return it.source }

// String renders the value per the suffix-specific format. Time items with
// an invalid last_set render as the empty string (invariant I3).
func (it *Item) String() string {
	switch it.Descriptor.Type {
	case TypeTime, TypeTimePattern:
		if it.lastSet.IsZero() {
			return ""
		}
		t, _ := it.value.(time.Time)
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	case TypeString:
		s, _ := it.value.(string)
		return s
	case TypeBool:
		b, _ := it.value.(bool)
		return strconv.FormatBool(b)
	case TypeReal:
		f, _ := it.value.(float64)
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", it.value)
	}
}

// SetValue validates v against the descriptor's type and numeric range,
// converts it to canonical form, and applies invariants I1/I2/I5. now is the
// wall-clock time of the set (device timestamps come from the indication
// that produced them, not from time.Now(), so it is a parameter).
//
// Returns whether the stored value actually changed.
func (it *Item) SetValue(v any, source Source, now time.Time) (bool, error) {
	converted, err := convert(it.Descriptor.Type, v)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}

	if n, ok := toFloat(converted); ok && isNumeric(it.Descriptor.Type) {
		if (it.Descriptor.Min != 0 || it.Descriptor.Max != 0) && (n < it.Descriptor.Min || n > it.Descriptor.Max) {
			return false, fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, n, it.Descriptor.Min, it.Descriptor.Max)
		}
	}

	changed := !valuesEqual(it.value, converted)

	if n, ok := toFloat(it.value); ok {
		it.prevNum = n
	}

	it.value = converted
	it.lastSet = now
	it.SetFlag(FlagPushOnSet)
	it.SetFlag(FlagPushPendingSet)

	if changed {
		it.lastChg = now
		it.SetFlag(FlagPushOnChange)
		it.SetFlag(FlagPushPendingChange) // additive: a pending change is never cleared by a new change
		it.SetFlag(FlagNeedStore)
	}

	it.source = source
	return changed, nil
}

func isNumeric(t DataType) bool {
	switch t {
	case TypeBool, TypeString:
		return false
	default:
		return true
	}
}

func valuesEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok2 := b.(time.Time)
		return ok2 && at.Equal(bt)
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
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

// convert coerces v into the canonical Go representation for t. Numbers
// convert between int/float/string forms; bools accept bool-like strings;
// times accept ISO-8601 with or without milliseconds and with or without a
// trailing Z.
func convert(t DataType, v any) (any, error) {
	switch t {
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, err
			}
			return b, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to bool", v)
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return fmt.Sprintf("%v", x), nil
		}
	case TypeReal:
		return toNumber(v, func(f float64) any { return f })
	case TypeTime, TypeTimePattern:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			return parseTime(x)
		default:
			return nil, fmt.Errorf("cannot coerce %T to time", v)
		}
	default: // integer family, stored widened as uint64/int64 per sign
		if unsigned(t) {
			return toNumber(v, func(f float64) any { return uint64(f) })
		}
		return toNumber(v, func(f float64) any { return int64(f) })
	}
}

func unsigned(t DataType) bool {
	switch t {
	case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
		return true
	default:
		return false
	}
}

func toNumber(v any, wrap func(float64) any) (any, error) {
	switch x := v.(type) {
	case float64:
		return wrap(x), nil
	case int:
		return wrap(float64(x)), nil
	case int64:
		return wrap(float64(x)), nil
	case uint64:
		return wrap(float64(x)), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, err
		}
		return wrap(f), nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to number", v)
	}
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
