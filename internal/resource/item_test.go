package resource

import (
	"errors"
	"testing"
	"time"
)

func TestSetValue_ChangeUpdatesLastChanged(t *testing.T) {
	it := NewItem(Descriptor{Suffix: "state/on", Type: TypeBool})

	t0 := time.Unix(1000, 0)
	changed, err := it.SetValue(true, SourceDevice, t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("expected value change from zero value")
	}
	if !it.LastSet().Equal(t0) || !it.LastChanged().Equal(t0) {
		t.Errorf("expected both timestamps at %v, got set=%v changed=%v", t0, it.LastSet(), it.LastChanged())
	}
}

func TestSetValue_SameValueOnlyUpdatesLastSet(t *testing.T) {
	it := NewItem(Descriptor{Suffix: "state/on", Type: TypeBool})

	t0 := time.Unix(1000, 0)
	if _, err := it.SetValue(true, SourceDevice, t0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t1 := time.Unix(2000, 0)
	changed, err := it.SetValue(true, SourceDevice, t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Error("expected no change when setting the same value")
	}
	if !it.LastSet().Equal(t1) {
		t.Errorf("expected last_set to advance to %v, got %v", t1, it.LastSet())
	}
	if !it.LastChanged().Equal(t0) {
		t.Errorf("expected last_changed to stay at %v, got %v", t0, it.LastChanged())
	}
	if !it.LastChanged().Before(it.LastSet()) {
		t.Error("invariant I1 violated: last_changed must be <= last_set")
	}
}

func TestSetValue_OutOfRange(t *testing.T) {
	it := NewItem(Descriptor{Suffix: "config/battery", Type: TypeUint8, Min: 0, Max: 100})

	_, err := it.SetValue(150, SourceDevice, time.Now())
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestSetValue_BadTimeFormat(t *testing.T) {
	it := NewItem(Descriptor{Suffix: "state/lastset", Type: TypeTime})

	_, err := it.SetValue("not-a-time", SourceDevice, time.Now())
	if !errors.Is(err, ErrBadFormat) {
		t.Errorf("expected ErrBadFormat, got %v", err)
	}
}

func TestItem_TimeRendersEmptyWhenUnset(t *testing.T) {
	it := NewItem(Descriptor{Suffix: "state/lastset", Type: TypeTime})
	if s := it.String(); s != "" {
		t.Errorf("expected empty string for unset time item, got %q", s)
	}
}

func TestResource_SetValue_UnknownSuffix(t *testing.T) {
	r := NewResource("00:11", KindLight, nil)
	_, err := r.SetValue("state/on", true, SourceAPI)
	if !errors.Is(err, ErrUnknownSuffix) {
		t.Errorf("expected ErrUnknownSuffix, got %v", err)
	}
}

func TestRegistry_DuplicateDescriptorRejected(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Suffix: "state/on", Type: TypeBool}); err != nil {
		t.Fatalf("unexpected error on first register: %v", err)
	}
	err := reg.Register(Descriptor{Suffix: "state/on", Type: TypeUint8})
	if err == nil {
		t.Error("expected error registering a conflicting descriptor for an existing suffix")
	}
}

func TestStringCache_InternsByContent(t *testing.T) {
	c := NewStringCache()
	a := c.Intern("state/on")
	b := c.Intern("state/on")
	if a != b {
		t.Error("expected interned strings to be equal by content")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 distinct atom, got %d", c.Len())
	}
}
