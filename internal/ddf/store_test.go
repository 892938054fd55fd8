package ddf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

const testDoc = `{
	"manufacturer": "Philips",
	"model": "LCT001",
	"subdevices": {
		"light": {
			"state/on": {
				"read": {"fn": "zcl", "ep": 1, "cl": 6, "at": 0},
				"parse": {"fn": "zcl", "ep": 1, "cl": 6, "at": 0, "eval": "Item.val = Attr.val"},
				"write": {"fn": "zcl", "ep": 1, "cl": 6, "cmd": 1}
			}
		}
	}
}`

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStore_LoadAndMatch(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "philips.json", testDoc)

	s := NewStore(dir, nil)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	d, ok := s.Match("Philips", "LCT001")
	if !ok {
		t.Fatal("expected match")
	}
	item, ok := d.GetItem("light", "state/on")
	if !ok {
		t.Fatal("expected state/on item")
	}
	if item.Read.Fn != FnZCL || item.Read.Cluster != 6 {
		t.Errorf("unexpected read params: %+v", item.Read)
	}
	if item.Write.Command == nil || *item.Write.Command != 1 {
		t.Errorf("expected write command 1, got %+v", item.Write.Command)
	}
}

func TestStore_SkipsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "good.json", testDoc)
	writeDoc(t, dir, "bad.json", `{"model": "missing manufacturer and subdevices"}`)

	s := NewStore(dir, nil)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Match("Philips", "LCT001"); !ok {
		t.Fatal("expected the valid document to still load")
	}
}

func TestStore_NoMatchForUnknownModel(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "philips.json", testDoc)

	s := NewStore(dir, nil)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Match("Philips", "unknown"); ok {
		t.Fatal("expected no match")
	}
}

func TestStore_ReloadEmitsEventForAffectedDevice(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "philips.json", testDoc)

	bus := eventbus.New()
	s := NewStore(dir, bus)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	var got []eventbus.Event
	bus.Subscribe(eventbus.ResourceKind("device"), func(e eventbus.Event) { got = append(got, e) })

	lookup := func(key uint64) (string, string, bool) {
		if key == 42 {
			return "Philips", "LCT001", true
		}
		return "", "", false
	}
	if err := s.Reload(lookup, []uint64{42}); err != nil {
		t.Fatal(err)
	}
	bus.Drain()

	if len(got) != 1 || got[0].What != eventbus.EventDDFReload || got[0].DeviceKey != 42 {
		t.Errorf("expected one ddf.reload event for device 42, got %+v", got)
	}
}
