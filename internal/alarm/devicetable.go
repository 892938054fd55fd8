package alarm

// DeviceEntry binds a unique id to the alarm system (if any) and arm-mode
// mask it participates in. Fields are laid out explicitly rather than
// relying on Go struct packing, mirroring the original's deliberate
// fixed-width 64-byte AS_DeviceEntry (one cache line):
//
//	uniqueId[32] + extAddress(8) + flags(4) + uniqueIdSize(1) +
//	alarmSystemID(1) + armMask[4] + padding[14] = 64
const maxUniqueIDLength = 31

// Entry flags, matching AS_ENTRY_FLAG_* from the original device table.
const (
	FlagArmedAway  uint32 = 0x00000100
	FlagArmedStay  uint32 = 0x00000200
	FlagArmedNight uint32 = 0x00000400
	FlagIASAce     uint32 = 0x00000008
)

// TriggerKind identifies which item transition on a device counts as a
// sensor trip for its partition, matching the REST device PUT's optional
// "trigger" field (spec §6).
type TriggerKind uint8

const (
	TriggerNone TriggerKind = iota
	TriggerPresence
	TriggerVibration
	TriggerOpen
	TriggerButtonEvent
	TriggerOn
)

var triggerSuffixes = [...]string{"", "state/presence", "state/vibration", "state/open", "state/buttonevent", "state/on"}

// TriggerKindString renders k as the REST item-suffix string, or "" if k is
// TriggerNone or out of range.
func TriggerKindString(k TriggerKind) string {
	if int(k) >= len(triggerSuffixes) {
		return ""
	}
	return triggerSuffixes[k]
}

// TriggerKindFromString parses one of the five known trigger suffixes.
func TriggerKindFromString(s string) (TriggerKind, bool) {
	for i, suffix := range triggerSuffixes {
		if i != 0 && suffix == s {
			return TriggerKind(i), true
		}
	}
	return TriggerNone, false
}

// DeviceEntry is one row of the alarm device table.
type DeviceEntry struct {
	UniqueID      [maxUniqueIDLength + 1]byte
	ExtAddress    uint64
	Flags         uint32
	UniqueIDSize  uint8
	AlarmSystemID uint8
	ArmMask       [4]byte
	_             [14]byte // padding, kept to preserve the original's 64-byte shape
}

// Valid reports whether e is a populated (non-tombstone) entry.
func (e DeviceEntry) Valid() bool {
	return e.UniqueID[0] != 0 && e.UniqueIDSize > 0 && e.AlarmSystemID > 0 && e.ExtAddress != 0
}

// UniqueIDString returns the entry's unique id as a Go string.
func (e DeviceEntry) UniqueIDString() string {
	n := int(e.UniqueIDSize)
	if n > maxUniqueIDLength {
		n = maxUniqueIDLength
	}
	return string(e.UniqueID[:n])
}

// Trigger returns the entry's configured sensor-trip item, stored in the
// first byte of the otherwise-unused ArmMask padding.
func (e DeviceEntry) Trigger() TriggerKind {
	return TriggerKind(e.ArmMask[0])
}

// NewDeviceEntry builds a DeviceEntry directly, for callers (e.g. cmd/gwcore)
// hydrating the table from persisted rows via Reset.
func NewDeviceEntry(uniqueID string, extAddress uint64, flags uint32, alarmSystemID uint8) (DeviceEntry, error) {
	return newDeviceEntry(uniqueID, extAddress, flags, alarmSystemID)
}

func newDeviceEntry(uniqueID string, extAddress uint64, flags uint32, alarmSystemID uint8) (DeviceEntry, error) {
	if len(uniqueID) > maxUniqueIDLength {
		return DeviceEntry{}, ErrUniqueIDTooLong
	}
	var e DeviceEntry
	copy(e.UniqueID[:], uniqueID)
	e.UniqueIDSize = uint8(len(uniqueID))
	e.ExtAddress = extAddress
	e.Flags = flags
	e.AlarmSystemID = alarmSystemID
	return e, nil
}

// Persister persists device-table mutations, matching put's "always
// persists the updated entry" and erase's "deletes from the store first"
// contract. Satisfied by internal/store.Store.
type Persister interface {
	StoreAlarmSystemDevice(uniqueID string, alarmSystemID uint8, flags uint32, extAddress uint64) error
	DeleteAlarmSystemDevice(uniqueID string) error
}

// DeviceTable is the in-memory index of devices participating in alarm
// systems, keyed by unique id and by extended (IEEE) address.
type DeviceTable struct {
	entries []DeviceEntry
	persist Persister
}

// NewDeviceTable returns an empty table.
func NewDeviceTable() *DeviceTable {
	return &DeviceTable{}
}

// SetPersister attaches the store that Put/Erase keep in sync.
func (t *DeviceTable) SetPersister(p Persister) { t.persist = p }

// Put inserts or replaces the entry for uniqueID, always persisting it first.
func (t *DeviceTable) Put(uniqueID string, extAddress uint64, flags uint32, alarmSystemID uint8) error {
	e, err := newDeviceEntry(uniqueID, extAddress, flags, alarmSystemID)
	if err != nil {
		return err
	}
	if t.persist != nil {
		if err := t.persist.StoreAlarmSystemDevice(uniqueID, alarmSystemID, flags, extAddress); err != nil {
			return err
		}
	}
	for i := range t.entries {
		if t.entries[i].UniqueIDString() == uniqueID {
			t.entries[i] = e
			return nil
		}
	}
	t.entries = append(t.entries, e)
	return nil
}

// Get returns the entry for uniqueID.
func (t *DeviceTable) Get(uniqueID string) (DeviceEntry, bool) {
	for _, e := range t.entries {
		if e.UniqueIDString() == uniqueID {
			return e, true
		}
	}
	return DeviceEntry{}, false
}

// GetByExtAddress returns the entry for an IEEE address.
func (t *DeviceTable) GetByExtAddress(extAddress uint64) (DeviceEntry, bool) {
	for _, e := range t.entries {
		if e.ExtAddress == extAddress {
			return e, true
		}
	}
	return DeviceEntry{}, false
}

// Erase removes uniqueID's entry, if present, deleting from the store first.
func (t *DeviceTable) Erase(uniqueID string) bool {
	for i := range t.entries {
		if t.entries[i].UniqueIDString() == uniqueID {
			if t.persist != nil {
				if err := t.persist.DeleteAlarmSystemDevice(uniqueID); err != nil {
					return false
				}
			}
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// SetTrigger records uniqueID's sensor-trip item, reporting false if the
// entry does not exist.
func (t *DeviceTable) SetTrigger(uniqueID string, trigger TriggerKind) bool {
	for i := range t.entries {
		if t.entries[i].UniqueIDString() == uniqueID {
			t.entries[i].ArmMask[0] = byte(trigger)
			return true
		}
	}
	return false
}

// Size returns the number of entries.
func (t *DeviceTable) Size() int { return len(t.entries) }

// Reset replaces the table's contents wholesale, used when reloading from
// persistence.
func (t *DeviceTable) Reset(entries []DeviceEntry) { t.entries = entries }

// AlarmSystemDevices returns every entry belonging to alarmSystemID.
func (t *DeviceTable) AlarmSystemDevices(alarmSystemID uint8) []DeviceEntry {
	var out []DeviceEntry
	for _, e := range t.entries {
		if e.AlarmSystemID == alarmSystemID {
			out = append(out, e)
		}
	}
	return out
}
