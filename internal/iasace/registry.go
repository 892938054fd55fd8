package iasace

import "github.com/dresden-elektronik/gwcore/internal/alarm"

// Registry implements ZoneLookup against an alarm.DeviceTable and the set of
// partitions it spans, the Go shape of the original's (stubbed)
// IAS_GetZone/AlarmSystems association.
type Registry struct {
	devices  *alarm.DeviceTable
	systems  map[uint8]*alarm.System
}

// NewRegistry constructs a Registry over devices and systems (keyed by
// alarm-system id).
func NewRegistry(devices *alarm.DeviceTable, systems map[uint8]*alarm.System) *Registry {
	return &Registry{devices: devices, systems: systems}
}

// SystemForAddress resolves extAddress to its partition via the device
// table, matching AS_DeviceEntry.AlarmSystemID.
func (r *Registry) SystemForAddress(extAddress uint64) (*alarm.System, bool) {
	entry, ok := r.devices.GetByExtAddress(extAddress)
	if !ok || entry.Flags&FlagIASAceCapable == 0 {
		return nil, false
	}
	system, ok := r.systems[entry.AlarmSystemID]
	return system, ok
}

// FlagIASAceCapable mirrors alarm.FlagIASAce, named locally so this package
// does not need to reach across for a single bit check's sake beyond what
// it already imports.
const FlagIASAceCapable = alarm.FlagIASAce
