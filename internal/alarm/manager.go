package alarm

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

// TriggerResolver reports whether a device (identified by its unique id)
// currently has an item for suffix, used to auto-choose a trigger when the
// REST device PUT omits one ("auto-chosen by first match on the target
// device", spec §6). Left unset, auto-choice always yields TriggerNone.
type TriggerResolver interface {
	HasItem(uniqueID, suffix string) bool
}

// Manager owns every alarm-system partition plus the device table they
// share, and is the boundary the REST layer (internal/httpapi) drives —
// the alarm-system analogue of pkg/device.Controller.
type Manager struct {
	mu       sync.Mutex
	bus      *eventbus.Bus
	devices  *DeviceTable
	systems  map[uint8]*System
	resolver TriggerResolver

	secrets SecretStore
	items   ItemStore
}

// NewManager constructs a Manager over a shared device table and event bus.
func NewManager(bus *eventbus.Bus, devices *DeviceTable) *Manager {
	return &Manager{bus: bus, devices: devices, systems: make(map[uint8]*System)}
}

// SetTriggerResolver attaches the hook used to auto-choose a device's
// trigger item when a PutDevice call omits one.
func (m *Manager) SetTriggerResolver(r TriggerResolver) { m.resolver = r }

// SetStores attaches the persistence hooks that newly-created systems are
// wired up with (SecretStore/ItemStore) and propagates the device table's
// Persister.
func (m *Manager) SetStores(secrets SecretStore, items ItemStore, persist Persister) {
	m.secrets = secrets
	m.items = items
	m.devices.SetPersister(persist)
}

// DeviceTable returns the shared device table backing every partition.
func (m *Manager) DeviceTable() *DeviceTable { return m.devices }

// List returns every partition, ordered by id.
func (m *Manager) List() []*System {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*System, 0, len(m.systems))
	for _, s := range m.systems {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the partition for id.
func (m *Manager) Get(id uint8) (*System, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.systems[id]
	return s, ok
}

// Ensure returns the partition for id, creating it (wired with the
// Manager's stores) if it does not yet exist, matching "PUT
// /alarmsystems/<id>"'s upsert-by-name semantics.
func (m *Manager) Ensure(id uint8) *System {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.systems[id]
	if ok {
		return s
	}
	s = NewSystem(id, m.bus, m.devices)
	if m.secrets != nil {
		s.SetSecretStore(m.secrets)
	}
	if m.items != nil {
		s.SetItemStore(m.items)
		if err := m.items.StoreAlarmSystem(id); err != nil {
			log.Warn().Err(err).Uint8("id", id).Msg("alarm: failed to persist new alarm system")
		}
	}
	m.systems[id] = s
	return s
}

// Arm validates code against system's stored PIN and, if it checks out,
// requests mode, matching AlarmSystem::handle_arm's PIN-check/already-state
// rules (spec §4.J).
func (m *Manager) Arm(systemID uint8, mode ArmMode, code string) error {
	s, ok := m.Get(systemID)
	if !ok {
		return ErrSystemNotFound
	}
	if mode == ArmModeDisarmed && s.TargetArmMode() == ArmModeDisarmed {
		return ErrAlreadyDisarmed
	}
	if !s.IsValidCode(code) {
		return ErrInvalidCode
	}
	if !s.SetTargetArmMode(mode) {
		return ErrUnknownArmMode
	}
	return nil
}

// ArmMaskString renders a device entry's arm-participation flags as the
// REST "A"/"S"/"N" combo string.
func ArmMaskString(flags uint32) string {
	var b strings.Builder
	if flags&FlagArmedAway != 0 {
		b.WriteByte('A')
	}
	if flags&FlagArmedStay != 0 {
		b.WriteByte('S')
	}
	if flags&FlagArmedNight != 0 {
		b.WriteByte('N')
	}
	return b.String()
}

// parseArmMask parses a REST "A"/"S"/"N" combo into FlagArmed* bits.
func parseArmMask(s string) (uint32, error) {
	var flags uint32
	for _, c := range s {
		switch c {
		case 'A':
			flags |= FlagArmedAway
		case 'S':
			flags |= FlagArmedStay
		case 'N':
			flags |= FlagArmedNight
		default:
			return 0, ErrInvalidArmMask
		}
	}
	return flags, nil
}

// PutDevice adds or updates uniqueID's participation in systemID, matching
// "PUT /alarmsystems/<id>/device/<uniqueId>". armMask is required unless
// the device is already known as an IAS ACE keypad/keyfob; trigger, if
// empty, is auto-chosen via the attached TriggerResolver.
func (m *Manager) PutDevice(systemID uint8, uniqueID, armMask, trigger string) error {
	if _, ok := m.Get(systemID); !ok {
		return ErrSystemNotFound
	}
	existing, hadExisting := m.devices.Get(uniqueID)
	isIASAce := hadExisting && existing.Flags&FlagIASAce != 0

	var flags uint32
	if armMask == "" {
		if !isIASAce {
			return ErrArmMaskRequired
		}
		flags = existing.Flags &^ (FlagArmedAway | FlagArmedStay | FlagArmedNight)
	} else {
		parsed, err := parseArmMask(armMask)
		if err != nil {
			return err
		}
		flags = parsed
		if isIASAce {
			flags |= FlagIASAce
		}
	}

	extAddress, err := ParseExtAddress(uniqueID)
	if err != nil {
		return err
	}
	if err := m.devices.Put(uniqueID, extAddress, flags, systemID); err != nil {
		return err
	}

	trig := TriggerNone
	if trigger != "" {
		parsed, ok := TriggerKindFromString(trigger)
		if !ok {
			return ErrInvalidTrigger
		}
		trig = parsed
	} else if m.resolver != nil {
		for k := TriggerPresence; k <= TriggerOn; k++ {
			if m.resolver.HasItem(uniqueID, TriggerKindString(k)) {
				trig = k
				break
			}
		}
	}
	m.devices.SetTrigger(uniqueID, trig)
	return nil
}

// DeleteDevice removes uniqueID from systemID's partition, matching
// "DELETE /alarmsystems/<id>/device/<uniqueId>".
func (m *Manager) DeleteDevice(systemID uint8, uniqueID string) error {
	if _, ok := m.Get(systemID); !ok {
		return ErrSystemNotFound
	}
	entry, ok := m.devices.Get(uniqueID)
	if !ok || entry.AlarmSystemID != systemID {
		return ErrDeviceNotFound
	}
	if !m.devices.Erase(uniqueID) {
		return ErrDeviceNotFound
	}
	return nil
}
