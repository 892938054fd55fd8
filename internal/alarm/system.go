// Package alarm implements the alarm-system partition state machine (spec
// §4.J), its device table (§4.K), and PIN hashing, grounded on
// original_source/alarm_system.cpp's per-mode delay/duration model and
// _device_table.h's fixed-width device entries. Go translation of the
// original's function-pointer state handlers: a tagged State enum dispatched
// through a single switch, the same idiom used by internal/statechange and
// internal/device.
package alarm

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
	"github.com/dresden-elektronik/gwcore/internal/resource"
)

// SecretStore persists PIN hashes, matching db_store_secret/db_load_secret.
// state is opaque (spec.md labels the persistence surface opaque); this
// module stores "enabled" and otherwise ignores it. Satisfied by
// internal/store.Store.
type SecretStore interface {
	StoreSecret(id, hash, state string) error
	LoadSecret(id string) (hash string, state string, ok bool, err error)
}

const secretStateEnabled = "enabled"

// ItemStore persists partition config/state touches, matching
// db_store_alarm_system/db_store_alarm_system_resource_item. Satisfied by
// internal/store.Store.
type ItemStore interface {
	StoreAlarmSystem(id uint8) error
	StoreAlarmSystemResourceItem(id uint8, suffix string, value string) error
}

// ArmMode is a target arm state requested via the REST API or an IAS ACE
// panel command.
type ArmMode uint8

const (
	ArmModeDisarmed ArmMode = iota
	ArmModeArmedStay
	ArmModeArmedNight
	ArmModeArmedAway

	armModeMax
)

var armModeStrings = [...]string{"disarmed", "armed_stay", "armed_night", "armed_away"}

// ArmModeString renders m the same way the REST layer does.
func ArmModeString(m ArmMode) string {
	if int(m) >= len(armModeStrings) {
		return ""
	}
	return armModeStrings[m]
}

// ArmModeFromString parses m, returning armModeMax (invalid) if unrecognized.
func ArmModeFromString(s string) ArmMode {
	for i, n := range armModeStrings {
		if n == s {
			return ArmMode(i)
		}
	}
	return armModeMax
}

// targetArmMask maps a target arm mode to the device-table entry flag bits
// (FlagArmed*) that participate in it, used to filter incoming device-alarm
// events against the currently armed mode.
var targetArmMask = [...]uint32{0, FlagArmedStay, FlagArmedNight, FlagArmedAway}

// PanelStatus is the IAS ACE panel status code mirrored in state/armstate.
type PanelStatus uint8

const (
	PanelStatusDisarmed      PanelStatus = 0x00
	PanelStatusArmedStay     PanelStatus = 0x01
	PanelStatusArmedNight    PanelStatus = 0x02
	PanelStatusArmedAway     PanelStatus = 0x03
	PanelStatusExitDelay     PanelStatus = 0x04
	PanelStatusEntryDelay    PanelStatus = 0x05
	PanelStatusNotReadyToArm PanelStatus = 0x06
	PanelStatusInAlarm       PanelStatus = 0x07
	PanelStatusArmingStay    PanelStatus = 0x08
	PanelStatusArmingNight   PanelStatus = 0x09
	PanelStatusArmingAway    PanelStatus = 0x0a
)

var panelStatusStrings = [...]string{
	"disarmed", "armed_stay", "armed_night", "armed_away",
	"exit_delay", "entry_delay", "not_ready_to_arm", "in_alarm",
	"arming_stay", "arming_night", "arming_away",
}

// PanelStatusString renders status the way the REST "state/armstate" item
// does, matching IAS_PanelStatusToString.
func PanelStatusString(status PanelStatus) string {
	if int(status) >= len(panelStatusStrings) {
		return ""
	}
	return panelStatusStrings[status]
}

// State is the partition's own FSM state, independent of the target arm mode.
type State uint8

const (
	StateDisarmed State = iota
	StateExitDelay
	StateArming
	StateArmed
	StateEntryDelay
	StateInAlarm
)

// Item suffixes, matching the REST resource model (spec §6).
const (
	SuffixArmState         = "state/armstate"
	SuffixSecondsRemaining = "state/seconds_remaining"
	SuffixArmMode          = "config/armmode"
	SuffixConfigured       = "config/configured"
	SuffixName             = "name"
)

// modeConfig holds one arm mode's exit delay, entry delay, and trigger
// duration, set independently via the REST config endpoint.
type modeConfig struct {
	exitDelay  int
	entryDelay int
	trigger    int
}

// System is one alarm-system partition (1..4 per the gateway, matching
// AlarmSystemId in the original).
type System struct {
	ID       uint8
	Name     string
	Resource *resource.Resource
	DevTable *DeviceTable
	bus      *eventbus.Bus

	state        State
	targetMode   ArmMode
	exitDelay    int
	entryDelay   int
	trigger      int
	armMask      uint32
	stateEntered time.Time
	configs      [armModeMax]modeConfig

	codes map[int]string // index -> PHC-encoded hash

	secrets SecretStore
	items   ItemStore
}

// SetSecretStore attaches a SecretStore used to persist PIN hashes and
// hydrate them back via LoadCodes.
func (s *System) SetSecretStore(store SecretStore) { s.secrets = store }

// SetItemStore attaches an ItemStore used to persist config/state item
// changes as they're made.
func (s *System) SetItemStore(store ItemStore) { s.items = store }

// secretID returns the persistence key for the PIN at index, matching the
// original's "as_<id>_code<index>" scheme.
func (s *System) secretID(index int) string {
	return "as_" + itoa(s.ID) + "_code" + itoa(uint8(index))
}

// LoadCodes hydrates in-memory PIN hashes for indices 0..maxIndex from the
// attached SecretStore, matching db_load_secret.
func (s *System) LoadCodes(maxIndex int) error {
	if s.secrets == nil {
		return nil
	}
	for i := 0; i <= maxIndex; i++ {
		hash, _, ok, err := s.secrets.LoadSecret(s.secretID(i))
		if err != nil {
			return err
		}
		if ok {
			s.codes[i] = hash
		}
	}
	return nil
}

func (s *System) persistItem(suffix, value string) {
	if s.items == nil {
		return
	}
	if err := s.items.StoreAlarmSystemResourceItem(s.ID, suffix, value); err != nil {
		log.Warn().Err(err).Uint8("id", s.ID).Str("suffix", suffix).Msg("alarm: failed to persist item")
	}
}

// Per-mode delay/duration defaults from the original constructor (all 120s
// except disarmed's 0s).
const defaultDelaySeconds = 120

// NewSystem constructs a partition in Disarmed with the original's default
// per-mode delays, registering its items on a fresh resource.
func NewSystem(id uint8, bus *eventbus.Bus, devTable *DeviceTable) *System {
	r := resource.NewResource(idString(id), resource.KindAlarmSystem, nil)
	r.AddItem(resource.Descriptor{Suffix: SuffixArmState, Type: resource.TypeUint32})
	r.AddItem(resource.Descriptor{Suffix: SuffixSecondsRemaining, Type: resource.TypeUint32})
	r.AddItem(resource.Descriptor{Suffix: SuffixArmMode, Type: resource.TypeString})
	r.AddItem(resource.Descriptor{Suffix: SuffixConfigured, Type: resource.TypeBool})

	s := &System{
		ID:       id,
		Name:     idString(id),
		Resource: r,
		DevTable: devTable,
		bus:      bus,
		codes:    make(map[int]string),
	}
	for m := ArmModeArmedStay; m < armModeMax; m++ {
		s.configs[m] = modeConfig{exitDelay: defaultDelaySeconds, entryDelay: defaultDelaySeconds, trigger: defaultDelaySeconds}
	}
	r.SetValue(SuffixArmMode, armModeStrings[ArmModeDisarmed], resource.SourceAPI)
	r.SetValue(SuffixConfigured, false, resource.SourceAPI)
	s.updateTargetStateValues()
	s.updatePanelStatus()
	return s
}

// SetName renames the partition, matching "PUT /alarmsystems/<id>" (name
// update only, per spec §6).
func (s *System) SetName(name string) {
	s.Name = name
	s.persistItem(SuffixName, name)
}

// SetModeConfig replaces mode's exit delay, entry delay, and trigger
// duration (all in seconds), matching "PUT /alarmsystems/<id>/config"'s
// per-mode delay/duration fields. Disarmed has no delays and is rejected.
func (s *System) SetModeConfig(mode ArmMode, exitDelay, entryDelay, trigger int) error {
	if mode <= ArmModeDisarmed || mode >= armModeMax {
		return ErrUnknownArmMode
	}
	s.configs[mode] = modeConfig{exitDelay: exitDelay, entryDelay: entryDelay, trigger: trigger}
	if mode == s.targetMode {
		s.updateTargetStateValues()
	}
	return nil
}

// SetConfigured marks config/configured, set once set_code(0, ...) has run
// for this partition via the REST config endpoint.
func (s *System) SetConfigured(v bool) {
	changed, _ := s.Resource.SetValue(SuffixConfigured, v, resource.SourceAPI)
	if changed {
		if v {
			s.persistItem(SuffixConfigured, "true")
		} else {
			s.persistItem(SuffixConfigured, "false")
		}
	}
}

func idString(id uint8) string {
	return "alarmsystem-" + itoa(id)
}

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	digits := [3]byte{}
	n := 0
	for v > 0 {
		digits[n] = byte('0' + v%10)
		v /= 10
		n++
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = digits[n-1-i]
	}
	return string(out)
}

// SetCode sets the PIN code at index, storing only its scrypt hash.
func (s *System) SetCode(index int, code string) error {
	salt, err := GenerateSalt()
	if err != nil {
		return err
	}
	hash, err := HashPIN(code, salt)
	if err != nil {
		return err
	}
	s.codes[index] = hash
	if s.secrets != nil {
		if err := s.secrets.StoreSecret(s.secretID(index), hash, secretStateEnabled); err != nil {
			return err
		}
	}
	return nil
}

// IsValidCode reports whether code matches any stored PIN.
func (s *System) IsValidCode(code string) bool {
	for _, hash := range s.codes {
		if VerifyPIN(hash, code) {
			return true
		}
	}
	return false
}

// TargetArmMode returns the currently targeted (not necessarily reached) arm
// mode.
func (s *System) TargetArmMode() ArmMode { return s.targetMode }

// State returns the partition's own FSM state.
func (s *System) State() State { return s.state }

// SetTargetArmMode requests a new target arm mode, starting the exit-delay
// sequence if it actually changes, matching AlarmSystem::handleEvent's
// RConfigArmMode branch.
func (s *System) SetTargetArmMode(mode ArmMode) bool {
	if mode >= armModeMax {
		return false
	}
	old := s.targetMode
	s.targetMode = mode
	s.updateTargetStateValues()
	s.Resource.SetValue(SuffixArmMode, armModeStrings[mode], resource.SourceAPI)
	s.persistItem(SuffixArmMode, armModeStrings[mode])
	if old == mode {
		return true
	}
	s.setSecondsRemaining(s.exitDelay)
	s.setState(StateExitDelay)
	s.stateEntered = time.Now()
	return true
}

// updateTargetStateValues recomputes exit/entry delay, trigger duration, and
// the device-alarm arm mask for the current target mode. Each mode uses its
// own trigger_duration item — the original mixed up ArmedStay/ArmedNight's
// trigger duration with their exit delay; that copy/paste defect is not
// reproduced here.
func (s *System) updateTargetStateValues() {
	if s.targetMode >= armModeMax {
		return
	}
	if s.targetMode == ArmModeDisarmed {
		s.exitDelay = 0
		s.entryDelay = 0
		s.trigger = 0
	} else {
		c := s.configs[s.targetMode]
		s.exitDelay = c.exitDelay
		s.entryDelay = c.entryDelay
		s.trigger = c.trigger
	}
	s.armMask = targetArmMask[s.targetMode]
}

// HandleEvent forwards event to the current state's handler, matching
// AlarmSystem::handleEvent's dispatch (the RConfigArmMode branch is expected
// to have already called SetTargetArmMode; this only drives the ticking
// states).
func (s *System) HandleEvent(e eventbus.Event) {
	switch s.state {
	case StateExitDelay:
		s.handleExitDelay(e)
	case StateEntryDelay:
		s.handleEntryDelay(e)
	case StateArmed:
		s.handleArmed(e)
	case StateInAlarm:
		s.handleInAlarm(e)
	case StateArming:
		s.handleArming(e)
	}
}

// Tick is called at 1Hz by the owning supervisor loop; it synthesizes the
// REventTimerFired the original delivered via QTimer.
func (s *System) Tick(now time.Time) {
	s.HandleEvent(eventbus.NewEvent(eventbus.ResourceKind("alarm-system"), eventbus.EventTimerFired, "", 0))
	_ = now
}

func (s *System) handleExitDelay(e eventbus.Event) {
	if e.What != eventbus.EventTimerFired {
		return
	}
	elapsed := time.Since(s.stateEntered)
	if elapsed >= time.Duration(s.exitDelay)*time.Second {
		s.setSecondsRemaining(0)
		if s.targetMode == ArmModeDisarmed {
			s.setState(StateDisarmed)
		} else {
			s.stateEntered = time.Now()
			s.setState(StateArming)
		}
		return
	}
	s.setSecondsRemaining(s.exitDelay - int(elapsed/time.Second))
}

func (s *System) handleArming(e eventbus.Event) {
	if e.What != eventbus.EventTimerFired {
		return
	}
	s.setState(StateArmed)
}

// handleArmed reacts to a device-alarm event (an IAS Zone device tripping),
// looking the source device up in the table to find which partition and
// which armed modes it should trigger under.
func (s *System) handleArmed(e eventbus.Event) {
	if e.What != eventbus.EventDeviceAlarm || s.DevTable == nil {
		return
	}
	entry, ok := s.DevTable.GetByExtAddress(e.DeviceKey)
	if !ok || entry.AlarmSystemID != s.ID {
		return
	}
	if entry.Flags&s.armMask == 0 {
		return
	}
	s.setSecondsRemaining(s.entryDelay)
	s.stateEntered = time.Now()
	s.setState(StateEntryDelay)
}

func (s *System) handleEntryDelay(e eventbus.Event) {
	if e.What != eventbus.EventTimerFired {
		return
	}
	elapsed := time.Since(s.stateEntered)
	if elapsed >= time.Duration(s.entryDelay)*time.Second {
		s.setSecondsRemaining(0)
		s.stateEntered = time.Now()
		s.setState(StateInAlarm)
		return
	}
	s.setSecondsRemaining(s.entryDelay - int(elapsed/time.Second))
}

func (s *System) handleInAlarm(e eventbus.Event) {
	if e.What != eventbus.EventTimerFired {
		return
	}
	if time.Since(s.stateEntered) >= time.Duration(s.trigger)*time.Second {
		s.setState(StateArmed)
	}
}

func (s *System) setState(state State) {
	s.state = state
	s.updatePanelStatus()
}

// updatePanelStatus recomputes state/armstate from the current state and
// target mode, matching AlarmSystemPrivate::updateArmStateAndPanelStatus.
func (s *System) updatePanelStatus() {
	status := PanelStatusNotReadyToArm
	switch s.state {
	case StateDisarmed:
		status = PanelStatusDisarmed
	case StateArmed:
		switch s.targetMode {
		case ArmModeArmedAway:
			status = PanelStatusArmedAway
		case ArmModeArmedStay:
			status = PanelStatusArmedStay
		case ArmModeArmedNight:
			status = PanelStatusArmedNight
		}
	case StateArming:
		switch s.targetMode {
		case ArmModeArmedAway:
			status = PanelStatusArmingAway
		case ArmModeArmedStay:
			status = PanelStatusArmingStay
		case ArmModeArmedNight:
			status = PanelStatusArmingNight
		}
	case StateInAlarm:
		status = PanelStatusInAlarm
	case StateEntryDelay:
		status = PanelStatusEntryDelay
	case StateExitDelay:
		status = PanelStatusExitDelay
	}

	changed, _ := s.Resource.SetValue(SuffixArmState, uint64(status), resource.SourceAPI)
	if changed {
		s.persistItem(SuffixArmState, itoa(uint8(status)))
		if s.bus != nil {
			s.bus.Enqueue(eventbus.NewEvent(eventbus.ResourceKind("alarm-system"), SuffixArmState, s.Resource.Handle, int64(status)))
		}
	}
}

func (s *System) setSecondsRemaining(secs int) {
	if secs < 0 {
		secs = 0
	}
	changed, _ := s.Resource.SetValue(SuffixSecondsRemaining, uint64(secs), resource.SourceAPI)
	if changed {
		s.persistItem(SuffixSecondsRemaining, itoa(uint8(secs)))
		if s.bus != nil {
			s.bus.Enqueue(eventbus.NewEvent(eventbus.ResourceKind("alarm-system"), SuffixSecondsRemaining, s.Resource.Handle, int64(secs)))
		}
	}
}

// PanelStatus returns the current panel status byte, for internal/iasace.
func (s *System) PanelStatus() PanelStatus {
	if it := s.Resource.Item(SuffixArmState); it != nil {
		if n, ok := it.Value().(uint64); ok {
			return PanelStatus(n)
		}
	}
	return PanelStatusNotReadyToArm
}

// Configured reports config/configured, set once SetConfigured(true) has run.
func (s *System) Configured() bool {
	if it := s.Resource.Item(SuffixConfigured); it != nil {
		if v, ok := it.Value().(bool); ok {
			return v
		}
	}
	return false
}

// SecondsRemaining returns the countdown shown to IAS ACE clients.
func (s *System) SecondsRemaining() int {
	if it := s.Resource.Item(SuffixSecondsRemaining); it != nil {
		if n, ok := it.Value().(uint64); ok {
			return int(n)
		}
	}
	return 0
}
