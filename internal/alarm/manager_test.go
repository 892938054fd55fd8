package alarm

import (
	"testing"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

func newTestManager() *Manager {
	return NewManager(eventbus.New(), NewDeviceTable())
}

func TestManager_EnsureCreatesThenReturnsSamePartition(t *testing.T) {
	m := newTestManager()
	a := m.Ensure(1)
	b := m.Ensure(1)
	if a != b {
		t.Error("Ensure returned a different *System on the second call")
	}
	if _, ok := m.Get(2); ok {
		t.Error("Get found a partition that was never Ensure'd")
	}
}

func TestManager_ArmRejectsWrongCode(t *testing.T) {
	m := newTestManager()
	s := m.Ensure(1)
	s.SetCode(0, "135246")

	if err := m.Arm(1, ArmModeArmedAway, "000000"); err != ErrInvalidCode {
		t.Errorf("Arm() error = %v, want ErrInvalidCode", err)
	}
	if s.State() != StateDisarmed {
		t.Error("Arm with the wrong code must not change state")
	}
}

func TestManager_ArmRejectsAlreadyDisarmed(t *testing.T) {
	m := newTestManager()
	m.Ensure(1)
	if err := m.Arm(1, ArmModeDisarmed, ""); err != ErrAlreadyDisarmed {
		t.Errorf("Arm() error = %v, want ErrAlreadyDisarmed", err)
	}
}

func TestManager_ArmSucceedsAndEntersExitDelay(t *testing.T) {
	m := newTestManager()
	s := m.Ensure(1)
	s.SetCode(0, "135246")

	if err := m.Arm(1, ArmModeArmedAway, "135246"); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if s.State() != StateExitDelay {
		t.Errorf("State() = %v, want StateExitDelay", s.State())
	}
}

func TestManager_ArmUnknownSystem(t *testing.T) {
	m := newTestManager()
	if err := m.Arm(9, ArmModeArmedAway, "135246"); err != ErrSystemNotFound {
		t.Errorf("Arm() error = %v, want ErrSystemNotFound", err)
	}
}

func TestManager_PutDeviceRequiresArmMaskForNonIASAceDevice(t *testing.T) {
	m := newTestManager()
	m.Ensure(1)
	const uid = "28:6d:97:00:01:06:41:79-01-0500"
	if err := m.PutDevice(1, uid, "", ""); err != ErrArmMaskRequired {
		t.Errorf("PutDevice() error = %v, want ErrArmMaskRequired", err)
	}
}

func TestManager_PutDeviceParsesArmMaskAndTrigger(t *testing.T) {
	m := newTestManager()
	m.Ensure(1)
	const uid = "28:6d:97:00:01:06:41:79-01-0500"

	if err := m.PutDevice(1, uid, "AS", "state/open"); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	entry, ok := m.DeviceTable().Get(uid)
	if !ok {
		t.Fatal("device not present after PutDevice")
	}
	if ArmMaskString(entry.Flags) != "AS" {
		t.Errorf("ArmMaskString() = %q, want AS", ArmMaskString(entry.Flags))
	}
	if entry.Trigger() != TriggerOpen {
		t.Errorf("Trigger() = %v, want TriggerOpen", entry.Trigger())
	}
	wantAddr, _ := ParseExtAddress(uid)
	if entry.ExtAddress != wantAddr {
		t.Errorf("ExtAddress = %#x, want %#x", entry.ExtAddress, wantAddr)
	}
}

func TestManager_PutDeviceRejectsInvalidArmMask(t *testing.T) {
	m := newTestManager()
	m.Ensure(1)
	if err := m.PutDevice(1, "28:6d:97:00:01:06:41:79-01-0500", "X", ""); err != ErrInvalidArmMask {
		t.Errorf("PutDevice() error = %v, want ErrInvalidArmMask", err)
	}
}

func TestManager_PutDeviceAllowsEmptyArmMaskForIASAceKeypad(t *testing.T) {
	m := newTestManager()
	m.Ensure(1)
	const uid = "00:11:22:33:44:55:66:77-01-0501"
	m.DeviceTable().Put(uid, 0x0011223344556677, FlagIASAce, 1)

	if err := m.PutDevice(1, uid, "", ""); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	entry, _ := m.DeviceTable().Get(uid)
	if entry.Flags&FlagIASAce == 0 {
		t.Error("PutDevice dropped the FlagIASAce bit on an empty armmask update")
	}
}

func TestManager_DeleteDeviceRemovesOnlyFromOwningSystem(t *testing.T) {
	m := newTestManager()
	m.Ensure(1)
	m.Ensure(2)
	const uid = "28:6d:97:00:01:06:41:79-01-0500"
	m.PutDevice(1, uid, "A", "")

	if err := m.DeleteDevice(2, uid); err != ErrDeviceNotFound {
		t.Errorf("DeleteDevice(2, ...) error = %v, want ErrDeviceNotFound", err)
	}
	if err := m.DeleteDevice(1, uid); err != nil {
		t.Fatalf("DeleteDevice(1, ...) error = %v", err)
	}
	if _, ok := m.DeviceTable().Get(uid); ok {
		t.Error("device still present after DeleteDevice")
	}
}

type fakeResolver struct{ has map[string]string }

func (f *fakeResolver) HasItem(uniqueID, suffix string) bool {
	return f.has[uniqueID] == suffix
}

func TestManager_PutDeviceAutoChoosesTriggerViaResolver(t *testing.T) {
	m := newTestManager()
	m.SetTriggerResolver(&fakeResolver{has: map[string]string{
		"28:6d:97:00:01:06:41:79-01-0500": "state/vibration",
	}})
	m.Ensure(1)

	if err := m.PutDevice(1, "28:6d:97:00:01:06:41:79-01-0500", "A", ""); err != nil {
		t.Fatalf("PutDevice() error = %v", err)
	}
	entry, _ := m.DeviceTable().Get("28:6d:97:00:01:06:41:79-01-0500")
	if entry.Trigger() != TriggerVibration {
		t.Errorf("Trigger() = %v, want TriggerVibration (auto-chosen)", entry.Trigger())
	}
}
