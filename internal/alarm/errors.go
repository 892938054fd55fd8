package alarm

import "errors"

// Sentinel errors, checked with errors.Is, matching the small-set taxonomy
// used throughout this codebase (see internal/resource/errors.go).
var (
	ErrUnknownArmMode  = errors.New("alarm: unknown arm mode")
	ErrInvalidCode     = errors.New("alarm: invalid PIN code")
	ErrDeviceNotFound  = errors.New("alarm: device not in table")
	ErrUniqueIDTooLong = errors.New("alarm: unique id exceeds the 31-byte table slot")
	ErrSystemNotFound  = errors.New("alarm: no such alarm system")
	ErrAlreadyDisarmed = errors.New("alarm: already disarmed")
	ErrInvalidUniqueID = errors.New("alarm: malformed unique id")
	ErrArmMaskRequired = errors.New("alarm: armmask is required for non-IAS-ACE devices")
	ErrInvalidArmMask  = errors.New("alarm: armmask must be a combination of A, S, N")
	ErrInvalidTrigger  = errors.New("alarm: unknown trigger item")
)
