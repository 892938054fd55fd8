package resource

import "errors"

// Sentinel errors for ResourceItem.SetValue, checked with errors.Is.
// Grounded on the teacher's small sentinel-error set in pkg/device/errors.go.
var (
	ErrOutOfRange    = errors.New("resource: value out of range")
	ErrBadFormat     = errors.New("resource: value has bad format")
	ErrUnknownSuffix = errors.New("resource: unknown suffix")
)
