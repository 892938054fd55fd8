// Package types holds the request/response DTOs for the alarm-system REST
// surface (spec §6), the same role pkg/api/types plays for the device API.
package types

// ErrorDetail is the bridge-style error body returned alongside a non-2xx
// status, matching the {type, address, description} shape of spec §6/§7.
type ErrorDetail struct {
	Type        string `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

// ErrorResponse wraps ErrorDetail the way the REST surface nests it.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// SuccessResponse is returned by every mutating endpoint, mapping the
// touched resource path to its new value (spec §8 scenario 3).
type SuccessResponse struct {
	Success map[string]string `json:"success"`
}

// AlarmSystemConfig is the "config" sub-object of an alarm-system entry.
type AlarmSystemConfig struct {
	ArmMode    string `json:"arm_mode"`
	Configured bool   `json:"configured"`
}

// AlarmSystemState is the "state" sub-object of an alarm-system entry.
type AlarmSystemState struct {
	ArmState         string `json:"armstate"`
	SecondsRemaining int    `json:"seconds_remaining"`
}

// AlarmSystemDevice is one entry of an alarm-system's "devices" map.
type AlarmSystemDevice struct {
	ArmMask string `json:"armmask"`
	Trigger string `json:"trigger,omitempty"`
}

// AlarmSystemResponse is one entry of GET /alarmsystems, and the full body
// of GET /alarmsystems/<id>.
type AlarmSystemResponse struct {
	Name    string                       `json:"name"`
	Config  AlarmSystemConfig            `json:"config"`
	State   AlarmSystemState             `json:"state"`
	Devices map[string]AlarmSystemDevice `json:"devices"`
}

// RenameAlarmSystemRequest is the body of PUT /alarmsystems/<id>.
type RenameAlarmSystemRequest struct {
	Name string `json:"name" binding:"required"`
}

// AlarmSystemConfigRequest is the body of PUT /alarmsystems/<id>/config. All
// fields are optional; only present ones are applied. Writing Code0 also
// marks config/configured.
type AlarmSystemConfigRequest struct {
	Code0 *string `json:"code0,omitempty"`

	ArmedAwayExitDelay   *int `json:"armed_away_exitdelay,omitempty"`
	ArmedAwayEntryDelay  *int `json:"armed_away_entrydelay,omitempty"`
	ArmedAwayTrigger     *int `json:"armed_away_triggerduration,omitempty"`
	ArmedStayExitDelay   *int `json:"armed_stay_exitdelay,omitempty"`
	ArmedStayEntryDelay  *int `json:"armed_stay_entrydelay,omitempty"`
	ArmedStayTrigger     *int `json:"armed_stay_triggerduration,omitempty"`
	ArmedNightExitDelay  *int `json:"armed_night_exitdelay,omitempty"`
	ArmedNightEntryDelay *int `json:"armed_night_entrydelay,omitempty"`
	ArmedNightTrigger    *int `json:"armed_night_triggerduration,omitempty"`
}

// ArmRequest is the body of PUT /alarmsystems/<id>/(disarm|arm_stay|arm_night|arm_away).
type ArmRequest struct {
	Code0 string `json:"code0"`
}

// PutDeviceRequest is the body of PUT /alarmsystems/<id>/device/<uniqueId>.
type PutDeviceRequest struct {
	ArmMask string `json:"armmask,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}
