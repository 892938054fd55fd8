package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dresden-elektronik/gwcore/internal/alarm"
	"github.com/dresden-elektronik/gwcore/internal/httpapi/types"
)

// AlarmSystemsHandler implements the alarm-system REST surface of spec §6,
// the alarm-domain analogue of pkg/api/handlers/devices.go.
type AlarmSystemsHandler struct {
	manager *alarm.Manager
}

// NewAlarmSystemsHandler creates a new alarm-systems handler.
func NewAlarmSystemsHandler(manager *alarm.Manager) *AlarmSystemsHandler {
	return &AlarmSystemsHandler{manager: manager}
}

func idParam(c *gin.Context) (uint8, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(v), true
}

// respondError writes the bridge-style {error:{type,address,description}}
// body (spec §6/§7).
func respondError(c *gin.Context, status int, errType, address, description string) {
	c.JSON(status, types.ErrorResponse{Error: types.ErrorDetail{
		Type:        errType,
		Address:     address,
		Description: description,
	}})
}

// respondAlarmError maps the closed set of sentinel errors this package
// produces to their HTTP status/type, per spec §7's taxonomy (400 for
// value errors, 404 for missing resources, 503 otherwise).
func respondAlarmError(c *gin.Context, err error, address string) {
	switch {
	case errors.Is(err, alarm.ErrSystemNotFound):
		respondError(c, http.StatusNotFound, "resource_not_available", address, "alarm system not available")
	case errors.Is(err, alarm.ErrDeviceNotFound):
		respondError(c, http.StatusNotFound, "resource_not_available", address, "device not in alarm system")
	case errors.Is(err, alarm.ErrArmMaskRequired):
		respondError(c, http.StatusBadRequest, "missing_parameter", address, "missing parameter, armmask")
	case errors.Is(err, alarm.ErrInvalidArmMask), errors.Is(err, alarm.ErrInvalidTrigger),
		errors.Is(err, alarm.ErrInvalidUniqueID), errors.Is(err, alarm.ErrUnknownArmMode),
		errors.Is(err, alarm.ErrInvalidCode), errors.Is(err, alarm.ErrAlreadyDisarmed):
		respondError(c, http.StatusBadRequest, "invalid_value", address, err.Error())
	default:
		respondError(c, http.StatusServiceUnavailable, "internal_error", address, "internal error")
	}
}

func toAlarmSystemResponse(s *alarm.System) types.AlarmSystemResponse {
	devices := make(map[string]types.AlarmSystemDevice)
	for _, e := range s.DevTable.AlarmSystemDevices(s.ID) {
		d := types.AlarmSystemDevice{ArmMask: alarm.ArmMaskString(e.Flags)}
		if t := alarm.TriggerKindString(e.Trigger()); t != "" {
			d.Trigger = t
		}
		devices[e.UniqueIDString()] = d
	}
	return types.AlarmSystemResponse{
		Name: s.Name,
		Config: types.AlarmSystemConfig{
			ArmMode:    alarm.ArmModeString(s.TargetArmMode()),
			Configured: s.Configured(),
		},
		State: types.AlarmSystemState{
			ArmState:         alarm.PanelStatusString(s.PanelStatus()),
			SecondsRemaining: s.SecondsRemaining(),
		},
		Devices: devices,
	}
}

// ListAlarmSystems handles GET /alarmsystems.
// @Summary      List alarm systems
// @Description  Returns every configured alarm-system partition
// @Tags         alarmsystems
// @Produce      json
// @Success      200  {object}  map[string]types.AlarmSystemResponse
// @Router       /alarmsystems [get]
func (h *AlarmSystemsHandler) ListAlarmSystems(c *gin.Context) {
	out := make(map[string]types.AlarmSystemResponse)
	for _, s := range h.manager.List() {
		out[strconv.Itoa(int(s.ID))] = toAlarmSystemResponse(s)
	}
	c.JSON(http.StatusOK, out)
}

// GetAlarmSystem handles GET /alarmsystems/:id.
// @Summary      Get one alarm system
// @Tags         alarmsystems
// @Produce      json
// @Param        id   path      int  true  "Alarm system id"
// @Success      200  {object}  types.AlarmSystemResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id} [get]
func (h *AlarmSystemsHandler) GetAlarmSystem(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_value", c.Request.URL.Path, "invalid alarm system id")
		return
	}
	s, ok := h.manager.Get(id)
	if !ok {
		respondAlarmError(c, alarm.ErrSystemNotFound, c.Request.URL.Path)
		return
	}
	c.JSON(http.StatusOK, toAlarmSystemResponse(s))
}

// PutAlarmSystem handles PUT /alarmsystems/:id (name update, creating the
// partition if it does not yet exist).
// @Summary      Create or rename an alarm system
// @Tags         alarmsystems
// @Accept       json
// @Produce      json
// @Param        id       path  int                              true  "Alarm system id"
// @Param        request  body  types.RenameAlarmSystemRequest    true  "New name"
// @Success      200  {object}  types.SuccessResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id} [put]
func (h *AlarmSystemsHandler) PutAlarmSystem(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_value", c.Request.URL.Path, "invalid alarm system id")
		return
	}
	var req types.RenameAlarmSystemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", c.Request.URL.Path, "body contains invalid JSON")
		return
	}
	s := h.manager.Ensure(id)
	s.SetName(req.Name)

	path := "/alarmsystems/" + c.Param("id") + "/name"
	c.JSON(http.StatusOK, types.SuccessResponse{Success: map[string]string{path: req.Name}})
}

// PutAlarmSystemConfig handles PUT /alarmsystems/:id/config.
// @Summary      Configure per-mode delays, trigger durations, and the PIN
// @Tags         alarmsystems
// @Accept       json
// @Produce      json
// @Param        id       path  int                                true  "Alarm system id"
// @Param        request  body  types.AlarmSystemConfigRequest      true  "Config fields to update"
// @Success      200  {object}  types.SuccessResponse
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id}/config [put]
func (h *AlarmSystemsHandler) PutAlarmSystemConfig(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_value", c.Request.URL.Path, "invalid alarm system id")
		return
	}
	s, ok := h.manager.Get(id)
	if !ok {
		respondAlarmError(c, alarm.ErrSystemNotFound, c.Request.URL.Path)
		return
	}
	var req types.AlarmSystemConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", c.Request.URL.Path, "body contains invalid JSON")
		return
	}

	success := make(map[string]string)
	base := "/alarmsystems/" + c.Param("id") + "/config/"

	type modeFields struct {
		mode                 alarm.ArmMode
		name                 string
		exit, entry, trigger *int
	}
	for _, f := range []modeFields{
		{alarm.ArmModeArmedAway, "armed_away", req.ArmedAwayExitDelay, req.ArmedAwayEntryDelay, req.ArmedAwayTrigger},
		{alarm.ArmModeArmedStay, "armed_stay", req.ArmedStayExitDelay, req.ArmedStayEntryDelay, req.ArmedStayTrigger},
		{alarm.ArmModeArmedNight, "armed_night", req.ArmedNightExitDelay, req.ArmedNightEntryDelay, req.ArmedNightTrigger},
	} {
		if f.exit == nil && f.entry == nil && f.trigger == nil {
			continue
		}
		exit, entry, trig := 0, 0, 0
		if f.exit != nil {
			exit = *f.exit
		}
		if f.entry != nil {
			entry = *f.entry
		}
		if f.trigger != nil {
			trig = *f.trigger
		}
		if err := s.SetModeConfig(f.mode, exit, entry, trig); err != nil {
			respondAlarmError(c, err, base+f.name+"_exitdelay")
			return
		}
		success[base+f.name+"_exitdelay"] = strconv.Itoa(exit)
		success[base+f.name+"_entrydelay"] = strconv.Itoa(entry)
		success[base+f.name+"_triggerduration"] = strconv.Itoa(trig)
	}

	if req.Code0 != nil {
		if err := s.SetCode(0, *req.Code0); err != nil {
			respondError(c, http.StatusServiceUnavailable, "internal_error", base+"code0", "internal error")
			return
		}
		s.SetConfigured(true)
		success[base+"configured"] = "true"
	}

	if len(success) == 0 {
		respondError(c, http.StatusBadRequest, "missing_parameter", c.Request.URL.Path, "no recognized config parameter in body")
		return
	}
	c.JSON(http.StatusOK, types.SuccessResponse{Success: success})
}

func (h *AlarmSystemsHandler) armHandler(mode alarm.ArmMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c)
		if !ok {
			respondError(c, http.StatusBadRequest, "invalid_value", c.Request.URL.Path, "invalid alarm system id")
			return
		}
		var req types.ArmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_json", c.Request.URL.Path, "body contains invalid JSON")
			return
		}
		if err := h.manager.Arm(id, mode, req.Code0); err != nil {
			respondAlarmError(c, err, c.Request.URL.Path)
			return
		}
		path := "/alarmsystems/" + c.Param("id") + "/" + alarm.SuffixArmMode
		c.JSON(http.StatusOK, types.SuccessResponse{Success: map[string]string{path: alarm.ArmModeString(mode)}})
	}
}

// Disarm handles PUT /alarmsystems/:id/disarm.
// @Summary      Disarm
// @Tags         alarmsystems
// @Accept       json
// @Produce      json
// @Param        id       path  int                true  "Alarm system id"
// @Param        request  body  types.ArmRequest    true  "PIN"
// @Success      200  {object}  types.SuccessResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id}/disarm [put]
func (h *AlarmSystemsHandler) Disarm(c *gin.Context) { h.armHandler(alarm.ArmModeDisarmed)(c) }

// ArmStay handles PUT /alarmsystems/:id/arm_stay.
// @Summary      Arm (stay)
// @Tags         alarmsystems
// @Accept       json
// @Produce      json
// @Param        id       path  int                true  "Alarm system id"
// @Param        request  body  types.ArmRequest    true  "PIN"
// @Success      200  {object}  types.SuccessResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id}/arm_stay [put]
func (h *AlarmSystemsHandler) ArmStay(c *gin.Context) { h.armHandler(alarm.ArmModeArmedStay)(c) }

// ArmNight handles PUT /alarmsystems/:id/arm_night.
// @Summary      Arm (night)
// @Tags         alarmsystems
// @Accept       json
// @Produce      json
// @Param        id       path  int                true  "Alarm system id"
// @Param        request  body  types.ArmRequest    true  "PIN"
// @Success      200  {object}  types.SuccessResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id}/arm_night [put]
func (h *AlarmSystemsHandler) ArmNight(c *gin.Context) { h.armHandler(alarm.ArmModeArmedNight)(c) }

// ArmAway handles PUT /alarmsystems/:id/arm_away.
// @Summary      Arm (away)
// @Tags         alarmsystems
// @Accept       json
// @Produce      json
// @Param        id       path  int                true  "Alarm system id"
// @Param        request  body  types.ArmRequest    true  "PIN"
// @Success      200  {object}  types.SuccessResponse
// @Failure      400  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id}/arm_away [put]
func (h *AlarmSystemsHandler) ArmAway(c *gin.Context) { h.armHandler(alarm.ArmModeArmedAway)(c) }

// PutDevice handles PUT /alarmsystems/:id/device/:uniqueId.
// @Summary      Add or update a device's alarm-system participation
// @Tags         alarmsystems
// @Accept       json
// @Produce      json
// @Param        id        path  int                        true  "Alarm system id"
// @Param        uniqueId  path  string                      true  "Device unique id"
// @Param        request   body  types.PutDeviceRequest      true  "armmask / trigger"
// @Success      200  {object}  types.SuccessResponse
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id}/device/{uniqueId} [put]
func (h *AlarmSystemsHandler) PutDevice(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_value", c.Request.URL.Path, "invalid alarm system id")
		return
	}
	uniqueID := c.Param("uniqueId")
	var req types.PutDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", c.Request.URL.Path, "body contains invalid JSON")
		return
	}
	if err := h.manager.PutDevice(id, uniqueID, req.ArmMask, req.Trigger); err != nil {
		respondAlarmError(c, err, c.Request.URL.Path)
		return
	}
	path := "/alarmsystems/" + c.Param("id") + "/device/" + uniqueID
	c.JSON(http.StatusOK, types.SuccessResponse{Success: map[string]string{path: "ok"}})
}

// DeleteDevice handles DELETE /alarmsystems/:id/device/:uniqueId.
// @Summary      Remove a device's alarm-system participation
// @Tags         alarmsystems
// @Produce      json
// @Param        id        path  int     true  "Alarm system id"
// @Param        uniqueId  path  string  true  "Device unique id"
// @Success      200  {object}  types.SuccessResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /alarmsystems/{id}/device/{uniqueId} [delete]
func (h *AlarmSystemsHandler) DeleteDevice(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid_value", c.Request.URL.Path, "invalid alarm system id")
		return
	}
	uniqueID := c.Param("uniqueId")
	if err := h.manager.DeleteDevice(id, uniqueID); err != nil {
		respondAlarmError(c, err, c.Request.URL.Path)
		return
	}
	path := "/alarmsystems/" + c.Param("id") + "/device/" + uniqueID
	c.JSON(http.StatusOK, types.SuccessResponse{Success: map[string]string{path: "deleted"}})
}
