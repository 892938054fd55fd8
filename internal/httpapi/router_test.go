package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dresden-elektronik/gwcore/internal/alarm"
	"github.com/dresden-elektronik/gwcore/internal/eventbus"
	"github.com/dresden-elektronik/gwcore/internal/httpapi/types"
)

func newTestRouter() *Router {
	manager := alarm.NewManager(eventbus.New(), alarm.NewDeviceTable())
	return NewRouter(manager)
}

func doJSON(t *testing.T, r *Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.Engine().ServeHTTP(rec, req)
	return rec
}

func TestRouter_GetUnknownAlarmSystemReturns404(t *testing.T) {
	r := newTestRouter()
	rec := doJSON(t, r, http.MethodGet, "/api/v1/alarmsystems/1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", rec.Code, rec.Body.String())
	}
	var resp types.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error.Type != "resource_not_available" {
		t.Errorf("error.type = %q, want resource_not_available", resp.Error.Type)
	}
}

func TestRouter_PutAlarmSystemCreatesAndRenames(t *testing.T) {
	r := newTestRouter()
	rec := doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1", types.RenameAlarmSystemRequest{Name: "Home"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/alarmsystems/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET after PUT status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp types.AlarmSystemResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode alarm system response: %v", err)
	}
	if resp.Name != "Home" {
		t.Errorf("Name = %q, want Home", resp.Name)
	}
	if resp.Config.ArmMode != "disarmed" {
		t.Errorf("Config.ArmMode = %q, want disarmed", resp.Config.ArmMode)
	}
}

func TestRouter_ListAlarmSystemsReflectsEnsuredPartitions(t *testing.T) {
	r := newTestRouter()
	doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1", types.RenameAlarmSystemRequest{Name: "Home"})
	doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/2", types.RenameAlarmSystemRequest{Name: "Garage"})

	rec := doJSON(t, r, http.MethodGet, "/api/v1/alarmsystems", nil)
	var out map[string]types.AlarmSystemResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out["2"].Name != "Garage" {
		t.Errorf("out[2].Name = %q, want Garage", out["2"].Name)
	}
}

func TestRouter_ArmRequiresCorrectCode(t *testing.T) {
	r := newTestRouter()
	doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1", types.RenameAlarmSystemRequest{Name: "Home"})

	code := "135246"
	doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1/config", types.AlarmSystemConfigRequest{Code0: &code})

	rec := doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1/arm_away", types.ArmRequest{Code0: "000000"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong-code arm status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1/arm_away", types.ArmRequest{Code0: code})
	if rec.Code != http.StatusOK {
		t.Fatalf("correct-code arm status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/alarmsystems/1", nil)
	var resp types.AlarmSystemResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode alarm system response: %v", err)
	}
	if resp.State.ArmState != "exit_delay" {
		t.Errorf("State.ArmState = %q, want exit_delay", resp.State.ArmState)
	}
}

func TestRouter_PutAndDeleteDevice(t *testing.T) {
	r := newTestRouter()
	doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1", types.RenameAlarmSystemRequest{Name: "Home"})

	const uid = "28:6d:97:00:01:06:41:79-01-0500"
	rec := doJSON(t, r, http.MethodPut, "/api/v1/alarmsystems/1/device/"+uid, types.PutDeviceRequest{ArmMask: "AS", Trigger: "state/open"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PutDevice status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/alarmsystems/1", nil)
	var resp types.AlarmSystemResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode alarm system response: %v", err)
	}
	dev, ok := resp.Devices[uid]
	if !ok {
		t.Fatal("device missing from alarm system response")
	}
	if dev.ArmMask != "AS" || dev.Trigger != "state/open" {
		t.Errorf("device = %+v, want ArmMask=AS Trigger=state/open", dev)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/alarmsystems/1/device/"+uid, nil)
	rec2 := httptest.NewRecorder()
	r.Engine().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("DeleteDevice status = %d, body = %s", rec2.Code, rec2.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/alarmsystems/1", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode alarm system response: %v", err)
	}
	if _, ok := resp.Devices[uid]; ok {
		t.Error("device still present after delete")
	}
}

func TestRouter_HealthEndpoint(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
