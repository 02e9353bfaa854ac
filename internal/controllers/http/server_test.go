package httpctrl

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
	"github.com/Agrid-Dev/tecctl/internal/testutil"
	"github.com/Agrid-Dev/tecctl/internal/thermostat"
)

func TestGET_v1_ReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodGet, "/v1", nil)
	assertStatus(t, rr, http.StatusOK)

	got := decodeJSON[map[string]any](t, rr)
	if got["mode"] != "automatic" {
		t.Fatalf("expected mode=automatic, got %v", got["mode"])
	}
	if got["fan_state"] != "low" {
		t.Fatalf("expected fan_state=low, got %v", got["fan_state"])
	}
	if got["device_id"] != "default" {
		t.Fatalf("expected device_id=default, got %v", got["device_id"])
	}
	if got["temperature"] != 5.5 {
		t.Fatalf("expected temperature=5.5, got %v", got["temperature"])
	}
}

func TestGET_v1_InvalidTemperatureIsNull(t *testing.T) {
	srv, f := newTestServer()
	f.S.TemperatureValid = false

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodGet, "/v1", nil)
	assertStatus(t, rr, http.StatusOK)

	got := decodeJSON[map[string]any](t, rr)
	if v, ok := got["temperature"]; !ok || v != nil {
		t.Fatalf("expected temperature=null, got %v", v)
	}
}

func TestPOST_mode_Valid(t *testing.T) {
	srv, f := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/mode", map[string]any{
		"value": "autotune",
	})
	assertStatus(t, rr, http.StatusOK)

	if !f.SetModeCalled || f.SetModeArg != regulator.ModeAutoTuning {
		t.Fatalf("expected SetMode(AutoTuning) called, got called=%v arg=%v", f.SetModeCalled, f.SetModeArg)
	}
}

func TestPOST_mode_InvalidPayload(t *testing.T) {
	srv, _ := newTestServer()

	// Wrong key => Value missing
	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/mode", map[string]any{
		"mode": "weird",
	})
	assertStatus(t, rr, http.StatusBadRequest)
	_ = assertErrorResponse(t, rr)
}

func TestPOST_mode_InvalidString(t *testing.T) {
	srv, f := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/mode", map[string]any{
		"value": "weird",
	})
	assertStatus(t, rr, http.StatusBadRequest)
	_ = assertErrorResponse(t, rr)
	if f.SetModeCalled {
		t.Fatal("expected SetMode not called")
	}
}

func TestPOST_setpoint(t *testing.T) {
	srv, f := newTestServer()

	rr := postValueEndpoint(t, srv, "/v1/temperature_setpoint", 2.5)
	assertStatus(t, rr, http.StatusOK)

	if !f.SetSetpointCalled || f.SetSetpointArg != 2.5 {
		t.Fatalf("expected SetSetpoint(2.5), got called=%v arg=%v", f.SetSetpointCalled, f.SetSetpointArg)
	}
}

func TestPOST_setpoint_ErrorFromService(t *testing.T) {
	srv, f := newTestServer()
	f.SetSetpointErr = thermostat.ErrSetpointOutOfRange

	rr := postValueEndpoint(t, srv, "/v1/temperature_setpoint", 999)
	assertStatus(t, rr, http.StatusBadRequest)
	if msg := assertErrorResponse(t, rr); msg != thermostat.ErrSetpointOutOfRange.Error() {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestPOST_enabled(t *testing.T) {
	srv, f := newTestServer()

	rr := postValueEndpoint(t, srv, "/v1/enabled", false)
	assertStatus(t, rr, http.StatusOK)

	if f.S.Enabled != false {
		t.Fatalf("expected enabled=false, got %v", f.S.Enabled)
	}
}

func TestPOST_tunings(t *testing.T) {
	srv, f := newTestServer()

	rr := postValueEndpoint(t, srv, "/v1/tunings", map[string]float64{"kp": 4, "ki": 0.2, "kd": 1.5})
	assertStatus(t, rr, http.StatusOK)

	if !f.SetTuningsCalled || f.SetTuningsArgs != [3]float64{4, 0.2, 1.5} {
		t.Fatalf("expected SetTunings(4, 0.2, 1.5), got called=%v args=%v", f.SetTuningsCalled, f.SetTuningsArgs)
	}
	got := decodeJSON[map[string]any](t, rr)
	if got["kp"] != 4.0 {
		t.Fatalf("expected kp=4 in response, got %v", got["kp"])
	}
}

func TestPOST_tunings_Rejected(t *testing.T) {
	srv, f := newTestServer()
	f.SetTuningsErr = thermostat.ErrInvalidTunings

	rr := postValueEndpoint(t, srv, "/v1/tunings", map[string]float64{"kp": -1})
	assertStatus(t, rr, http.StatusBadRequest)
	_ = assertErrorResponse(t, rr)
}

func TestPOST_output_limits(t *testing.T) {
	srv, f := newTestServer()

	rr := postValueEndpoint(t, srv, "/v1/output_limits", map[string]float64{"min": 10, "max": 80})
	assertStatus(t, rr, http.StatusOK)

	if f.SetOutputLimitsMin != 10 || f.SetOutputLimitsMax != 80 {
		t.Fatalf("expected SetOutputLimits(10,80), got %v %v", f.SetOutputLimitsMin, f.SetOutputLimitsMax)
	}
}

func TestPOST_fan_PartialUpdate(t *testing.T) {
	srv, f := newTestServer()

	rr := postValueEndpoint(t, srv, "/v1/fan", map[string]any{"smart_control": false})
	assertStatus(t, rr, http.StatusOK)

	want := fan.Profile{HighSpeed: 100, SmartSpeed: 50, SmartEnabled: false}
	if !f.SetFanProfileCalled || f.SetFanProfileArg != want {
		t.Fatalf("expected SetFanProfile(%+v), got called=%v arg=%+v", want, f.SetFanProfileCalled, f.SetFanProfileArg)
	}
}

func TestPOST_fan_SpeedOutOfByteRange(t *testing.T) {
	srv, f := newTestServer()

	rr := postValueEndpoint(t, srv, "/v1/fan", map[string]any{"high_speed": 300})
	assertStatus(t, rr, http.StatusBadRequest)
	if f.SetFanProfileCalled {
		t.Fatal("expected SetFanProfile not called")
	}
}

func TestPOST_min_setpoint(t *testing.T) {
	srv, f := newTestServer()

	// Test successful min setpoint update
	rr := postValueEndpoint(t, srv, "/v1/temperature_setpoint_min", -10.0)
	assertStatus(t, rr, http.StatusOK)

	if f.S.TemperatureSetpointMin != -10.0 {
		t.Fatalf("expected min setpoint=-10.0, got %v", f.S.TemperatureSetpointMin)
	}

	// Test invalid min setpoint (greater than current max)
	f.SetMinMaxErr = thermostat.ErrInvalidMinMax
	rr = postValueEndpoint(t, srv, "/v1/temperature_setpoint_min", 60.0)
	assertStatus(t, rr, http.StatusBadRequest)
	_ = assertErrorResponse(t, rr)
}

func TestPOST_max_setpoint(t *testing.T) {
	srv, f := newTestServer()

	// Test successful max setpoint update
	rr := postValueEndpoint(t, srv, "/v1/temperature_setpoint_max", 26.0)
	assertStatus(t, rr, http.StatusOK)

	if f.S.TemperatureSetpointMax != 26.0 || f.SetMinMaxMin != -50 {
		t.Fatalf("expected SetMinMax(-50,26), got min=%v max=%v", f.SetMinMaxMin, f.S.TemperatureSetpointMax)
	}
}

func TestPOST_autotune_cancel(t *testing.T) {
	srv, f := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/autotune/cancel", nil)
	assertStatus(t, rr, http.StatusOK)
	if !f.CancelAutoTuneCalled {
		t.Fatal("expected CancelAutoTune called")
	}
}

func TestPOST_settings_save(t *testing.T) {
	srv, f := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/settings/save", nil)
	assertStatus(t, rr, http.StatusOK)
	if !f.SaveSettingsCalled {
		t.Fatal("expected SaveSettings called")
	}

	f.SaveSettingsErr = errors.New("disk full")
	rr = doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/settings/save", nil)
	assertStatus(t, rr, http.StatusInternalServerError)
	_ = assertErrorResponse(t, rr)
}

func TestGET_healthz(t *testing.T) {
	srv, _ := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.srv.Handler.ServeHTTP(rr, req)

	assertStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "ok" {
		t.Fatalf("expected body 'ok', got %s", rr.Body.String())
	}
}

// ---- test helpers ----

func newTestServer() (*Server, *testutil.FakeThermostatService) {
	f := testutil.NewFakeThermostatService()
	deviceID := "default"
	return New(f, ":0", deviceID), f
}

func doJSONRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body == nil {
		r = httptest.NewRequest(method, path, nil)
	} else {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("json.Unmarshal: %v body=%s", err, rr.Body.String())
	}
	return v
}

// Handy when you only care about error responses.
func assertErrorResponse(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeJSON[struct {
		Error string `json:"error"`
	}](t, rr)
	if resp.Error == "" {
		t.Fatalf("expected non-empty error field, got body=%s", rr.Body.String())
	}
	return resp.Error
}

func postValueEndpoint[T any](t *testing.T, srv *Server, path string, value T) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, srv.srv.Handler, http.MethodPost, path, struct {
		Value T `json:"value"`
	}{Value: value})
}
