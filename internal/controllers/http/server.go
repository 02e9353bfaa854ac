package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/ports"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
)

type Server struct {
	svc      ports.ThermostatService
	srv      *http.Server
	access   io.WriteCloser
	deviceID string
}

// New returns a runnable server.
func New(svc ports.ThermostatService, addr string, deviceID string) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, deviceID: deviceID}

	// Read
	mux.HandleFunc("GET /v1", s.handleGet)

	// Write: one endpoint per variable
	mux.HandleFunc("POST /v1/enabled", s.handlePostEnabled)
	mux.HandleFunc("POST /v1/temperature_setpoint", s.handlePostSetpoint)
	mux.HandleFunc("POST /v1/temperature_setpoint_min", s.handlePostMinSetpoint)
	mux.HandleFunc("POST /v1/temperature_setpoint_max", s.handlePostMaxSetpoint)
	mux.HandleFunc("POST /v1/mode", s.handlePostMode)
	mux.HandleFunc("POST /v1/tunings", s.handlePostTunings)
	mux.HandleFunc("POST /v1/output_limits", s.handlePostOutputLimits)
	mux.HandleFunc("POST /v1/fan", s.handlePostFan)

	// Actions, no body
	mux.HandleFunc("POST /v1/autotune/cancel", s.handleCancelAutoTune)
	mux.HandleFunc("POST /v1/settings/save", s.handleSaveSettings)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	log := logrus.WithField("component", "http")
	s.access = log.WriterLevel(logrus.DebugLevel)
	var h http.Handler = mux
	h = handlers.CombinedLoggingHandler(s.access, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(log), handlers.PrintRecoveryStack(true))(h)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	defer s.access.Close()
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- request bodies ----

type tuningsReq struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

type limitsReq struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Omitted fields keep their current value.
type fanReq struct {
	HighSpeed    *uint8 `json:"high_speed"`
	SmartSpeed   *uint8 `json:"smart_speed"`
	SmartControl *bool  `json:"smart_control"`
}

// ---- Handlers ----

func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	s.respondSnapshot(w)
}

func (s *Server) handlePostEnabled(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v bool) error {
		s.svc.SetEnabled(v)
		return nil
	})
}

func (s *Server) handlePostSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		return s.svc.SetSetpoint(v)
	})
}

func (s *Server) handlePostMinSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		cur := s.svc.Get()
		return s.svc.SetMinMax(v, cur.TemperatureSetpointMax)
	})
}

func (s *Server) handlePostMaxSetpoint(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v float64) error {
		cur := s.svc.Get()
		return s.svc.SetMinMax(cur.TemperatureSetpointMin, v)
	})
}

func (s *Server) handlePostMode(w http.ResponseWriter, r *http.Request) {
	// body: {"value": "autotune"}
	postValue(s, w, r, func(v string) error {
		m, err := regulator.ParseMode(v)
		if err != nil {
			return err
		}
		return s.svc.SetMode(m)
	})
}

func (s *Server) handlePostTunings(w http.ResponseWriter, r *http.Request) {
	// body: {"value": {"kp": 2, "ki": 0.1, "kd": 1}}
	postValue(s, w, r, func(v tuningsReq) error {
		return s.svc.SetTunings(v.Kp, v.Ki, v.Kd)
	})
}

func (s *Server) handlePostOutputLimits(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v limitsReq) error {
		return s.svc.SetOutputLimits(v.Min, v.Max)
	})
}

func (s *Server) handlePostFan(w http.ResponseWriter, r *http.Request) {
	postValue(s, w, r, func(v fanReq) error {
		return s.svc.SetFanProfile(mergeFan(s.svc.Get().FanProfile, v))
	})
}

func (s *Server) handleCancelAutoTune(w http.ResponseWriter, _ *http.Request) {
	s.svc.CancelAutoTune()
	s.respondSnapshot(w)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, _ *http.Request) {
	if err := s.svc.SaveSettings(); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondSnapshot(w)
}

func mergeFan(p fan.Profile, v fanReq) fan.Profile {
	if v.HighSpeed != nil {
		p.HighSpeed = *v.HighSpeed
	}
	if v.SmartSpeed != nil {
		p.SmartSpeed = *v.SmartSpeed
	}
	if v.SmartControl != nil {
		p.SmartEnabled = *v.SmartControl
	}
	return p
}

// ---- generic helpers ----
func (s *Server) respondSnapshot(w http.ResponseWriter) {
	dto := ports.NewSnapshotDTO(s.svc.Get())
	dto.DeviceID = s.deviceID
	writeJSON(w, http.StatusOK, dto)
}

func postValue[T any](s *Server, w http.ResponseWriter, r *http.Request, apply func(T) error) {
	dec := json.NewDecoder(r.Body)
	var req struct {
		Value *T `json:"value"`
	}
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Value == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'value'")
		return
	}

	if err := apply(*req.Value); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	s.respondSnapshot(w)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
