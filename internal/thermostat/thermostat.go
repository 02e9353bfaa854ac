// Package thermostat runs the control loop: each tick reads the sensor,
// feeds the regulator, drives the TEC and supervises the fans.
package thermostat

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/mathx"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
	"github.com/Agrid-Dev/tecctl/internal/rtd"
)

type Snapshot struct {
	Enabled                bool
	TemperatureSetpoint    float64
	TemperatureSetpointMin float64
	TemperatureSetpointMax float64
	Mode                   regulator.Mode
	Gains                  regulator.Gains
	FanProfile             fan.Profile

	// Live values, refreshed every tick.
	Temperature      float64
	TemperatureValid bool
	SensorFault      bool
	ActiveSetpoint   float64
	Power            float64
	TargetPower      float64
	Current          float64
	FilteredCurrent  float64
	FanPercent       uint8
	FanState         fan.State
	Fan1RPM          uint16
	Fan2RPM          uint16
	AutoTuneCooling  bool
	AutoTuneCycles   int
	LastTune         regulator.TuneOutcome
}

type Sensor interface {
	ReadTemperature() rtd.Sample
	HasFault() bool
	TryReconnect() bool
}

type Actuator interface {
	SetEnabled(on bool) error
	Enabled() bool
	SetPower(target float64, instant bool)
	Tick() error
	ReadCurrent() (float64, error)
	Power() float64
	TargetPower() float64
}

type Fans interface {
	Update(fan.Input) error
	Percent() uint8
	State() fan.State
	RPM(i int) uint16
}

// SettingsStore persists user changes. persist=false defers the write to
// the next Save.
type SettingsStore interface {
	SetGains(g regulator.Gains, persist bool) error
	SetMode(m regulator.Mode, persist bool) error
	SetSetpoint(sp float64, persist bool) error
	SetFanProfile(p fan.Profile, persist bool) error
	Save() error
}

type Config struct {
	Regulator      regulator.Config
	StatusInterval time.Duration
	FilterSize     int
	NoiseFloor     float64
}

func DefaultConfig() Config {
	return Config{
		Regulator:      regulator.DefaultConfig(),
		StatusInterval: time.Second,
		FilterSize:     10,
		NoiseFloor:     1.0,
	}
}

type Deps struct {
	Sensor   Sensor
	Actuator Actuator
	Fans     Fans
	Store    SettingsStore
	Sink     StatusSink
}

type Thermostat struct {
	mu sync.RWMutex
	s  Snapshot

	sensor Sensor
	act    Actuator
	fans   Fans
	reg    *regulator.Regulator
	store  SettingsStore
	sink   StatusSink
	filter *CurrentFilter

	cfg        Config
	now        func() time.Time
	lastStatus time.Time
	log        *logrus.Entry
}

type Option func(*Thermostat)

// WithClock sets the time source for status pacing and the regulator.
func WithClock(now func() time.Time) Option {
	return func(t *Thermostat) { t.now = now }
}

func New(initial Snapshot, cfg Config, deps Deps, opts ...Option) (*Thermostat, error) {
	if err := validateSnapshot(initial); err != nil {
		return nil, err
	}
	t := &Thermostat{
		s:      initial,
		sensor: deps.Sensor,
		act:    deps.Actuator,
		fans:   deps.Fans,
		store:  deps.Store,
		sink:   deps.Sink,
		filter: NewCurrentFilter(cfg.FilterSize, cfg.NoiseFloor),
		cfg:    cfg,
		now:    time.Now,
		log:    logrus.WithField("component", "thermostat"),
	}
	for _, o := range opts {
		o(t)
	}
	t.reg = regulator.New(cfg.Regulator, initial.Gains, initial.Mode, regulator.WithClock(t.now))
	t.s.Mode = t.reg.Mode()
	t.s.Gains = t.reg.Gains()
	t.s.ActiveSetpoint = initial.TemperatureSetpoint
	return t, nil
}

func validateSnapshot(s Snapshot) error {
	if !s.Mode.Valid() {
		return ErrInvalidMode
	}
	if s.TemperatureSetpointMin > s.TemperatureSetpointMax {
		return ErrInvalidMinMax
	}
	if s.TemperatureSetpoint < s.TemperatureSetpointMin || s.TemperatureSetpoint > s.TemperatureSetpointMax {
		return ErrSetpointOutOfRange
	}
	if s.FanProfile.HighSpeed > 100 || s.FanProfile.SmartSpeed > 100 {
		return ErrInvalidFanSpeed
	}
	return nil
}

// Start applies the initial enable state to the actuator.
func (t *Thermostat) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.act.SetEnabled(t.s.Enabled)
}

func (t *Thermostat) Get() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.s
}

func (t *Thermostat) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.act.SetEnabled(on); err != nil {
		t.log.WithError(err).Warn("tec enable line")
	}
	t.s.Enabled = on
	t.refreshActuatorLocked()
}

func (t *Thermostat) Enable() {
	t.SetEnabled(true)
}

func (t *Thermostat) Disable() {
	t.SetEnabled(false)
}

func (t *Thermostat) SetSetpoint(sp float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !mathx.Finite(sp) || sp < t.s.TemperatureSetpointMin || sp > t.s.TemperatureSetpointMax {
		return ErrSetpointOutOfRange
	}
	t.s.TemperatureSetpoint = sp
	t.persist(t.store.SetSetpoint(sp, true))
	return nil
}

func (t *Thermostat) SetMinMax(min, max float64) error {
	if min > max {
		return ErrInvalidMinMax
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Enforce current setpoint remains valid
	if t.s.TemperatureSetpoint < min || t.s.TemperatureSetpoint > max {
		return ErrSetpointOutOfRange
	}

	t.s.TemperatureSetpointMin = min
	t.s.TemperatureSetpointMax = max
	return nil
}

// SetMode switches the regulator. AutoTuning is kept in memory only.
func (t *Thermostat) SetMode(m regulator.Mode) error {
	if !m.Valid() {
		return ErrInvalidMode
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.reg.SetMode(m); err != nil {
		return err
	}
	t.s.Mode = t.reg.Mode()
	if m != regulator.ModeAutoTuning {
		t.persist(t.store.SetMode(m, true))
	}
	return nil
}

// CancelAutoTune asks the running auto-tune to stop on the next tick.
func (t *Thermostat) CancelAutoTune() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reg.CancelAutoTune()
}

func (t *Thermostat) SetTunings(kp, ki, kd float64) error {
	for _, v := range []float64{kp, ki, kd} {
		if !mathx.Finite(v) || v < 0 {
			return ErrInvalidTunings
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reg.IsAutoTuning() {
		return ErrAutoTuneRunning
	}
	t.reg.SetTunings(kp, ki, kd)
	t.s.Gains = t.reg.Gains()
	t.persist(t.store.SetGains(t.s.Gains, true))
	return nil
}

func (t *Thermostat) SetOutputLimits(min, max float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.reg.SetOutputLimits(min, max); err != nil {
		return err
	}
	t.s.Gains = t.reg.Gains()
	t.persist(t.store.SetGains(t.s.Gains, true))
	return nil
}

func (t *Thermostat) SetFanProfile(p fan.Profile) error {
	if p.HighSpeed > 100 || p.SmartSpeed > 100 {
		return ErrInvalidFanSpeed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.FanProfile = p
	t.persist(t.store.SetFanProfile(p, true))
	return nil
}

// SaveSettings flushes deferred changes such as auto-tuned gains.
func (t *Thermostat) SaveSettings() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.Save()
}

// CheckAndClearAutoTuneComplete is the polled completion flag. Only one
// caller sees each completion; LastTune in the snapshot is lossless.
func (t *Thermostat) CheckAndClearAutoTuneComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reg.CheckAndClearAutoTuneComplete()
}

// Tick runs one control cycle.
func (t *Thermostat) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.sensor.HasFault() {
		t.sensor.TryReconnect()
	}
	if t.s.Enabled && !t.act.Enabled() {
		if err := t.act.SetEnabled(true); err != nil {
			t.log.WithError(err).Debug("tec enable retry")
		}
	}
	sample := t.sensor.ReadTemperature()
	sp := t.s.TemperatureSetpoint

	if sample.Valid {
		if out := t.reg.Update(sample.Value, sp); out.Done() {
			t.onTuneOutcome(out)
		}
		// instant while tuning so the relay edges are sharp
		t.act.SetPower(t.reg.Output(), t.reg.IsAutoTuning())
	} else {
		// regulator state is left as is
		t.act.SetPower(0, true)
	}
	if err := t.act.Tick(); err != nil {
		t.log.WithError(err).Debug("tec tick")
	}

	if err := t.fans.Update(fan.Input{
		Temperature: sample.Value,
		Valid:       sample.Valid,
		Setpoint:    sp,
		Profile:     t.s.FanProfile,
	}); err != nil {
		t.log.WithError(err).Debug("fan update")
	}

	if t.lastStatus.IsZero() || now.Sub(t.lastStatus) >= t.cfg.StatusInterval {
		t.lastStatus = now
		t.emitStatus(now, sample)
	}

	t.s.Temperature = sample.Value
	t.s.TemperatureValid = sample.Valid
	t.s.SensorFault = t.sensor.HasFault()
	t.s.Mode = t.reg.Mode()
	t.s.Gains = t.reg.Gains()
	t.s.ActiveSetpoint = t.reg.Setpoint()
	if !t.reg.IsAutoTuning() {
		t.s.ActiveSetpoint = sp
	}
	t.s.AutoTuneCooling = t.reg.IsAutoTuneCoolingPhase()
	t.s.AutoTuneCycles = t.reg.AutoTuneCycleCount()
	t.s.FanPercent = t.fans.Percent()
	t.s.FanState = t.fans.State()
	t.s.Fan1RPM = t.fans.RPM(0)
	t.s.Fan2RPM = t.fans.RPM(1)
	t.refreshActuatorLocked()
}

func (t *Thermostat) refreshActuatorLocked() {
	t.s.Power = t.act.Power()
	t.s.TargetPower = t.act.TargetPower()
}

func (t *Thermostat) onTuneOutcome(out regulator.TuneOutcome) {
	t.s.LastTune = out
	entry := t.log.WithFields(logrus.Fields{
		"session": out.SessionID,
		"result":  out.Result,
	})
	if out.Result == regulator.TuneSucceeded {
		entry.WithFields(logrus.Fields{
			"kp": out.Gains.Kp,
			"ki": out.Gains.Ki,
			"kd": out.Gains.Kd,
		}).Info("auto-tune applied, save to keep")
		// kept in memory until SaveSettings
		t.persist(t.store.SetGains(out.Gains, false))
	} else {
		entry.Warn("auto-tune ended without new gains")
	}
	t.persist(t.store.SetMode(t.reg.Mode(), false))
}

func (t *Thermostat) emitStatus(now time.Time, sample rtd.Sample) {
	rec := StatusRecord{
		Time:         now,
		Valid:        sample.Valid,
		Temperature:  sample.Value,
		Setpoint:     t.s.TemperatureSetpoint,
		PowerPercent: t.act.Power() * 100,
		Fan1RPM:      t.fans.RPM(0),
		Fan2RPM:      t.fans.RPM(1),
		Mode:         t.reg.Mode(),
		AutoTuning:   t.reg.IsAutoTuning(),
		Cycles:       t.reg.AutoTuneCycleCount(),
	}
	if sample.Valid {
		cur, err := t.act.ReadCurrent()
		if err != nil {
			t.log.WithError(err).Debug("current sense")
		} else {
			t.filter.Add(cur)
			t.s.Current = cur
		}
	}
	t.s.FilteredCurrent = t.filter.Average()
	rec.Current = t.s.Current
	rec.FilteredCurrent = t.s.FilteredCurrent
	if t.sink != nil {
		_ = t.sink.Emit(rec)
	}
}

func (t *Thermostat) persist(err error) {
	if err != nil {
		t.log.WithError(err).Warn("settings not saved")
	}
}

func (t *Thermostat) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Tick()
		}
	}
}
