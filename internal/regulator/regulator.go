// Package regulator computes the cooling demand: a PID loop with proportional
// on error, derivative on measurement and a clamped integral, plus a relay
// auto-tune that derives new gains from a forced oscillation.
package regulator

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/mathx"
)

type Config struct {
	SampleTime time.Duration
	// TuneCycles full oscillations are measured per auto-tune.
	TuneCycles  int
	TuneTimeout time.Duration
	// TuneOffset puts the temporary setpoint this far below the temperature
	// at start, °C.
	TuneOffset float64
	// Half-cycles shorter than MinHalfPeriod are ignored.
	MinHalfPeriod time.Duration
	MinAmplitude  float64
	MinPeriod     time.Duration
	// ProgressInterval paces auto-tune progress logs.
	ProgressInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleTime:       500 * time.Millisecond,
		TuneCycles:       5,
		TuneTimeout:      10 * time.Minute,
		TuneOffset:       3.0 / 1.8,
		MinHalfPeriod:    time.Second,
		MinAmplitude:     0.01,
		MinPeriod:        100 * time.Millisecond,
		ProgressInterval: 5 * time.Second,
	}
}

// Limits applied to auto-tuned gains; anything outside falls back.
var (
	tunedKp = gainLimit{max: 50, fallback: 2}
	tunedKi = gainLimit{max: 10, fallback: 0.1}
	tunedKd = gainLimit{max: 50, fallback: 1}
)

type gainLimit struct{ max, fallback float64 }

func (l gainLimit) apply(v float64) float64 {
	if !mathx.InRange(v, 0, l.max) {
		return l.fallback
	}
	return v
}

type session struct {
	id            uuid.UUID
	prevMode      Mode
	savedSetpoint float64
	tempSetpoint  float64
	highSide      bool
	peakHigh      float64
	peakLow       float64
	// lastPeak is the extreme of the previous half-cycle.
	lastPeak      float64
	halfCycles    int
	accepted      int
	periodSum     time.Duration
	swings        int
	amplitudeSum  float64
	start         time.Time
	lastCross     time.Time
	lastProgress  time.Time
}

// TuneProgress describes a running auto-tune.
type TuneProgress struct {
	SessionID         uuid.UUID
	CoolingPhase      bool
	Cycles            int
	TemporarySetpoint float64
	PeakHigh          float64
	PeakLow           float64
	Started           time.Time
}

// Regulator is not safe for concurrent use; the caller serialises access.
type Regulator struct {
	cfg   Config
	gains Gains
	mode  Mode
	now   func() time.Time
	log   *logrus.Entry

	setpoint    float64
	output      float64 // percent
	integral    float64
	lastInput   float64
	lastCompute time.Time
	initPending bool

	tune          *session
	tuneRequested bool
	tunePrevMode  Mode
	cancel        bool
	complete      bool
	pending       TuneOutcome
}

type Option func(*Regulator)

func WithClock(now func() time.Time) Option {
	return func(r *Regulator) { r.now = now }
}

// New builds a regulator. AutoTuning is not a valid start mode and is
// treated as Off.
func New(cfg Config, gains Gains, mode Mode, opts ...Option) *Regulator {
	r := &Regulator{
		cfg:   cfg,
		gains: gains.Clamped(),
		now:   time.Now,
		log:   logrus.WithField("component", "regulator"),
	}
	if r.gains.OutputMin > r.gains.OutputMax {
		r.gains.OutputMin, r.gains.OutputMax = 0, 100
	}
	for _, o := range opts {
		o(r)
	}
	if mode == ModeAutomatic {
		r.mode = ModeAutomatic
		r.initPending = true
	}
	return r
}

// Update feeds one valid measurement. The setpoint is ignored while
// auto-tuning. The returned outcome is non-empty exactly once per
// finished auto-tune session.
func (r *Regulator) Update(measured, setpoint float64) TuneOutcome {
	now := r.now()
	out := r.pending
	r.pending = TuneOutcome{}

	switch r.mode {
	case ModeOff:
		r.setpoint = setpoint
		r.output = 0
	case ModeAutomatic:
		r.setpoint = setpoint
		r.compute(now, measured)
	case ModeAutoTuning:
		if r.tuneRequested {
			r.startTune(now, measured, setpoint)
		}
		if r.cancel {
			return r.endTune(TuneCancelled)
		}
		if res := r.stepTune(now, measured); res.Done() {
			return res
		}
	}
	return out
}

func (r *Regulator) compute(now time.Time, measured float64) {
	g := r.gains
	if r.initPending {
		r.integral = mathx.Clamp(r.output, g.OutputMin, g.OutputMax)
		r.lastInput = measured
		r.lastCompute = time.Time{}
		r.initPending = false
	}
	if !r.lastCompute.IsZero() && now.Sub(r.lastCompute) < r.cfg.SampleTime {
		return
	}
	r.lastCompute = now

	dt := r.cfg.SampleTime.Seconds()
	// reverse acting: a temperature above setpoint asks for more cooling
	e := measured - r.setpoint
	dInput := measured - r.lastInput

	r.integral = mathx.Clamp(r.integral+g.Ki*dt*e, g.OutputMin, g.OutputMax)
	u := r.integral + g.Kp*e + g.Kd*dInput/dt
	r.output = mathx.Clamp(u, g.OutputMin, g.OutputMax)
	r.lastInput = measured
}

// SetMode switches mode. Entering AutoTuning starts a session on the next
// Update; leaving it aborts the running session and restores the setpoint.
func (r *Regulator) SetMode(m Mode) error {
	if !m.Valid() {
		return ErrInvalidMode
	}
	if m == ModeAutoTuning {
		if r.mode == ModeAutoTuning {
			return nil
		}
		r.tunePrevMode = r.mode
		r.mode = ModeAutoTuning
		r.tuneRequested = true
		r.cancel = false
		r.complete = false
		return nil
	}

	if r.mode == ModeAutoTuning {
		r.pending = r.endTune(TuneCancelled)
	}
	prev := r.mode
	r.mode = m
	switch m {
	case ModeOff:
		r.output = 0
	case ModeAutomatic:
		if prev != ModeAutomatic {
			r.initPending = true
		}
	}
	return nil
}

// CancelAutoTune flags the running session; it ends on the next Update.
func (r *Regulator) CancelAutoTune() {
	if r.mode == ModeAutoTuning {
		r.cancel = true
	}
}

func (r *Regulator) SetTunings(kp, ki, kd float64) {
	g := r.gains
	g.Kp, g.Ki, g.Kd = kp, ki, kd
	r.gains = g.Clamped()
}

func (r *Regulator) SetOutputLimits(min, max float64) error {
	g := r.gains
	g.OutputMin, g.OutputMax = min, max
	g = g.Clamped()
	if g.OutputMin > g.OutputMax {
		return ErrInvalidOutputLimits
	}
	r.gains = g
	if r.mode == ModeAutomatic {
		r.output = mathx.Clamp(r.output, g.OutputMin, g.OutputMax)
		r.integral = mathx.Clamp(r.integral, g.OutputMin, g.OutputMax)
	}
	return nil
}

func (r *Regulator) Mode() Mode        { return r.mode }
func (r *Regulator) Gains() Gains      { return r.gains }
func (r *Regulator) Setpoint() float64 { return r.setpoint }

// Output is the demanded cooling power in [0,1].
func (r *Regulator) Output() float64 { return r.output / 100 }

func (r *Regulator) IsAutoTuning() bool { return r.mode == ModeAutoTuning }

func (r *Regulator) IsAutoTuneCoolingPhase() bool {
	return r.tune != nil && r.tune.highSide
}

// AutoTuneCycleCount is the number of completed full oscillations.
func (r *Regulator) AutoTuneCycleCount() int {
	if r.tune == nil {
		return 0
	}
	return r.tune.halfCycles / 2
}

// CheckAndClearAutoTuneComplete reports a successful auto-tune once. A
// second poller never sees it; prefer the outcome returned by Update.
func (r *Regulator) CheckAndClearAutoTuneComplete() bool {
	c := r.complete
	r.complete = false
	return c
}

func (r *Regulator) TuneProgress() (TuneProgress, bool) {
	s := r.tune
	if s == nil {
		return TuneProgress{}, false
	}
	return TuneProgress{
		SessionID:         s.id,
		CoolingPhase:      s.highSide,
		Cycles:            s.halfCycles / 2,
		TemporarySetpoint: s.tempSetpoint,
		PeakHigh:          s.peakHigh,
		PeakLow:           s.peakLow,
		Started:           s.start,
	}, true
}

func (r *Regulator) startTune(now time.Time, measured, setpoint float64) {
	s := &session{
		id:            uuid.New(),
		prevMode:      r.tunePrevMode,
		savedSetpoint: setpoint,
		tempSetpoint:  measured - r.cfg.TuneOffset,
		highSide:      true,
		peakHigh:      measured,
		peakLow:       measured,
		start:         now,
		lastCross:     now,
		lastProgress:  now,
	}
	r.tune = s
	r.tuneRequested = false
	r.setpoint = s.tempSetpoint
	r.output = r.gains.OutputMax
	r.log.WithFields(logrus.Fields{
		"session":       s.id,
		"temperature":   measured,
		"temp_setpoint": s.tempSetpoint,
		"saved":         s.savedSetpoint,
	}).Info("auto-tune started")
}

func (r *Regulator) stepTune(now time.Time, in float64) TuneOutcome {
	s := r.tune
	s.peakHigh = math.Max(s.peakHigh, in)
	s.peakLow = math.Min(s.peakLow, in)

	if (s.highSide && in < s.tempSetpoint) || (!s.highSide && in > s.tempSetpoint) {
		s.halfCycles++
		half := now.Sub(s.lastCross)
		peak := s.peakLow
		if s.highSide {
			peak = s.peakHigh
		}
		// peak to peak over the last full cycle
		swing := math.Abs(peak - s.lastPeak)
		fields := logrus.Fields{
			"session":     s.id,
			"half_cycle":  s.halfCycles,
			"duration":    half,
			"swing":       swing,
			"temperature": in,
		}
		if s.halfCycles > 1 && half >= r.cfg.MinHalfPeriod {
			s.periodSum += half
			s.accepted++
			if s.halfCycles > 2 {
				s.amplitudeSum += swing
				s.swings++
			}
			r.log.WithFields(fields).Info("auto-tune crossing")
		} else {
			r.log.WithFields(fields).Debug("auto-tune crossing discarded")
		}
		s.lastCross = now
		s.lastPeak = peak
		s.peakHigh, s.peakLow = in, in
		s.highSide = !s.highSide
	}

	if s.highSide {
		r.output = r.gains.OutputMax
	} else {
		r.output = r.gains.OutputMin
	}

	if s.halfCycles >= 2*r.cfg.TuneCycles {
		return r.finishTune()
	}
	if now.Sub(s.start) > r.cfg.TuneTimeout {
		r.log.WithField("session", s.id).Warn("auto-tune timed out")
		return r.endTune(TuneTimedOut)
	}
	if now.Sub(s.lastProgress) >= r.cfg.ProgressInterval {
		s.lastProgress = now
		r.log.WithFields(logrus.Fields{
			"session":     s.id,
			"temperature": in,
			"target":      s.tempSetpoint,
			"cooling":     s.highSide,
			"power":       r.output,
			"cycles":      s.halfCycles / 2,
			"peak_high":   s.peakHigh,
			"peak_low":    s.peakLow,
		}).Info("auto-tune progress")
	}
	return TuneOutcome{}
}

func (r *Regulator) finishTune() TuneOutcome {
	s := r.tune
	if s.accepted == 0 || s.swings == 0 {
		r.log.WithField("session", s.id).Warn("auto-tune saw no usable oscillation")
		return r.endTune(TuneFailed)
	}

	tu := 2 * (s.periodSum / time.Duration(s.accepted))
	if tu < r.cfg.MinPeriod {
		tu = r.cfg.MinPeriod
	}
	amp := s.amplitudeSum / float64(s.swings)
	if amp < r.cfg.MinAmplitude {
		amp = r.cfg.MinAmplitude
	}
	g := r.gains
	ku := 4 * (g.OutputMax - g.OutputMin) / (math.Pi * amp)
	kp := 0.2 * ku
	ki := 0.4 * ku / tu.Seconds()
	kd := 0.25 * kp

	g.Kp, g.Ki, g.Kd = tunedKp.apply(kp), tunedKi.apply(ki), tunedKd.apply(kd)
	r.gains = g.Clamped()

	r.tune = nil
	r.setpoint = s.savedSetpoint
	r.mode = ModeAutomatic
	r.initPending = true
	r.complete = true

	r.log.WithFields(logrus.Fields{
		"session": s.id,
		"tu":      tu,
		"ku":      ku,
		"kp":      r.gains.Kp,
		"ki":      r.gains.Ki,
		"kd":      r.gains.Kd,
	}).Info("auto-tune complete")

	return TuneOutcome{
		Result:       TuneSucceeded,
		SessionID:    s.id,
		Gains:        r.gains,
		Period:       tu,
		Amplitude:    amp,
		UltimateGain: ku,
	}
}

// endTune aborts the session: setpoint restored, previous mode back, gains
// untouched.
func (r *Regulator) endTune(res TuneResult) TuneOutcome {
	out := TuneOutcome{Result: res, Gains: r.gains}
	prev := r.tunePrevMode
	if s := r.tune; s != nil {
		out.SessionID = s.id
		r.setpoint = s.savedSetpoint
		prev = s.prevMode
	}
	r.tune = nil
	r.tuneRequested = false
	r.cancel = false
	r.output = 0
	r.mode = prev
	if prev == ModeAutomatic {
		r.initPending = true
	}
	r.log.WithFields(logrus.Fields{
		"session": out.SessionID,
		"result":  res,
	}).Info("auto-tune stopped")
	return out
}
