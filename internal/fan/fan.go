// Package fan supervises the heat-sink fans: one PWM line shared by both
// fans and a tachometer per fan, all on the I/O expander.
package fan

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/hal"
	"github.com/Agrid-Dev/tecctl/internal/mathx"
)

// State is the supervisor's band.
type State int

const (
	StateOverride State = iota // smart control off or no valid temperature
	StateBoost
	StateHighBand
	StateLowBand
	StateDeadBand
)

func (s State) String() string {
	switch s {
	case StateOverride:
		return "override"
	case StateBoost:
		return "boost"
	case StateHighBand:
		return "high"
	case StateLowBand:
		return "low"
	case StateDeadBand:
		return "dead_band"
	default:
		return "unknown"
	}
}

type Config struct {
	PWMPin       uint8
	TachPins     [2]uint8
	PWMFrequency hal.PWMFrequency
	// Hysteresis above the setpoint before the fans go to high speed, °C.
	Hysteresis  float64
	RPMInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PWMPin:       7,
		TachPins:     [2]uint8{5, 6},
		PWMFrequency: hal.PWM1kHz,
		Hysteresis:   2.78,
		RPMInterval:  500 * time.Millisecond,
	}
}

// Profile is the user-facing fan setting.
type Profile struct {
	HighSpeed    uint8
	SmartSpeed   uint8
	SmartEnabled bool
}

func DefaultProfile() Profile {
	return Profile{HighSpeed: 100, SmartSpeed: 50, SmartEnabled: true}
}

// Input is what the supervisor sees each tick.
type Input struct {
	Temperature float64
	Valid       bool
	Setpoint    float64
	Profile     Profile
}

type Supervisor struct {
	exp hal.Expander
	cfg Config
	now func() time.Time
	log *logrus.Entry

	online       bool
	percent      uint8
	state        State
	boosting     bool
	lastSetpoint float64
	haveSetpoint bool
	rpm          [2]uint16
	lastRPMRead  time.Time
}

type Option func(*Supervisor)

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func New(exp hal.Expander, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		exp:     exp,
		cfg:     cfg,
		now:     time.Now,
		percent: 100,
		log:     logrus.WithField("component", "fan"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Begin configures tach and PWM pins and starts the fans at full speed.
func (s *Supervisor) Begin() error {
	if !s.exp.IsOnline() {
		s.online = false
		return hal.ErrOffline
	}
	for _, pin := range s.cfg.TachPins {
		if err := s.exp.SetPinMode(pin, hal.ModeFanRPM); err != nil {
			return fmt.Errorf("fan: tach pin %d: %w", pin, err)
		}
	}
	if err := s.exp.SetPinMode(s.cfg.PWMPin, hal.ModePWM); err != nil {
		return fmt.Errorf("fan: pwm pin: %w", err)
	}
	if err := s.exp.SetPWMFrequency(s.cfg.PWMFrequency); err != nil {
		return fmt.Errorf("fan: pwm frequency: %w", err)
	}
	s.online = true
	s.lastRPMRead = s.now()
	return s.SetSpeed(100)
}

// SetSpeed commands both fans, percent capped at 100.
func (s *Supervisor) SetSpeed(percent uint8) error {
	percent = mathx.Clamp(percent, 0, 100)
	s.percent = percent
	if !s.online {
		return hal.ErrOffline
	}
	return s.exp.SetPWMDuty(s.cfg.PWMPin, percent)
}

// Update runs one supervision step and refreshes the RPM cache.
func (s *Supervisor) Update(in Input) error {
	p := in.Profile
	var errs []error

	if !s.online && s.exp.IsOnline() {
		// expander came back; pin modes were reset on reconnect
		if err := s.Begin(); err != nil {
			errs = append(errs, err)
		}
	}

	if !p.SmartEnabled || !in.Valid {
		errs = append(errs, s.SetSpeed(p.HighSpeed))
		s.lastSetpoint, s.haveSetpoint = in.Setpoint, true
		s.boosting = false
		s.state = StateOverride
		errs = append(errs, s.refreshRPM())
		return errors.Join(errs...)
	}

	if s.haveSetpoint && in.Setpoint != s.lastSetpoint {
		s.boosting = true
		errs = append(errs, s.SetSpeed(p.HighSpeed))
		s.log.WithFields(logrus.Fields{
			"from": s.lastSetpoint,
			"to":   in.Setpoint,
		}).Debug("setpoint changed, boosting")
	}
	s.lastSetpoint, s.haveSetpoint = in.Setpoint, true

	switch {
	case s.boosting:
		if in.Temperature <= in.Setpoint {
			s.boosting = false
			s.state = StateLowBand
			errs = append(errs, s.SetSpeed(p.SmartSpeed))
		} else {
			s.state = StateBoost
		}
	case in.Temperature > in.Setpoint+s.cfg.Hysteresis:
		s.state = StateHighBand
		errs = append(errs, s.SetSpeed(p.HighSpeed))
	case in.Temperature <= in.Setpoint:
		s.state = StateLowBand
		errs = append(errs, s.SetSpeed(p.SmartSpeed))
	default:
		s.state = StateDeadBand
	}

	errs = append(errs, s.refreshRPM())
	return errors.Join(errs...)
}

func (s *Supervisor) refreshRPM() error {
	if !s.online {
		return nil
	}
	if !s.exp.IsOnline() {
		s.online = false
		return hal.ErrOffline
	}
	now := s.now()
	if now.Sub(s.lastRPMRead) < s.cfg.RPMInterval {
		return nil
	}
	s.lastRPMRead = now
	var errs []error
	for i, pin := range s.cfg.TachPins {
		rpm, err := s.exp.ReadFanRPM(pin)
		if err != nil {
			errs = append(errs, err)
		}
		s.rpm[i] = rpm
	}
	return errors.Join(errs...)
}

func (s *Supervisor) Percent() uint8 { return s.percent }
func (s *Supervisor) State() State   { return s.state }
func (s *Supervisor) Boosting() bool { return s.boosting }
func (s *Supervisor) Online() bool   { return s.online }

// RPM returns the cached tach reading for fan 0 or 1.
func (s *Supervisor) RPM(i int) uint16 {
	if i < 0 || i >= len(s.rpm) {
		return 0
	}
	return s.rpm[i]
}

// AverageRPM averages the spinning fans.
func (s *Supervisor) AverageRPM() uint16 {
	a, b := s.rpm[0], s.rpm[1]
	switch {
	case a > 0 && b > 0:
		return uint16((uint32(a) + uint32(b)) / 2)
	case a > 0:
		return a
	default:
		return b
	}
}
