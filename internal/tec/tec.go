// Package tec drives the thermoelectric cooler: an enable line on the I/O
// expander, a host PWM channel for power and an analog current-sense input.
package tec

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/hal"
	"github.com/Agrid-Dev/tecctl/internal/mathx"
)

type Config struct {
	EnablePin uint8
	// RampRate is the power step applied per Tick.
	RampRate      float64
	PWMFrequency  uint32
	PWMResolution uint8
	ADCVRef       float64
	ADCMax        float64
	// VoltsPerAmp is the current-sense sensitivity.
	VoltsPerAmp float64
}

func DefaultConfig() Config {
	return Config{
		EnablePin:     4,
		RampRate:      0.01,
		PWMFrequency:  20000,
		PWMResolution: 10,
		ADCVRef:       3.3,
		ADCMax:        4095,
		VoltsPerAmp:   0.038,
	}
}

// Driver ramps power toward a target one step per Tick. Disabling always
// wins: power and target drop to zero at once.
type Driver struct {
	exp hal.Expander
	pwm hal.PWMOutput
	adc hal.ADC
	cfg Config
	log *logrus.Entry

	enabled bool
	power   float64
	target  float64
	duty    uint32
}

func New(exp hal.Expander, pwm hal.PWMOutput, adc hal.ADC, cfg Config) *Driver {
	return &Driver{
		exp: exp,
		pwm: pwm,
		adc: adc,
		cfg: cfg,
		log: logrus.WithField("component", "tec"),
	}
}

// Begin leaves the cooler disabled at zero duty.
func (d *Driver) Begin() error {
	d.enabled, d.power, d.target = false, 0, 0
	if err := d.pwm.Configure(d.cfg.PWMFrequency, d.cfg.PWMResolution); err != nil {
		return fmt.Errorf("tec: pwm: %w", err)
	}
	if err := d.applyDuty(); err != nil {
		return err
	}
	if err := d.exp.SetPinMode(d.cfg.EnablePin, hal.ModeDigitalOutput); err != nil {
		return fmt.Errorf("tec: enable pin: %w", err)
	}
	return d.exp.DigitalWrite(d.cfg.EnablePin, false)
}

func (d *Driver) SetEnabled(on bool) error {
	if on {
		if d.enabled {
			return nil
		}
		// stays disabled until the line is actually up
		if err := d.exp.DigitalWrite(d.cfg.EnablePin, true); err != nil {
			return fmt.Errorf("tec: enable: %w", err)
		}
		d.enabled = true
		d.power = 0
		return d.applyDuty()
	}

	d.enabled = false
	d.power, d.target = 0, 0
	derr := d.applyDuty()
	if err := d.exp.DigitalWrite(d.cfg.EnablePin, false); err != nil {
		return fmt.Errorf("tec: disable: %w", err)
	}
	return derr
}

// SetPower sets the target in [0,1]. Instant bypasses the ramp; it only
// moves power while enabled.
func (d *Driver) SetPower(target float64, instant bool) {
	if !mathx.Finite(target) {
		target = 0
	}
	d.target = mathx.Clamp(target, 0, 1)
	if instant && d.enabled && d.power != d.target {
		d.power = d.target
		if err := d.applyDuty(); err != nil {
			d.log.WithError(err).Warn("pwm write failed")
		}
	}
}

// Tick advances the ramp by one step.
func (d *Driver) Tick() error {
	if !d.enabled || d.power == d.target {
		return nil
	}
	if d.power < d.target {
		d.power = min(d.power+d.cfg.RampRate, d.target)
	} else {
		d.power = max(d.power-d.cfg.RampRate, d.target)
	}
	return d.applyDuty()
}

// Stop zeroes the target and disables.
func (d *Driver) Stop() error {
	d.target, d.power = 0, 0
	return d.SetEnabled(false)
}

// ReadCurrent converts one raw sense sample to amps. No averaging.
func (d *Driver) ReadCurrent() (float64, error) {
	raw, err := d.adc.Read()
	if err != nil {
		return 0, fmt.Errorf("tec: current sense: %w", err)
	}
	volts := float64(raw) * d.cfg.ADCVRef / d.cfg.ADCMax
	return volts / d.cfg.VoltsPerAmp, nil
}

func (d *Driver) Enabled() bool        { return d.enabled }
func (d *Driver) Power() float64       { return d.power }
func (d *Driver) TargetPower() float64 { return d.target }
func (d *Driver) Duty() uint32         { return d.duty }

func (d *Driver) maxDuty() uint32 {
	return 1<<d.cfg.PWMResolution - 1
}

func (d *Driver) applyDuty() error {
	d.duty = uint32(d.power * float64(d.maxDuty()))
	if err := d.pwm.SetDuty(d.duty); err != nil {
		return fmt.Errorf("tec: pwm: %w", err)
	}
	return nil
}
