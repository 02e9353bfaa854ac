// Package device wires the controller components onto one hardware set.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"

	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/hal"
	"github.com/Agrid-Dev/tecctl/internal/mathx"
	"github.com/Agrid-Dev/tecctl/internal/rtd"
	"github.com/Agrid-Dev/tecctl/internal/settings"
	"github.com/Agrid-Dev/tecctl/internal/tec"
	"github.com/Agrid-Dev/tecctl/internal/thermostat"
)

// Hardware is what the board provides: the I2C bus the expander sits on,
// the host PWM channel for the TEC and the current-sense ADC.
type Hardware struct {
	Bus drivers.I2C
	PWM hal.PWMOutput
	ADC hal.ADC
}

type Config struct {
	Enabled     bool
	SetpointMin float64
	SetpointMax float64

	Expander   hal.ExpanderConfig
	SPI        hal.SPIPins
	RTD        rtd.Config
	TEC        tec.Config
	Fan        fan.Config
	Thermostat thermostat.Config
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		SetpointMin: settings.SetpointMin,
		SetpointMax: settings.SetpointMax,
		SPI:         hal.DefaultSPIPins,
		RTD:         rtd.DefaultConfig(),
		TEC:         tec.DefaultConfig(),
		Fan:         fan.DefaultConfig(),
		Thermostat:  thermostat.DefaultConfig(),
	}
}

type Device struct {
	ID string
	T  *thermostat.Thermostat

	Expander *hal.I2CExpander
	Sensor   *rtd.Sensor
	TEC      *tec.Driver
	Fans     *fan.Supervisor
	Settings *settings.FileStore
}

type options struct {
	now   func() time.Time
	sleep func(time.Duration)
	sink  thermostat.StatusSink
}

type Option func(*options)

// WithClock replaces the wall clock in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSleep replaces the sensor's conversion wait.
func WithSleep(f func(time.Duration)) Option {
	return func(o *options) { o.sleep = f }
}

func WithStatusSink(s thermostat.StatusSink) Option {
	return func(o *options) { o.sink = s }
}

// Build constructs every component. Nothing touches the hardware until
// Begin.
func Build(id string, hw Hardware, store *settings.FileStore, cfg Config, opts ...Option) (*Device, error) {
	o := options{now: time.Now, sleep: time.Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	exp := hal.NewI2CExpander(hw.Bus, cfg.Expander, hal.WithExpanderClock(o.now))
	sensor := rtd.New(hal.NewSoftSPI(exp, cfg.SPI), cfg.RTD, rtd.WithSleep(o.sleep))
	drv := tec.New(exp, hw.PWM, hw.ADC, cfg.TEC)
	fans := fan.New(exp, cfg.Fan, fan.WithClock(o.now))

	st := store.Current()
	initial := thermostat.Snapshot{
		Enabled:                cfg.Enabled,
		TemperatureSetpoint:    mathx.Clamp(st.Setpoint, cfg.SetpointMin, cfg.SetpointMax),
		TemperatureSetpointMin: cfg.SetpointMin,
		TemperatureSetpointMax: cfg.SetpointMax,
		Mode:                   st.Mode,
		Gains:                  st.Gains,
		FanProfile:             st.Fan,
	}
	th, err := thermostat.New(initial, cfg.Thermostat, thermostat.Deps{
		Sensor:   sensor,
		Actuator: drv,
		Fans:     fans,
		Store:    store,
		Sink:     o.sink,
	}, thermostat.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", id, err)
	}

	return &Device{
		ID:       id,
		T:        th,
		Expander: exp,
		Sensor:   sensor,
		TEC:      drv,
		Fans:     fans,
		Settings: store,
	}, nil
}

// Begin brings the hardware up. The returned error lists every step that
// failed; the device stays usable and the control loop keeps retrying the
// expander and sensor while holding the TEC off.
func (d *Device) Begin() error {
	log := logrus.WithField("device", d.ID)
	var errs []error
	step := func(name string, err error) {
		if err != nil {
			log.WithError(err).Warn(name + " init failed")
			errs = append(errs, err)
		}
	}
	step("expander", d.Expander.Begin())
	step("sensor", d.Sensor.Initialize())
	step("tec", d.TEC.Begin())
	step("fan", d.Fans.Begin())
	step("thermostat", d.T.Start())
	return errors.Join(errs...)
}

// Run drives the control loop until ctx is done, then stops the TEC.
func (d *Device) Run(ctx context.Context, interval time.Duration) error {
	err := d.T.Run(ctx, interval)
	if serr := d.TEC.Stop(); serr != nil {
		logrus.WithField("device", d.ID).WithError(serr).Warn("tec stop")
	}
	return err
}
