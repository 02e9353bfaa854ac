// Package plant simulates the cooler hardware: a cold plate with passive
// heat gain, the expander firmware with its fans and RTD converter, the
// TEC PWM channel and the current-sense ADC. It lets the controller run
// end to end without a board.
package plant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/hal"
	"github.com/Agrid-Dev/tecctl/internal/rtd"
)

var ErrNack = errors.New("plant: i2c nack")

type Params struct {
	AmbientTemperature float64
	// HeatGain is the plate warming rate per °C below ambient, 1/s.
	HeatGain           float64
	InitialTemperature float64
	// CoolingRate is the plate temperature drop at full TEC power with the
	// fans at 100 %, °C/s.
	CoolingRate float64
	// FanFloor is the fraction of CoolingRate left with the fans stopped.
	FanFloor float64
	MaxRPM   uint16
	// PeakCurrent is the TEC current at full power, amps.
	PeakCurrent float64

	Address         uint16
	FirmwareVersion uint8
	EnablePin       uint8
	FanPWMPin       uint8
	SPI             hal.SPIPins
	RTD             rtd.Config

	// Sense chain, matching the controller's current conversion.
	ADCVRef     float64
	ADCMax      float64
	VoltsPerAmp float64
}

func DefaultParams() Params {
	return Params{
		AmbientTemperature: 25,
		HeatGain:           0.01,
		InitialTemperature: 25,
		CoolingRate:        0.5,
		FanFloor:           0.3,
		MaxRPM:             3000,
		PeakCurrent:        6,
		Address:            hal.DefaultAddress,
		FirmwareVersion:    3,
		EnablePin:          4,
		FanPWMPin:          7,
		SPI:                hal.DefaultSPIPins,
		RTD:                rtd.DefaultConfig(),
		ADCVRef:            3.3,
		ADCMax:             4095,
		VoltsPerAmp:        0.038,
	}
}

// Plant is safe for concurrent use. It implements drivers.I2C as the
// expander firmware.
type Plant struct {
	mu sync.Mutex

	params Params
	temp   float64

	// expander register file
	modes  [hal.NumPins]hal.PinMode
	levels [hal.NumPins]bool
	duty   [hal.NumPins]uint8
	freq   hal.PWMFrequency

	conv *converter

	busFault bool

	pwmFreq  uint32
	pwmRes   uint8
	pwmDuty  uint32
	adcReads int

	log *logrus.Entry
}

func New(params Params) (*Plant, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	p := &Plant{
		params: params,
		temp:   params.InitialTemperature,
		log:    logrus.WithField("component", "plant"),
	}
	p.conv = newConverter(params.RTD, func() float64 { return p.temp })
	// lines float high until configured
	p.levels[params.SPI.CS] = true
	return p, nil
}

func (p *Plant) Temperature() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.temp
}

func (p *Plant) SetTemperature(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.temp = t
}

// SetSensorFault makes the converter report an open RTD.
func (p *Plant) SetSensorFault(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conv.faulted = on
}

// SetBusFault makes every I2C transaction fail.
func (p *Plant) SetBusFault(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.busFault = on
}

// Power is the effective TEC drive in [0,1]: PWM duty gated by the
// enable line.
func (p *Plant) Power() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powerLocked()
}

func (p *Plant) powerLocked() float64 {
	if !p.levels[p.params.EnablePin] || p.pwmRes == 0 {
		return 0
	}
	return float64(p.pwmDuty) / float64(uint32(1)<<p.pwmRes-1)
}

func (p *Plant) FanPercent() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fanPercentLocked()
}

func (p *Plant) fanPercentLocked() uint8 {
	if p.modes[p.params.FanPWMPin] != hal.ModePWM {
		return 0
	}
	return p.duty[p.params.FanPWMPin]
}

// Step advances the thermal model by dt.
func (p *Plant) Step(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.temp += p.params.delta(p.temp, p.powerLocked(), p.fanPercentLocked(), dt)
}

// Run steps the model in real time until ctx is done.
func (p *Plant) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			p.Step(now.Sub(last))
			last = now
		}
	}
}
