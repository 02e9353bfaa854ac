package plant

import (
	"math"

	"tinygo.org/x/drivers"

	"github.com/Agrid-Dev/tecctl/internal/hal"
)

// Tx serves the expander register protocol: the first written byte selects
// a register, further written bytes are stored from there on and r is
// filled from the same register onwards.
func (p *Plant) Tx(addr uint16, w, r []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busFault || addr != p.params.Address {
		return ErrNack
	}
	if len(w) == 0 {
		return nil
	}
	reg := w[0]
	for i, v := range w[1:] {
		p.writeRegLocked(reg+uint8(i), v)
	}
	for i := range r {
		r[i] = p.readRegLocked(reg + uint8(i))
	}
	return nil
}

func (p *Plant) writeRegLocked(reg, v uint8) {
	switch {
	case reg < hal.RegModeBase+hal.NumPins:
		p.modes[reg-hal.RegModeBase] = hal.PinMode(v)
	case reg >= hal.RegOutputBase && reg < hal.RegOutputBase+hal.NumPins:
		p.setLevelLocked(reg-hal.RegOutputBase, v != 0)
	case reg >= hal.RegPWMDutyBase && reg < hal.RegPWMDutyBase+hal.NumPins:
		p.duty[reg-hal.RegPWMDutyBase] = min(v, 100)
	case reg == hal.RegPWMFreq:
		p.freq = hal.PWMFrequency(v)
	}
}

func (p *Plant) setLevelLocked(pin uint8, level bool) {
	p.levels[pin] = level
	switch pin {
	case p.params.SPI.CS:
		p.conv.setCS(level)
	case p.params.SPI.SDI:
		p.conv.setSDI(level)
	case p.params.SPI.CLK:
		p.conv.setCLK(level)
	}
}

func (p *Plant) readRegLocked(reg uint8) uint8 {
	switch {
	case reg < hal.RegModeBase+hal.NumPins:
		return uint8(p.modes[reg-hal.RegModeBase])
	case reg >= hal.RegOutputBase && reg < hal.RegOutputBase+hal.NumPins:
		return boolByte(p.levels[reg-hal.RegOutputBase])
	case reg >= hal.RegInputBase && reg < hal.RegInputBase+hal.NumPins:
		pin := reg - hal.RegInputBase
		if pin == p.params.SPI.SDO {
			return boolByte(p.conv.sdo)
		}
		return boolByte(p.levels[pin])
	case reg >= hal.RegPWMDutyBase && reg < hal.RegPWMDutyBase+hal.NumPins:
		return p.duty[reg-hal.RegPWMDutyBase]
	case reg == hal.RegPWMFreq:
		return uint8(p.freq)
	case reg >= hal.RegFanRPMBase && reg < hal.RegFanRPMBase+2*hal.NumPins:
		off := reg - hal.RegFanRPMBase
		rpm := p.rpmLocked(off / 2)
		if off%2 == 0 {
			return uint8(rpm)
		}
		return uint8(rpm >> 8)
	case reg == hal.RegVersion:
		return p.params.FirmwareVersion
	}
	return 0
}

// rpmLocked reports a tach proportional to the fan duty.
func (p *Plant) rpmLocked(pin uint8) uint16 {
	if p.modes[pin] != hal.ModeFanRPM {
		return 0
	}
	return uint16(uint32(p.params.MaxRPM) * uint32(p.fanPercentLocked()) / 100)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// PWM is the host channel driving the TEC.
func (p *Plant) PWM() hal.PWMOutput { return pwmChannel{p} }

// ADC is the current-sense input.
func (p *Plant) ADC() hal.ADC { return senseADC{p} }

type pwmChannel struct{ p *Plant }

func (c pwmChannel) Configure(freq uint32, res uint8) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.pwmFreq, c.p.pwmRes = freq, res
	return nil
}

func (c pwmChannel) SetDuty(d uint32) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.pwmDuty = min(d, uint32(1)<<c.p.pwmRes-1)
	return nil
}

type senseADC struct{ p *Plant }

// Read samples the shunt. Below full power every other sample lands in the
// PWM off phase and reads zero.
func (a senseADC) Read() (uint16, error) {
	p := a.p
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adcReads++
	power := p.powerLocked()
	if power < 1 && p.adcReads%2 == 0 {
		return 0, nil
	}
	volts := p.params.PeakCurrent * power * p.params.VoltsPerAmp
	raw := math.Round(volts / p.params.ADCVRef * p.params.ADCMax)
	return uint16(min(raw, p.params.ADCMax)), nil
}

var _ drivers.I2C = (*Plant)(nil)
