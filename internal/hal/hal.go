// Package hal holds the hardware capabilities the controller consumes: the
// I/O expander that owns the sensor, fan and enable lines, the host PWM
// channel driving the TEC and the current-sense ADC.
package hal

import "errors"

var (
	ErrOffline    = errors.New("hal: expander offline")
	ErrInvalidPin = errors.New("hal: invalid pin")
)

// PinMode mirrors the expander firmware mode numbers.
type PinMode uint8

const (
	ModeDigitalInput  PinMode = 0
	ModeDigitalOutput PinMode = 1
	ModeADC           PinMode = 2
	ModeServo         PinMode = 3
	ModeRGB           PinMode = 4
	ModePWM           PinMode = 5
	ModeFanRPM        PinMode = 6
)

func (m PinMode) String() string {
	switch m {
	case ModeDigitalInput:
		return "digital_input"
	case ModeDigitalOutput:
		return "digital_output"
	case ModeADC:
		return "adc"
	case ModeServo:
		return "servo"
	case ModeRGB:
		return "rgb"
	case ModePWM:
		return "pwm"
	case ModeFanRPM:
		return "fan_rpm"
	default:
		return "unknown"
	}
}

// PWMFrequency selects one of the expander's software PWM rates.
type PWMFrequency uint8

const (
	PWM2kHz PWMFrequency = iota
	PWM1kHz
	PWM500Hz
	PWM250Hz
	PWM125Hz
	PWM25kHz
)

// Expander is the GPIO capability shared by the sensor bus, the TEC enable
// line and the fans. Every method fails fast with ErrOffline once the
// expander has been declared offline.
type Expander interface {
	SetPinMode(pin uint8, mode PinMode) error
	DigitalWrite(pin uint8, level bool) error
	DigitalRead(pin uint8) (bool, error)
	SetPWMDuty(pin uint8, percent uint8) error
	SetPWMFrequency(f PWMFrequency) error
	ReadFanRPM(pin uint8) (uint16, error)
	IsOnline() bool
	// TryReconnect probes an offline expander, rate limited. It reports
	// whether the expander is online afterwards.
	TryReconnect() bool
}

// PWMOutput is a hardware PWM channel.
type PWMOutput interface {
	Configure(frequencyHz uint32, resolutionBits uint8) error
	SetDuty(duty uint32) error
}

// ADC is a single analog input.
type ADC interface {
	Read() (uint16, error)
}
