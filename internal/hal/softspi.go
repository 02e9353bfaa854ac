package hal

import (
	"fmt"

	"tinygo.org/x/drivers"
)

// SPIPins are the expander lines the bit-banged bus runs on.
type SPIPins struct {
	CLK uint8
	SDO uint8 // peripheral out
	SDI uint8 // peripheral in
	CS  uint8
}

// DefaultSPIPins matches the sensor wiring on the expander.
var DefaultSPIPins = SPIPins{CLK: 0, SDO: 1, SDI: 2, CS: 3}

// SoftSPI clocks SPI over expander GPIOs, MSB first. The clock idles low;
// each bit drives CLK low, presents SDI, raises CLK and samples SDO.
type SoftSPI struct {
	exp  Expander
	pins SPIPins
}

func NewSoftSPI(exp Expander, pins SPIPins) *SoftSPI {
	return &SoftSPI{exp: exp, pins: pins}
}

// Begin configures the lines and leaves the bus idle with CS released.
func (s *SoftSPI) Begin() error {
	modes := []struct {
		pin  uint8
		mode PinMode
	}{
		{s.pins.CLK, ModeDigitalOutput},
		{s.pins.SDO, ModeDigitalInput},
		{s.pins.SDI, ModeDigitalOutput},
		{s.pins.CS, ModeDigitalOutput},
	}
	for _, m := range modes {
		if err := s.exp.SetPinMode(m.pin, m.mode); err != nil {
			return fmt.Errorf("hal: spi pin %d: %w", m.pin, err)
		}
	}
	if err := s.exp.DigitalWrite(s.pins.CS, true); err != nil {
		return err
	}
	if err := s.exp.DigitalWrite(s.pins.CLK, false); err != nil {
		return err
	}
	return s.exp.DigitalWrite(s.pins.SDI, false)
}

// Select drives chip select; CS is active low.
func (s *SoftSPI) Select(active bool) error {
	return s.exp.DigitalWrite(s.pins.CS, !active)
}

func (s *SoftSPI) Transfer(b byte) (byte, error) {
	var in byte
	for i := 7; i >= 0; i-- {
		if err := s.exp.DigitalWrite(s.pins.CLK, false); err != nil {
			return 0, err
		}
		if err := s.exp.DigitalWrite(s.pins.SDI, (b>>uint(i))&1 == 1); err != nil {
			return 0, err
		}
		if err := s.exp.DigitalWrite(s.pins.CLK, true); err != nil {
			return 0, err
		}
		bit, err := s.exp.DigitalRead(s.pins.SDO)
		if err != nil {
			return 0, err
		}
		if bit {
			in |= 1 << uint(i)
		}
	}
	// back to idle
	if err := s.exp.DigitalWrite(s.pins.CLK, false); err != nil {
		return 0, err
	}
	return in, nil
}

// Tx clocks max(len(w), len(r)) bytes. Missing write bytes are sent as 0xFF.
func (s *SoftSPI) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		out := byte(0xFF)
		if i < len(w) {
			out = w[i]
		}
		in, err := s.Transfer(out)
		if err != nil {
			return err
		}
		if i < len(r) {
			r[i] = in
		}
	}
	return nil
}

func (s *SoftSPI) IsOnline() bool     { return s.exp.IsOnline() }
func (s *SoftSPI) TryReconnect() bool { return s.exp.TryReconnect() }

var _ drivers.SPI = (*SoftSPI)(nil)
