// Package rtd reads a PT100 through a MAX31865 converter over SPI.
package rtd

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// Converter registers.
const (
	RegConfig      = 0x00
	RegRTDMSB      = 0x01
	RegRTDLSB      = 0x02
	RegFaultStatus = 0x07

	ConfigBias       = 0x80
	ConfigOneShot    = 0x20
	ConfigFaultClear = 0x02

	writeBit = 0x80
)

// ConversionTime covers a 60 Hz filtered conversion.
const ConversionTime = 65 * time.Millisecond

var (
	ErrBusOffline = errors.New("rtd: bus offline")
	ErrFault      = errors.New("rtd: sensor fault")
	ErrOutOfRange = errors.New("rtd: temperature out of range")
)

// Link is the SPI bus plus chip select and the health of the expander
// it runs on.
type Link interface {
	drivers.SPI
	Begin() error
	Select(active bool) error
	IsOnline() bool
	TryReconnect() bool
}

// Sample is one temperature reading.
type Sample struct {
	Value float64
	Valid bool
}

func Invalid() Sample { return Sample{Value: math.NaN()} }

// Sensor is sticky on faults: once a read fails, readings stay invalid
// until TryReconnect re-initialises the converter.
type Sensor struct {
	link  Link
	cfg   Config
	sleep func(time.Duration)
	log   *logrus.Entry

	fault       bool
	faultStatus uint8
	buf         [2]byte
}

type Option func(*Sensor)

// WithSleep replaces time.Sleep for the conversion wait.
func WithSleep(f func(time.Duration)) Option {
	return func(s *Sensor) { s.sleep = f }
}

func New(link Link, cfg Config, opts ...Option) *Sensor {
	s := &Sensor{
		link:  link,
		cfg:   cfg,
		sleep: time.Sleep,
		log:   logrus.WithField("component", "rtd"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize configures the bus, clears latched faults and enables bias.
func (s *Sensor) Initialize() error {
	if !s.link.IsOnline() {
		s.fault = true
		return ErrBusOffline
	}
	if err := s.link.Begin(); err != nil {
		s.fault = true
		return fmt.Errorf("rtd: begin: %w", err)
	}
	if err := s.writeReg(RegConfig, ConfigBias|ConfigFaultClear); err != nil {
		s.fault = true
		return fmt.Errorf("rtd: clear faults: %w", err)
	}
	s.sleep(10 * time.Millisecond)
	s.fault = !s.link.IsOnline()
	if s.fault {
		return ErrBusOffline
	}
	s.faultStatus = 0
	return nil
}

func (s *Sensor) HasFault() bool { return s.fault }

// FaultStatus is the converter's fault register captured on the last
// out-of-range reading.
func (s *Sensor) FaultStatus() uint8 { return s.faultStatus }

// TryReconnect retries the expander and, once it is online, re-initialises
// the converter. It reports whether the sensor is usable again.
func (s *Sensor) TryReconnect() bool {
	if !s.fault {
		return true
	}
	if !s.link.TryReconnect() {
		return false
	}
	if err := s.Initialize(); err != nil {
		s.log.WithError(err).Debug("re-init failed")
		return false
	}
	s.log.Info("sensor recovered")
	return true
}

// ReadTemperature runs one blocking conversion.
func (s *Sensor) ReadTemperature() Sample {
	if err := s.StartConversion(); err != nil {
		return Invalid()
	}
	s.sleep(ConversionTime)
	sample, _ := s.Collect()
	return sample
}

// StartConversion enables bias and triggers a one-shot conversion. The
// result is ready after ConversionTime.
func (s *Sensor) StartConversion() error {
	if s.fault {
		return ErrFault
	}
	if !s.link.IsOnline() {
		s.fault = true
		return ErrBusOffline
	}
	if err := s.writeReg(RegConfig, ConfigBias|ConfigOneShot); err != nil {
		s.fault = true
		return err
	}
	return nil
}

// Collect reads the finished conversion and turns the bias off.
func (s *Sensor) Collect() (Sample, error) {
	if s.fault {
		return Invalid(), ErrFault
	}
	msb, err := s.readReg(RegRTDMSB)
	if err != nil {
		s.fault = true
		return Invalid(), err
	}
	lsb, err := s.readReg(RegRTDLSB)
	if err != nil {
		s.fault = true
		return Invalid(), err
	}
	code := (uint16(msb)<<8 | uint16(lsb)) >> 1
	// bias off to limit self-heating
	if err := s.writeReg(RegConfig, 0x00); err != nil {
		s.fault = true
		return Invalid(), err
	}

	t := s.cfg.Temperature(code)
	if !s.cfg.Valid(t) {
		s.fault = true
		s.faultStatus, _ = s.readReg(RegFaultStatus)
		s.log.WithFields(logrus.Fields{
			"code":         code,
			"temperature":  t,
			"fault_status": fmt.Sprintf("0x%02x", s.faultStatus),
		}).Warn("reading out of range")
		return Invalid(), ErrOutOfRange
	}
	return Sample{Value: t, Valid: true}, nil
}

func (s *Sensor) writeReg(reg, value uint8) error {
	if err := s.link.Select(true); err != nil {
		return err
	}
	err := s.link.Tx([]byte{reg | writeBit, value}, nil)
	if rerr := s.link.Select(false); err == nil {
		err = rerr
	}
	return err
}

func (s *Sensor) readReg(reg uint8) (uint8, error) {
	if err := s.link.Select(true); err != nil {
		return 0, err
	}
	s.buf[0], s.buf[1] = reg&^writeBit, 0xFF
	err := s.link.Tx(s.buf[:], s.buf[:])
	if rerr := s.link.Select(false); err == nil {
		err = rerr
	}
	if err != nil {
		return 0, err
	}
	return s.buf[1], nil
}
