package hal

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// Default expander address on the I2C bus.
const DefaultAddress = 0x45

const NumPins = 8

// Register map of the expander firmware.
const (
	RegModeBase    = 0x00
	RegOutputBase  = 0x10
	RegInputBase   = 0x20
	RegPWMDutyBase = 0x90
	RegPWMFreq     = 0xA0
	RegFanRPMBase  = 0xB0 // 2 bytes per pin, little-endian
	RegVersion     = 0xFE
)

type ExpanderConfig struct {
	Address uint16
	// MaxErrors consecutive failures take the expander offline.
	MaxErrors int
	// RetryInterval rate limits TryReconnect probes.
	RetryInterval time.Duration
}

func (c *ExpanderConfig) applyDefaults() {
	if c.Address == 0 {
		c.Address = DefaultAddress
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
}

// I2CExpander drives the expander firmware over an I2C bus.
type I2CExpander struct {
	bus drivers.I2C
	cfg ExpanderConfig
	now func() time.Time
	log *logrus.Entry

	mu        sync.Mutex
	online    bool
	errCount  int
	lastRetry time.Time
	version   uint8
	w         [2]byte
	r         [2]byte
}

type ExpanderOption func(*I2CExpander)

func WithExpanderClock(now func() time.Time) ExpanderOption {
	return func(e *I2CExpander) { e.now = now }
}

func NewI2CExpander(bus drivers.I2C, cfg ExpanderConfig, opts ...ExpanderOption) *I2CExpander {
	cfg.applyDefaults()
	e := &I2CExpander{
		bus:    bus,
		cfg:    cfg,
		now:    time.Now,
		online: true,
		log:    logrus.WithField("component", "expander"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Begin reads the firmware version and parks every pin as a digital input.
func (e *I2CExpander) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = true
	e.errCount = 0
	if err := e.initLocked(); err != nil {
		e.recordErrorLocked()
		return err
	}
	e.log.WithField("firmware", e.version).Info("expander ready")
	return nil
}

func (e *I2CExpander) initLocked() error {
	e.w[0] = RegVersion
	if err := e.bus.Tx(e.cfg.Address, e.w[:1], e.r[:1]); err != nil {
		return fmt.Errorf("hal: read version: %w", err)
	}
	e.version = e.r[0]
	for pin := uint8(0); pin < NumPins; pin++ {
		if err := e.writeRegLocked(RegModeBase+pin, uint8(ModeDigitalInput)); err != nil {
			return err
		}
	}
	return nil
}

func (e *I2CExpander) Version() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *I2CExpander) SetPinMode(pin uint8, mode PinMode) error {
	return e.write(pin, RegModeBase+pin, uint8(mode))
}

func (e *I2CExpander) DigitalWrite(pin uint8, level bool) error {
	var v uint8
	if level {
		v = 1
	}
	return e.write(pin, RegOutputBase+pin, v)
}

func (e *I2CExpander) DigitalRead(pin uint8) (bool, error) {
	if pin >= NumPins {
		return false, ErrInvalidPin
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online {
		return false, ErrOffline
	}
	e.w[0] = RegInputBase + pin
	if err := e.bus.Tx(e.cfg.Address, e.w[:1], e.r[:1]); err != nil {
		e.recordErrorLocked()
		return false, fmt.Errorf("hal: read pin %d: %w", pin, err)
	}
	e.errCount = 0
	return e.r[0] != 0, nil
}

func (e *I2CExpander) SetPWMDuty(pin uint8, percent uint8) error {
	if percent > 100 {
		percent = 100
	}
	return e.write(pin, RegPWMDutyBase+pin, percent)
}

func (e *I2CExpander) SetPWMFrequency(f PWMFrequency) error {
	if f > PWM25kHz {
		f = PWM25kHz
	}
	return e.write(0, RegPWMFreq, uint8(f))
}

func (e *I2CExpander) ReadFanRPM(pin uint8) (uint16, error) {
	if pin >= NumPins {
		return 0, ErrInvalidPin
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online {
		return 0, ErrOffline
	}
	e.w[0] = RegFanRPMBase + pin*2
	if err := e.bus.Tx(e.cfg.Address, e.w[:1], e.r[:2]); err != nil {
		e.recordErrorLocked()
		return 0, fmt.Errorf("hal: read rpm %d: %w", pin, err)
	}
	e.errCount = 0
	return uint16(e.r[1])<<8 | uint16(e.r[0]), nil
}

func (e *I2CExpander) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *I2CExpander) TryReconnect() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.online {
		return true
	}
	now := e.now()
	if !e.lastRetry.IsZero() && now.Sub(e.lastRetry) < e.cfg.RetryInterval {
		return false
	}
	e.lastRetry = now
	if err := e.initLocked(); err != nil {
		e.log.WithError(err).Debug("reconnect failed")
		return false
	}
	e.online = true
	e.errCount = 0
	e.log.Info("expander back online")
	return true
}

func (e *I2CExpander) write(pin, reg, value uint8) error {
	if pin >= NumPins {
		return ErrInvalidPin
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.online {
		return ErrOffline
	}
	if err := e.writeRegLocked(reg, value); err != nil {
		e.recordErrorLocked()
		return err
	}
	e.errCount = 0
	return nil
}

func (e *I2CExpander) writeRegLocked(reg, value uint8) error {
	e.w[0], e.w[1] = reg, value
	if err := e.bus.Tx(e.cfg.Address, e.w[:2], nil); err != nil {
		return fmt.Errorf("hal: write reg 0x%02x: %w", reg, err)
	}
	return nil
}

func (e *I2CExpander) recordErrorLocked() {
	e.errCount++
	if e.online && e.errCount >= e.cfg.MaxErrors {
		e.online = false
		e.log.WithField("errors", e.errCount).Warn("expander offline")
	}
}

var _ Expander = (*I2CExpander)(nil)
