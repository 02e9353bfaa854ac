// Package haltest provides in-memory hardware for tests.
package haltest

import (
	"errors"
	"sync"
	"time"

	"github.com/Agrid-Dev/tecctl/internal/hal"
)

var ErrBus = errors.New("fake bus error")

// FakeExpander records pin state and can be taken offline.
type FakeExpander struct {
	mu sync.Mutex

	Modes   [hal.NumPins]hal.PinMode
	Levels  [hal.NumPins]bool
	Duty    [hal.NumPins]uint8
	Freq    hal.PWMFrequency
	RPM     [hal.NumPins]uint16
	Offline bool
	// CanReconnect lets TryReconnect bring the expander back.
	CanReconnect bool

	RPMReads int
}

func NewFakeExpander() *FakeExpander {
	return &FakeExpander{CanReconnect: true}
}

func (f *FakeExpander) SetPinMode(pin uint8, mode hal.PinMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return hal.ErrOffline
	}
	f.Modes[pin] = mode
	return nil
}

func (f *FakeExpander) DigitalWrite(pin uint8, level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return hal.ErrOffline
	}
	f.Levels[pin] = level
	return nil
}

func (f *FakeExpander) DigitalRead(pin uint8) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return false, hal.ErrOffline
	}
	return f.Levels[pin], nil
}

func (f *FakeExpander) SetPWMDuty(pin uint8, percent uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return hal.ErrOffline
	}
	f.Duty[pin] = percent
	return nil
}

func (f *FakeExpander) SetPWMFrequency(freq hal.PWMFrequency) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return hal.ErrOffline
	}
	f.Freq = freq
	return nil
}

func (f *FakeExpander) ReadFanRPM(pin uint8) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline {
		return 0, hal.ErrOffline
	}
	f.RPMReads++
	return f.RPM[pin], nil
}

func (f *FakeExpander) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Offline
}

func (f *FakeExpander) TryReconnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Offline && f.CanReconnect {
		f.Offline = false
	}
	return !f.Offline
}

// FakePWM captures the last duty written.
type FakePWM struct {
	Frequency  uint32
	Resolution uint8
	Duty       uint32
	Writes     int
	Err        error
}

func (p *FakePWM) Configure(freq uint32, res uint8) error {
	p.Frequency, p.Resolution = freq, res
	return p.Err
}

func (p *FakePWM) SetDuty(d uint32) error {
	if p.Err != nil {
		return p.Err
	}
	p.Duty = d
	p.Writes++
	return nil
}

// FakeADC returns Raw, or cycles through Seq when set.
type FakeADC struct {
	Raw uint16
	Seq []uint16
	Err error
	n   int
}

func (a *FakeADC) Read() (uint16, error) {
	if a.Err != nil {
		return 0, a.Err
	}
	if len(a.Seq) > 0 {
		v := a.Seq[a.n%len(a.Seq)]
		a.n++
		return v, nil
	}
	return a.Raw, nil
}

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
