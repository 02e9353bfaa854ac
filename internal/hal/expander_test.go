package hal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"
)

type fakeI2C struct {
	regs  [256]byte
	fail  bool
	calls int
}

var _ drivers.I2C = (*fakeI2C)(nil)

var errNack = errors.New("nack")

func (f *fakeI2C) Tx(addr uint16, w, r []byte) error {
	f.calls++
	if f.fail || addr != DefaultAddress {
		return errNack
	}
	if len(w) == 0 {
		return nil
	}
	reg := int(w[0])
	for i, b := range w[1:] {
		f.regs[(reg+i)&0xFF] = b
	}
	for i := range r {
		r[i] = f.regs[(reg+i)&0xFF]
	}
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestExpander(t *testing.T) (*I2CExpander, *fakeI2C, *fakeClock) {
	t.Helper()
	bus := &fakeI2C{}
	bus.regs[RegVersion] = 5
	clk := &fakeClock{t: time.Unix(1000, 0)}
	e := NewI2CExpander(bus, ExpanderConfig{}, WithExpanderClock(clk.Now))
	require.NoError(t, e.Begin())
	return e, bus, clk
}

func TestExpanderBegin(t *testing.T) {
	e, bus, _ := newTestExpander(t)
	assert.Equal(t, uint8(5), e.Version())
	assert.True(t, e.IsOnline())
	for pin := 0; pin < NumPins; pin++ {
		assert.Equal(t, byte(ModeDigitalInput), bus.regs[RegModeBase+pin])
	}
}

func TestExpanderRegisters(t *testing.T) {
	e, bus, _ := newTestExpander(t)

	require.NoError(t, e.SetPinMode(4, ModeDigitalOutput))
	assert.Equal(t, byte(ModeDigitalOutput), bus.regs[RegModeBase+4])

	require.NoError(t, e.DigitalWrite(4, true))
	assert.Equal(t, byte(1), bus.regs[RegOutputBase+4])

	require.NoError(t, e.SetPWMDuty(7, 150))
	assert.Equal(t, byte(100), bus.regs[RegPWMDutyBase+7], "duty is capped at 100")

	require.NoError(t, e.SetPWMFrequency(PWM1kHz))
	assert.Equal(t, byte(PWM1kHz), bus.regs[RegPWMFreq])

	bus.regs[RegInputBase+1] = 1
	level, err := e.DigitalRead(1)
	require.NoError(t, err)
	assert.True(t, level)

	bus.regs[RegFanRPMBase+10] = 0xDC
	bus.regs[RegFanRPMBase+11] = 0x05
	rpm, err := e.ReadFanRPM(5)
	require.NoError(t, err)
	assert.Equal(t, uint16(1500), rpm)

	assert.ErrorIs(t, e.DigitalWrite(8, true), ErrInvalidPin)
}

func TestExpanderGoesOfflineAfterRepeatedFailures(t *testing.T) {
	e, bus, _ := newTestExpander(t)
	bus.fail = true

	for i := 0; i < 4; i++ {
		assert.Error(t, e.DigitalWrite(0, true))
		assert.True(t, e.IsOnline(), "still online after %d failures", i+1)
	}
	assert.Error(t, e.DigitalWrite(0, true))
	assert.False(t, e.IsOnline())

	calls := bus.calls
	assert.ErrorIs(t, e.DigitalWrite(0, true), ErrOffline)
	_, err := e.ReadFanRPM(5)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Equal(t, calls, bus.calls, "offline expander must not touch the bus")
}

func TestExpanderSuccessResetsErrorCount(t *testing.T) {
	e, bus, _ := newTestExpander(t)
	for i := 0; i < 3; i++ {
		bus.fail = true
		_ = e.DigitalWrite(0, true)
		bus.fail = false
		require.NoError(t, e.DigitalWrite(0, true))
	}
	assert.True(t, e.IsOnline())
}

func TestExpanderTryReconnectIsRateLimited(t *testing.T) {
	e, bus, clk := newTestExpander(t)
	bus.fail = true
	for i := 0; i < 5; i++ {
		_ = e.DigitalWrite(0, true)
	}
	require.False(t, e.IsOnline())

	assert.False(t, e.TryReconnect(), "bus still failing")
	bus.fail = false

	clk.Advance(time.Second)
	assert.False(t, e.TryReconnect(), "retry interval not elapsed")

	clk.Advance(5 * time.Second)
	assert.True(t, e.TryReconnect())
	assert.True(t, e.IsOnline())
	assert.True(t, e.TryReconnect(), "online expander reports true")
}
