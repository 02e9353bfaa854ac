package tec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agrid-Dev/tecctl/internal/hal"
	"github.com/Agrid-Dev/tecctl/internal/hal/haltest"
)

func newTestDriver(t *testing.T) (*Driver, *haltest.FakeExpander, *haltest.FakePWM, *haltest.FakeADC) {
	t.Helper()
	exp := haltest.NewFakeExpander()
	pwm := &haltest.FakePWM{}
	adc := &haltest.FakeADC{}
	d := New(exp, pwm, adc, DefaultConfig())
	require.NoError(t, d.Begin())
	return d, exp, pwm, adc
}

func TestBegin(t *testing.T) {
	d, exp, pwm, _ := newTestDriver(t)
	assert.False(t, d.Enabled())
	assert.Equal(t, hal.ModeDigitalOutput, exp.Modes[4])
	assert.False(t, exp.Levels[4])
	assert.Equal(t, uint32(20000), pwm.Frequency)
	assert.Equal(t, uint8(10), pwm.Resolution)
	assert.Equal(t, uint32(0), pwm.Duty)
}

func TestRampStepIsBounded(t *testing.T) {
	d, _, pwm, _ := newTestDriver(t)
	require.NoError(t, d.SetEnabled(true))
	d.SetPower(0.5, false)
	assert.Equal(t, 0.0, d.Power(), "no movement before tick")

	prev := d.Power()
	for i := 0; i < 60; i++ {
		require.NoError(t, d.Tick())
		step := d.Power() - prev
		assert.LessOrEqual(t, step, 0.01+1e-9)
		assert.GreaterOrEqual(t, step, 0.0)
		prev = d.Power()
	}
	assert.Equal(t, 0.5, d.Power())
	assert.Equal(t, uint32(511), pwm.Duty)

	d.SetPower(0.45, false)
	require.NoError(t, d.Tick())
	assert.InDelta(t, 0.49, d.Power(), 1e-9)
}

func TestInstantBypassesRamp(t *testing.T) {
	d, _, pwm, _ := newTestDriver(t)
	require.NoError(t, d.SetEnabled(true))
	d.SetPower(1, true)
	assert.Equal(t, 1.0, d.Power())
	assert.Equal(t, uint32(1023), pwm.Duty)
}

func TestSetPowerClamps(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	d.SetPower(2, false)
	assert.Equal(t, 1.0, d.TargetPower())
	d.SetPower(-1, false)
	assert.Equal(t, 0.0, d.TargetPower())
}

func TestDisableWinsOverRamp(t *testing.T) {
	d, exp, pwm, _ := newTestDriver(t)
	require.NoError(t, d.SetEnabled(true))
	assert.True(t, exp.Levels[4])
	d.SetPower(0.8, true)

	require.NoError(t, d.SetEnabled(false))
	assert.Equal(t, 0.0, d.Power())
	assert.Equal(t, 0.0, d.TargetPower())
	assert.Equal(t, uint32(0), pwm.Duty)
	assert.False(t, exp.Levels[4])

	// ticking while disabled does nothing
	d.SetPower(0.5, false)
	require.NoError(t, d.Tick())
	assert.Equal(t, 0.0, d.Power())

	// instant while disabled keeps power at zero
	d.SetPower(0.5, true)
	assert.Equal(t, 0.0, d.Power())
}

func TestEnableRestartsFromZero(t *testing.T) {
	d, _, _, _ := newTestDriver(t)
	require.NoError(t, d.SetEnabled(true))
	d.SetPower(0.3, true)
	require.NoError(t, d.SetEnabled(true))
	assert.Equal(t, 0.3, d.Power(), "enabling twice is a no-op")

	require.NoError(t, d.Stop())
	require.NoError(t, d.SetEnabled(true))
	assert.Equal(t, 0.0, d.Power())
}

func TestDisableWithBusOffline(t *testing.T) {
	d, exp, pwm, _ := newTestDriver(t)
	require.NoError(t, d.SetEnabled(true))
	d.SetPower(1, true)
	exp.Offline = true

	assert.Error(t, d.SetEnabled(false))
	assert.Equal(t, 0.0, d.Power())
	assert.Equal(t, uint32(0), pwm.Duty, "PWM is on the host and still forced to zero")
}

func TestEnableFailsWhenLineWriteFails(t *testing.T) {
	d, exp, pwm, _ := newTestDriver(t)
	exp.Offline = true

	err := d.SetEnabled(true)
	assert.ErrorIs(t, err, hal.ErrOffline)
	assert.False(t, d.Enabled())

	d.SetPower(1, true)
	require.NoError(t, d.Tick())
	assert.Equal(t, 0.0, d.Power(), "no power without the enable line")
	assert.Equal(t, uint32(0), pwm.Duty)

	exp.Offline = false
	require.NoError(t, d.SetEnabled(true))
	assert.True(t, d.Enabled())
	assert.True(t, exp.Levels[4])
}

func TestReadCurrent(t *testing.T) {
	d, _, _, adc := newTestDriver(t)
	// 0.33 V at 3.3 V full scale
	adc.Raw = 410
	got, err := d.ReadCurrent()
	require.NoError(t, err)
	want := (410 * 3.3 / 4095) / 0.038
	assert.InDelta(t, want, got, 1e-9)

	adc.Err = haltest.ErrBus
	_, err = d.ReadCurrent()
	assert.ErrorIs(t, err, haltest.ErrBus)
}
