package rtd

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConverter is a register-level stand-in for the converter behind an
// SPI link.
type fakeConverter struct {
	regs      [8]byte
	code      uint16
	online    bool
	reconnect bool
	failTx    bool

	selected bool
	addr     uint8
	write    bool
	first    bool
	writes   []uint8
}

func newFakeConverter(code uint16) *fakeConverter {
	return &fakeConverter{code: code, online: true, reconnect: true}
}

func (f *fakeConverter) Begin() error { return nil }

func (f *fakeConverter) Select(active bool) error {
	f.selected = active
	f.first = active
	return nil
}

func (f *fakeConverter) IsOnline() bool { return f.online }

func (f *fakeConverter) TryReconnect() bool {
	if f.reconnect {
		f.online = true
	}
	return f.online
}

func (f *fakeConverter) Transfer(b byte) (byte, error) {
	r := make([]byte, 1)
	err := f.Tx([]byte{b}, r)
	return r[0], err
}

func (f *fakeConverter) Tx(w, r []byte) error {
	if f.failTx {
		return errors.New("bus error")
	}
	for i, b := range w {
		var out byte = 0xFF
		switch {
		case f.first:
			f.addr = b &^ writeBit
			f.write = b&writeBit != 0
			f.first = false
		case f.write:
			f.regs[f.addr&7] = b
			if f.addr == RegConfig {
				f.writes = append(f.writes, b)
				if b&ConfigOneShot != 0 {
					raw := f.code << 1
					f.regs[RegRTDMSB] = byte(raw >> 8)
					f.regs[RegRTDLSB] = byte(raw)
					f.regs[RegConfig] &^= ConfigOneShot
				}
			}
			f.addr++
		default:
			out = f.regs[f.addr&7]
			f.addr++
		}
		if i < len(r) {
			r[i] = out
		}
	}
	return nil
}

func newTestSensor(t *testing.T, f *fakeConverter) (*Sensor, *[]time.Duration) {
	t.Helper()
	var sleeps []time.Duration
	s := New(f, DefaultConfig(), WithSleep(func(d time.Duration) { sleeps = append(sleeps, d) }))
	require.NoError(t, s.Initialize())
	return s, &sleeps
}

func TestInitializeClearsFaultsAndEnablesBias(t *testing.T) {
	f := newFakeConverter(0)
	s, _ := newTestSensor(t, f)
	assert.False(t, s.HasFault())
	require.Len(t, f.writes, 1)
	assert.Equal(t, uint8(ConfigBias|ConfigFaultClear), f.writes[0])
}

func TestReadTemperature(t *testing.T) {
	cfg := DefaultConfig()
	f := newFakeConverter(cfg.Code(21.5))
	s, sleeps := newTestSensor(t, f)

	got := s.ReadTemperature()
	require.True(t, got.Valid)
	assert.InDelta(t, 21.5, got.Value, 0.05)
	assert.Contains(t, *sleeps, ConversionTime)

	// one-shot with bias, then bias off
	assert.Equal(t, []uint8{ConfigBias | ConfigFaultClear, ConfigBias | ConfigOneShot, 0x00}, f.writes)
}

func TestTwoPhaseConversion(t *testing.T) {
	cfg := DefaultConfig()
	f := newFakeConverter(cfg.Code(-12))
	s, sleeps := newTestSensor(t, f)
	n := len(*sleeps)

	require.NoError(t, s.StartConversion())
	got, err := s.Collect()
	require.NoError(t, err)
	assert.InDelta(t, -12, got.Value, 0.05)
	assert.Len(t, *sleeps, n, "two-phase API does not sleep")
}

func TestOutOfRangeIsStickyUntilReconnect(t *testing.T) {
	cfg := DefaultConfig()
	f := newFakeConverter(0x7FFF) // open RTD reads full scale
	f.regs[RegFaultStatus] = 0x80
	s, _ := newTestSensor(t, f)

	assert.False(t, s.ReadTemperature().Valid)
	assert.True(t, s.HasFault())
	assert.Equal(t, uint8(0x80), s.FaultStatus())

	// a good code alone does not clear the fault
	f.code = cfg.Code(20)
	assert.False(t, s.ReadTemperature().Valid)
	assert.True(t, s.HasFault())

	require.True(t, s.TryReconnect())
	assert.False(t, s.HasFault())
	got := s.ReadTemperature()
	require.True(t, got.Valid)
	assert.InDelta(t, 20, got.Value, 0.05)
}

func TestBusOffline(t *testing.T) {
	f := newFakeConverter(DefaultConfig().Code(20))
	s, _ := newTestSensor(t, f)

	f.online = false
	f.reconnect = false
	assert.False(t, s.ReadTemperature().Valid)
	assert.True(t, s.HasFault())
	assert.False(t, s.TryReconnect())

	f.reconnect = true
	assert.True(t, s.TryReconnect())
	assert.True(t, s.ReadTemperature().Valid)
}

func TestBusErrorFaults(t *testing.T) {
	f := newFakeConverter(DefaultConfig().Code(20))
	s, _ := newTestSensor(t, f)
	f.failTx = true
	assert.False(t, s.ReadTemperature().Valid)
	assert.True(t, s.HasFault())

	f.failTx = false
	assert.True(t, s.TryReconnect())
}

func TestInitializeOffline(t *testing.T) {
	f := newFakeConverter(0)
	f.online = false
	s := New(f, DefaultConfig(), WithSleep(func(time.Duration) {}))
	assert.ErrorIs(t, s.Initialize(), ErrBusOffline)
	assert.True(t, s.HasFault())
}
