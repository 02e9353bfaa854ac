package logsink

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agrid-Dev/tecctl/internal/regulator"
	"github.com/Agrid-Dev/tecctl/internal/thermostat"
)

func TestEmitValidRecord(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := New(logger, "dev-1")

	require.NoError(t, s.Emit(thermostat.StatusRecord{
		Time:            time.Now(),
		Valid:           true,
		Temperature:     4.2,
		Setpoint:        4,
		FilteredCurrent: 2.5,
		PowerPercent:    40,
		Mode:            regulator.ModeAutomatic,
	}))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "dev-1", entry.Data["device"])
	assert.Equal(t, 4.2, entry.Data["temperature"])
	assert.Equal(t, "automatic", entry.Data["mode"])
	assert.NotContains(t, entry.Data, "autotune_cycles")
}

func TestEmitAutoTuneCycles(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := New(logger, "dev-1")

	require.NoError(t, s.Emit(thermostat.StatusRecord{
		Valid:      true,
		Mode:       regulator.ModeAutoTuning,
		AutoTuning: true,
		Cycles:     3,
	}))
	assert.Equal(t, 3, hook.LastEntry().Data["autotune_cycles"])
}

func TestEmitSensorError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := New(logger, "dev-1")

	require.NoError(t, s.Emit(thermostat.StatusRecord{Valid: false, Setpoint: 4}))
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "sensor error, TEC disabled", entry.Message)
	assert.NotContains(t, entry.Data, "temperature")
}
