// Package logsink writes controller status records as structured log lines.
package logsink

import (
	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/thermostat"
)

type Sink struct {
	log *logrus.Entry
}

func New(logger *logrus.Logger, deviceID string) *Sink {
	return &Sink{log: logger.WithField("device", deviceID)}
}

func (s *Sink) Emit(r thermostat.StatusRecord) error {
	if !r.Valid {
		s.log.WithFields(logrus.Fields{
			"setpoint": r.Setpoint,
			"fan1_rpm": r.Fan1RPM,
			"fan2_rpm": r.Fan2RPM,
		}).Warn("sensor error, TEC disabled")
		return nil
	}
	fields := logrus.Fields{
		"temperature":      r.Temperature,
		"setpoint":         r.Setpoint,
		"current":          r.Current,
		"current_filtered": r.FilteredCurrent,
		"power_pct":        r.PowerPercent,
		"fan1_rpm":         r.Fan1RPM,
		"fan2_rpm":         r.Fan2RPM,
		"mode":             r.Mode.String(),
	}
	if r.AutoTuning {
		fields["autotune_cycles"] = r.Cycles
	}
	s.log.WithFields(fields).Info("status")
	return nil
}

var _ thermostat.StatusSink = (*Sink)(nil)
