package thermostat

import (
	"time"

	"github.com/Agrid-Dev/tecctl/internal/regulator"
)

// StatusRecord is emitted once per status interval.
type StatusRecord struct {
	Time            time.Time
	Valid           bool // false: sensor error, TEC held at zero
	Temperature     float64
	Setpoint        float64
	Current         float64
	FilteredCurrent float64
	PowerPercent    float64
	Fan1RPM         uint16
	Fan2RPM         uint16
	Mode            regulator.Mode
	AutoTuning      bool
	Cycles          int
}

// StatusSink receives status records. Errors are ignored by the caller.
type StatusSink interface {
	Emit(StatusRecord) error
}

type StatusSinkFunc func(StatusRecord) error

func (f StatusSinkFunc) Emit(r StatusRecord) error { return f(r) }
