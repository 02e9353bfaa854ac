package regulator

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Agrid-Dev/tecctl/internal/mathx"
)

// Mode is an integer enum.
type Mode int

const (
	ModeOff Mode = iota
	ModeAutomatic
	ModeAutoTuning
)

func (m Mode) Valid() bool {
	return m == ModeOff || m == ModeAutomatic || m == ModeAutoTuning
}

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeAutomatic:
		return "automatic"
	case ModeAutoTuning:
		return "autotune"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "off":
		return ModeOff, nil
	case "automatic", "on":
		return ModeAutomatic, nil
	case "autotune":
		return ModeAutoTuning, nil
	default:
		return ModeOff, fmt.Errorf("invalid mode: %q", s)
	}
}

// Gains are the PID coefficients and the output range in percent.
type Gains struct {
	Kp        float64
	Ki        float64
	Kd        float64
	OutputMin float64
	OutputMax float64
}

func DefaultGains() Gains {
	return Gains{Kp: 2, Ki: 0.1, Kd: 1, OutputMin: 0, OutputMax: 100}
}

// Clamped forces coefficients non-negative and the output range into
// 0..100. Non-finite values become zero, or 100 for OutputMax.
func (g Gains) Clamped() Gains {
	coef := func(v float64) float64 {
		if !mathx.Finite(v) || v < 0 {
			return 0
		}
		return v
	}
	g.Kp, g.Ki, g.Kd = coef(g.Kp), coef(g.Ki), coef(g.Kd)
	if math.IsNaN(g.OutputMin) {
		g.OutputMin = 0
	}
	if math.IsNaN(g.OutputMax) {
		g.OutputMax = 100
	}
	g.OutputMin = mathx.Clamp(g.OutputMin, 0, 100)
	g.OutputMax = mathx.Clamp(g.OutputMax, 0, 100)
	return g
}

// TuneResult tells how an auto-tune session ended.
type TuneResult int

const (
	TuneNone TuneResult = iota
	TuneSucceeded
	TuneCancelled
	TuneTimedOut
	TuneFailed
)

func (r TuneResult) String() string {
	switch r {
	case TuneNone:
		return "none"
	case TuneSucceeded:
		return "succeeded"
	case TuneCancelled:
		return "cancelled"
	case TuneTimedOut:
		return "timed_out"
	case TuneFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TuneOutcome is returned once, from the Update that ends a session.
type TuneOutcome struct {
	Result    TuneResult
	SessionID uuid.UUID
	// Gains are the applied gains on success, the unchanged ones otherwise.
	Gains Gains
	// Period is the ultimate period Tu.
	Period time.Duration
	// Amplitude is the mean peak-to-peak swing over a full cycle, °C.
	Amplitude float64
	// UltimateGain is Ku.
	UltimateGain float64
}

func (o TuneOutcome) Done() bool { return o.Result != TuneNone }
