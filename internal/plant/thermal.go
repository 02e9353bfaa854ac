package plant

import (
	"errors"
	"time"
)

var (
	ErrNegativeHeatGain  = errors.New("plant: heat gain must be >= 0")
	ErrNegativeCooling   = errors.New("plant: cooling rate must be >= 0")
	ErrFanFloorRange     = errors.New("plant: fan floor must be within [0,1]")
	ErrInvalidSenseScale = errors.New("plant: current sense scale must be positive")
)

// Validate checks the thermal model and the sense chain.
func (p Params) Validate() error {
	switch {
	case p.HeatGain < 0:
		return ErrNegativeHeatGain
	case p.CoolingRate < 0:
		return ErrNegativeCooling
	case p.FanFloor < 0 || p.FanFloor > 1:
		return ErrFanFloorRange
	case p.ADCMax <= 0 || p.VoltsPerAmp <= 0 || p.ADCVRef <= 0:
		return ErrInvalidSenseScale
	}
	return nil
}

// fanFactor scales the TEC cooling by airflow across the hot side.
func (p Params) fanFactor(fanPercent uint8) float64 {
	return p.FanFloor + (1-p.FanFloor)*float64(fanPercent)/100
}

// delta is the plate temperature change over dt: heat leaking in from the
// room minus what the TEC pumps out.
func (p Params) delta(plate, power float64, fanPercent uint8, dt time.Duration) float64 {
	gain := p.HeatGain * (p.AmbientTemperature - plate)
	pumped := p.CoolingRate * power * p.fanFactor(fanPercent)
	return (gain - pumped) * dt.Seconds()
}
