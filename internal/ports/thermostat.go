package ports

import (
	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
	"github.com/Agrid-Dev/tecctl/internal/thermostat"
)

// ThermostatService is the control-plane port used by controllers (HTTP/MQTT/etc).
type ThermostatService interface {
	Get() thermostat.Snapshot
	SetEnabled(bool)
	SetSetpoint(float64) error
	SetMinMax(min, max float64) error
	SetMode(regulator.Mode) error
	SetTunings(kp, ki, kd float64) error
	SetOutputLimits(min, max float64) error
	SetFanProfile(fan.Profile) error
	CancelAutoTune()
	SaveSettings() error
}

var _ ThermostatService = (*thermostat.Thermostat)(nil)
