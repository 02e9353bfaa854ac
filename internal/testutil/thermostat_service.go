package testutil

import (
	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
	"github.com/Agrid-Dev/tecctl/internal/thermostat"
)

// FakeThermostatService is a reusable fake implementing ports.ThermostatService.
// Put ONLY what multiple test packages need here.
type FakeThermostatService struct {
	S thermostat.Snapshot

	SetEnabledCalled bool
	SetEnabledArg    bool

	SetSetpointCalled bool
	SetSetpointArg    float64
	SetSetpointErr    error

	SetMinMaxCalled bool
	SetMinMaxMin    float64
	SetMinMaxMax    float64
	SetMinMaxErr    error

	SetModeCalled bool
	SetModeArg    regulator.Mode
	SetModeErr    error

	SetTuningsCalled bool
	SetTuningsArgs   [3]float64
	SetTuningsErr    error

	SetOutputLimitsCalled bool
	SetOutputLimitsMin    float64
	SetOutputLimitsMax    float64
	SetOutputLimitsErr    error

	SetFanProfileCalled bool
	SetFanProfileArg    fan.Profile
	SetFanProfileErr    error

	CancelAutoTuneCalled bool

	SaveSettingsCalled bool
	SaveSettingsErr    error
}

func NewFakeThermostatService() *FakeThermostatService {
	return &FakeThermostatService{
		S: thermostat.Snapshot{
			Enabled:                true,
			TemperatureSetpoint:    4,
			TemperatureSetpointMin: -50,
			TemperatureSetpointMax: 50,
			Mode:                   regulator.ModeAutomatic,
			Gains:                  regulator.DefaultGains(),
			FanProfile:             fan.DefaultProfile(),
			Temperature:            5.5,
			TemperatureValid:       true,
			ActiveSetpoint:         4,
			Power:                  0.42,
			TargetPower:            0.45,
			FilteredCurrent:        2.5,
			FanPercent:             50,
			FanState:               fan.StateLowBand,
			Fan1RPM:                1500,
			Fan2RPM:                1480,
		},
	}
}

func (f *FakeThermostatService) Get() thermostat.Snapshot { return f.S }

func (f *FakeThermostatService) SetEnabled(b bool) {
	f.SetEnabledCalled = true
	f.SetEnabledArg = b
	f.S.Enabled = b
}

func (f *FakeThermostatService) SetSetpoint(v float64) error {
	f.SetSetpointCalled = true
	f.SetSetpointArg = v
	if f.SetSetpointErr != nil {
		return f.SetSetpointErr
	}
	f.S.TemperatureSetpoint = v
	return nil
}

func (f *FakeThermostatService) SetMinMax(min, max float64) error {
	f.SetMinMaxCalled = true
	f.SetMinMaxMin = min
	f.SetMinMaxMax = max
	if f.SetMinMaxErr != nil {
		return f.SetMinMaxErr
	}
	f.S.TemperatureSetpointMin = min
	f.S.TemperatureSetpointMax = max
	return nil
}

func (f *FakeThermostatService) SetMode(m regulator.Mode) error {
	f.SetModeCalled = true
	f.SetModeArg = m
	if f.SetModeErr != nil {
		return f.SetModeErr
	}
	f.S.Mode = m
	return nil
}

func (f *FakeThermostatService) SetTunings(kp, ki, kd float64) error {
	f.SetTuningsCalled = true
	f.SetTuningsArgs = [3]float64{kp, ki, kd}
	if f.SetTuningsErr != nil {
		return f.SetTuningsErr
	}
	f.S.Gains.Kp, f.S.Gains.Ki, f.S.Gains.Kd = kp, ki, kd
	return nil
}

func (f *FakeThermostatService) SetOutputLimits(min, max float64) error {
	f.SetOutputLimitsCalled = true
	f.SetOutputLimitsMin = min
	f.SetOutputLimitsMax = max
	if f.SetOutputLimitsErr != nil {
		return f.SetOutputLimitsErr
	}
	f.S.Gains.OutputMin, f.S.Gains.OutputMax = min, max
	return nil
}

func (f *FakeThermostatService) SetFanProfile(p fan.Profile) error {
	f.SetFanProfileCalled = true
	f.SetFanProfileArg = p
	if f.SetFanProfileErr != nil {
		return f.SetFanProfileErr
	}
	f.S.FanProfile = p
	return nil
}

func (f *FakeThermostatService) CancelAutoTune() {
	f.CancelAutoTuneCalled = true
}

func (f *FakeThermostatService) SaveSettings() error {
	f.SaveSettingsCalled = true
	return f.SaveSettingsErr
}
