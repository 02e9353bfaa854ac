package ports

import "github.com/Agrid-Dev/tecctl/internal/thermostat"

// SnapshotDTO is the JSON view shared by the HTTP and MQTT controllers.
// Temperature is null while the sensor reading is invalid.
type SnapshotDTO struct {
	DeviceID               string  `json:"device_id,omitempty"`
	Enabled                bool    `json:"enabled"`
	TemperatureSetpoint    float64 `json:"temperature_setpoint"`
	TemperatureSetpointMin float64 `json:"temperature_setpoint_min"`
	TemperatureSetpointMax float64 `json:"temperature_setpoint_max"`
	Mode                   string  `json:"mode"`

	Kp        float64 `json:"kp"`
	Ki        float64 `json:"ki"`
	Kd        float64 `json:"kd"`
	OutputMin float64 `json:"output_min"`
	OutputMax float64 `json:"output_max"`

	FanHighSpeed    uint8 `json:"fan_high_speed"`
	FanSmartSpeed   uint8 `json:"fan_smart_speed"`
	FanSmartControl bool  `json:"fan_smart_control"`

	Temperature     *float64 `json:"temperature"`
	SensorFault     bool     `json:"sensor_fault"`
	ActiveSetpoint  float64  `json:"active_setpoint"`
	Power           float64  `json:"power"`
	TargetPower     float64  `json:"target_power"`
	Current         float64  `json:"current"`
	CurrentFiltered float64  `json:"current_filtered"`
	FanPercent      uint8    `json:"fan_percent"`
	FanState        string   `json:"fan_state"`
	Fan1RPM         uint16   `json:"fan1_rpm"`
	Fan2RPM         uint16   `json:"fan2_rpm"`

	AutoTuneCooling bool     `json:"autotune_cooling"`
	AutoTuneCycles  int      `json:"autotune_cycles"`
	LastTune        *TuneDTO `json:"last_tune,omitempty"`
}

type TuneDTO struct {
	Result    string  `json:"result"`
	SessionID string  `json:"session_id"`
	Kp        float64 `json:"kp,omitempty"`
	Ki        float64 `json:"ki,omitempty"`
	Kd        float64 `json:"kd,omitempty"`
	PeriodS   float64 `json:"period_s,omitempty"`
	Amplitude float64 `json:"amplitude,omitempty"`
}

func NewSnapshotDTO(s thermostat.Snapshot) SnapshotDTO {
	dto := SnapshotDTO{
		Enabled:                s.Enabled,
		TemperatureSetpoint:    s.TemperatureSetpoint,
		TemperatureSetpointMin: s.TemperatureSetpointMin,
		TemperatureSetpointMax: s.TemperatureSetpointMax,
		Mode:                   s.Mode.String(),
		Kp:                     s.Gains.Kp,
		Ki:                     s.Gains.Ki,
		Kd:                     s.Gains.Kd,
		OutputMin:              s.Gains.OutputMin,
		OutputMax:              s.Gains.OutputMax,
		FanHighSpeed:           s.FanProfile.HighSpeed,
		FanSmartSpeed:          s.FanProfile.SmartSpeed,
		FanSmartControl:        s.FanProfile.SmartEnabled,
		SensorFault:            s.SensorFault,
		ActiveSetpoint:         s.ActiveSetpoint,
		Power:                  s.Power,
		TargetPower:            s.TargetPower,
		Current:                s.Current,
		CurrentFiltered:        s.FilteredCurrent,
		FanPercent:             s.FanPercent,
		FanState:               s.FanState.String(),
		Fan1RPM:                s.Fan1RPM,
		Fan2RPM:                s.Fan2RPM,
		AutoTuneCooling:        s.AutoTuneCooling,
		AutoTuneCycles:         s.AutoTuneCycles,
	}
	if s.TemperatureValid {
		t := s.Temperature
		dto.Temperature = &t
	}
	if lt := s.LastTune; lt.Done() {
		dto.LastTune = &TuneDTO{
			Result:    lt.Result.String(),
			SessionID: lt.SessionID.String(),
			Kp:        lt.Gains.Kp,
			Ki:        lt.Gains.Ki,
			Kd:        lt.Gains.Kd,
			PeriodS:   lt.Period.Seconds(),
			Amplitude: lt.Amplitude,
		}
	}
	return dto
}
