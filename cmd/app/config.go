package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/broker"
	"github.com/Agrid-Dev/tecctl/internal/device"
	"github.com/Agrid-Dev/tecctl/internal/plant"
)

const envPrefix = "TECCTL_"

type Config struct {
	DeviceID       string        `koanf:"device_id"`
	LogLevel       string        `koanf:"log_level"`
	TickInterval   time.Duration `koanf:"tick_interval"`
	StatusInterval time.Duration `koanf:"status_interval"`
	SettingsPath   string        `koanf:"settings_path"`

	Controllers ControllersConfig `koanf:"controllers"`
	Broker      BrokerConfig      `koanf:"broker"`

	Thermostat    ThermostatConfig    `koanf:"thermostat"`
	Sensor        SensorConfig        `koanf:"sensor"`
	Actuator      ActuatorConfig      `koanf:"actuator"`
	Fan           FanConfig           `koanf:"fan"`
	Regulator     RegulatorConfig     `koanf:"regulator"`
	CurrentFilter CurrentFilterConfig `koanf:"current_filter"`
	Plant         PlantConfig         `koanf:"plant"`
}

type ControllersConfig struct {
	HTTP   HTTPConfig   `koanf:"http"`
	MQTT   MQTTConfig   `koanf:"mqtt"`
	MODBUS ModbusConfig `koanf:"modbus"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type MQTTConfig struct {
	Enabled         bool          `koanf:"enabled"`
	BrokerURL       string        `koanf:"broker_url"`
	ClientID        string        `koanf:"client_id"`
	BaseTopic       string        `koanf:"base_topic"`
	QoS             byte          `koanf:"qos"`
	RetainSnapshot  bool          `koanf:"retain_snapshot"`
	PublishInterval time.Duration `koanf:"publish_interval"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
}

type ModbusConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Addr         string        `koanf:"addr"`
	UnitID       byte          `koanf:"unit_id"`
	SyncInterval time.Duration `koanf:"sync_interval"`
}

type BrokerConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type ThermostatConfig struct {
	Enabled     bool    `koanf:"enabled"`
	SetpointMin float64 `koanf:"temperature_setpoint_min"`
	SetpointMax float64 `koanf:"temperature_setpoint_max"`
}

type SensorConfig struct {
	RRef     float64 `koanf:"r_ref"`
	RNominal float64 `koanf:"r_nominal"`
	MinValid float64 `koanf:"min_valid"`
	MaxValid float64 `koanf:"max_valid"`
}

type ActuatorConfig struct {
	RampRate     float64 `koanf:"ramp_rate"`
	PWMFrequency uint32  `koanf:"pwm_frequency"`
	VoltsPerAmp  float64 `koanf:"volts_per_amp"`
}

type FanConfig struct {
	Hysteresis  float64       `koanf:"hysteresis"`
	RPMInterval time.Duration `koanf:"rpm_interval"`
}

type RegulatorConfig struct {
	SampleTime    time.Duration `koanf:"sample_time"`
	TuneCycles    int           `koanf:"tune_cycles"`
	TuneTimeout   time.Duration `koanf:"tune_timeout"`
	TuneOffset    float64       `koanf:"tune_offset"`
	MinHalfPeriod time.Duration `koanf:"min_half_period"`
}

type CurrentFilterConfig struct {
	Size       int     `koanf:"size"`
	NoiseFloor float64 `koanf:"noise_floor"`
}

type PlantConfig struct {
	AmbientTemperature float64       `koanf:"ambient_temperature"`
	HeatGain           float64       `koanf:"heat_gain"`
	InitialTemperature float64       `koanf:"initial_temperature"`
	CoolingRate        float64       `koanf:"cooling_rate"`
	FanFloor           float64       `koanf:"fan_floor"`
	StepInterval       time.Duration `koanf:"step_interval"`
}

// DefaultConfig mirrors the component defaults.
func DefaultConfig() Config {
	dev := device.DefaultConfig()
	pl := plant.DefaultParams()
	br := broker.DefaultConfig()
	return Config{
		DeviceID:       "default",
		LogLevel:       "info",
		TickInterval:   100 * time.Millisecond,
		StatusInterval: dev.Thermostat.StatusInterval,
		SettingsPath:   "settings.yaml",
		Controllers: ControllersConfig{
			HTTP: HTTPConfig{Enabled: true, Addr: ":8080"},
			MQTT: MQTTConfig{
				BrokerURL:       "tcp://localhost:1883",
				PublishInterval: time.Second,
			},
			MODBUS: ModbusConfig{Addr: "127.0.0.1:1502", UnitID: 1},
		},
		Broker: BrokerConfig{Enabled: br.Enabled, Addr: br.Addr},
		Thermostat: ThermostatConfig{
			Enabled:     dev.Enabled,
			SetpointMin: dev.SetpointMin,
			SetpointMax: dev.SetpointMax,
		},
		Sensor: SensorConfig{
			RRef:     dev.RTD.RRef,
			RNominal: dev.RTD.RNominal,
			MinValid: dev.RTD.MinValid,
			MaxValid: dev.RTD.MaxValid,
		},
		Actuator: ActuatorConfig{
			RampRate:     dev.TEC.RampRate,
			PWMFrequency: dev.TEC.PWMFrequency,
			VoltsPerAmp:  dev.TEC.VoltsPerAmp,
		},
		Fan: FanConfig{
			Hysteresis:  dev.Fan.Hysteresis,
			RPMInterval: dev.Fan.RPMInterval,
		},
		Regulator: RegulatorConfig{
			SampleTime:    dev.Thermostat.Regulator.SampleTime,
			TuneCycles:    dev.Thermostat.Regulator.TuneCycles,
			TuneTimeout:   dev.Thermostat.Regulator.TuneTimeout,
			TuneOffset:    dev.Thermostat.Regulator.TuneOffset,
			MinHalfPeriod: dev.Thermostat.Regulator.MinHalfPeriod,
		},
		CurrentFilter: CurrentFilterConfig{
			Size:       dev.Thermostat.FilterSize,
			NoiseFloor: dev.Thermostat.NoiseFloor,
		},
		Plant: PlantConfig{
			AmbientTemperature: pl.AmbientTemperature,
			HeatGain:           pl.HeatGain,
			InitialTemperature: pl.InitialTemperature,
			CoolingRate:        pl.CoolingRate,
			FanFloor:           pl.FanFloor,
			StepInterval:       50 * time.Millisecond,
		},
	}
}

// LoadConfig layers defaults, the config file and TECCTL_* environment
// variables. A missing file leaves the defaults in place.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, err
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return envKeyTransform(strings.TrimPrefix(key, envPrefix)), value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Config file missing → use defaults
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var parser koanf.Parser
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config extension %q", ext)
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.DeviceID == "" {
		return errors.New("config: device_id is required")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.TickInterval <= 0 {
		return errors.New("config: tick_interval must be positive")
	}
	if c.Thermostat.SetpointMin > c.Thermostat.SetpointMax {
		return errors.New("config: temperature_setpoint_min above temperature_setpoint_max")
	}
	if c.CurrentFilter.Size <= 0 {
		return errors.New("config: current_filter.size must be positive")
	}
	return nil
}

// Device returns the board configuration with the configured overrides
// applied to the component defaults.
func (c Config) Device() device.Config {
	d := device.DefaultConfig()
	d.Enabled = c.Thermostat.Enabled
	d.SetpointMin = c.Thermostat.SetpointMin
	d.SetpointMax = c.Thermostat.SetpointMax

	d.RTD.RRef = c.Sensor.RRef
	d.RTD.RNominal = c.Sensor.RNominal
	d.RTD.MinValid = c.Sensor.MinValid
	d.RTD.MaxValid = c.Sensor.MaxValid

	d.TEC.RampRate = c.Actuator.RampRate
	d.TEC.PWMFrequency = c.Actuator.PWMFrequency
	d.TEC.VoltsPerAmp = c.Actuator.VoltsPerAmp

	d.Fan.Hysteresis = c.Fan.Hysteresis
	d.Fan.RPMInterval = c.Fan.RPMInterval

	r := &d.Thermostat.Regulator
	r.SampleTime = c.Regulator.SampleTime
	r.TuneCycles = c.Regulator.TuneCycles
	r.TuneTimeout = c.Regulator.TuneTimeout
	r.TuneOffset = c.Regulator.TuneOffset
	r.MinHalfPeriod = c.Regulator.MinHalfPeriod

	d.Thermostat.StatusInterval = c.StatusInterval
	d.Thermostat.FilterSize = c.CurrentFilter.Size
	d.Thermostat.NoiseFloor = c.CurrentFilter.NoiseFloor
	return d
}

// PlantParams keeps the simulated board consistent with the device
// calibration so the host loop reads what the plant models.
func (c Config) PlantParams() plant.Params {
	p := plant.DefaultParams()
	p.AmbientTemperature = c.Plant.AmbientTemperature
	p.HeatGain = c.Plant.HeatGain
	p.InitialTemperature = c.Plant.InitialTemperature
	p.CoolingRate = c.Plant.CoolingRate
	p.FanFloor = c.Plant.FanFloor

	d := c.Device()
	p.RTD = d.RTD
	p.VoltsPerAmp = d.TEC.VoltsPerAmp
	return p
}

// sections are the config keys whose env names map to "<section>.<field>".
var sections = []string{
	"thermostat",
	"broker",
	"sensor",
	"actuator",
	"fan",
	"regulator",
	"current_filter",
	"plant",
}

// envKeyTransform maps an env var name (prefix stripped) to a config key:
// CONTROLLERS_HTTP_ADDR → controllers.http.addr, FAN_RPM_INTERVAL →
// fan.rpm_interval, DEVICE_ID → device_id.
func envKeyTransform(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	if rest, ok := strings.CutPrefix(s, "controllers_"); ok {
		name, field, found := strings.Cut(rest, "_")
		if !found {
			// not enough parts
			return s
		}
		return "controllers." + name + "." + field
	}

	for _, sec := range sections {
		if rest, ok := strings.CutPrefix(s, sec+"_"); ok && rest != "" {
			return sec + "." + rest
		}
	}
	return s
}
