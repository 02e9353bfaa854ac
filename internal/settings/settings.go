// Package settings persists the user-adjustable controller state as YAML.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/mathx"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
)

const (
	DefaultSetpoint = 0.0
	SetpointMin     = -50.0
	SetpointMax     = 50.0
)

type Settings struct {
	Setpoint float64
	Mode     regulator.Mode
	Gains    regulator.Gains
	Fan      fan.Profile
}

func Defaults() Settings {
	return Settings{
		Setpoint: DefaultSetpoint,
		Mode:     regulator.ModeOff,
		Gains:    regulator.DefaultGains(),
		Fan:      fan.DefaultProfile(),
	}
}

// document is the on-disk layout. Numbers are kept loose so that damaged
// values can be replaced one by one instead of failing the whole load.
type document struct {
	Setpoint     *float64 `yaml:"setpoint"`
	Mode         string   `yaml:"mode"`
	Kp           *float64 `yaml:"kp"`
	Ki           *float64 `yaml:"ki"`
	Kd           *float64 `yaml:"kd"`
	OutputMin    *float64 `yaml:"output_min"`
	OutputMax    *float64 `yaml:"output_max"`
	FanSpeed     *float64 `yaml:"fan_speed"`
	SmartControl *bool    `yaml:"smart_control"`
	SmartSpeed   *float64 `yaml:"smart_speed"`
}

func toDocument(s Settings) document {
	f := func(v float64) *float64 { return &v }
	smart := s.Fan.SmartEnabled
	return document{
		Setpoint:     f(s.Setpoint),
		Mode:         s.Mode.String(),
		Kp:           f(s.Gains.Kp),
		Ki:           f(s.Gains.Ki),
		Kd:           f(s.Gains.Kd),
		OutputMin:    f(s.Gains.OutputMin),
		OutputMax:    f(s.Gains.OutputMax),
		FanSpeed:     f(float64(s.Fan.HighSpeed)),
		SmartControl: &smart,
		SmartSpeed:   f(float64(s.Fan.SmartSpeed)),
	}
}

// Validate replaces missing or out-of-range values with defaults.
// AutoTuning never survives a restart and loads as Off.
func (d document) validate() Settings {
	def := Defaults()
	pick := func(v *float64, lo, hi, fallback float64) float64 {
		if v == nil || !mathx.InRange(*v, lo, hi) {
			return fallback
		}
		return *v
	}

	s := def
	s.Setpoint = pick(d.Setpoint, SetpointMin, SetpointMax, def.Setpoint)

	m, err := regulator.ParseMode(d.Mode)
	if err != nil || m == regulator.ModeAutoTuning {
		m = regulator.ModeOff
	}
	s.Mode = m

	s.Gains.Kp = pick(d.Kp, 0, 100, def.Gains.Kp)
	s.Gains.Ki = pick(d.Ki, 0, 100, def.Gains.Ki)
	s.Gains.Kd = pick(d.Kd, 0, 100, def.Gains.Kd)
	s.Gains.OutputMin = pick(d.OutputMin, 0, 100, def.Gains.OutputMin)
	s.Gains.OutputMax = pick(d.OutputMax, 0, 100, def.Gains.OutputMax)
	if s.Gains.OutputMin > s.Gains.OutputMax {
		s.Gains.OutputMin, s.Gains.OutputMax = def.Gains.OutputMin, def.Gains.OutputMax
	}

	s.Fan.HighSpeed = uint8(pick(d.FanSpeed, 0, 100, float64(def.Fan.HighSpeed)))
	s.Fan.SmartSpeed = uint8(pick(d.SmartSpeed, 0, 100, float64(def.Fan.SmartSpeed)))
	if d.SmartControl != nil {
		s.Fan.SmartEnabled = *d.SmartControl
	}
	return s
}

// FileStore keeps settings in memory and writes them to a YAML file. Each
// setter either persists at once or defers until the next Save. An empty
// path keeps everything in memory.
type FileStore struct {
	path string
	log  *logrus.Entry

	mu    sync.Mutex
	cur   Settings
	dirty bool
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		cur:  Defaults(),
		log:  logrus.WithField("component", "settings"),
	}
}

// Load reads the file. A missing file yields defaults.
func (s *FileStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return s.cur, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.cur = Defaults()
			return s.cur, nil
		}
		return s.cur, fmt.Errorf("read settings: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.log.WithError(err).Warn("settings file unreadable, using defaults")
		s.cur = Defaults()
		return s.cur, nil
	}
	s.cur = doc.validate()
	s.dirty = false
	return s.cur, nil
}

func (s *FileStore) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *FileStore) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *FileStore) SetGains(g regulator.Gains, persist bool) error {
	return s.update(persist, func(c *Settings) { c.Gains = g })
}

func (s *FileStore) SetMode(m regulator.Mode, persist bool) error {
	return s.update(persist, func(c *Settings) { c.Mode = m })
}

func (s *FileStore) SetSetpoint(sp float64, persist bool) error {
	return s.update(persist, func(c *Settings) { c.Setpoint = sp })
}

func (s *FileStore) SetFanProfile(p fan.Profile, persist bool) error {
	return s.update(persist, func(c *Settings) { c.Fan = p })
}

// Save writes pending changes.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *FileStore) update(persist bool, apply func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(&s.cur)
	s.dirty = true
	if !persist {
		return nil
	}
	return s.saveLocked()
}

func (s *FileStore) saveLocked() error {
	if s.path == "" {
		s.dirty = false
		return nil
	}
	data, err := yaml.Marshal(toDocument(s.cur))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("write settings: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.dirty = false
	return nil
}
