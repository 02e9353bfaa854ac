package mqttctrl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/ports"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
)

type Config struct {
	// Identity
	DeviceID string

	// MQTT connection
	BrokerURL string
	ClientID  string

	// Topics
	BaseTopic string

	// Behavior
	QoS             byte
	RetainSnapshot  bool
	PublishInterval time.Duration

	Username string
	Password string
}

type Controller struct {
	svc ports.ThermostatService
	cfg Config
	log *logrus.Entry

	client mqtt.Client
	last   []byte
}

func New(svc ports.ThermostatService, cfg Config) (*Controller, error) {
	// ---- defaults ----

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}

	if cfg.DeviceID == "" {
		return nil, errors.New("mqtt: DeviceID is required")
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "tecctl/" + cfg.DeviceID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tecctl-" + cfg.DeviceID
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 1 * time.Second
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: QoS must be 0 or 1")
	}
	return &Controller{
		svc: svc,
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{"component": "mqtt", "device": cfg.DeviceID}),
	}, nil
}

func (c *Controller) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	// Subscribe when connected/reconnected.
	opts.OnConnect = func(cl mqtt.Client) {
		topic := c.topic("set/+")
		token := cl.Subscribe(topic, c.cfg.QoS, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.WithError(err).Warn("subscribe failed")
		}
	}

	c.client = mqtt.NewClient(opts)
	tok := c.client.Connect()
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	// Publish loop: publish snapshot on interval, and only when changed.
	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	// publish immediately once
	c.publishSnapshot(true)

	for {
		select {
		case <-ctx.Done():
			c.client.Disconnect(250)
			return ctx.Err()

		case <-ticker.C:
			c.publishSnapshot(false)
		}
	}
}

// publishSnapshot sends the snapshot when it differs from the last one
// published, or always when force is set.
func (c *Controller) publishSnapshot(force bool) {
	dto := ports.NewSnapshotDTO(c.svc.Get())
	dto.DeviceID = c.cfg.DeviceID
	b, err := json.Marshal(dto)
	if err != nil {
		c.log.WithError(err).Warn("snapshot encode")
		return
	}
	if !force && bytes.Equal(b, c.last) {
		return
	}
	c.last = b
	c.client.Publish(c.topic("snapshot"), c.cfg.QoS, c.cfg.RetainSnapshot, b)
}

// Command payload format: {"value": ...}
type valueReq[T any] struct {
	Value *T `json:"value"`
}

type tuningsReq struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

type limitsReq struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type fanReq struct {
	HighSpeed    *uint8 `json:"high_speed"`
	SmartSpeed   *uint8 `json:"smart_speed"`
	SmartControl *bool  `json:"smart_control"`
}

func (c *Controller) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// topic format: <base>/set/<field>
	t := msg.Topic()
	prefix := c.cfg.BaseTopic + "/set/"
	if !strings.HasPrefix(t, prefix) {
		return
	}
	field := strings.TrimPrefix(t, prefix)

	if err := c.dispatch(field, msg.Payload()); err != nil {
		c.log.WithError(err).WithField("field", field).Debug("command rejected")
	}
}

func (c *Controller) dispatch(field string, payload []byte) error {
	switch field {
	case "enabled":
		v, err := decodeValueStrict[bool](payload)
		if err != nil {
			return err
		}
		c.svc.SetEnabled(v)
		return nil

	case "temperature_setpoint":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		return c.svc.SetSetpoint(v)

	case "temperature_setpoint_min":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		cur := c.svc.Get()
		return c.svc.SetMinMax(v, cur.TemperatureSetpointMax)

	case "temperature_setpoint_max":
		v, err := decodeValueStrict[float64](payload)
		if err != nil {
			return err
		}
		cur := c.svc.Get()
		return c.svc.SetMinMax(cur.TemperatureSetpointMin, v)

	case "mode":
		s, err := decodeValueStrict[string](payload)
		if err != nil {
			return err
		}
		m, err := regulator.ParseMode(s)
		if err != nil {
			return err
		}
		return c.svc.SetMode(m)

	case "tunings":
		v, err := decodeValueStrict[tuningsReq](payload)
		if err != nil {
			return err
		}
		return c.svc.SetTunings(v.Kp, v.Ki, v.Kd)

	case "output_limits":
		v, err := decodeValueStrict[limitsReq](payload)
		if err != nil {
			return err
		}
		return c.svc.SetOutputLimits(v.Min, v.Max)

	case "fan":
		v, err := decodeValueStrict[fanReq](payload)
		if err != nil {
			return err
		}
		p := c.svc.Get().FanProfile
		return c.svc.SetFanProfile(mergeFan(p, v))

	case "autotune_cancel":
		c.svc.CancelAutoTune()
		return nil

	case "settings_save":
		return c.svc.SaveSettings()
	}
	return fmt.Errorf("unknown field %q", field)
}

func mergeFan(p fan.Profile, v fanReq) fan.Profile {
	if v.HighSpeed != nil {
		p.HighSpeed = *v.HighSpeed
	}
	if v.SmartSpeed != nil {
		p.SmartSpeed = *v.SmartSpeed
	}
	if v.SmartControl != nil {
		p.SmartEnabled = *v.SmartControl
	}
	return p
}

func (c *Controller) topic(suffix string) string {
	return strings.TrimRight(c.cfg.BaseTopic, "/") + "/" + suffix
}

func decodeValueStrict[T any](b []byte) (T, error) {
	var zero T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var req valueReq[T]
	if err := dec.Decode(&req); err != nil {
		return zero, err
	}
	if req.Value == nil {
		return zero, errors.New("missing field 'value'")
	}
	return *req.Value, nil
}
