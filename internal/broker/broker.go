// Package broker runs an optional in-process MQTT broker so the MQTT
// controller can be used on a host without external infrastructure.
package broker

import (
	"context"
	"errors"
	"fmt"

	mqttv2 "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Enabled bool
	Addr    string
}

func DefaultConfig() Config {
	return Config{Enabled: false, Addr: "127.0.0.1:1883"}
}

type Broker struct {
	server *mqttv2.Server
	addr   string
	log    *logrus.Entry
}

// New binds the TCP listener. Connections are accepted once Run is called.
func New(cfg Config) (*Broker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("broker: Addr is required")
	}
	server := mqttv2.New(&mqttv2.Options{
		InlineClient: true,
	})

	// Allow all connections.
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("broker: auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.Addr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("broker: listen %s: %w", cfg.Addr, err)
	}

	return &Broker{
		server: server,
		addr:   tcp.Address(),
		log:    logrus.WithFields(logrus.Fields{"component": "broker", "addr": cfg.Addr}),
	}, nil
}

// Addr returns the bound listener address.
func (b *Broker) Addr() string { return b.addr }

// Publish sends a message from the inline client.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// Run serves until ctx is canceled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("broker: serve: %w", err)
	}
	b.log.Info("mqtt broker listening")

	<-ctx.Done()
	if err := b.server.Close(); err != nil {
		b.log.WithError(err).Warn("broker close")
	}
	return ctx.Err()
}
