package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Agrid-Dev/tecctl/cmd/app"
	"github.com/Agrid-Dev/tecctl/internal/broker"
	httpctrl "github.com/Agrid-Dev/tecctl/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/tecctl/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/tecctl/internal/controllers/mqtt"
	"github.com/Agrid-Dev/tecctl/internal/device"
	"github.com/Agrid-Dev/tecctl/internal/logsink"
	"github.com/Agrid-Dev/tecctl/internal/plant"
	"github.com/Agrid-Dev/tecctl/internal/settings"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		logrus.Fatal(err)
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logrus.SetLevel(level)
	log := logrus.WithField("device", cfg.DeviceID)

	board, err := plant.New(cfg.PlantParams())
	if err != nil {
		log.Fatal(err)
	}

	store := settings.NewFileStore(cfg.SettingsPath)
	if _, err := store.Load(); err != nil {
		log.WithError(err).Warn("settings not loaded, using defaults")
	}

	dev, err := device.Build(cfg.DeviceID, device.Hardware{
		Bus: board,
		PWM: board.PWM(),
		ADC: board.ADC(),
	}, store, cfg.Device(), device.WithStatusSink(logsink.New(logrus.StandardLogger(), cfg.DeviceID)))
	if err != nil {
		log.Fatal(err)
	}
	if err := dev.Begin(); err != nil {
		log.WithError(err).Warn("device started degraded")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return board.Run(ctx, cfg.Plant.StepInterval) })
	g.Go(func() error { return dev.Run(ctx, cfg.TickInterval) })

	if cfg.Broker.Enabled {
		b, err := broker.New(broker.Config{Enabled: true, Addr: cfg.Broker.Addr})
		if err != nil {
			log.Fatal(err)
		}
		g.Go(func() error { return b.Run(ctx) })
	}

	if c := cfg.Controllers.HTTP; c.Enabled {
		srv := httpctrl.New(dev.T, c.Addr, cfg.DeviceID)
		log.Infof("http controller listening on %s", c.Addr)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if c := cfg.Controllers.MQTT; c.Enabled {
		ctrl, err := mqttctrl.New(dev.T, mqttctrl.Config{
			DeviceID:        cfg.DeviceID,
			BrokerURL:       c.BrokerURL,
			ClientID:        c.ClientID,
			BaseTopic:       c.BaseTopic,
			QoS:             c.QoS,
			RetainSnapshot:  c.RetainSnapshot,
			PublishInterval: c.PublishInterval,
			Username:        c.Username,
			Password:        c.Password,
		})
		if err != nil {
			log.Fatal(err)
		}
		g.Go(func() error { return ctrl.Run(ctx) })
	}

	if c := cfg.Controllers.MODBUS; c.Enabled {
		ctrl, err := modbusctrl.New(dev.T, modbusctrl.Config{
			DeviceID:     cfg.DeviceID,
			Addr:         c.Addr,
			UnitID:       c.UnitID,
			SyncInterval: c.SyncInterval,
		})
		if err != nil {
			log.Fatal(err)
		}
		log.Infof("modbus controller listening on %s", c.Addr)
		g.Go(func() error { return ctrl.Run(ctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("exited")
		os.Exit(1)
	}
	if store.Dirty() {
		log.Info("unsaved settings discarded")
	}
}
