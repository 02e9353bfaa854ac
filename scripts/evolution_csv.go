package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Agrid-Dev/tecctl/internal/device"
	"github.com/Agrid-Dev/tecctl/internal/hal/haltest"
	"github.com/Agrid-Dev/tecctl/internal/plant"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
	"github.com/Agrid-Dev/tecctl/internal/settings"
)

type ModeCommand struct {
	Second int
	Mode   regulator.Mode
}

const step = 100 * time.Millisecond

// SimulateCoolDown runs the device against the simulated plant and writes
// one CSV row per simulated second.
func SimulateCoolDown(seconds int, setpoint float64, filename string, commands []ModeCommand) error {
	board, err := plant.New(plant.DefaultParams())
	if err != nil {
		return fmt.Errorf("failed to create plant: %v", err)
	}

	store := settings.NewFileStore("")
	if err := store.SetSetpoint(setpoint, false); err != nil {
		return err
	}
	if err := store.SetMode(regulator.ModeAutomatic, false); err != nil {
		return err
	}

	clock := haltest.NewClock()
	dev, err := device.Build("sim", device.Hardware{Bus: board, PWM: board.PWM(), ADC: board.ADC()},
		store, device.DefaultConfig(), device.WithClock(clock.Now), device.WithSleep(func(time.Duration) {}))
	if err != nil {
		return fmt.Errorf("failed to create device: %v", err)
	}
	if err := dev.Begin(); err != nil {
		return fmt.Errorf("failed to start device: %v", err)
	}

	// Create CSV file
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"Second", "Temperature", "Setpoint", "Power", "FanPercent", "Mode", "TuneCycles", "Kp", "Ki", "Kd"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	perSecond := int(time.Second / step)
	for s := range seconds {
		for _, cmd := range commands {
			if cmd.Second == s {
				if err := dev.T.SetMode(cmd.Mode); err != nil {
					return fmt.Errorf("failed to set mode: %v", err)
				}
			}
		}

		for range perSecond {
			board.Step(step)
			clock.Advance(step)
			dev.T.Tick()
		}

		snap := dev.T.Get()
		if err := writer.Write([]string{
			fmt.Sprintf("%d", s+1),
			fmt.Sprintf("%.2f", board.Temperature()),
			fmt.Sprintf("%.2f", snap.ActiveSetpoint),
			fmt.Sprintf("%.3f", snap.Power),
			fmt.Sprintf("%d", snap.FanPercent),
			snap.Mode.String(),
			fmt.Sprintf("%d", snap.AutoTuneCycles),
			fmt.Sprintf("%.3f", snap.Gains.Kp),
			fmt.Sprintf("%.3f", snap.Gains.Ki),
			fmt.Sprintf("%.3f", snap.Gains.Kd),
		}); err != nil {
			return fmt.Errorf("failed to write CSV record: %v", err)
		}
	}

	if out := dev.T.Get().LastTune; out.Done() {
		log.Printf("auto-tune %s: kp=%.3f ki=%.3f kd=%.3f period=%s", out.Result, out.Gains.Kp, out.Gains.Ki, out.Gains.Kd, out.Period)
	}
	return nil
}

func main() {
	commands := []ModeCommand{
		{
			Second: 600,
			Mode:   regulator.ModeAutoTuning,
		},
	}
	if err := SimulateCoolDown(1500, 10, "tecctl.csv", commands); err != nil {
		log.Fatal(err)
	}
}
