package modbusctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	mbserver "github.com/tbrandon/mbserver"

	"github.com/Agrid-Dev/tecctl/internal/ports"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
)

// Config for the Modbus controller.
type Config struct {
	DeviceID string
	Addr     string
	UnitID   byte // UnitID (Modbus slave/unit ID). Use an integer 1..247.
	// SyncInterval retained in config to preserve API but unused when reads are handled by custom handlers.
	SyncInterval time.Duration
}

// Holding registers (read/write).
const (
	HRSetpoint = iota
	HRSetpointMin
	HRSetpointMax
	HRMode
	HRKp
	HRKi
	HRKd
	HROutputMin
	HROutputMax
	HRFanHighSpeed
	HRFanSmartSpeed
	HRFanSmartControl
	numHolding
)

// Input registers (read only).
const (
	IRTemperature = iota
	IRActiveSetpoint
	IRPower
	IRCurrentFiltered
	IRCurrent
	IRFanPercent
	IRFan1RPM
	IRFan2RPM
	IRFanState
	IRAutoTuneCycles
	IRStatus
	numInput
)

// Coils.
const (
	CoilEnabled = iota
	// CoilAutoTune reads the running state; ON starts a session, OFF cancels it.
	CoilAutoTune
	// CoilSave writes settings when set ON; it always reads OFF.
	CoilSave
	numCoils
)

// IRStatus bits.
const (
	StatusSensorFault = 1 << iota
	StatusTemperatureValid
	StatusAutoTuneCooling
)

// TemperatureInvalid is reported in IRTemperature while the reading is invalid.
const TemperatureInvalid uint16 = 0x8000

type Controller struct {
	svc ports.ThermostatService
	cfg Config

	serv *mbserver.Server
}

func New(svc ports.ThermostatService, cfg Config) (*Controller, error) {
	if cfg.UnitID == 0 {
		return nil, errors.New("modbus: UnitID is required (non-zero)")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:1502"
	}
	return &Controller{svc: svc, cfg: cfg}, nil
}

// Run starts the Modbus server and registers handlers that apply writes immediately and
// provide reads directly from the thermostat service. It blocks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	serv := mbserver.NewServer()
	c.serv = serv

	// Register handlers BEFORE starting the TCP listener to avoid races inside mbserver
	// between handler registration and the server's goroutines.
	serv.RegisterFunctionHandler(1, c.readCoils)
	serv.RegisterFunctionHandler(3, func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		return readRegisters(frame, numHolding, c.holding)
	})
	serv.RegisterFunctionHandler(4, func(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		return readRegisters(frame, numInput, c.input)
	})
	serv.RegisterFunctionHandler(5, c.writeSingleCoil)
	serv.RegisterFunctionHandler(6, c.writeSingleRegister)
	serv.RegisterFunctionHandler(16, c.writeMultipleRegisters)

	// Now start listening after all handlers are registered.
	if err := serv.ListenTCP(c.cfg.Addr); err != nil {
		return fmt.Errorf("mbserver listen tcp %s: %w", c.cfg.Addr, err)
	}

	// Block until ctx.Done()
	<-ctx.Done()
	serv.Close()
	return ctx.Err()
}

// ---- reads ----

func (c *Controller) readCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 2000 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if start+qty > numCoils {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	snap := c.svc.Get()
	coils := [numCoils]bool{
		CoilEnabled:  snap.Enabled,
		CoilAutoTune: snap.Mode == regulator.ModeAutoTuning,
	}
	var packed byte
	for i := 0; i < qty; i++ {
		if coils[start+i] {
			packed |= 1 << uint(i)
		}
	}
	// response: byte count (1) + coil bytes
	return []byte{1, packed}, &mbserver.Success
}

func readRegisters(frame mbserver.Framer, count int, get func(addr int) uint16) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := int(binary.BigEndian.Uint16(data[0:2]))
	qty := int(binary.BigEndian.Uint16(data[2:4]))
	if qty == 0 || qty > 125 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	if start+qty > count {
		return []byte{}, &mbserver.IllegalDataAddress
	}
	// Build response: byte count + register bytes
	resp := make([]byte, 1+qty*2)
	resp[0] = byte(qty * 2)
	for i := 0; i < qty; i++ {
		binary.BigEndian.PutUint16(resp[1+i*2:3+i*2], get(start+i))
	}
	return resp, &mbserver.Success
}

func (c *Controller) holding(addr int) uint16 {
	snap := c.svc.Get()
	switch addr {
	case HRSetpoint:
		return encodeTemp(snap.TemperatureSetpoint)
	case HRSetpointMin:
		return encodeTemp(snap.TemperatureSetpointMin)
	case HRSetpointMax:
		return encodeTemp(snap.TemperatureSetpointMax)
	case HRMode:
		return uint16(snap.Mode)
	case HRKp:
		return encodeScaled(snap.Gains.Kp)
	case HRKi:
		return encodeScaled(snap.Gains.Ki)
	case HRKd:
		return encodeScaled(snap.Gains.Kd)
	case HROutputMin:
		return encodeScaled(snap.Gains.OutputMin)
	case HROutputMax:
		return encodeScaled(snap.Gains.OutputMax)
	case HRFanHighSpeed:
		return uint16(snap.FanProfile.HighSpeed)
	case HRFanSmartSpeed:
		return uint16(snap.FanProfile.SmartSpeed)
	case HRFanSmartControl:
		return boolReg(snap.FanProfile.SmartEnabled)
	}
	return 0
}

func (c *Controller) input(addr int) uint16 {
	snap := c.svc.Get()
	switch addr {
	case IRTemperature:
		if !snap.TemperatureValid {
			return TemperatureInvalid
		}
		return encodeTemp(snap.Temperature)
	case IRActiveSetpoint:
		return encodeTemp(snap.ActiveSetpoint)
	case IRPower:
		// per mille
		return uint16(math.Round(snap.Power * 1000))
	case IRCurrentFiltered:
		return encodeMilli(snap.FilteredCurrent)
	case IRCurrent:
		return encodeMilli(snap.Current)
	case IRFanPercent:
		return uint16(snap.FanPercent)
	case IRFan1RPM:
		return snap.Fan1RPM
	case IRFan2RPM:
		return snap.Fan2RPM
	case IRFanState:
		return uint16(snap.FanState)
	case IRAutoTuneCycles:
		return uint16(min(max(snap.AutoTuneCycles, 0), math.MaxUint16))
	case IRStatus:
		var s uint16
		if snap.SensorFault {
			s |= StatusSensorFault
		}
		if snap.TemperatureValid {
			s |= StatusTemperatureValid
		}
		if snap.AutoTuneCooling {
			s |= StatusAutoTuneCooling
		}
		return s
	}
	return 0
}

// ---- writes ----

func (c *Controller) writeSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	var on bool
	switch value {
	case 0x0000:
		on = false
	case 0xFF00:
		on = true
	default:
		return []byte{}, &mbserver.IllegalDataValue
	}

	switch addr {
	case CoilEnabled:
		c.svc.SetEnabled(on)
	case CoilAutoTune:
		if on {
			if err := c.svc.SetMode(regulator.ModeAutoTuning); err != nil {
				return []byte{}, &mbserver.IllegalDataValue
			}
		} else {
			c.svc.CancelAutoTune()
		}
	case CoilSave:
		if on {
			if err := c.svc.SaveSettings(); err != nil {
				return []byte{}, &mbserver.SlaveDeviceFailure
			}
		}
	default:
		return []byte{}, &mbserver.IllegalDataAddress
	}

	// echo request (address + value)
	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) writeSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 4 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	addr := binary.BigEndian.Uint16(data[0:2])
	value := binary.BigEndian.Uint16(data[2:4])

	if exc := c.writeHolding(int(addr), value); exc != nil {
		return []byte{}, exc
	}

	resp := make([]byte, 4)
	copy(resp, data[0:4])
	return resp, &mbserver.Success
}

func (c *Controller) writeMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	d := frame.GetData()
	if len(d) < 5 {
		return []byte{}, &mbserver.IllegalDataValue
	}
	start := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])
	byteCount := int(d[4])
	if byteCount != int(quantity)*2 || len(d) < 5+byteCount {
		return []byte{}, &mbserver.IllegalDataValue
	}
	for i := 0; i < int(quantity); i++ {
		val := binary.BigEndian.Uint16(d[5+i*2 : 5+i*2+2])
		if exc := c.writeHolding(int(start)+i, val); exc != nil {
			return []byte{}, exc
		}
	}

	resp := make([]byte, 4)
	binary.BigEndian.PutUint16(resp[0:2], start)
	binary.BigEndian.PutUint16(resp[2:4], quantity)
	return resp, &mbserver.Success
}

func (c *Controller) writeHolding(addr int, v uint16) *mbserver.Exception {
	cur := c.svc.Get()
	var err error
	switch addr {
	case HRSetpoint:
		err = c.svc.SetSetpoint(decodeTemp(v))
	case HRSetpointMin:
		err = c.svc.SetMinMax(decodeTemp(v), cur.TemperatureSetpointMax)
	case HRSetpointMax:
		err = c.svc.SetMinMax(cur.TemperatureSetpointMin, decodeTemp(v))
	case HRMode:
		err = c.svc.SetMode(regulator.Mode(v))
	case HRKp:
		err = c.svc.SetTunings(decodeScaled(v), cur.Gains.Ki, cur.Gains.Kd)
	case HRKi:
		err = c.svc.SetTunings(cur.Gains.Kp, decodeScaled(v), cur.Gains.Kd)
	case HRKd:
		err = c.svc.SetTunings(cur.Gains.Kp, cur.Gains.Ki, decodeScaled(v))
	case HROutputMin:
		err = c.svc.SetOutputLimits(decodeScaled(v), cur.Gains.OutputMax)
	case HROutputMax:
		err = c.svc.SetOutputLimits(cur.Gains.OutputMin, decodeScaled(v))
	case HRFanHighSpeed, HRFanSmartSpeed:
		if v > 100 {
			return &mbserver.IllegalDataValue
		}
		p := cur.FanProfile
		if addr == HRFanHighSpeed {
			p.HighSpeed = uint8(v)
		} else {
			p.SmartSpeed = uint8(v)
		}
		err = c.svc.SetFanProfile(p)
	case HRFanSmartControl:
		p := cur.FanProfile
		p.SmartEnabled = v != 0
		err = c.svc.SetFanProfile(p)
	default:
		return &mbserver.IllegalDataAddress
	}
	if err != nil {
		return &mbserver.IllegalDataValue
	}
	return nil
}

// ---- encoding ----

const TemperatureScale int = 100

// GainScale applies to the PID coefficients and output limits.
const GainScale = 100

func encodeTemp(v float64) uint16 {
	r := min(max(int(math.Round(v*float64(TemperatureScale))), math.MinInt16), math.MaxInt16)
	return uint16(int16(r))
}

func decodeTemp(u uint16) float64 {
	i := int16(u)
	return float64(i) / float64(TemperatureScale)
}

func encodeScaled(v float64) uint16 {
	return uint16(min(max(math.Round(v*GainScale), 0), math.MaxUint16))
}

func decodeScaled(u uint16) float64 {
	return float64(u) / GainScale
}

func encodeMilli(v float64) uint16 {
	return uint16(min(max(math.Round(v*1000), 0), math.MaxUint16))
}

func boolReg(b bool) uint16 {
	if b {
		return 1
	}
	return 0
}
