package modbusctrl

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Agrid-Dev/tecctl/internal/fan"
	"github.com/Agrid-Dev/tecctl/internal/regulator"
	"github.com/Agrid-Dev/tecctl/internal/thermostat"
)

// fake service for tests
type spyThermostatService struct {
	mu sync.Mutex
	s  thermostat.Snapshot

	// record calls
	setEnabledCalls  []bool
	setSetpointCalls []float64
	setMinMaxCalls   [][2]float64
	setModeCalls     []regulator.Mode
	setTuningsCalls  [][3]float64
	setLimitsCalls   [][2]float64
	setFanCalls      []fan.Profile
	cancelCalls      int
	saveCalls        int
}

func (f *spyThermostatService) Get() thermostat.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}
func (f *spyThermostatService) SetEnabled(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.Enabled = v
	f.setEnabledCalls = append(f.setEnabledCalls, v)
}
func (f *spyThermostatService) SetSetpoint(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.TemperatureSetpoint = v
	f.setSetpointCalls = append(f.setSetpointCalls, v)
	return nil
}
func (f *spyThermostatService) SetMinMax(min, max float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.TemperatureSetpointMin = min
	f.s.TemperatureSetpointMax = max
	f.setMinMaxCalls = append(f.setMinMaxCalls, [2]float64{min, max})
	return nil
}
func (f *spyThermostatService) SetMode(m regulator.Mode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !m.Valid() {
		return thermostat.ErrInvalidMode
	}
	f.s.Mode = m
	f.setModeCalls = append(f.setModeCalls, m)
	return nil
}
func (f *spyThermostatService) SetTunings(kp, ki, kd float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.Gains.Kp, f.s.Gains.Ki, f.s.Gains.Kd = kp, ki, kd
	f.setTuningsCalls = append(f.setTuningsCalls, [3]float64{kp, ki, kd})
	return nil
}
func (f *spyThermostatService) SetOutputLimits(min, max float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.Gains.OutputMin, f.s.Gains.OutputMax = min, max
	f.setLimitsCalls = append(f.setLimitsCalls, [2]float64{min, max})
	return nil
}
func (f *spyThermostatService) SetFanProfile(p fan.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.s.FanProfile = p
	f.setFanCalls = append(f.setFanCalls, p)
	return nil
}
func (f *spyThermostatService) CancelAutoTune() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
}
func (f *spyThermostatService) SaveSettings() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	return nil
}

func findFreeTCPAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	a := l.Addr().String()
	_ = l.Close()
	return a
}

const SyncInterval = 50 * time.Millisecond

func newSpy() *spyThermostatService {
	return &spyThermostatService{s: thermostat.Snapshot{
		Enabled:                true,
		TemperatureSetpoint:    4.5,
		TemperatureSetpointMin: -10,
		TemperatureSetpointMax: 30,
		Mode:                   regulator.ModeAutomatic,
		Gains:                  regulator.DefaultGains(),
		FanProfile:             fan.DefaultProfile(),
		Temperature:            -1.25,
		TemperatureValid:       true,
		ActiveSetpoint:         4.5,
		Power:                  0.375,
		FilteredCurrent:        2.25,
		FanPercent:             50,
		FanState:               fan.StateLowBand,
		Fan1RPM:                1500,
		Fan2RPM:                1490,
		AutoTuneCycles:         3,
	}}
}

func startController(t *testing.T, fs *spyThermostatService) modbus.Client {
	t.Helper()
	addr := findFreeTCPAddr(t)

	ctrl, err := New(fs, Config{
		DeviceID:     "dev",
		Addr:         addr,
		UnitID:       1,
		SyncInterval: SyncInterval,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := t.Context()
	go func() {
		_ = ctrl.Run(ctx)
	}()

	time.Sleep(SyncInterval)

	handler := modbus.NewTCPClientHandler(addr)
	handler.SlaveId = 1
	handler.Timeout = time.Second
	if err := handler.Connect(); err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = handler.Close() })
	return modbus.NewClient(handler)
}

func TestNewRequiresUnitID(t *testing.T) {
	if _, err := New(newSpy(), Config{}); err == nil {
		t.Fatal("expected error without UnitID")
	}
	c, err := New(newSpy(), Config{UnitID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg.Addr != "127.0.0.1:1502" {
		t.Fatalf("expected default addr, got %q", c.cfg.Addr)
	}
}

func TestModbusControllerHandlers(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	// Read all holding registers
	res, err := client.ReadHoldingRegisters(0, numHolding)
	if err != nil {
		t.Fatalf("read holding: %v", err)
	}
	if len(res) != numHolding*2 {
		t.Fatalf("expected %d bytes got %d", numHolding*2, len(res))
	}
	get := func(i int) uint16 { return binary.BigEndian.Uint16(res[i*2 : i*2+2]) }
	if get(HRSetpoint) != encodeTemp(4.5) {
		t.Fatalf("setpoint mismatch")
	}
	if get(HRSetpointMin) != encodeTemp(-10) {
		t.Fatalf("min setpoint mismatch: %d", get(HRSetpointMin))
	}
	if get(HRMode) != uint16(regulator.ModeAutomatic) {
		t.Fatalf("mode mismatch")
	}
	if get(HRKp) != 200 || get(HRKi) != 10 || get(HRKd) != 100 {
		t.Fatalf("gains mismatch: %d %d %d", get(HRKp), get(HRKi), get(HRKd))
	}
	if get(HROutputMax) != 10000 {
		t.Fatalf("output max mismatch: %d", get(HROutputMax))
	}
	if get(HRFanHighSpeed) != 100 || get(HRFanSmartSpeed) != 50 || get(HRFanSmartControl) != 1 {
		t.Fatalf("fan profile mismatch")
	}

	// Write setpoint register
	newSP := encodeTemp(-2.75)
	if _, err := client.WriteSingleRegister(HRSetpoint, newSP); err != nil {
		t.Fatalf("write register: %v", err)
	}
	fs.mu.Lock()
	if len(fs.setSetpointCalls) == 0 || fs.setSetpointCalls[len(fs.setSetpointCalls)-1] != -2.75 {
		fs.mu.Unlock()
		t.Fatalf("setSetpoint not called")
	}
	fs.mu.Unlock()

	// Write coil 0 disabled
	if _, err := client.WriteSingleCoil(CoilEnabled, 0x0000); err != nil {
		t.Fatalf("write coil: %v", err)
	}
	fs.mu.Lock()
	if len(fs.setEnabledCalls) == 0 || fs.setEnabledCalls[len(fs.setEnabledCalls)-1] != false {
		fs.mu.Unlock()
		t.Fatalf("setEnabled not called")
	}
	fs.mu.Unlock()
}

func TestModbusInputRegisters(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	res, err := client.ReadInputRegisters(0, numInput)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	get := func(i int) uint16 { return binary.BigEndian.Uint16(res[i*2 : i*2+2]) }
	if decodeTemp(get(IRTemperature)) != -1.25 {
		t.Fatalf("temperature mismatch: %d", get(IRTemperature))
	}
	if get(IRPower) != 375 {
		t.Fatalf("power mismatch: %d", get(IRPower))
	}
	if get(IRCurrentFiltered) != 2250 {
		t.Fatalf("filtered current mismatch: %d", get(IRCurrentFiltered))
	}
	if get(IRFan1RPM) != 1500 || get(IRFan2RPM) != 1490 {
		t.Fatalf("rpm mismatch")
	}
	if get(IRAutoTuneCycles) != 3 {
		t.Fatalf("cycles mismatch")
	}
	if get(IRStatus) != StatusTemperatureValid {
		t.Fatalf("status mismatch: %b", get(IRStatus))
	}

	fs.mu.Lock()
	fs.s.TemperatureValid = false
	fs.s.SensorFault = true
	fs.mu.Unlock()

	res, err = client.ReadInputRegisters(IRTemperature, 1)
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if binary.BigEndian.Uint16(res) != TemperatureInvalid {
		t.Fatalf("expected invalid marker, got %x", res)
	}

	if _, err := client.ReadInputRegisters(numInput-1, 2); err == nil {
		t.Fatal("expected illegal address past the last input register")
	}
}

func TestModbusTuningWrites(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	if _, err := client.WriteMultipleRegisters(HRKp, 3, []byte{0x01, 0x90, 0x00, 0x14, 0x00, 0x32}); err != nil {
		t.Fatalf("write multiple: %v", err)
	}
	g := fs.Get().Gains
	if g.Kp != 4 || g.Ki != 0.2 || g.Kd != 0.5 {
		t.Fatalf("unexpected gains %+v", g)
	}

	if _, err := client.WriteSingleRegister(HROutputMax, 8000); err != nil {
		t.Fatalf("write output max: %v", err)
	}
	if g := fs.Get().Gains; g.OutputMax != 80 {
		t.Fatalf("unexpected output max %v", g.OutputMax)
	}

	if _, err := client.WriteSingleRegister(HRFanSmartSpeed, 150); err == nil {
		t.Fatal("expected fan speed above 100 to be rejected")
	}
	if _, err := client.WriteSingleRegister(HRFanSmartControl, 0); err != nil {
		t.Fatalf("write smart control: %v", err)
	}
	if fs.Get().FanProfile.SmartEnabled {
		t.Fatal("smart control still enabled")
	}

	if _, err := client.WriteSingleRegister(HRMode, 42); err == nil {
		t.Fatal("expected invalid mode to be rejected")
	}
}

func TestModbusAutoTuneAndSaveCoils(t *testing.T) {
	fs := newSpy()
	client := startController(t, fs)

	if _, err := client.WriteSingleCoil(CoilAutoTune, 0xFF00); err != nil {
		t.Fatalf("start autotune: %v", err)
	}
	res, err := client.ReadCoils(0, numCoils)
	if err != nil {
		t.Fatalf("read coils: %v", err)
	}
	if res[0] != 0b011 {
		t.Fatalf("expected enabled and autotune coils, got %08b", res[0])
	}

	if _, err := client.WriteSingleCoil(CoilAutoTune, 0x0000); err != nil {
		t.Fatalf("cancel autotune: %v", err)
	}
	if _, err := client.WriteSingleCoil(CoilSave, 0xFF00); err != nil {
		t.Fatalf("save: %v", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.cancelCalls != 1 || fs.saveCalls != 1 {
		t.Fatalf("expected one cancel and one save, got %d %d", fs.cancelCalls, fs.saveCalls)
	}
}

func TestEncodeTemp(t *testing.T) {
	tests := []struct {
		in   float64
		want uint16
	}{
		{4.5, 450},
		{-1.25, 0xFF83},
		{1000, 0x7FFF},
		{-1000, 0x8000},
	}
	for _, tt := range tests {
		if got := encodeTemp(tt.in); got != tt.want {
			t.Errorf("encodeTemp(%v) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
