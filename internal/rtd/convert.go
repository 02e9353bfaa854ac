package rtd

import "math"

// Config holds the PT100 calibration and the converter's reference.
type Config struct {
	RRef     float64 // reference resistor, ohms
	RNominal float64 // R0, ohms at 0 °C
	A        float64 // Callendar–Van Dusen A
	B        float64 // Callendar–Van Dusen B
	MinValid float64 // °C
	MaxValid float64 // °C
}

func DefaultConfig() Config {
	return Config{
		RRef:     430,
		RNominal: 100,
		A:        3.9083e-3,
		B:        -5.775e-7,
		MinValid: -50,
		MaxValid: 150,
	}
}

// Full scale of the 15-bit RTD code.
const codeScale = 32768

// Resistance converts a 15-bit RTD code to ohms.
func (c Config) Resistance(code uint16) float64 {
	return float64(code) * c.RRef / codeScale
}

// TemperatureFromResistance applies the quadratic Callendar–Van Dusen form
// and falls back to the linear approximation below 0 °C.
func (c Config) TemperatureFromResistance(r float64) float64 {
	z1 := -c.A
	z2 := c.A*c.A - 4*c.B
	z3 := 4 * c.B / c.RNominal
	z4 := 2 * c.B
	t := (math.Sqrt(z2+z3*r) + z1) / z4
	if t < 0 || math.IsNaN(t) {
		t = (r - c.RNominal) / (c.RNominal * c.A)
	}
	return t
}

func (c Config) Temperature(code uint16) float64 {
	return c.TemperatureFromResistance(c.Resistance(code))
}

// Code is the inverse conversion, rounded to the nearest 15-bit code.
func (c Config) Code(tempC float64) uint16 {
	var r float64
	if tempC >= 0 {
		r = c.RNominal * (1 + c.A*tempC + c.B*tempC*tempC)
	} else {
		r = c.RNominal * (1 + c.A*tempC)
	}
	code := math.Round(r * codeScale / c.RRef)
	if code < 0 {
		return 0
	}
	if code > codeScale-1 {
		return codeScale - 1
	}
	return uint16(code)
}

func (c Config) Valid(tempC float64) bool {
	return !math.IsNaN(tempC) && tempC >= c.MinValid && tempC <= c.MaxValid
}
