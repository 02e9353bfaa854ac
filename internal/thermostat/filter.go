package thermostat

// CurrentFilter averages the last N current samples, ignoring samples
// under the noise floor. Low samples come from PWM off-phase reads.
type CurrentFilter struct {
	buf   []float64
	idx   int
	count int
	floor float64
}

func NewCurrentFilter(size int, floor float64) *CurrentFilter {
	if size <= 0 {
		size = 10
	}
	return &CurrentFilter{buf: make([]float64, size), floor: floor}
}

func (f *CurrentFilter) Add(amps float64) {
	f.buf[f.idx] = amps
	f.idx = (f.idx + 1) % len(f.buf)
	if f.count < len(f.buf) {
		f.count++
	}
}

// Average is 0 when every stored sample is under the floor.
func (f *CurrentFilter) Average() float64 {
	var sum float64
	n := 0
	for _, v := range f.buf[:f.count] {
		if v >= f.floor {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
