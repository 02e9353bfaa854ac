package plant

import "github.com/Agrid-Dev/tecctl/internal/rtd"

// converter emulates the RTD converter at the pin level. The host drives
// CLK, SDI and CS through the expander and samples SDO.
type converter struct {
	cal  rtd.Config
	regs [8]byte

	selected bool
	clk      bool
	sdi      bool
	sdo      bool

	in     byte
	out    byte
	bit    int
	nbytes int
	addr   byte
	write  bool

	// faulted makes every conversion report an open RTD.
	faulted bool
	// temperature is sampled when a one-shot conversion is triggered.
	temperature func() float64
}

func newConverter(cal rtd.Config, temperature func() float64) *converter {
	return &converter{cal: cal, temperature: temperature, out: 0xFF}
}

// setCS takes the pin level; the chip is selected while it is low.
func (c *converter) setCS(level bool) {
	sel := !level
	if sel && !c.selected {
		c.in, c.bit, c.nbytes = 0, 0, 0
		c.out = 0xFF
	}
	c.selected = sel
}

func (c *converter) setSDI(level bool) { c.sdi = level }

func (c *converter) setCLK(level bool) {
	rising := level && !c.clk
	c.clk = level
	if !c.selected {
		return
	}
	if !level {
		c.sdo = c.out>>(7-c.bit)&1 == 1
		return
	}
	if !rising {
		return
	}
	c.in <<= 1
	if c.sdi {
		c.in |= 1
	}
	c.bit++
	if c.bit == 8 {
		c.byteDone(c.in)
		c.in, c.bit = 0, 0
	}
}

func (c *converter) byteDone(b byte) {
	switch {
	case c.nbytes == 0:
		c.write = b&0x80 != 0
		c.addr = b & 0x07
	case c.write:
		c.writeReg(c.addr, b)
		c.addr = (c.addr + 1) & 0x07
	default:
		c.addr = (c.addr + 1) & 0x07
	}
	c.nbytes++
	c.out = 0xFF
	if !c.write {
		c.out = c.regs[c.addr]
	}
}

func (c *converter) writeReg(reg, v byte) {
	if reg != rtd.RegConfig {
		// only the configuration register is writable here
		return
	}
	if v&rtd.ConfigFaultClear != 0 {
		c.regs[rtd.RegFaultStatus] = 0
	}
	c.regs[rtd.RegConfig] = v &^ (rtd.ConfigOneShot | rtd.ConfigFaultClear)
	if v&rtd.ConfigOneShot != 0 && v&rtd.ConfigBias != 0 {
		c.convert()
	}
}

func (c *converter) convert() {
	if c.faulted {
		// open RTD: code 0 with the fault bit set
		c.regs[rtd.RegRTDMSB], c.regs[rtd.RegRTDLSB] = 0, 1
		c.regs[rtd.RegFaultStatus] = 0x84
		return
	}
	code := c.cal.Code(c.temperature()) << 1
	c.regs[rtd.RegRTDMSB] = byte(code >> 8)
	c.regs[rtd.RegRTDLSB] = byte(code)
}
