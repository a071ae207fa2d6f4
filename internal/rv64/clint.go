package rv64

// CLINT register offsets
const (
	CLINTMsip     = 0x0000
	CLINTMtimecmp = 0x4000
	CLINTMtime    = 0xbff8
)

// CLINT is the core-local interruptor: machine timer plus software
// interrupt. mtime is a counter advanced by the run loop rather than
// wall-clock time, so a given program sees the same timer interrupts on
// every run.
type CLINT struct {
	cpu *CPU

	Mtime    uint64
	Mtimecmp uint64
	Msip     uint32
}

// NewCLINT creates a CLINT wired to the given CPU's interrupt bits.
func NewCLINT(cpu *CPU) *CLINT {
	return &CLINT{
		cpu:      cpu,
		Mtimecmp: ^uint64(0),
	}
}

// Tick advances mtime by one and refreshes the timer interrupt bit.
func (c *CLINT) Tick() {
	c.Mtime++
	if c.Mtime >= c.Mtimecmp {
		c.cpu.Mip |= MipMTIP
	} else {
		c.cpu.Mip &^= MipMTIP
	}
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	switch offset {
	case CLINTMsip:
		return uint64(c.Msip), nil
	case CLINTMtimecmp:
		return c.Mtimecmp, nil
	case CLINTMtimecmp + 4:
		return c.Mtimecmp >> 32, nil
	case CLINTMtime:
		return c.Mtime, nil
	case CLINTMtime + 4:
		return c.Mtime >> 32, nil
	default:
		return 0, nil
	}
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	switch offset {
	case CLINTMsip:
		c.Msip = uint32(value) & 1
		if c.Msip != 0 {
			c.cpu.Mip |= MipMSIP
		} else {
			c.cpu.Mip &^= MipMSIP
		}
	case CLINTMtimecmp:
		if size == 4 {
			c.Mtimecmp = (c.Mtimecmp &^ 0xffffffff) | (value & 0xffffffff)
		} else {
			c.Mtimecmp = value
		}
		if c.Mtime < c.Mtimecmp {
			c.cpu.Mip &^= MipMTIP
		}
	case CLINTMtimecmp + 4:
		c.Mtimecmp = (c.Mtimecmp & 0xffffffff) | (value << 32)
		if c.Mtime < c.Mtimecmp {
			c.cpu.Mip &^= MipMTIP
		}
	case CLINTMtime:
		c.Mtime = value
	default:
		// Ignore writes to unimplemented offsets
	}
	return nil
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

var _ Device = (*CLINT)(nil)
