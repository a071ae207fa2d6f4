package rv64

// PLIC register layout. Context 0 is the hart's M-mode, context 1 its
// S-mode, matching the virt machine convention.
const (
	PLICPriorityBase  = 0x000000 // 4 bytes per source
	PLICPendingBase   = 0x001000
	PLICEnableBase    = 0x002000 // 0x80 bytes per context
	PLICContextBase   = 0x200000 // 0x1000 bytes per context
	PLICEnableStride  = 0x80
	PLICContextStride = 0x1000

	// Offsets within a context block
	plicThreshold = 0x0
	plicClaim     = 0x4
)

// PLICSources is the number of interrupt source lines (source 0 is
// reserved and never fires).
const PLICSources = 32

type plicContext struct {
	enable    uint32
	threshold uint32
}

// PLIC is the platform-level interrupt controller. It fans external
// device lines into the hart's MEIP and SEIP bits.
type PLIC struct {
	cpu *CPU

	priority [PLICSources]uint32
	pending  uint32
	contexts [2]plicContext
}

// NewPLIC creates a PLIC wired to the given CPU's interrupt bits.
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{cpu: cpu}
}

// SetPending latches an interrupt source as pending.
func (p *PLIC) SetPending(irq uint32) {
	if irq == 0 || irq >= PLICSources {
		return
	}
	p.pending |= 1 << irq
	p.update()
}

// claimable returns the pending source with the highest priority above
// the context's threshold, or 0.
func (p *PLIC) claimable(ctx int) uint32 {
	best := uint32(0)
	bestPrio := p.contexts[ctx].threshold
	for irq := uint32(1); irq < PLICSources; irq++ {
		if p.pending&(1<<irq) == 0 || p.contexts[ctx].enable&(1<<irq) == 0 {
			continue
		}
		if p.priority[irq] > bestPrio {
			best = irq
			bestPrio = p.priority[irq]
		}
	}
	return best
}

// update refreshes the external interrupt bits from the pending state.
func (p *PLIC) update() {
	if p.claimable(0) != 0 {
		p.cpu.Mip |= MipMEIP
	} else {
		p.cpu.Mip &^= MipMEIP
	}
	if p.claimable(1) != 0 {
		p.cpu.Mip |= MipSEIP
	} else {
		p.cpu.Mip &^= MipSEIP
	}
}

// Read implements Device
func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset < PLICPriorityBase+4*PLICSources:
		return uint64(p.priority[offset/4]), nil

	case offset == PLICPendingBase:
		return uint64(p.pending), nil

	case offset >= PLICEnableBase && offset < PLICEnableBase+2*PLICEnableStride:
		ctx := int((offset - PLICEnableBase) / PLICEnableStride)
		if (offset-PLICEnableBase)%PLICEnableStride == 0 {
			return uint64(p.contexts[ctx].enable), nil
		}
		return 0, nil

	case offset >= PLICContextBase && offset < PLICContextBase+2*PLICContextStride:
		ctx := int((offset - PLICContextBase) / PLICContextStride)
		switch (offset - PLICContextBase) % PLICContextStride {
		case plicThreshold:
			return uint64(p.contexts[ctx].threshold), nil
		case plicClaim:
			irq := p.claimable(ctx)
			if irq != 0 {
				p.pending &^= 1 << irq
				p.update()
			}
			return uint64(irq), nil
		}
		return 0, nil

	default:
		return 0, nil
	}
}

// Write implements Device
func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset < PLICPriorityBase+4*PLICSources:
		p.priority[offset/4] = uint32(value)
		p.update()

	case offset >= PLICEnableBase && offset < PLICEnableBase+2*PLICEnableStride:
		ctx := int((offset - PLICEnableBase) / PLICEnableStride)
		if (offset-PLICEnableBase)%PLICEnableStride == 0 {
			p.contexts[ctx].enable = uint32(value)
			p.update()
		}

	case offset >= PLICContextBase && offset < PLICContextBase+2*PLICContextStride:
		ctx := int((offset - PLICContextBase) / PLICContextStride)
		switch (offset - PLICContextBase) % PLICContextStride {
		case plicThreshold:
			p.contexts[ctx].threshold = uint32(value)
			p.update()
		case plicClaim:
			// Completion. Level-triggered sources still asserting are
			// re-latched by the machine's next device poll.
			p.update()
		}

	default:
		// Ignore writes to unimplemented offsets
	}
	return nil
}

// Size implements Device
func (p *PLIC) Size() uint64 {
	return PLICSize
}

var _ Device = (*PLIC)(nil)
