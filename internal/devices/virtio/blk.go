package virtio

import (
	"errors"

	"github.com/tinyrange/rvsim/internal/rv64"
)

// Register offsets of the legacy virtio-mmio layout
const (
	RegMagicValue     = 0x000
	RegVersion        = 0x004
	RegDeviceID       = 0x008
	RegVendorID       = 0x00c
	RegDeviceFeatures = 0x010
	RegDriverFeatures = 0x020
	RegGuestPageSize  = 0x028
	RegQueueSel       = 0x030
	RegQueueNumMax    = 0x034
	RegQueueNum       = 0x038
	RegQueuePFN       = 0x040
	RegQueueNotify    = 0x050
	RegStatus         = 0x070
)

// Identity values
const (
	MagicValue  = 0x74726976 // "virt"
	Version     = 1          // legacy interface
	BlkDeviceID = 2          // block device
	VendorID    = 0x554d4551 // "QEMU"
	QueueNumMax = 8
)

// Descriptor flags
const (
	virtqDescFNext  = 1 << 0
	virtqDescFWrite = 1 << 1
)

// BlkMMIOSize is the size of the device's register window.
const BlkMMIOSize = 0x1000

// GuestBus is the device's view of guest physical memory for DMA.
type GuestBus interface {
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
}

// Blk is a legacy virtio-mmio block device. Each queue notify carries
// exactly one two-descriptor chain: the head descriptor points at the
// 16-byte request header, whose sector number sits 8 bytes in, and the
// second descriptor is the data buffer. The write flag on the data
// descriptor picks the direction (set means device-to-guest, a disk
// read). Completion bumps the used ring's index and raises the
// interrupt line once.
type Blk struct {
	mem  GuestBus
	disk *Disk

	driverFeatures uint32
	guestPageSize  uint32
	queueSel       uint32
	queueNum       uint32
	queuePFN       uint32
	status         uint32

	notifyPending bool
	usedID        uint16
}

// NewBlk creates a block device doing DMA through mem, backed by disk.
func NewBlk(mem GuestBus, disk *Disk) *Blk {
	return &Blk{mem: mem, disk: disk}
}

// Read implements the register file's read side. Offsets outside it
// read as zero, including the whole feature window: the device offers
// no feature bits.
func (b *Blk) Read(offset uint64, size int) (uint64, error) {
	switch offset {
	case RegMagicValue:
		return MagicValue, nil
	case RegVersion:
		return Version, nil
	case RegDeviceID:
		return BlkDeviceID, nil
	case RegVendorID:
		return VendorID, nil
	case RegDeviceFeatures:
		return 0, nil
	case RegDriverFeatures:
		return uint64(b.driverFeatures), nil
	case RegQueueNumMax:
		return QueueNumMax, nil
	case RegQueuePFN:
		return uint64(b.queuePFN), nil
	case RegStatus:
		return uint64(b.status), nil
	default:
		return 0, nil
	}
}

// Write implements the register file's write side. The driver's feature
// acknowledgement arrives through the device-features offset; writes to
// the driver-features offset are ignored, as are writes to any offset
// not listed.
func (b *Blk) Write(offset uint64, size int, value uint64) error {
	switch offset {
	case RegDeviceFeatures:
		b.driverFeatures = uint32(value)
	case RegGuestPageSize:
		b.guestPageSize = uint32(value)
	case RegQueueSel:
		b.queueSel = uint32(value)
	case RegQueueNum:
		b.queueNum = uint32(value)
	case RegQueuePFN:
		b.queuePFN = uint32(value)
	case RegQueueNotify:
		b.notifyPending = true
		if b.queuePFN != 0 {
			return b.processRequest()
		}
	case RegStatus:
		// Status holds whatever the driver last wrote. A zero write is
		// the driver's reset request; queue state stays until the
		// driver reprograms it.
		b.status = uint32(value)
	default:
		// Writes to unmapped offsets are ignored
	}
	return nil
}

// Size implements the device interface.
func (b *Blk) Size() uint64 {
	return BlkMMIOSize
}

// IsInterrupting reports whether a completed notify is waiting for the
// guest's attention. The flag clears on read: one interrupt per notify.
func (b *Blk) IsInterrupting() bool {
	if b.notifyPending {
		b.notifyPending = false
		return true
	}
	return false
}

// DiskCapacity returns the backing disk's size in sectors.
func (b *Blk) DiskCapacity() uint64 {
	return b.disk.Capacity()
}

// DescTableAddr returns the guest-physical address of the active
// queue's descriptor table, the 64-bit product of the queue PFN and
// the guest page size. Zero PFN means the queue is not configured and
// the DMA protocol must not run.
func (b *Blk) DescTableAddr() uint64 {
	return uint64(b.queuePFN) * uint64(b.guestPageSize)
}

// SetDisk replaces the backing store. Callers must not swap the disk
// while a transfer is in flight.
func (b *Blk) SetDisk(disk *Disk) {
	b.disk = disk
}

// dmaErr converts a guest-memory error from a DMA access. Bus faults
// become access faults at the DMA address, so the transfer surfaces to
// the guest as a processor exception. Exceptions and disk errors pass
// through as they are.
func dmaErr(err error, cause, addr uint64) error {
	var exc rv64.ExceptionError
	if errors.As(err, &exc) {
		return exc
	}
	if errors.Is(err, rv64.ErrBusFault) {
		return rv64.Exception(cause, addr)
	}
	return err
}

func (b *Blk) read8(addr uint64) (uint8, error) {
	v, err := b.mem.Read8(addr)
	if err != nil {
		return 0, dmaErr(err, rv64.CauseLoadAccessFault, addr)
	}
	return v, nil
}

func (b *Blk) read16(addr uint64) (uint16, error) {
	v, err := b.mem.Read16(addr)
	if err != nil {
		return 0, dmaErr(err, rv64.CauseLoadAccessFault, addr)
	}
	return v, nil
}

func (b *Blk) read32(addr uint64) (uint32, error) {
	v, err := b.mem.Read32(addr)
	if err != nil {
		return 0, dmaErr(err, rv64.CauseLoadAccessFault, addr)
	}
	return v, nil
}

func (b *Blk) read64(addr uint64) (uint64, error) {
	v, err := b.mem.Read64(addr)
	if err != nil {
		return 0, dmaErr(err, rv64.CauseLoadAccessFault, addr)
	}
	return v, nil
}

func (b *Blk) write8(addr uint64, value uint8) error {
	if err := b.mem.Write8(addr, value); err != nil {
		return dmaErr(err, rv64.CauseStoreAccessFault, addr)
	}
	return nil
}

func (b *Blk) write16(addr uint64, value uint16) error {
	if err := b.mem.Write16(addr, value); err != nil {
		return dmaErr(err, rv64.CauseStoreAccessFault, addr)
	}
	return nil
}

// descriptor is one entry of the descriptor table.
type descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// readDescriptor reads descriptor table entry index from a table at
// base.
func (b *Blk) readDescriptor(base uint64, index uint16) (descriptor, error) {
	addr := base + 16*uint64(index)

	descAddr, err := b.read64(addr)
	if err != nil {
		return descriptor{}, err
	}
	length, err := b.read32(addr + 8)
	if err != nil {
		return descriptor{}, err
	}
	flags, err := b.read16(addr + 12)
	if err != nil {
		return descriptor{}, err
	}
	next, err := b.read16(addr + 14)
	if err != nil {
		return descriptor{}, err
	}

	return descriptor{Addr: descAddr, Len: length, Flags: flags, Next: next}, nil
}

// processRequest services the single request the driver just notified.
// The queue lives at queuePFN pages: the descriptor table at the base,
// the avail ring 0x40 bytes in, the used ring one 4096-byte page in.
// The ring cursor is byte 1 of the avail header and selects a slot
// modulo the queue size.
func (b *Blk) processRequest() error {
	base := b.DescTableAddr()
	availAddr := base + 0x40
	usedAddr := base + 4096

	cursor, err := b.read16(availAddr + 1)
	if err != nil {
		return err
	}

	slot, err := b.read16(availAddr + uint64(cursor%QueueNumMax) + 2)
	if err != nil {
		return err
	}

	head, err := b.readDescriptor(base, slot)
	if err != nil {
		return err
	}

	data, err := b.readDescriptor(base, head.Next)
	if err != nil {
		return err
	}

	// Sector number from the request header
	sector, err := b.read64(head.Addr + 8)
	if err != nil {
		return err
	}

	diskOff := sector * SectorSize
	if data.Flags&virtqDescFWrite != 0 {
		// Device writes the guest buffer: disk read
		err = b.copyToGuest(data.Addr, diskOff, uint64(data.Len))
	} else {
		// Device reads the guest buffer: disk write
		err = b.copyFromGuest(data.Addr, diskOff, uint64(data.Len))
	}
	if err != nil {
		return err
	}

	// Completion: bump the used index. The counter wraps at 16 bits
	// and the ring sees it modulo the queue size.
	b.usedID++
	return b.write16(usedAddr+2, b.usedID%QueueNumMax)
}

// copyToGuest copies n bytes from the disk into guest memory.
func (b *Blk) copyToGuest(guestAddr, diskOff, n uint64) error {
	for i := uint64(0); i < n; i++ {
		v, err := b.disk.ReadByte(diskOff + i)
		if err != nil {
			return err
		}
		if err := b.write8(guestAddr+i, v); err != nil {
			return err
		}
	}
	return nil
}

// copyFromGuest copies n bytes from guest memory onto the disk.
func (b *Blk) copyFromGuest(guestAddr, diskOff, n uint64) error {
	for i := uint64(0); i < n; i++ {
		v, err := b.read8(guestAddr + i)
		if err != nil {
			return err
		}
		if err := b.disk.WriteByte(diskOff+i, v); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ rv64.Device          = (*Blk)(nil)
	_ rv64.InterruptSource = (*Blk)(nil)
)
