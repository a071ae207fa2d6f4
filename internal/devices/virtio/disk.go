// Package virtio implements the legacy (version 1) virtio-mmio block
// device: a flat register file over a page of MMIO space and a
// one-request-per-notify DMA engine backed by an in-memory disk image.
package virtio

import "fmt"

// SectorSize is the block size of the disk, in bytes.
const SectorSize = 512

// DiskRangeError reports a transfer that runs past the end of the disk
// image. It is not a guest-visible fault: the machine stops, because a
// request outside the disk means the guest driver and the loaded image
// disagree about geometry.
type DiskRangeError struct {
	Offset uint64 // byte offset of the failed access
	Size   uint64 // disk size in bytes
}

func (e DiskRangeError) Error() string {
	return fmt.Sprintf("disk access out of range: offset=0x%x size=0x%x", e.Offset, e.Size)
}

var _ error = DiskRangeError{}

// Disk is an in-memory disk image addressed in 512-byte sectors.
type Disk struct {
	data []byte
}

// NewDisk creates a disk backed by a copy of the given image.
func NewDisk(image []byte) *Disk {
	data := make([]byte, len(image))
	copy(data, image)
	return &Disk{data: data}
}

// Size returns the image size in bytes.
func (d *Disk) Size() uint64 {
	return uint64(len(d.data))
}

// Capacity returns the number of whole sectors in the image.
func (d *Disk) Capacity() uint64 {
	return uint64(len(d.data)) / SectorSize
}

// ReadByte reads the byte at the given offset.
func (d *Disk) ReadByte(off uint64) (byte, error) {
	if off >= uint64(len(d.data)) {
		return 0, DiskRangeError{Offset: off, Size: uint64(len(d.data))}
	}
	return d.data[off], nil
}

// WriteByte writes the byte at the given offset.
func (d *Disk) WriteByte(off uint64, b byte) error {
	if off >= uint64(len(d.data)) {
		return DiskRangeError{Offset: off, Size: uint64(len(d.data))}
	}
	d.data[off] = b
	return nil
}

// Bytes returns the backing image. Mutating it mutates the disk.
func (d *Disk) Bytes() []byte {
	return d.data
}
