// Package rvsim emulates a single-hart RV64 virtual machine: an IMAC
// interpreter with Sv39 translation, a CLINT and PLIC, a 16550 UART
// console and one legacy virtio-mmio block device. An Emulator owns
// the whole machine; load a kernel image and a disk image, set the
// entry point and call Run.
package rvsim

import (
	"errors"
	"io"
	"log/slog"
)

// Common sentinel errors.
var (
	// ErrHalt is returned by Run when the guest takes a fatal trap:
	// an access fault, a misaligned access or an illegal instruction
	// that no handler can recover from.
	ErrHalt = errors.New("machine halted")
)

// Option configures an Emulator.
type Option func(*Emulator)

// WithLogger routes diagnostics and debug tracing to logger. The
// default is slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emulator) { e.logger = logger }
}

// WithConsoleOutput sends guest console output to w. The default
// discards it.
func WithConsoleOutput(w io.Writer) Option {
	return func(e *Emulator) { e.consoleOut = w }
}

// WithDebug enables per-instruction trace logging at debug level.
func WithDebug(enabled bool) Option {
	return func(e *Emulator) { e.debug = enabled }
}

// WithTestMode bounds Run to a fixed number of cycles instead of
// running until the guest stops.
func WithTestMode(enabled bool) Option {
	return func(e *Emulator) { e.test = enabled }
}
