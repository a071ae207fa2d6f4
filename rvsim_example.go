//go:build ignore

// This file demonstrates every public API in the rvsim package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	rvsim "github.com/tinyrange/rvsim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// New - build a machine with 128 MB of RAM
	// =========================================================================
	e := rvsim.New(128*1024*1024,
		rvsim.WithLogger(slog.Default()),
		rvsim.WithConsoleOutput(os.Stdout),
		rvsim.WithDebug(false),
		rvsim.WithTestMode(false),
	)

	// =========================================================================
	// LoadMemory / LoadDisk / SetPC - boot setup
	// =========================================================================
	kernel, err := os.ReadFile("kernel.bin")
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}
	if err := e.LoadMemory(e.MemoryBase(), kernel); err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	disk, err := os.ReadFile("disk.img")
	if err != nil {
		return fmt.Errorf("read disk: %w", err)
	}
	e.LoadDisk(disk)

	e.SetPC(e.MemoryBase())

	// =========================================================================
	// WriteConsoleInput - feed the guest console (safe from a goroutine)
	// =========================================================================
	e.WriteConsoleInput([]byte("root\n"))

	// =========================================================================
	// Machine - direct access to CPU state and devices
	// =========================================================================
	_ = e.Machine().CPU.PC
	_ = e.Machine().UART

	// =========================================================================
	// Run - execute until the guest stops
	// =========================================================================
	if err := e.Run(); err != nil {
		if errors.Is(err, rvsim.ErrHalt) {
			// Fatal trap: the faulting pc and cause were already logged
			return nil
		}
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
