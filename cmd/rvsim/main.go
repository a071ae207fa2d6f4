package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/rvsim"
	"github.com/tinyrange/rvsim/internal/boot"
	"github.com/tinyrange/rvsim/internal/bundle"
	"github.com/tinyrange/rvsim/internal/console"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvsim: %v\n", err)
		os.Exit(1)
	}
}

// machineConfig is the merged view of bundle metadata and command
// line overrides.
type machineConfig struct {
	kernel   string
	disk     string
	memoryMB uint64
	cols     int
	rows     int
}

func run() error {
	bundleDir := flag.String("bundle", "", "Boot a machine bundle directory")
	newBundle := flag.String("new-bundle", "", "Write a template machine bundle to the given directory and exit")
	kernelPath := flag.String("kernel", "", "Kernel image, raw or gzip (overrides the bundle)")
	diskPath := flag.String("disk", "", "Disk image for the block device (overrides the bundle)")
	memoryMB := flag.Uint64("mem", 0, "Guest memory in MB (default from bundle, or 128)")
	debug := flag.Bool("debug", false, "Enable debug logging and instruction tracing")
	test := flag.Bool("test", false, "Run a bounded number of cycles with no interactive console")
	traceConsole := flag.Bool("trace-console", false, "Log guest console output line by line")
	snapshot := flag.Bool("snapshot-on-exit", false, "Print the captured console screen when the guest stops")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a RISC-V guest with a serial console and one block device.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel kernel.bin -disk disk.img\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -bundle ./alpine\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -new-bundle ./alpine\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Press Ctrl-] to detach from a running guest.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	logger := slog.Default()

	if *newBundle != "" {
		meta := bundle.Metadata{Name: filepath.Base(*newBundle)}
		if err := bundle.WriteTemplate(*newBundle, meta); err != nil {
			return fmt.Errorf("write bundle template: %w", err)
		}
		fmt.Printf("wrote %s\n", filepath.Join(*newBundle, bundle.MetadataFilename))
		return nil
	}

	cfg, err := resolveConfig(*bundleDir, *kernelPath, *diskPath, *memoryMB)
	if err != nil {
		return err
	}

	kernel, err := loadImage(cfg.kernel, "load kernel")
	if err != nil {
		return err
	}

	var disk []byte
	if cfg.disk != "" {
		disk, err = loadImage(cfg.disk, "load disk")
		if err != nil {
			return err
		}
	}

	cols, rows := cfg.cols, cfg.rows
	if cols == 0 || rows == 0 {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cols, rows = w, h
		}
	}
	cons := console.New(cols, rows)
	defer cons.Close()

	out := []io.Writer{os.Stdout, cons}
	var tracer *console.LineTracer
	if *traceConsole {
		tracer = console.NewLineTracer(logger)
		out = append(out, tracer)
	}

	emu := rvsim.New(cfg.memoryMB<<20,
		rvsim.WithLogger(logger),
		rvsim.WithConsoleOutput(io.MultiWriter(out...)),
		rvsim.WithDebug(*debug),
		rvsim.WithTestMode(*test))

	if err := emu.LoadMemory(emu.MemoryBase(), kernel); err != nil {
		return fmt.Errorf("load kernel into memory: %w", err)
	}
	emu.SetPC(emu.MemoryBase())
	if disk != nil {
		emu.LoadDisk(disk)
	}

	// Put stdin into raw mode if it's a terminal so keystrokes reach
	// the guest unmangled.
	var oldState *term.State
	if !*test && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)

		go pumpStdin(emu, oldState)
		go watchResize(cons)
	}

	// Replies the console emulator generates for terminal queries go
	// back to the guest as input.
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := cons.Read(buf)
			if n > 0 {
				emu.WriteConsoleInput(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	logger.Info("starting machine",
		slog.String("kernel", cfg.kernel),
		slog.Uint64("memoryMB", cfg.memoryMB))

	err = emu.Run()

	if tracer != nil {
		tracer.Flush()
	}
	if *snapshot {
		if oldState != nil {
			term.Restore(int(os.Stdin.Fd()), oldState)
		}
		fmt.Fprintf(os.Stderr, "\n--- console ---\n%s\n---------------\n", cons.String())
	}

	// A fatal trap is how these guests terminate; the faulting address
	// has already been logged.
	if errors.Is(err, rvsim.ErrHalt) {
		logger.Info("guest stopped")
		return nil
	}
	return err
}

// resolveConfig merges bundle metadata with command line overrides.
// Flags win over the bundle.
func resolveConfig(dir, kernel, disk string, memoryMB uint64) (machineConfig, error) {
	cfg := machineConfig{kernel: kernel, disk: disk, memoryMB: memoryMB}

	if dir != "" {
		if err := bundle.ValidateBundleDir(dir); err != nil {
			return cfg, fmt.Errorf("validate bundle: %w", err)
		}
		meta, err := bundle.LoadMetadata(dir)
		if err != nil {
			return cfg, fmt.Errorf("load bundle: %w", err)
		}
		if cfg.kernel == "" {
			cfg.kernel = meta.KernelPath(dir)
		}
		if cfg.disk == "" {
			cfg.disk = meta.DiskPath(dir)
		}
		if cfg.memoryMB == 0 {
			cfg.memoryMB = meta.Machine.MemoryMB
		}
		cfg.cols = meta.Console.Cols
		cfg.rows = meta.Console.Rows
	}

	if cfg.kernel == "" {
		return cfg, fmt.Errorf("no kernel image: pass -kernel or -bundle")
	}
	if cfg.memoryMB == 0 {
		cfg.memoryMB = bundle.DefaultMemoryMB
	}
	return cfg, nil
}

// loadImage reads a boot image with a progress bar on stderr.
func loadImage(path, title string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}

	bar := progressbar.DefaultBytes(info.Size(), title)
	defer bar.Close()

	payload, err := boot.ReadImage(io.TeeReader(f, bar))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return payload, nil
}

// pumpStdin forwards interactive input to the guest serial port.
// Ctrl-] detaches: the terminal is restored and the process exits.
func pumpStdin(emu *rvsim.Emulator, oldState *term.State) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			b := buf[:n]
			if i := bytes.IndexByte(b, 0x1d); i >= 0 { // Ctrl-]
				if i > 0 {
					emu.WriteConsoleInput(b[:i])
				}
				if oldState != nil {
					term.Restore(int(os.Stdin.Fd()), oldState)
				}
				fmt.Fprintln(os.Stderr)
				os.Exit(0)
			}
			emu.WriteConsoleInput(b)
		}
		if err != nil {
			return
		}
	}
}

// watchResize tracks the hosting terminal's size and applies it to the
// console capture.
func watchResize(cons *console.Console) {
	ch := make(chan os.Signal, 1)
	notifyResize(ch)
	for range ch {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cons.Resize(w, h)
		}
	}
}
