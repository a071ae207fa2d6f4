package bundle

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	MetadataFilename = "machine.yaml"
	DefaultKernel    = "kernel.bin"
	DefaultMemoryMB  = 128
)

// Metadata describes a bootable machine bundle folder on disk: a kernel
// image, an optional disk image and the machine configuration.
type Metadata struct {
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	Machine MachineConfig `yaml:"machine"`
	Console ConsoleConfig `yaml:"console,omitempty"`
}

type MachineConfig struct {
	// Kernel and Disk are paths relative to the bundle directory.
	Kernel   string `yaml:"kernel"`
	Disk     string `yaml:"disk,omitempty"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	Cmdline  string `yaml:"cmdline,omitempty"`
}

type ConsoleConfig struct {
	Cols int `yaml:"cols,omitempty"`
	Rows int `yaml:"rows,omitempty"`
}

func (m *Metadata) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Name == "" {
		m.Name = "{{name}}"
	}
	if m.Machine.Kernel == "" {
		m.Machine.Kernel = DefaultKernel
	}
	if m.Machine.MemoryMB == 0 {
		m.Machine.MemoryMB = DefaultMemoryMB
	}
	if m.Console.Cols == 0 {
		m.Console.Cols = 80
	}
	if m.Console.Rows == 0 {
		m.Console.Rows = 25
	}
}

// KernelPath returns the kernel image path resolved against the bundle
// directory.
func (m Metadata) KernelPath(dir string) string {
	return filepath.Join(dir, m.Machine.Kernel)
}

// DiskPath returns the disk image path resolved against the bundle
// directory, or "" when the bundle has no disk.
func (m Metadata) DiskPath(dir string) string {
	if m.Machine.Disk == "" {
		return ""
	}
	return filepath.Join(dir, m.Machine.Disk)
}

func IsBundleDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, MetadataFilename))
	return err == nil
}

// ValidateBundleDir validates that a directory is a bundle whose
// metadata names files that actually exist.
func ValidateBundleDir(dir string) error {
	if !IsBundleDir(dir) {
		return fmt.Errorf("missing %s", MetadataFilename)
	}

	meta, err := LoadMetadata(dir)
	if err != nil {
		return fmt.Errorf("invalid metadata: %w", err)
	}

	if _, err := os.Stat(meta.KernelPath(dir)); os.IsNotExist(err) {
		return fmt.Errorf("kernel image not found: %s", meta.KernelPath(dir))
	}
	if disk := meta.DiskPath(dir); disk != "" {
		if _, err := os.Stat(disk); os.IsNotExist(err) {
			return fmt.Errorf("disk image not found: %s", disk)
		}
	}

	return nil
}

func LoadMetadata(dir string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", MetadataFilename, err)
	}

	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse %s: %w", MetadataFilename, err)
	}
	meta.normalize()
	return meta, nil
}

// WriteTemplate writes a metadata YAML file. Callers should have already
// created the bundle directory and any referenced files (kernel, disk).
func WriteTemplate(dir string, meta Metadata) error {
	meta.normalize()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, MetadataFilename))
	if err != nil {
		return fmt.Errorf("create %s: %w", MetadataFilename, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&meta); err != nil {
		return fmt.Errorf("encode %s: %w", MetadataFilename, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", MetadataFilename, err)
	}
	return nil
}
