package bundle

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsBundleDir(t *testing.T) {
	// Create a temp directory
	dir := t.TempDir()

	// Initially it should not be a bundle dir
	if IsBundleDir(dir) {
		t.Error("empty dir should not be a bundle dir")
	}

	// Create machine.yaml
	yamlPath := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(yamlPath, []byte("version: 1\nname: test\n"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	// Now it should be a bundle dir
	if !IsBundleDir(dir) {
		t.Error("dir with machine.yaml should be a bundle dir")
	}
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `version: 1
name: "Test Machine"
description: "A test machine"
machine:
  kernel: vmlinux.bin
  disk: rootfs.img
  memoryMB: 256
  cmdline: "console=ttyS0 root=/dev/vda"
console:
  cols: 120
  rows: 40
`

	yamlPath := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	meta, err := LoadMetadata(dir)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}

	if meta.Version != 1 {
		t.Errorf("Version = %d, want 1", meta.Version)
	}
	if meta.Name != "Test Machine" {
		t.Errorf("Name = %q, want %q", meta.Name, "Test Machine")
	}
	if meta.Machine.Kernel != "vmlinux.bin" {
		t.Errorf("Machine.Kernel = %q, want %q", meta.Machine.Kernel, "vmlinux.bin")
	}
	if meta.Machine.Disk != "rootfs.img" {
		t.Errorf("Machine.Disk = %q, want %q", meta.Machine.Disk, "rootfs.img")
	}
	if meta.Machine.MemoryMB != 256 {
		t.Errorf("Machine.MemoryMB = %d, want 256", meta.Machine.MemoryMB)
	}
	if meta.Machine.Cmdline != "console=ttyS0 root=/dev/vda" {
		t.Errorf("Machine.Cmdline = %q", meta.Machine.Cmdline)
	}
	if meta.Console.Cols != 120 || meta.Console.Rows != 40 {
		t.Errorf("Console = %dx%d, want 120x40", meta.Console.Cols, meta.Console.Rows)
	}

	if got := meta.KernelPath(dir); got != filepath.Join(dir, "vmlinux.bin") {
		t.Errorf("KernelPath = %q", got)
	}
	if got := meta.DiskPath(dir); got != filepath.Join(dir, "rootfs.img") {
		t.Errorf("DiskPath = %q", got)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(yamlPath, []byte("name: minimal\n"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	meta, err := LoadMetadata(dir)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}

	if meta.Version != 1 {
		t.Errorf("Version = %d, want 1", meta.Version)
	}
	if meta.Machine.Kernel != DefaultKernel {
		t.Errorf("Machine.Kernel = %q, want %q", meta.Machine.Kernel, DefaultKernel)
	}
	if meta.Machine.MemoryMB != DefaultMemoryMB {
		t.Errorf("Machine.MemoryMB = %d, want %d", meta.Machine.MemoryMB, DefaultMemoryMB)
	}
	if meta.Console.Cols != 80 || meta.Console.Rows != 25 {
		t.Errorf("Console = %dx%d, want 80x25", meta.Console.Cols, meta.Console.Rows)
	}
	if meta.DiskPath(dir) != "" {
		t.Errorf("DiskPath = %q, want empty", meta.DiskPath(dir))
	}
}

func TestValidateBundleDir(t *testing.T) {
	dir := t.TempDir()

	if err := ValidateBundleDir(dir); err == nil {
		t.Error("empty dir should not validate")
	}

	yamlContent := "name: test\nmachine:\n  kernel: kernel.bin\n  disk: disk.img\n"
	yamlPath := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(yamlPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	// Metadata alone is not enough: the kernel must exist.
	if err := ValidateBundleDir(dir); err == nil {
		t.Error("bundle without kernel image should not validate")
	}

	if err := os.WriteFile(filepath.Join(dir, "kernel.bin"), []byte{0}, 0o644); err != nil {
		t.Fatalf("failed to write kernel: %v", err)
	}
	if err := ValidateBundleDir(dir); err == nil {
		t.Error("bundle naming a missing disk should not validate")
	}

	if err := os.WriteFile(filepath.Join(dir, "disk.img"), []byte{0}, 0o644); err != nil {
		t.Fatalf("failed to write disk: %v", err)
	}
	if err := ValidateBundleDir(dir); err != nil {
		t.Errorf("complete bundle failed to validate: %v", err)
	}
}

func TestWriteTemplate(t *testing.T) {
	dir := t.TempDir()

	meta := Metadata{
		Version: 1,
		Name:    "{{name}}",
		Machine: MachineConfig{
			Kernel:   "kernel.bin",
			MemoryMB: 1024,
		},
	}

	if err := WriteTemplate(dir, meta); err != nil {
		t.Fatalf("WriteTemplate failed: %v", err)
	}

	// Verify the file was created
	if !IsBundleDir(dir) {
		t.Error("WriteTemplate should create machine.yaml")
	}

	// Load it back
	loaded, err := LoadMetadata(dir)
	if err != nil {
		t.Fatalf("LoadMetadata after WriteTemplate failed: %v", err)
	}

	if loaded.Version != 1 {
		t.Errorf("loaded.Version = %d, want 1", loaded.Version)
	}
	if loaded.Name != "{{name}}" {
		t.Errorf("loaded.Name = %q, want %q", loaded.Name, "{{name}}")
	}
	if loaded.Machine.MemoryMB != 1024 {
		t.Errorf("loaded.Machine.MemoryMB = %d, want 1024", loaded.Machine.MemoryMB)
	}
}
