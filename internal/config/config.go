// Package config loads the YAML description of the emulated machine: guest
// RAM, the PCI host bridge windows and the virtio devices on bus 0.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by normalize.
const (
	DefaultMemoryMB    = 64
	DefaultECAMBase    = 0x3000_0000
	DefaultMMIOBase    = 0x4000_0000
	DefaultMMIOSize    = 0x1000_0000
	DefaultQueueSize   = 256
	DefaultEntropyPath = "/dev/urandom"
	DefaultIRQLine     = 10
	DefaultLogLevel    = "info"
)

// DeviceTypeRNG is the only device type currently wired up.
const DeviceTypeRNG = "rng"

const (
	firstDeviceSlot    = 1
	maxDeviceSlot      = 0x1f
	maxVirtioQueueSize = 0x8000

	configHeader = "# vmvirtio machine configuration\n"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the top-level machine document.
type Config struct {
	Memory  Memory   `yaml:"memory"`
	PCI     PCI      `yaml:"pci"`
	Log     Log      `yaml:"log"`
	Devices []Device `yaml:"devices,omitempty"`
}

// Memory describes the single guest RAM region.
type Memory struct {
	Base   uint64 `yaml:"base"`
	SizeMB uint64 `yaml:"sizeMB"`
}

// SizeBytes returns the RAM size in bytes.
func (m Memory) SizeBytes() uint64 { return m.SizeMB << 20 }

// PCI describes the host bridge address windows.
type PCI struct {
	ECAMBase uint64 `yaml:"ecamBase"`
	MMIOBase uint64 `yaml:"mmioBase"`
	MMIOSize uint64 `yaml:"mmioSize"`
}

// Log configures the default slog handler.
type Log struct {
	Level string `yaml:"level"`
}

// Device is one virtio-pci function.
type Device struct {
	Type      string `yaml:"type"`
	Slot      uint8  `yaml:"slot,omitempty"`
	QueueSize uint16 `yaml:"queueSize,omitempty"`
	Source    string `yaml:"source,omitempty"`
	MSIX      *bool  `yaml:"msix,omitempty"`
	IRQLine   uint32 `yaml:"irqLine,omitempty"`
}

// MSIXEnabled reports whether the function exposes MSI-X.
func (d Device) MSIXEnabled() bool {
	return d.MSIX == nil || *d.MSIX
}

// Default returns a machine with one entropy device.
func Default() Config {
	c := Config{Devices: []Device{{Type: DeviceTypeRNG}}}
	c.normalize()
	return c
}

// Load reads and normalizes the document at path. An empty path yields
// Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML document, fills in defaults and validates it.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) normalize() {
	if c.Memory.SizeMB == 0 {
		c.Memory.SizeMB = DefaultMemoryMB
	}
	if c.PCI.ECAMBase == 0 {
		c.PCI.ECAMBase = DefaultECAMBase
	}
	if c.PCI.MMIOBase == 0 {
		c.PCI.MMIOBase = DefaultMMIOBase
	}
	if c.PCI.MMIOSize == 0 {
		c.PCI.MMIOSize = DefaultMMIOSize
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	c.Log.Level = strings.ToLower(c.Log.Level)

	nextSlot := uint8(firstDeviceSlot)
	for _, d := range c.Devices {
		if d.Slot >= nextSlot {
			nextSlot = d.Slot + 1
		}
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		d.Type = strings.ToLower(d.Type)
		if d.Slot == 0 {
			d.Slot = nextSlot
			nextSlot++
		}
		if d.QueueSize == 0 {
			d.QueueSize = DefaultQueueSize
		}
		if d.IRQLine == 0 {
			d.IRQLine = DefaultIRQLine
		}
		if d.Type == DeviceTypeRNG && d.Source == "" {
			d.Source = DefaultEntropyPath
		}
		if d.MSIX == nil {
			enabled := true
			d.MSIX = &enabled
		}
	}
}

// Validate reports the first problem found in a normalized document.
func (c Config) Validate() error {
	if c.Memory.Base+c.Memory.SizeBytes() < c.Memory.Base {
		return fmt.Errorf("%w: memory region %#x+%dMB overflows", ErrInvalid, c.Memory.Base, c.Memory.SizeMB)
	}
	if c.PCI.ECAMBase%(1<<20) != 0 {
		return fmt.Errorf("%w: ECAM base %#x is not 1MiB aligned", ErrInvalid, c.PCI.ECAMBase)
	}
	ram := window{c.Memory.Base, c.Memory.SizeBytes()}
	ecam := window{c.PCI.ECAMBase, 1 << 20}
	mmio := window{c.PCI.MMIOBase, c.PCI.MMIOSize}
	if ram.overlaps(ecam) || ram.overlaps(mmio) || ecam.overlaps(mmio) {
		return fmt.Errorf("%w: memory, ECAM and BAR windows overlap", ErrInvalid)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}

	seen := make(map[uint8]bool)
	for i, d := range c.Devices {
		if d.Type != DeviceTypeRNG {
			return fmt.Errorf("%w: device %d: unsupported type %q", ErrInvalid, i, d.Type)
		}
		if d.Slot == 0 || d.Slot > maxDeviceSlot {
			return fmt.Errorf("%w: device %d: slot %d out of range 1..%d", ErrInvalid, i, d.Slot, maxDeviceSlot)
		}
		if seen[d.Slot] {
			return fmt.Errorf("%w: device %d: slot %d already used", ErrInvalid, i, d.Slot)
		}
		seen[d.Slot] = true
		if d.QueueSize&(d.QueueSize-1) != 0 || d.QueueSize > maxVirtioQueueSize {
			return fmt.Errorf("%w: device %d: queue size %d is not a power of two up to %d", ErrInvalid, i, d.QueueSize, maxVirtioQueueSize)
		}
	}
	return nil
}

// SlogLevel maps Log.Level onto a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return level, nil
}

// WriteYAML encodes c as YAML.
func (c Config) WriteYAML(w io.Writer) error {
	if _, err := io.WriteString(w, configHeader); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

type window struct {
	base uint64
	size uint64
}

func (a window) overlaps(b window) bool {
	return a.base < b.base+b.size && b.base < a.base+a.size
}
