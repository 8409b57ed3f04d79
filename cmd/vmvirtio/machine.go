package main

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/vmvirtio/internal/config"
	"github.com/tinyrange/vmvirtio/internal/devices/pci"
	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
	"github.com/tinyrange/vmvirtio/internal/eventloop"
	"github.com/tinyrange/vmvirtio/internal/guestdriver"
	"github.com/tinyrange/vmvirtio/internal/guestmem"
)

// machine is everything a guest would see: RAM, the PCI host bridge and the
// virtio functions behind it, plus the event loop that runs the backends.
type machine struct {
	cfg  config.Config
	mem  *guestmem.Memory
	host *pci.HostBridge
	loop *eventloop.Loop
	irq  *guestdriver.Interrupts
	// alloc hands out guest RAM for simulated driver rings and buffers.
	alloc *guestdriver.Allocator

	devices []*attachedDevice
	closers []io.Closer
}

type attachedDevice struct {
	devCfg config.Device
	pci    *virtio.PCIDevice
}

func newQueueEvent() (virtio.QueueEvent, error) {
	ev, err := eventloop.NewEventFD()
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func newMachine(cfg config.Config) (m *machine, err error) {
	m = &machine{cfg: cfg, irq: guestdriver.NewInterrupts()}
	defer func() {
		if err != nil {
			if cerr := m.Close(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}
	}()

	m.mem, err = guestmem.New(cfg.Memory.Base, cfg.Memory.SizeBytes())
	if err != nil {
		return m, err
	}
	m.closers = append(m.closers, m.mem)
	// the first page stays unused so no ring ever sits at guest address 0
	const reserved = 0x1000
	m.alloc = guestdriver.NewAllocator(cfg.Memory.Base+reserved, cfg.Memory.SizeBytes()-reserved)

	m.loop, err = eventloop.New()
	if err != nil {
		return m, err
	}
	m.closers = append(m.closers, m.loop)

	m.host = pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: cfg.PCI.ECAMBase,
		MMIOBase:   cfg.PCI.MMIOBase,
		MMIOSize:   cfg.PCI.MMIOSize,
	})

	for _, devCfg := range cfg.Devices {
		dev, err := m.attach(devCfg)
		if err != nil {
			return m, fmt.Errorf("device %s at slot %d: %w", devCfg.Type, devCfg.Slot, err)
		}
		m.devices = append(m.devices, dev)
	}
	return m, nil
}

func (m *machine) attach(devCfg config.Device) (*attachedDevice, error) {
	var backend virtio.Device
	switch devCfg.Type {
	case config.DeviceTypeRNG:
		f, err := os.Open(devCfg.Source)
		if err != nil {
			return nil, fmt.Errorf("%w: open entropy source: %w", virtio.ErrBackendIO, err)
		}
		rng := virtio.NewRNG(f)
		// rng owns any source swapped in at runtime; f stays ours
		m.closers = append(m.closers, f, rng)
		backend = rng
	default:
		return nil, fmt.Errorf("unsupported device type %q", devCfg.Type)
	}

	cfg := virtio.PCIDeviceConfig{
		Device:        backend,
		Memory:        m.mem,
		Events:        m.loop,
		NewQueueEvent: newQueueEvent,
		Host:          m.host,
		Slot:          devCfg.Slot,
		IRQ:           m.irq,
		IRQLine:       devCfg.IRQLine,
	}
	if devCfg.MSIXEnabled() {
		cfg.MSI = m.irq
	}
	dev, err := virtio.NewPCIDevice(cfg)
	if err != nil {
		return nil, err
	}
	// devices are closed before the loop and memory they use
	m.closers = append([]io.Closer{dev}, m.closers...)
	return &attachedDevice{devCfg: devCfg, pci: dev}, nil
}

func (m *machine) Close() error {
	var result error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.closers = nil
	return result
}
