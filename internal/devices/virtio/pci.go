package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyrange/vmvirtio/internal/devices/pci"
)

const (
	// PCI Vendor and Device IDs
	VIRTIO_PCI_VENDOR_ID      = 0x1AF4
	VIRTIO_PCI_DEVICE_ID_BASE = 0x1040 // Modern VirtIO devices start at 0x1040

	// VirtIO PCI Capability Types
	VIRTIO_PCI_CAP_COMMON_CFG = 1
	VIRTIO_PCI_CAP_NOTIFY_CFG = 2
	VIRTIO_PCI_CAP_ISR_CFG    = 3
	VIRTIO_PCI_CAP_DEVICE_CFG = 4
)

const (
	virtioVendorCapID     = 0x09
	virtioPCICapLen       = 16
	virtioPCINotifyCapLen = 20
	virtioPCICapStart     = 0x60
	msixCapabilityOffset  = 0x40
)

const (
	barAttrMaskMemory uint32 = 0xf
	barAttr64Bit      uint32 = 0x4
	type0BARCount            = 6
	type0BAROffset           = 0x10
	invalidBARIndex          = -1
)

const (
	pciStatusCapabilitiesList = 0x10
	pciCapIDMSIX              = 0x11
	pciInterruptPinINTA       = 0x01
	pciCommandIntxDisable     = 1 << 10
	virtioPCIRevision         = 0x01
	virtioPCIDefaultIRQLine   = 10
)

// BAR assignment.
const (
	commonCfgBAR = 0
	isrCfgBAR    = 1
	notifyCfgBAR = 2
	msixBAR      = 3
	deviceCfgBAR = 4

	deviceCfgLength     = 0x1000
	notifyOffMultiplier = 4
)

// IRQController drives a level-triggered legacy interrupt line.
type IRQController interface {
	SetIRQ(line uint32, level bool) error
}

// MSIController delivers message signalled interrupts.
type MSIController interface {
	SignalMSI(addr uint64, data uint32) error
}

// PCIDeviceConfig describes how a backend is attached to the PCI bus.
type PCIDeviceConfig struct {
	// Name labels logs and metrics. Defaults to "<type>-<slot>".
	Name string

	Device Device
	Memory GuestMemory
	Events EventRegistrar

	// NewQueueEvent creates the notification source of one queue.
	NewQueueEvent func() (QueueEvent, error)

	Host     *pci.HostBridge
	Bus      uint8
	Slot     uint8
	Function uint8

	IRQ     IRQController
	IRQLine uint32
	MSI     MSIController
	// DisableMSIX hides the MSI-X capability so the driver uses INTx.
	DisableMSIX bool
}

type pciBAR struct {
	size       uint64
	attributes uint32
	is64       bool
	aliasOf    int

	rawLow  uint32
	rawHigh uint32
	value   uint64

	sizing bool
}

func (b *pciBAR) sizeMask() uint64 {
	if b == nil || b.size == 0 {
		return 0
	}
	return ^(b.size - 1) & 0xffff_ffff_ffff_fff0
}

// barRegion is a register block placed at an offset inside a BAR.
type barRegion struct {
	bar    uint8
	offset uint32
	length uint32
	addr   uint64
}

func (r barRegion) contains(addr uint64, width uint64) bool {
	if r.addr == 0 || r.length == 0 || addr < r.addr {
		return false
	}
	off := addr - r.addr
	return off < uint64(r.length) && width <= uint64(r.length)-off
}

type vendorCap struct {
	offset uint16
	data   []byte
}

// PCIDevice exposes a virtio Device to the guest as a modern (1.0)
// virtio-pci function.
type PCIDevice struct {
	name   string
	dev    Device
	mem    GuestMemory
	events EventRegistrar
	irq    IRQController

	location pci.Location
	handle   *pci.DeviceHandle

	// mu serializes register access and activation.
	mu          sync.Mutex
	common      *CommonConfig
	queues      []*Queue
	queueEvents []QueueEvent
	activated   bool
	registrar   *trackingRegistrar

	deviceID          uint16
	subsystemDeviceID uint16
	command           uint16
	status            uint16
	interruptLine     uint8
	capPointer        uint8
	bars              [type0BARCount]pciBAR

	commonCfg barRegion
	notifyCfg barRegion
	isrCfg    barRegion
	deviceCfg barRegion
	caps      []vendorCap

	// irqMu guards interrupt state, which backends touch from the event loop.
	// Lock order is mu then irqMu.
	irqMu        sync.Mutex
	isr          uint8
	irqLine      uint32
	intxAsserted bool
	intxDisabled bool
	configVector uint16
	queueVectors []uint16
	msix         *msixTable
	msixTableReg barRegion
	msixPBAReg   barRegion
}

// NewPCIDevice builds the transport for cfg.Device and, when cfg.Host is
// set, registers it on the host bridge and allocates its BARs.
func NewPCIDevice(cfg PCIDeviceConfig) (*PCIDevice, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("virtio-pci: device is required")
	}
	if cfg.NewQueueEvent == nil {
		return nil, fmt.Errorf("virtio-pci: queue event factory is required")
	}
	maxSizes := cfg.Device.QueueMaxSizes()
	if len(maxSizes) == 0 {
		return nil, fmt.Errorf("virtio-pci: %s device exposes no queues", cfg.Device.DeviceType())
	}
	if len(maxSizes) > 0xffff {
		return nil, fmt.Errorf("virtio-pci: %d queues is too many", len(maxSizes))
	}

	devType := cfg.Device.DeviceType()
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("%s-%02x", devType, cfg.Slot)
	}
	irqLine := cfg.IRQLine
	if irqLine == 0 {
		irqLine = virtioPCIDefaultIRQLine
	}

	d := &PCIDevice{
		name:              name,
		dev:               cfg.Device,
		mem:               cfg.Memory,
		events:            cfg.Events,
		irq:               cfg.IRQ,
		location:          pci.Location{Bus: cfg.Bus, Device: cfg.Slot, Function: cfg.Function},
		deviceID:          VIRTIO_PCI_DEVICE_ID_BASE + uint16(devType),
		subsystemDeviceID: uint16(devType),
		interruptLine:     uint8(irqLine),
		irqLine:           irqLine,
		configVector:      VIRTIO_MSI_NO_VECTOR,
	}

	for i, maxSize := range maxSizes {
		if maxSize == 0 || maxSize&(maxSize-1) != 0 || maxSize > 0x8000 {
			return nil, fmt.Errorf("virtio-pci: queue %d max size %d is not a power of two in 1..32768", i, maxSize)
		}
		d.queues = append(d.queues, NewQueue(maxSize))
	}
	for i := range d.queues {
		ev, err := cfg.NewQueueEvent()
		if err != nil {
			return nil, d.abandon(fmt.Errorf("virtio-pci: create queue %d event: %w", i, err))
		}
		d.queueEvents = append(d.queueEvents, ev)
	}

	var vectors uint16
	if !cfg.DisableMSIX && cfg.MSI != nil {
		table, err := newMSIXTable(len(d.queues)+1, msixBAR, msixCapabilityOffset, cfg.MSI.SignalMSI)
		if err != nil {
			return nil, d.abandon(fmt.Errorf("virtio-pci: %w", err))
		}
		d.msix = table
		vectors = table.vectorCount()
	}
	d.common = NewCommonConfig(vectors)

	d.initBARs()
	d.initCapabilities()

	if cfg.Host != nil {
		handle, err := cfg.Host.RegisterEndpoint(cfg.Bus, cfg.Slot, cfg.Function, d)
		if err != nil {
			return nil, d.abandon(fmt.Errorf("register pci endpoint: %w", err))
		}
		d.handle = handle
		if err := d.allocateBARs(); err != nil {
			handle.Unregister()
			return nil, d.abandon(fmt.Errorf("allocate pci bars: %w", err))
		}
	}
	return d, nil
}

// abandon closes the queue events of a device that failed construction and
// returns err with any close failures appended.
func (d *PCIDevice) abandon(err error) error {
	for i, ev := range d.queueEvents {
		if cerr := ev.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close queue %d event: %w", i, cerr))
		}
	}
	d.queueEvents = nil
	return err
}

// Name returns the label used in logs and metrics.
func (d *PCIDevice) Name() string { return d.name }

// Location returns the function's bus/device/function address.
func (d *PCIDevice) Location() pci.Location { return d.location }

// Status returns the device status byte.
func (d *PCIDevice) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.common.Status()
}

// Activated reports whether the backend is running.
func (d *PCIDevice) Activated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activated
}

// ConfigSpace implements pci.Endpoint.
func (d *PCIDevice) ConfigSpace() pci.ConfigSpace {
	return d
}

// OnBARReprogram implements pci.Endpoint.
func (d *PCIDevice) OnBARReprogram(index int, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reprogramBAR(index, value)
}

func (d *PCIDevice) reprogramBAR(index int, value uint32) error {
	bar := d.baseBAR(index)
	if bar == nil || bar.size == 0 {
		return fmt.Errorf("BAR %d not configured", index)
	}

	if d.barIsHigh(index) {
		bar.rawHigh = value
	} else {
		bar.rawLow = (value &^ barAttrMaskMemory) | (bar.attributes & barAttrMaskMemory)
		if !bar.is64 {
			bar.rawHigh = 0
		}
		bar.sizing = false
	}
	bar.value = uint64(bar.rawHigh)<<32 | uint64(bar.rawLow&0xffff_fff0)

	d.recomputeRegionAddrs()
	return nil
}

// ReadConfig implements pci.ConfigSpace.
func (d *PCIDevice) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	if offset%uint16(size) != 0 {
		return 0, fmt.Errorf("unaligned %d-byte config read at %#x", size, offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	base := offset &^ 0x3
	value := d.readConfigDWord(base)
	value >>= (offset - base) * 8
	return maskConfigValue(value, size), nil
}

// WriteConfig implements pci.ConfigSpace.
func (d *PCIDevice) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	if offset%uint16(size) != 0 {
		return fmt.Errorf("unaligned %d-byte config write at %#x", size, offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	base := offset &^ 0x3
	if size == 4 {
		d.writeConfigDWord(base, value)
		return nil
	}
	current := d.readConfigDWord(base)
	if base >= type0BAROffset && base < type0BAROffset+type0BARCount*4 {
		// Sub-dword BAR writes never start sizing.
		current = 0
	}
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	d.writeConfigDWord(base, (current&^(mask<<shift))|((value&mask)<<shift))
	return nil
}

func maskConfigValue(value uint32, size uint8) uint32 {
	if size == 4 {
		return value
	}
	return value & uint32((uint64(1)<<(size*8))-1)
}

// MMIORegions implements pci.MMIOEndpoint.
func (d *PCIDevice) MMIORegions() []pci.Region {
	d.mu.Lock()
	defer d.mu.Unlock()
	regions := make([]pci.Region, 0, 6)
	add := func(r barRegion) {
		if r.addr == 0 || r.length == 0 {
			return
		}
		regions = append(regions, pci.Region{Address: r.addr, Size: uint64(r.length)})
	}
	add(d.commonCfg)
	add(d.notifyCfg)
	add(d.isrCfg)
	add(d.deviceCfg)
	if d.msix != nil {
		add(d.msixTableReg)
		add(d.msixPBAReg)
	}
	return regions
}

// ReadMMIO implements pci.MMIOEndpoint.
func (d *PCIDevice) ReadMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, false)
}

// WriteMMIO implements pci.MMIOEndpoint.
func (d *PCIDevice) WriteMMIO(addr uint64, data []byte) error {
	return d.mmioAccess(addr, data, true)
}

func (d *PCIDevice) mmioAccess(addr uint64, data []byte, write bool) error {
	if len(data) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.dispatchMMIO(addr, data, write)
	if err != nil && IsGuestTriggerable(err) {
		protocolViolations.WithLabelValues(d.name).Inc()
		slog.Warn("virtio-pci: guest access rejected", "device", d.name, "addr", fmt.Sprintf("%#x", addr), "len", len(data), "write", write, "err", err)
	}
	return err
}

func (d *PCIDevice) dispatchMMIO(addr uint64, data []byte, write bool) error {
	width := uint64(len(data))
	switch {
	case d.commonCfg.contains(addr, width):
		offset := addr - d.commonCfg.addr
		if !write {
			return d.common.Read(offset, data, d.queues, d.dev)
		}
		before := d.common.Status()
		action, err := d.common.Write(offset, data, d.queues, d.dev)
		if err != nil {
			return err
		}
		d.afterCommonWrite(before, action)
		return nil

	case d.notifyCfg.contains(addr, width):
		if !write {
			clear(data)
			return nil
		}
		if width != 2 && width != 4 {
			return fmt.Errorf("%w: notify write of %d bytes", ErrProtocolViolation, width)
		}
		return d.notify(addr - d.notifyCfg.addr)

	case d.isrCfg.contains(addr, width):
		if write {
			// read-only
			return nil
		}
		clear(data)
		d.irqMu.Lock()
		data[0] = d.readISRLocked()
		d.irqMu.Unlock()
		return nil

	case d.deviceCfg.contains(addr, width):
		offset := addr - d.deviceCfg.addr
		if write {
			d.dev.WriteConfig(offset, data)
			d.common.bumpGeneration()
			return nil
		}
		clear(data)
		d.dev.ReadConfig(offset, data)
		return nil

	case d.msix != nil && d.msixTableReg.contains(addr, width):
		d.irqMu.Lock()
		defer d.irqMu.Unlock()
		offset := addr - d.msixTableReg.addr
		if write {
			return d.msix.writeTable(offset, data)
		}
		return d.msix.readTable(offset, data)

	case d.msix != nil && d.msixPBAReg.contains(addr, width):
		if write {
			// PBA is read-only
			return nil
		}
		d.irqMu.Lock()
		defer d.irqMu.Unlock()
		return d.msix.readPBA(addr-d.msixPBAReg.addr, data)
	}
	return fmt.Errorf("%w: unhandled MMIO access addr=%#x width=%d", ErrProtocolViolation, addr, width)
}

func (d *PCIDevice) afterCommonWrite(before uint8, action statusAction) {
	d.irqMu.Lock()
	d.configVector = d.common.MSIXConfigVector()
	d.irqMu.Unlock()

	switch action {
	case statusActionReset:
		d.resetLocked()
	case statusActionActivate:
		d.activateLocked()
	}

	if after := d.common.Status(); after != before {
		statusTransitions.WithLabelValues(d.name, statusString(after)).Inc()
		slog.Debug("virtio-pci: device status", "device", d.name, "old", statusString(before), "new", statusString(after))
	}
}

func (d *PCIDevice) notify(offset uint64) error {
	index := offset / notifyOffMultiplier
	if index >= uint64(len(d.queues)) {
		return fmt.Errorf("%w: notify for queue %d of %d", ErrProtocolViolation, index, len(d.queues))
	}
	queueNotifications.WithLabelValues(d.name).Inc()
	if !d.activated || d.common.Status()&DeviceStatusFailed != 0 {
		slog.Debug("virtio-pci: notify on inactive device ignored", "device", d.name, "queue", index)
		return nil
	}
	if err := d.queueEvents[index].Write(1); err != nil {
		slog.Error("virtio-pci: signal queue event failed", "device", d.name, "queue", index, "err", err)
		return fmt.Errorf("%w: signal queue %d: %w", ErrBackendIO, index, err)
	}
	return nil
}

func (d *PCIDevice) activateLocked() {
	fail := func(err error) {
		d.common.setFailed()
		activations.WithLabelValues(d.name, "failed").Inc()
		if IsGuestTriggerable(err) {
			slog.Warn("virtio-pci: activation refused", "device", d.name, "err", err)
		} else {
			slog.Error("virtio-pci: activation failed", "device", d.name, "err", err)
		}
	}

	for i, q := range d.queues {
		if !q.Ready {
			fail(fmt.Errorf("%w: queue %d not enabled", ErrConfiguration, i))
			return
		}
		if err := q.Validate(d.mem); err != nil {
			fail(fmt.Errorf("queue %d: %w", i, err))
			return
		}
	}

	eventIdx := d.dev.AckedFeatures()&(uint64(1)<<FeatureRingEventIdx) != 0
	vectors := make([]uint16, len(d.queues))
	for i, q := range d.queues {
		q.SetEventIdx(eventIdx)
		vectors[i] = q.MSIXVector
	}
	d.irqMu.Lock()
	d.queueVectors = vectors
	d.irqMu.Unlock()

	reg := &trackingRegistrar{inner: d.events}
	act := &Activation{
		Memory:      d.mem,
		Interrupt:   d,
		Queues:      d.queues,
		QueueEvents: d.queueEvents,
		Events:      reg,
	}
	if err := d.dev.Activate(act); err != nil {
		result := fmt.Errorf("%w: %w", ErrActivation, err)
		for _, fd := range reg.registered() {
			if uerr := reg.Unregister(fd); uerr != nil {
				result = multierror.Append(result, fmt.Errorf("unregister fd %d: %w", fd, uerr))
			}
		}
		fail(result)
		return
	}

	d.activated = true
	d.registrar = reg
	activations.WithLabelValues(d.name, "ok").Inc()
	slog.Info("virtio-pci: device activated",
		"device", d.name,
		"features", fmt.Sprintf("%#x", d.dev.AckedFeatures()),
		"queues", len(d.queues),
		"event_idx", eventIdx)
}

func (d *PCIDevice) resetLocked() {
	d.dev.Reset()

	var result error
	if d.registrar != nil {
		for _, fd := range d.registrar.registered() {
			if err := d.registrar.Unregister(fd); err != nil {
				result = multierror.Append(result, fmt.Errorf("unregister fd %d: %w", fd, err))
			}
		}
	}
	if result != nil {
		slog.Warn("virtio-pci: reset left registrations behind", "device", d.name, "err", result)
	}
	d.registrar = nil
	d.activated = false

	for _, q := range d.queues {
		q.Reset()
	}
	d.common.reset()

	d.irqMu.Lock()
	d.isr = 0
	d.deassertINTxLocked()
	d.configVector = VIRTIO_MSI_NO_VECTOR
	d.queueVectors = nil
	d.irqMu.Unlock()
}

// Trigger implements InterruptSender.
func (d *PCIDevice) Trigger(kind InterruptKind, queue int) error {
	d.irqMu.Lock()
	defer d.irqMu.Unlock()

	var vector uint16
	switch kind {
	case InterruptUsedRing:
		if queue < 0 || queue >= len(d.queueVectors) {
			return fmt.Errorf("%w: used ring interrupt for queue %d on inactive or smaller device", ErrConfiguration, queue)
		}
		d.isr |= InterruptStatusUsedRing
		vector = d.queueVectors[queue]
	case InterruptConfigChange:
		d.isr |= InterruptStatusConfigChanged
		vector = d.configVector
	default:
		return fmt.Errorf("%w: unknown interrupt kind %v", ErrConfiguration, kind)
	}
	return d.deliverLocked(vector)
}

func (d *PCIDevice) deliverLocked(vector uint16) error {
	if d.msix != nil && d.msix.enabled() {
		if vector == VIRTIO_MSI_NO_VECTOR {
			interrupts.WithLabelValues(d.name, interruptKindSuppressed).Inc()
			return nil
		}
		delivered, err := d.msix.signalVector(vector)
		if err != nil {
			slog.Error("virtio-pci: signal MSI-X failed", "device", d.name, "vector", vector, "err", err)
			return fmt.Errorf("%w: MSI-X vector %d: %w", ErrBackendIO, vector, err)
		}
		if delivered {
			interrupts.WithLabelValues(d.name, interruptKindMSIX).Inc()
		} else {
			interrupts.WithLabelValues(d.name, interruptKindSuppressed).Inc()
		}
		return nil
	}
	if d.irq == nil || d.intxDisabled {
		interrupts.WithLabelValues(d.name, interruptKindSuppressed).Inc()
		return nil
	}
	if err := d.irq.SetIRQ(d.irqLine, true); err != nil {
		slog.Error("virtio-pci: assert INTx failed", "device", d.name, "line", d.irqLine, "err", err)
		return fmt.Errorf("%w: assert irq %d: %w", ErrBackendIO, d.irqLine, err)
	}
	d.intxAsserted = true
	interrupts.WithLabelValues(d.name, interruptKindINTx).Inc()
	return nil
}

func (d *PCIDevice) readISRLocked() uint8 {
	value := d.isr
	d.isr = 0
	d.deassertINTxLocked()
	return value
}

func (d *PCIDevice) deassertINTxLocked() {
	if !d.intxAsserted || d.irq == nil {
		return
	}
	if err := d.irq.SetIRQ(d.irqLine, false); err != nil {
		slog.Error("virtio-pci: deassert INTx failed", "device", d.name, "line", d.irqLine, "err", err)
		return
	}
	d.intxAsserted = false
}

// Fail implements InterruptSender. It is a no-op unless the backend is
// running.
func (d *PCIDevice) Fail(cause error) {
	d.mu.Lock()
	before := d.common.Status()
	if !d.activated || before&DeviceStatusFailed != 0 {
		d.mu.Unlock()
		return
	}
	d.common.setFailed()
	after := d.common.Status()
	d.mu.Unlock()

	if IsGuestTriggerable(cause) {
		protocolViolations.WithLabelValues(d.name).Inc()
	}
	statusTransitions.WithLabelValues(d.name, statusString(after)).Inc()
	slog.Warn("virtio-pci: device failed", "device", d.name, "old", statusString(before), "err", cause)
	if err := d.Trigger(InterruptConfigChange, 0); err != nil {
		slog.Error("virtio-pci: signal device failure", "device", d.name, "err", err)
	}
}

// ConfigChanged tells the driver the device config space changed. It must
// not be called from inside a Device method.
func (d *PCIDevice) ConfigChanged() error {
	d.mu.Lock()
	d.common.bumpGeneration()
	d.mu.Unlock()
	return d.Trigger(InterruptConfigChange, 0)
}

// Close resets the backend and releases the queue events.
func (d *PCIDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()

	var result error
	for i, ev := range d.queueEvents {
		if err := ev.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close queue %d event: %w", i, err))
		}
	}
	d.queueEvents = nil
	return result
}

// Helper methods for PCI config space

func (d *PCIDevice) initBARs() {
	for i := range d.bars {
		d.bars[i] = pciBAR{aliasOf: invalidBARIndex}
	}

	d.commonCfg = barRegion{bar: commonCfgBAR, length: commonConfigLength}
	d.isrCfg = barRegion{bar: isrCfgBAR, length: 1}
	d.notifyCfg = barRegion{bar: notifyCfgBAR, length: uint32(len(d.queues)) * notifyOffMultiplier}
	d.deviceCfg = barRegion{bar: deviceCfgBAR, length: deviceCfgLength}

	d.setMemoryBAR(commonCfgBAR, sizeForLength(d.commonCfg.length), false)
	d.setMemoryBAR(isrCfgBAR, sizeForLength(d.isrCfg.length), false)
	d.setMemoryBAR(notifyCfgBAR, sizeForLength(d.notifyCfg.length), false)
	if d.msix != nil {
		d.msixTableReg = barRegion{bar: msixBAR, offset: d.msix.tableOffset, length: d.msix.tableLength()}
		d.msixPBAReg = barRegion{bar: msixBAR, offset: d.msix.pbaOffset, length: d.msix.pbaLength()}
		d.setMemoryBAR(msixBAR, sizeForLength(d.msix.barLength()), false)
	}
	d.setMemoryBAR(deviceCfgBAR, sizeForLength(d.deviceCfg.length), true)

	d.recomputeRegionAddrs()
}

func sizeForLength(length uint32) uint64 {
	size := uint64(0x1000)
	for size < uint64(length) {
		size <<= 1
	}
	return size
}

func (d *PCIDevice) setMemoryBAR(index int, size uint64, is64 bool) {
	var attrs uint32
	if is64 {
		attrs = barAttr64Bit
	}
	d.bars[index] = pciBAR{
		size:       size,
		attributes: attrs,
		is64:       is64,
		aliasOf:    invalidBARIndex,
		rawLow:     attrs,
	}
	if is64 && index+1 < len(d.bars) {
		d.bars[index+1] = pciBAR{aliasOf: index}
	}
}

func (d *PCIDevice) baseBAR(index int) *pciBAR {
	if index < 0 || index >= len(d.bars) {
		return nil
	}
	if alias := d.bars[index].aliasOf; alias >= 0 {
		return &d.bars[alias]
	}
	return &d.bars[index]
}

func (d *PCIDevice) barIsHigh(index int) bool {
	if index < 0 || index >= len(d.bars) {
		return false
	}
	return d.bars[index].aliasOf >= 0
}

func (d *PCIDevice) barBase(index uint8) uint64 {
	bar := d.baseBAR(int(index))
	if bar == nil {
		return 0
	}
	return bar.value
}

func (d *PCIDevice) placeRegion(r *barRegion) {
	base := d.barBase(r.bar)
	if base == 0 {
		r.addr = 0
		return
	}
	r.addr = base + uint64(r.offset)
}

func (d *PCIDevice) recomputeRegionAddrs() {
	d.placeRegion(&d.commonCfg)
	d.placeRegion(&d.notifyCfg)
	d.placeRegion(&d.isrCfg)
	d.placeRegion(&d.deviceCfg)
	if d.msix != nil {
		d.placeRegion(&d.msixTableReg)
		d.placeRegion(&d.msixPBAReg)
	}
}

func (d *PCIDevice) initCapabilities() {
	regions := []struct {
		cfgType uint8
		region  barRegion
		length  int
	}{
		{VIRTIO_PCI_CAP_COMMON_CFG, d.commonCfg, virtioPCICapLen},
		{VIRTIO_PCI_CAP_NOTIFY_CFG, d.notifyCfg, virtioPCINotifyCapLen},
		{VIRTIO_PCI_CAP_ISR_CFG, d.isrCfg, virtioPCICapLen},
		{VIRTIO_PCI_CAP_DEVICE_CFG, d.deviceCfg, virtioPCICapLen},
	}

	offset := uint16(virtioPCICapStart)
	d.caps = make([]vendorCap, 0, len(regions))
	for i, r := range regions {
		buf := make([]byte, r.length)
		var next uint8
		if i+1 < len(regions) {
			next = uint8(offset) + uint8(r.length)
		}
		buf[0] = virtioVendorCapID
		buf[1] = next
		buf[2] = uint8(r.length)
		buf[3] = r.cfgType
		buf[4] = r.region.bar
		binary.LittleEndian.PutUint32(buf[8:12], r.region.offset)
		binary.LittleEndian.PutUint32(buf[12:16], r.region.length)
		if r.cfgType == VIRTIO_PCI_CAP_NOTIFY_CFG {
			binary.LittleEndian.PutUint32(buf[16:20], notifyOffMultiplier)
		}
		d.caps = append(d.caps, vendorCap{offset: offset, data: buf})
		offset += uint16(r.length)
	}

	d.capPointer = virtioPCICapStart
	if d.msix != nil {
		d.msix.capNext = virtioPCICapStart
		d.capPointer = msixCapabilityOffset
	}
	d.status |= pciStatusCapabilitiesList
}

func (d *PCIDevice) allocateBARs() error {
	indices := []int{commonCfgBAR, isrCfgBAR, notifyCfgBAR, deviceCfgBAR}
	if d.msix != nil {
		indices = append(indices, msixBAR)
	}
	for _, idx := range indices {
		if err := d.allocateBAR(idx); err != nil {
			return err
		}
	}
	return nil
}

func (d *PCIDevice) allocateBAR(index int) error {
	bar := &d.bars[index]
	if bar.size == 0 {
		return nil
	}
	if bar.size > uint64(^uint32(0)) {
		return fmt.Errorf("BAR %d size %#x exceeds allocator range", index, bar.size)
	}
	size := uint32(bar.size)
	base, err := d.handle.AllocateMemoryBAR(index, size, size)
	if err != nil {
		return err
	}
	if err := d.reprogramBAR(index, uint32(base)); err != nil {
		return err
	}
	if bar.is64 {
		return d.reprogramBAR(index+1, uint32(base>>32))
	}
	return nil
}

func (d *PCIDevice) readConfigDWord(offset uint16) uint32 {
	switch offset {
	case 0x00:
		return uint32(VIRTIO_PCI_VENDOR_ID) | uint32(d.deviceID)<<16
	case 0x04:
		return uint32(d.command) | uint32(d.status)<<16
	case 0x08:
		return virtioPCIRevision
	case 0x0c:
		return 0 // header type 0
	case 0x2c:
		return uint32(VIRTIO_PCI_VENDOR_ID) | uint32(d.subsystemDeviceID)<<16
	case 0x30:
		return 0 // no expansion ROM
	case 0x34:
		return uint32(d.capPointer)
	case 0x3c:
		return uint32(d.interruptLine) | uint32(pciInterruptPinINTA)<<8
	}

	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
		return d.readBAR(int((offset - type0BAROffset) / 4))
	}
	if d.msix != nil {
		d.irqMu.Lock()
		value, ok := d.msix.readCap(offset)
		d.irqMu.Unlock()
		if ok {
			return value
		}
	}
	for _, c := range d.caps {
		if offset >= c.offset && int(offset-c.offset) < len(c.data) {
			return readCapabilityDWord(c.data, offset-c.offset)
		}
	}
	return 0
}

func (d *PCIDevice) writeConfigDWord(offset uint16, value uint32) {
	switch offset {
	case 0x04:
		d.command = uint16(value)
		// status bits are write-one-to-clear; the capability bit is fixed
		d.status &^= uint16(value >> 16)
		d.status |= pciStatusCapabilitiesList
		d.irqMu.Lock()
		d.intxDisabled = d.command&pciCommandIntxDisable != 0
		if d.intxDisabled {
			d.deassertINTxLocked()
		}
		d.irqMu.Unlock()
		return
	case 0x3c:
		d.interruptLine = uint8(value)
		return
	}

	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*4 {
		d.writeBAR(int((offset-type0BAROffset)/4), value)
		return
	}
	if d.msix != nil {
		d.irqMu.Lock()
		d.msix.writeCap(offset, value)
		d.irqMu.Unlock()
	}
}

func (d *PCIDevice) readBAR(index int) uint32 {
	bar := d.baseBAR(index)
	if bar == nil {
		return 0
	}
	isHigh := d.barIsHigh(index)
	if bar.sizing {
		mask := bar.sizeMask()
		if isHigh {
			return uint32(mask >> 32)
		}
		return uint32(mask) | bar.attributes
	}
	if isHigh {
		return bar.rawHigh
	}
	return bar.rawLow
}

// writeBAR only tracks the sizing protocol; address programming arrives
// through OnBARReprogram from the host bridge.
func (d *PCIDevice) writeBAR(index int, value uint32) {
	bar := d.baseBAR(index)
	if bar == nil || bar.size == 0 {
		return
	}
	if d.barIsHigh(index) {
		return
	}
	bar.sizing = value == 0xffff_ffff
}

func readCapabilityDWord(data []byte, rel uint16) uint32 {
	base := int(rel &^ 0x3)
	var value uint32
	for i := 0; i < 4; i++ {
		idx := base + i
		if idx >= len(data) {
			break
		}
		value |= uint32(data[idx]) << (8 * i)
	}
	return value
}

var (
	_ pci.MMIOEndpoint = (*PCIDevice)(nil)
	_ InterruptSender  = (*PCIDevice)(nil)
)
