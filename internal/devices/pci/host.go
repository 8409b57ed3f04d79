package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const (
	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4
)

// ErrUnhandled is returned for MMIO accesses no endpoint claims.
var ErrUnhandled = errors.New("pci: unhandled MMIO access")

// ConfigSpace models PCI configuration space access for a single bus/device/function tuple.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Endpoint represents a PCI function behind the host bridge.
type Endpoint interface {
	ConfigSpace() ConfigSpace
	OnBARReprogram(index int, value uint32) error
}

// Region is a guest physical address range.
type Region struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+length) lies inside the region.
func (r Region) Contains(addr uint64, length uint64) bool {
	if r.Size == 0 || addr < r.Address {
		return false
	}
	off := addr - r.Address
	return off < r.Size && length <= r.Size-off
}

// MMIOEndpoint is an endpoint whose BARs decode memory accesses.
// MMIORegions must reflect the current BAR programming.
type MMIOEndpoint interface {
	Endpoint
	MMIORegions() []Region
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// BARAllocator reserves address space for BAR windows.
type BARAllocator interface {
	Allocate(io bool, size uint32, align uint32) (uint64, error)
}

type linearAllocator struct {
	base uint64
	size uint64
	next uint64
}

func newLinearAllocator(base, size uint64) *linearAllocator {
	return &linearAllocator{
		base: base,
		size: size,
		next: base,
	}
}

func (a *linearAllocator) Allocate(io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}
	if align == 0 {
		align = size
	}
	align64 := uint64(align)
	base := (a.next + align64 - 1) &^ (align64 - 1)
	if base < a.base || base+uint64(size) < base || base+uint64(size) > a.base+a.size {
		return 0, fmt.Errorf("PCI MMIO space exhausted")
	}
	a.next = base + uint64(size)
	return base, nil
}

// Location is a bus/device/function address.
type Location struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Device, l.Function)
}

type deviceSlot struct {
	endpoint Endpoint
	provider ConfigSpace
	barValue [type0BARCount]uint32
	barSize  [type0BARCount]uint32
}

func (s *deviceSlot) onConfigWrite(offset uint16, size uint8, value uint32) (int, uint32, bool) {
	if s == nil || s.endpoint == nil {
		return 0, 0, false
	}
	if size != 4 {
		return 0, 0, false
	}
	if offset < type0BAROffset || offset >= type0BAROffset+type0BARCount*type0BARStride {
		return 0, 0, false
	}
	if offset%type0BARStride != 0 {
		return 0, 0, false
	}
	if value == 0xffff_ffff {
		return 0, 0, false
	}
	index := int((offset - type0BAROffset) / type0BARStride)
	s.barValue[index] = value
	return index, value, true
}

// DeviceHandle exposes helper methods for registered endpoints.
type DeviceHandle struct {
	host *HostBridge
	key  Location
}

// Location returns where the endpoint is registered.
func (h *DeviceHandle) Location() Location { return h.key }

// AllocateMemoryBAR reserves MMIO space for the supplied BAR index.
func (h *DeviceHandle) AllocateMemoryBAR(index int, size uint32, align uint32) (uint64, error) {
	if h == nil || h.host == nil {
		return 0, fmt.Errorf("pci device handle is nil")
	}
	return h.host.allocateBAR(h.key, index, false, size, align)
}

// Unregister removes the endpoint from the bus. BAR space it was given is
// not returned to the allocator.
func (h *DeviceHandle) Unregister() {
	if h == nil || h.host == nil {
		return
	}
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	delete(h.host.devices, h.key)
}

// HostBridgeConfig describes the MMIO layout for config accesses and BAR windows.
type HostBridgeConfig struct {
	ConfigBase   uint64
	ConfigSize   uint64
	MMIOBase     uint64
	MMIOSize     uint64
	RootVendorID uint16
	RootDeviceID uint16
	BARAllocator BARAllocator
}

// HostBridge implements a minimal ECAM-capable PCI root complex on bus 0.
// Function 00:00.0 is the bridge itself.
type HostBridge struct {
	configBase uint64
	configSize uint64

	mmioBase uint64
	mmioSize uint64

	rootVendorID uint16
	rootDeviceID uint16

	barAllocator BARAllocator

	mu      sync.Mutex
	devices map[Location]*deviceSlot
}

// NewHostBridge constructs a host bridge using the supplied config.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	const (
		defaultConfigSize = 1 << 20 // 1 MiB covers bus 0
		defaultMMIOBase   = 0x40000000
		defaultMMIOSize   = 0x10000000
	)

	h := &HostBridge{
		configBase:   cfg.ConfigBase,
		configSize:   cfg.ConfigSize,
		mmioBase:     cfg.MMIOBase,
		mmioSize:     cfg.MMIOSize,
		rootVendorID: cfg.RootVendorID,
		rootDeviceID: cfg.RootDeviceID,
		barAllocator: cfg.BARAllocator,
		devices:      make(map[Location]*deviceSlot),
	}
	if h.rootVendorID == 0 {
		h.rootVendorID = 0x1af4
	}
	if h.rootDeviceID == 0 {
		h.rootDeviceID = 0x0001
	}
	if h.configSize == 0 {
		h.configSize = defaultConfigSize
	}
	if h.mmioSize == 0 {
		h.mmioSize = defaultMMIOSize
	}
	if h.mmioBase == 0 {
		h.mmioBase = defaultMMIOBase
	}
	if h.barAllocator == nil {
		h.barAllocator = newLinearAllocator(h.mmioBase, h.mmioSize)
	}
	return h
}

// ConfigRegion returns the ECAM window.
func (h *HostBridge) ConfigRegion() Region {
	return Region{Address: h.configBase, Size: h.configSize}
}

// MMIOWindow returns the window BARs are allocated from.
func (h *HostBridge) MMIOWindow() Region {
	return Region{Address: h.mmioBase, Size: h.mmioSize}
}

// ConfigAddress returns the ECAM address of a config register.
func (h *HostBridge) ConfigAddress(loc Location, reg uint16) uint64 {
	return h.configBase |
		uint64(loc.Bus)<<20 |
		uint64(loc.Device&0x1f)<<15 |
		uint64(loc.Function&0x7)<<12 |
		uint64(reg&0xfff)
}

// ReadMMIO decodes ECAM config reads and BAR reads.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if h.ConfigRegion().Contains(addr, uint64(len(data))) {
		h.readECAM(addr-h.configBase, data)
		return nil
	}
	ep, ok := h.endpointFor(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("%w: read %#x/%d", ErrUnhandled, addr, len(data))
	}
	return ep.ReadMMIO(addr, data)
}

// WriteMMIO decodes ECAM config writes and BAR writes.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if h.ConfigRegion().Contains(addr, uint64(len(data))) {
		h.writeECAM(addr-h.configBase, data)
		return nil
	}
	ep, ok := h.endpointFor(addr, uint64(len(data)))
	if !ok {
		return fmt.Errorf("%w: write %#x/%d", ErrUnhandled, addr, len(data))
	}
	return ep.WriteMMIO(addr, data)
}

func (h *HostBridge) endpointFor(addr, length uint64) (MMIOEndpoint, bool) {
	h.mu.Lock()
	slots := make([]*deviceSlot, 0, len(h.devices))
	for _, slot := range h.devices {
		slots = append(slots, slot)
	}
	h.mu.Unlock()

	for _, slot := range slots {
		ep, ok := slot.endpoint.(MMIOEndpoint)
		if !ok {
			continue
		}
		for _, r := range ep.MMIORegions() {
			if r.Contains(addr, length) {
				return ep, true
			}
		}
	}
	return nil, false
}

func (h *HostBridge) readECAM(offset uint64, data []byte) {
	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			data[cursor] = 0xff
			cursor++
			curOffset++
			remaining--
			continue
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := h.ReadConfig(key, reg, chunk)
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
}

func (h *HostBridge) writeECAM(offset uint64, data []byte) {
	remaining := len(data)
	cursor := 0
	curOffset := offset
	for remaining > 0 {
		key, reg, ok := h.decodeConfigAddress(curOffset)
		if !ok {
			break
		}
		chunk := pickConfigAccessSize(reg, remaining)
		value := uint32(0)
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		h.WriteConfig(key, reg, chunk, value)
		cursor += int(chunk)
		curOffset += uint64(chunk)
		remaining -= int(chunk)
	}
}

func (h *HostBridge) decodeConfigAddress(offset uint64) (Location, uint16, bool) {
	bus := uint8((offset >> 20) & 0xff)
	if bus != 0 {
		return Location{}, 0, false
	}
	loc := Location{
		Device:   uint8((offset >> 15) & 0x1f),
		Function: uint8((offset >> 12) & 0x7),
	}
	return loc, uint16(offset & 0xfff), true
}

// ReadConfig reads a config register of the function at loc. Absent
// functions read as all ones.
func (h *HostBridge) ReadConfig(loc Location, offset uint16, size uint8) uint32 {
	if loc == (Location{}) {
		return h.readRootConfig(offset, size)
	}
	provider := h.provider(loc)
	if provider == nil {
		return maskValue(0xffff_ffff, size)
	}
	value, err := provider.ReadConfig(offset, size)
	if err != nil {
		slog.Debug("pci: config read failed", "location", loc, "offset", offset, "err", err)
		return maskValue(0xffff_ffff, size)
	}
	return maskValue(value, size)
}

// WriteConfig writes a config register of the function at loc and forwards
// BAR programming to the endpoint.
func (h *HostBridge) WriteConfig(loc Location, offset uint16, size uint8, value uint32) {
	if loc == (Location{}) {
		return
	}
	provider := h.provider(loc)
	if provider == nil {
		return
	}
	if err := provider.WriteConfig(offset, size, value); err != nil {
		slog.Debug("pci: config write failed", "location", loc, "offset", offset, "err", err)
		return
	}

	var (
		endpoint Endpoint
		barIdx   int
		barValue uint32
		notify   bool
	)

	h.mu.Lock()
	if slot := h.devices[loc]; slot != nil {
		barIdx, barValue, notify = slot.onConfigWrite(offset, size, value)
		if notify {
			endpoint = slot.endpoint
		}
	}
	h.mu.Unlock()

	if notify && endpoint != nil {
		if err := endpoint.OnBARReprogram(barIdx, barValue); err != nil {
			slog.Warn("pci: BAR reprogram rejected", "location", loc, "bar", barIdx, "err", err)
		}
	}
}

func (h *HostBridge) readRootConfig(offset uint16, size uint8) uint32 {
	if size == 0 || size > 4 {
		return 0xffff_ffff
	}
	if int(offset)+int(size) > 256 {
		return 0
	}
	var buf [256]byte
	binary.LittleEndian.PutUint16(buf[0:], h.rootVendorID)
	binary.LittleEndian.PutUint16(buf[2:], h.rootDeviceID)
	buf[0x0b] = 0x06 // bridge class
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(buf[int(offset)+int(i)]) << (8 * i)
	}
	return value
}

// RegisterEndpoint associates an endpoint with the supplied location.
func (h *HostBridge) RegisterEndpoint(bus, device, function uint8, endpoint Endpoint) (*DeviceHandle, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("pci endpoint cannot be nil")
	}
	if bus != 0 {
		return nil, fmt.Errorf("only bus 0 supported (got %d)", bus)
	}
	if device > 0x1f || function > 0x7 {
		return nil, fmt.Errorf("invalid device address %02x.%x", device, function)
	}
	key := Location{Bus: bus, Device: device, Function: function}
	if key == (Location{}) {
		return nil, fmt.Errorf("%s is reserved for the host bridge", key)
	}
	provider := endpoint.ConfigSpace()
	if provider == nil {
		return nil, fmt.Errorf("endpoint must expose config space")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[key]; exists {
		return nil, fmt.Errorf("device already registered at %s", key)
	}
	h.devices[key] = &deviceSlot{
		endpoint: endpoint,
		provider: provider,
	}
	return &DeviceHandle{host: h, key: key}, nil
}

// Endpoints returns the registered functions in bus/device/function order.
func (h *HostBridge) Endpoints() []Location {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Location, 0, len(h.devices))
	for loc := range h.devices {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Function < b.Function
	})
	return out
}

func (h *HostBridge) provider(key Location) ConfigSpace {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot := h.devices[key]; slot != nil {
		return slot.provider
	}
	return nil
}

func (h *HostBridge) allocateBAR(key Location, index int, io bool, size uint32, align uint32) (uint64, error) {
	if io {
		return 0, fmt.Errorf("I/O BARs unsupported")
	}
	if index < 0 || index >= type0BARCount {
		return 0, fmt.Errorf("BAR index %d out of range", index)
	}
	if size == 0 {
		return 0, fmt.Errorf("BAR size must be non-zero")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	slot := h.devices[key]
	if slot == nil {
		return 0, fmt.Errorf("device not registered")
	}
	base, err := h.barAllocator.Allocate(io, size, align)
	if err != nil {
		return 0, err
	}
	slot.barSize[index] = size
	slot.barValue[index] = uint32(base)
	return base, nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}
