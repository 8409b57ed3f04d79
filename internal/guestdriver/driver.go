// Package guestdriver is a host-side stand-in for a guest virtio-pci driver.
// It reaches the device only the way a guest would: configuration space
// through ECAM, registers through BAR MMIO, and rings in guest RAM.
package guestdriver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vmvirtio/internal/devices/pci"
	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
)

var (
	ErrNotVirtio        = errors.New("guestdriver: not a virtio-pci function")
	ErrFeaturesRejected = errors.New("guestdriver: device rejected FEATURES_OK")
	ErrDeviceFailed     = errors.New("guestdriver: device reports FAILED")
)

// PCI configuration space registers the driver uses.
const (
	regVendorID   = 0x00
	regCommand    = 0x04
	regStatus     = 0x06
	regBAR0       = 0x10
	regCapPointer = 0x34

	commandMemory    = 1 << 1
	commandBusMaster = 1 << 2
	statusCapList    = 1 << 4

	capIDVendor = 0x09
	capIDMSIX   = 0x11

	msixEnable = 1 << 15
	// bounds the capability walk against a looping list
	maxCapabilities = 48
)

// Bus is the part of the host bridge a driver needs.
type Bus interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
	ConfigAddress(loc pci.Location, reg uint16) uint64
}

// Capability is one virtio vendor capability found in config space.
type Capability struct {
	// Pos is the capability's offset in configuration space.
	Pos    uint16
	Type   uint8
	BAR    uint8
	Offset uint32
	Length uint32
	// NotifyMultiplier is only set for the notify capability.
	NotifyMultiplier uint32
}

// MSIXVector is the message a table entry is programmed with.
type MSIXVector struct {
	Addr uint64
	Data uint32
}

// Driver drives one virtio-pci function.
type Driver struct {
	bus   Bus
	mem   Memory
	alloc *Allocator
	loc   pci.Location

	VendorID uint16
	DeviceID uint16
	BARs     [6]uint64
	Caps     []Capability

	common     uint64
	notify     uint64
	isr        uint64
	device     uint64
	notifyMult uint32

	msixPos     uint16
	msixTable   uint64
	msixVectors int

	queues   []*Virtqueue
	notifyOf map[uint16]uint16
}

// Probe identifies the function at loc, enables memory decoding and parses
// its capability list.
func Probe(bus Bus, mem Memory, alloc *Allocator, loc pci.Location) (*Driver, error) {
	d := &Driver{bus: bus, mem: mem, alloc: alloc, loc: loc, notifyOf: make(map[uint16]uint16)}

	id, err := d.ReadConfig32(regVendorID)
	if err != nil {
		return nil, err
	}
	d.VendorID = uint16(id)
	d.DeviceID = uint16(id >> 16)
	if d.VendorID != virtio.VIRTIO_PCI_VENDOR_ID || d.DeviceID < virtio.VIRTIO_PCI_DEVICE_ID_BASE {
		return nil, fmt.Errorf("%w: %s is %04x:%04x", ErrNotVirtio, loc, d.VendorID, d.DeviceID)
	}
	if err := d.WriteConfig16(regCommand, commandMemory|commandBusMaster); err != nil {
		return nil, err
	}
	if err := d.readBARs(); err != nil {
		return nil, err
	}
	if err := d.readCapabilities(); err != nil {
		return nil, err
	}
	return d, nil
}

// Location returns the function address.
func (d *Driver) Location() pci.Location { return d.loc }

// DeviceType returns the virtio device type encoded in the PCI device ID.
func (d *Driver) DeviceType() virtio.DeviceType {
	return virtio.DeviceType(d.DeviceID - virtio.VIRTIO_PCI_DEVICE_ID_BASE)
}

// MSIXVectors returns the MSI-X table size, or 0 without MSI-X.
func (d *Driver) MSIXVectors() int { return d.msixVectors }

func (d *Driver) readBARs() error {
	for i := 0; i < len(d.BARs); i++ {
		low, err := d.ReadConfig32(uint16(regBAR0 + 4*i))
		if err != nil {
			return err
		}
		if low&1 != 0 {
			continue // I/O space
		}
		addr := uint64(low &^ 0xf)
		if (low>>1)&0x3 == 0x2 && i+1 < len(d.BARs) {
			high, err := d.ReadConfig32(uint16(regBAR0 + 4*(i+1)))
			if err != nil {
				return err
			}
			addr |= uint64(high) << 32
			d.BARs[i] = addr
			i++
			continue
		}
		d.BARs[i] = addr
	}
	return nil
}

func (d *Driver) readCapabilities() error {
	status, err := d.ReadConfig16(regStatus)
	if err != nil {
		return err
	}
	if status&statusCapList == 0 {
		return fmt.Errorf("%w: %s has no capability list", ErrNotVirtio, d.loc)
	}
	ptr, err := d.ReadConfig8(regCapPointer)
	if err != nil {
		return err
	}
	for n := 0; ptr != 0 && n < maxCapabilities; n++ {
		pos := uint16(ptr &^ 0x3)
		header, err := d.ReadConfig32(pos)
		if err != nil {
			return err
		}
		switch uint8(header) {
		case capIDVendor:
			if err := d.parseVendorCap(pos, header); err != nil {
				return err
			}
		case capIDMSIX:
			if err := d.parseMSIXCap(pos, header); err != nil {
				return err
			}
		}
		ptr = uint8(header >> 8)
	}
	if d.common == 0 || d.notify == 0 || d.isr == 0 {
		return fmt.Errorf("%w: %s lacks common, notify or ISR capability", ErrNotVirtio, d.loc)
	}
	return nil
}

func (d *Driver) parseVendorCap(pos uint16, header uint32) error {
	c := Capability{Pos: pos, Type: uint8(header >> 24)}
	barWord, err := d.ReadConfig32(pos + 4)
	if err != nil {
		return err
	}
	c.BAR = uint8(barWord)
	if c.Offset, err = d.ReadConfig32(pos + 8); err != nil {
		return err
	}
	if c.Length, err = d.ReadConfig32(pos + 12); err != nil {
		return err
	}
	if int(c.BAR) >= len(d.BARs) {
		return fmt.Errorf("%w: capability at %#x names BAR %d", ErrNotVirtio, pos, c.BAR)
	}
	addr := d.BARs[c.BAR] + uint64(c.Offset)
	switch c.Type {
	case virtio.VIRTIO_PCI_CAP_COMMON_CFG:
		d.common = addr
	case virtio.VIRTIO_PCI_CAP_NOTIFY_CFG:
		if c.NotifyMultiplier, err = d.ReadConfig32(pos + 16); err != nil {
			return err
		}
		d.notify = addr
		d.notifyMult = c.NotifyMultiplier
	case virtio.VIRTIO_PCI_CAP_ISR_CFG:
		d.isr = addr
	case virtio.VIRTIO_PCI_CAP_DEVICE_CFG:
		d.device = addr
	}
	d.Caps = append(d.Caps, c)
	return nil
}

func (d *Driver) parseMSIXCap(pos uint16, header uint32) error {
	control := uint16(header >> 16)
	table, err := d.ReadConfig32(pos + 4)
	if err != nil {
		return err
	}
	bir := table & 0x7
	if int(bir) >= len(d.BARs) {
		return fmt.Errorf("%w: MSI-X table in BAR %d", ErrNotVirtio, bir)
	}
	d.msixPos = pos
	d.msixTable = d.BARs[bir] + uint64(table&^0x7)
	d.msixVectors = int(control&0x7ff) + 1
	return nil
}

// SizeBAR runs the BAR sizing protocol on BAR index and restores the
// programmed address afterwards.
func (d *Driver) SizeBAR(index int) (uint64, error) {
	if index < 0 || index >= len(d.BARs) {
		return 0, fmt.Errorf("guestdriver: BAR %d out of range", index)
	}
	reg := uint16(regBAR0 + 4*index)
	origLow, err := d.ReadConfig32(reg)
	if err != nil {
		return 0, err
	}
	is64 := (origLow>>1)&0x3 == 0x2 && index+1 < len(d.BARs)
	var origHigh uint32
	if is64 {
		if origHigh, err = d.ReadConfig32(reg + 4); err != nil {
			return 0, err
		}
	}

	if err := d.WriteConfig32(reg, 0xffff_ffff); err != nil {
		return 0, err
	}
	if is64 {
		if err := d.WriteConfig32(reg+4, 0xffff_ffff); err != nil {
			return 0, err
		}
	}
	maskLow, err := d.ReadConfig32(reg)
	if err != nil {
		return 0, err
	}
	mask := uint64(0xffff_ffff_0000_0000) | uint64(maskLow&^0xf)
	if is64 {
		maskHigh, err := d.ReadConfig32(reg + 4)
		if err != nil {
			return 0, err
		}
		mask = uint64(maskHigh)<<32 | uint64(maskLow&^0xf)
	}

	if err := d.WriteConfig32(reg, origLow); err != nil {
		return 0, err
	}
	if is64 {
		if err := d.WriteConfig32(reg+4, origHigh); err != nil {
			return 0, err
		}
	}
	if maskLow&^0xf == 0 {
		return 0, nil
	}
	return ^mask + 1, nil
}

// Reset writes 0 to device_status.
func (d *Driver) Reset() error {
	d.queues = nil
	d.notifyOf = make(map[uint16]uint16)
	return d.SetStatus(virtio.DeviceStatusInit)
}

// Status reads device_status.
func (d *Driver) Status() (uint8, error) {
	v, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_STATUS, 1)
	return uint8(v), err
}

// SetStatus writes device_status.
func (d *Driver) SetStatus(status uint8) error {
	return d.WriteCommon(virtio.VIRTIO_PCI_COMMON_STATUS, 1, uint32(status))
}

// DeviceFeatures reads the 64-bit feature offer.
func (d *Driver) DeviceFeatures() (uint64, error) {
	var features uint64
	for page := uint32(0); page < 2; page++ {
		if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_DFSELECT, 4, page); err != nil {
			return 0, err
		}
		v, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_DF, 4)
		if err != nil {
			return 0, err
		}
		features |= uint64(v) << (32 * page)
	}
	return features, nil
}

// WriteDriverFeatures writes both pages of the driver feature word.
func (d *Driver) WriteDriverFeatures(features uint64) error {
	for page := uint32(0); page < 2; page++ {
		if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_GFSELECT, 4, page); err != nil {
			return err
		}
		if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_GF, 4, uint32(features>>(32*page))); err != nil {
			return err
		}
	}
	return nil
}

// Negotiate resets the device and runs the handshake up to FEATURES_OK,
// accepting the offered subset of want. It returns the accepted features.
func (d *Driver) Negotiate(want uint64) (uint64, error) {
	if err := d.Reset(); err != nil {
		return 0, err
	}
	status := virtio.DeviceStatusAcknowledge
	if err := d.SetStatus(status); err != nil {
		return 0, err
	}
	status |= virtio.DeviceStatusDriver
	if err := d.SetStatus(status); err != nil {
		return 0, err
	}
	offered, err := d.DeviceFeatures()
	if err != nil {
		return 0, err
	}
	accepted := offered & want
	if err := d.WriteDriverFeatures(accepted); err != nil {
		return 0, err
	}
	status |= virtio.DeviceStatusFeaturesOK
	if err := d.SetStatus(status); err != nil {
		return 0, err
	}
	got, err := d.Status()
	if err != nil {
		return 0, err
	}
	if got&virtio.DeviceStatusFeaturesOK == 0 {
		return 0, fmt.Errorf("%w: offered %#x, accepted %#x", ErrFeaturesRejected, offered, accepted)
	}
	return accepted, nil
}

// NumQueues reads num_queues.
func (d *Driver) NumQueues() (uint16, error) {
	v, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_NUMQ, 2)
	return uint16(v), err
}

// SetupQueue lays out queue index in guest memory and enables it. A size of
// 0, or one above the device maximum, selects the maximum. vector is the
// MSI-X vector for the queue (VIRTIO_MSI_NO_VECTOR for none).
func (d *Driver) SetupQueue(index, size, vector uint16) (*Virtqueue, error) {
	if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_Q_SELECT, 2, uint32(index)); err != nil {
		return nil, err
	}
	maxSize, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_Q_SIZE, 2)
	if err != nil {
		return nil, err
	}
	if maxSize == 0 {
		return nil, fmt.Errorf("guestdriver: queue %d is not available", index)
	}
	if size == 0 || uint32(size) > maxSize {
		size = uint16(maxSize)
	}
	if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_Q_SIZE, 2, uint32(size)); err != nil {
		return nil, err
	}
	vq, err := NewVirtqueue(d.mem, d.alloc, index, size)
	if err != nil {
		return nil, err
	}
	for _, r := range []struct {
		lo   uint64
		addr uint64
	}{
		{virtio.VIRTIO_PCI_COMMON_Q_DESCLO, vq.DescTable},
		{virtio.VIRTIO_PCI_COMMON_Q_AVAILLO, vq.AvailRing},
		{virtio.VIRTIO_PCI_COMMON_Q_USEDLO, vq.UsedRing},
	} {
		if err := d.WriteCommon(r.lo, 4, uint32(r.addr)); err != nil {
			return nil, err
		}
		if err := d.WriteCommon(r.lo+4, 4, uint32(r.addr>>32)); err != nil {
			return nil, err
		}
	}
	if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_Q_MSIX, 2, uint32(vector)); err != nil {
		return nil, err
	}
	if vector != virtio.VIRTIO_MSI_NO_VECTOR {
		got, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_Q_MSIX, 2)
		if err != nil {
			return nil, err
		}
		if uint16(got) != vector {
			return nil, fmt.Errorf("guestdriver: queue %d refused MSI-X vector %d", index, vector)
		}
	}
	notifyOff, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_Q_NOFF, 2)
	if err != nil {
		return nil, err
	}
	d.notifyOf[index] = uint16(notifyOff)
	if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_Q_ENABLE, 2, 1); err != nil {
		return nil, err
	}
	d.queues = append(d.queues, vq)
	return vq, nil
}

// SetConfigVector programs msix_config and returns the value read back.
func (d *Driver) SetConfigVector(vector uint16) (uint16, error) {
	if err := d.WriteCommon(virtio.VIRTIO_PCI_COMMON_MSIX, 2, uint32(vector)); err != nil {
		return 0, err
	}
	v, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_MSIX, 2)
	return uint16(v), err
}

// DriverOK sets DRIVER_OK and checks the device accepted it.
func (d *Driver) DriverOK() error {
	status, err := d.Status()
	if err != nil {
		return err
	}
	if err := d.SetStatus(status | virtio.DeviceStatusDriverOK); err != nil {
		return err
	}
	status, err = d.Status()
	if err != nil {
		return err
	}
	if status&virtio.DeviceStatusFailed != 0 {
		return ErrDeviceFailed
	}
	if status&virtio.DeviceStatusDriverOK == 0 {
		return fmt.Errorf("guestdriver: DRIVER_OK not latched (status %#x)", status)
	}
	return nil
}

// Kick writes the queue index to the queue's notify address.
func (d *Driver) Kick(vq *Virtqueue) error {
	off, ok := d.notifyOf[vq.Index]
	if !ok {
		return fmt.Errorf("guestdriver: queue %d was not set up", vq.Index)
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], vq.Index)
	return d.bus.WriteMMIO(d.notify+uint64(off)*uint64(d.notifyMult), buf[:])
}

// ReadISR reads (and thereby clears) the ISR status byte.
func (d *Driver) ReadISR() (uint8, error) {
	var buf [1]byte
	if err := d.bus.ReadMMIO(d.isr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ConfigGeneration reads config_generation.
func (d *Driver) ConfigGeneration() (uint8, error) {
	v, err := d.ReadCommon(virtio.VIRTIO_PCI_COMMON_CFGGENERATION, 1)
	return uint8(v), err
}

// ReadDeviceConfig reads the device-specific config space.
func (d *Driver) ReadDeviceConfig(offset uint64, data []byte) error {
	if d.device == 0 {
		return fmt.Errorf("guestdriver: no device config capability")
	}
	return d.bus.ReadMMIO(d.device+offset, data)
}

// ProgramMSIX writes vectors into the MSI-X table, unmasked, and enables
// MSI-X in the capability.
func (d *Driver) ProgramMSIX(vectors []MSIXVector) error {
	if d.msixVectors == 0 {
		return fmt.Errorf("guestdriver: %s has no MSI-X capability", d.loc)
	}
	if len(vectors) > d.msixVectors {
		return fmt.Errorf("guestdriver: %d vectors requested, table has %d", len(vectors), d.msixVectors)
	}
	for i, v := range vectors {
		entry := d.msixTable + uint64(i)*16
		words := []uint32{uint32(v.Addr), uint32(v.Addr >> 32), v.Data, 0}
		for j, w := range words {
			if err := d.write32(entry+uint64(j)*4, w); err != nil {
				return err
			}
		}
	}
	return d.WriteConfig16(d.msixPos+2, msixEnable)
}

// MaskMSIXVector sets or clears the per-vector mask bit.
func (d *Driver) MaskMSIXVector(vector int, masked bool) error {
	if vector < 0 || vector >= d.msixVectors {
		return fmt.Errorf("guestdriver: MSI-X vector %d out of range", vector)
	}
	var ctrl uint32
	if masked {
		ctrl = 1
	}
	return d.write32(d.msixTable+uint64(vector)*16+12, ctrl)
}

// ReadCommon reads a common configuration register of size bytes.
func (d *Driver) ReadCommon(offset uint64, size int) (uint32, error) {
	buf := make([]byte, size)
	if err := d.bus.ReadMMIO(d.common+offset, buf); err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < size && i < 4; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v, nil
}

// WriteCommon writes a common configuration register of size bytes.
func (d *Driver) WriteCommon(offset uint64, size int, value uint32) error {
	buf := make([]byte, size)
	for i := 0; i < size && i < 4; i++ {
		buf[i] = byte(value >> (8 * i))
	}
	return d.bus.WriteMMIO(d.common+offset, buf)
}

func (d *Driver) write32(addr uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return d.bus.WriteMMIO(addr, buf[:])
}

// ReadConfig8 reads a configuration space byte through ECAM.
func (d *Driver) ReadConfig8(reg uint16) (uint8, error) {
	v, err := d.readConfig(reg, 1)
	return uint8(v), err
}

// ReadConfig16 reads a configuration space word through ECAM.
func (d *Driver) ReadConfig16(reg uint16) (uint16, error) {
	v, err := d.readConfig(reg, 2)
	return uint16(v), err
}

// ReadConfig32 reads a configuration space dword through ECAM.
func (d *Driver) ReadConfig32(reg uint16) (uint32, error) {
	return d.readConfig(reg, 4)
}

// WriteConfig16 writes a configuration space word through ECAM.
func (d *Driver) WriteConfig16(reg uint16, value uint16) error {
	return d.writeConfig(reg, 2, uint32(value))
}

// WriteConfig32 writes a configuration space dword through ECAM.
func (d *Driver) WriteConfig32(reg uint16, value uint32) error {
	return d.writeConfig(reg, 4, value)
}

func (d *Driver) readConfig(reg uint16, size int) (uint32, error) {
	buf := make([]byte, size)
	if err := d.bus.ReadMMIO(d.bus.ConfigAddress(d.loc, reg), buf); err != nil {
		return 0, fmt.Errorf("guestdriver: config read %s+%#x: %w", d.loc, reg, err)
	}
	var v uint32
	for i := range buf {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v, nil
}

func (d *Driver) writeConfig(reg uint16, size int, value uint32) error {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	if err := d.bus.WriteMMIO(d.bus.ConfigAddress(d.loc, reg), buf); err != nil {
		return fmt.Errorf("guestdriver: config write %s+%#x: %w", d.loc, reg, err)
	}
	return nil
}
