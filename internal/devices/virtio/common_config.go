package virtio

import (
	"fmt"
	"log/slog"
)

// Common configuration structure offsets (virtio 1.0, 4.1.4.3).
const (
	VIRTIO_PCI_COMMON_DFSELECT      = 0x00 // Device Feature Select
	VIRTIO_PCI_COMMON_DF            = 0x04 // Device Features
	VIRTIO_PCI_COMMON_GFSELECT      = 0x08 // Guest Feature Select
	VIRTIO_PCI_COMMON_GF            = 0x0C // Guest Features
	VIRTIO_PCI_COMMON_MSIX          = 0x10 // MSI-X Config Vector
	VIRTIO_PCI_COMMON_NUMQ          = 0x12 // Number of Queues
	VIRTIO_PCI_COMMON_STATUS        = 0x14 // Device Status
	VIRTIO_PCI_COMMON_CFGGENERATION = 0x15 // Config Generation
	VIRTIO_PCI_COMMON_Q_SELECT      = 0x16 // Queue Select
	VIRTIO_PCI_COMMON_Q_SIZE        = 0x18 // Queue Size
	VIRTIO_PCI_COMMON_Q_MSIX        = 0x1A // Queue MSI-X Vector
	VIRTIO_PCI_COMMON_Q_ENABLE      = 0x1C // Queue Enable
	VIRTIO_PCI_COMMON_Q_NOFF        = 0x1E // Queue Notify Off
	VIRTIO_PCI_COMMON_Q_DESCLO      = 0x20 // Queue Descriptor Low
	VIRTIO_PCI_COMMON_Q_DESCHI      = 0x24 // Queue Descriptor High
	VIRTIO_PCI_COMMON_Q_AVAILLO     = 0x28 // Queue Available Low
	VIRTIO_PCI_COMMON_Q_AVAILHI     = 0x2C // Queue Available High
	VIRTIO_PCI_COMMON_Q_USEDLO      = 0x30 // Queue Used Low
	VIRTIO_PCI_COMMON_Q_USEDHI      = 0x34 // Queue Used High

	commonConfigLength = 0x38
)

// statusAction tells the transport what a common config write requires of it.
type statusAction int

const (
	statusActionNone statusAction = iota
	statusActionReset
	statusActionActivate
)

const knownStatusBits = DeviceStatusAcknowledge | DeviceStatusDriver |
	DeviceStatusDriverOK | DeviceStatusFeaturesOK | DeviceStatusFailed

// CommonConfig is the virtio-pci common configuration register file. The
// per-queue registers live in the Queue values it is handed; feature state
// lives in the Device.
type CommonConfig struct {
	deviceFeatureSel uint32
	driverFeatureSel uint32
	msixConfig       uint16
	status           uint8
	configGeneration uint8
	queueSelect      uint16

	// msixVectors is the MSI-X table size; 0 means MSI-X is not exposed.
	msixVectors uint16
}

// NewCommonConfig returns a register file in its reset state.
func NewCommonConfig(msixVectors uint16) *CommonConfig {
	c := &CommonConfig{msixVectors: msixVectors}
	c.reset()
	return c
}

func (c *CommonConfig) reset() {
	c.deviceFeatureSel = 0
	c.driverFeatureSel = 0
	c.msixConfig = VIRTIO_MSI_NO_VECTOR
	c.status = DeviceStatusInit
	c.configGeneration = 0
	c.queueSelect = 0
}

// Status returns the device status byte.
func (c *CommonConfig) Status() uint8 { return c.status }

// ConfigGeneration returns the config generation counter.
func (c *CommonConfig) ConfigGeneration() uint8 { return c.configGeneration }

// MSIXConfigVector returns the vector used for config change interrupts.
func (c *CommonConfig) MSIXConfigVector() uint16 { return c.msixConfig }

func (c *CommonConfig) bumpGeneration() { c.configGeneration++ }

func (c *CommonConfig) setFailed() { c.status |= DeviceStatusFailed }

// commonFieldWidth returns the width of the field that starts at offset, or 0
// if offset is not the start of a field.
func commonFieldWidth(offset uint64) uint64 {
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT,
		VIRTIO_PCI_COMMON_DF,
		VIRTIO_PCI_COMMON_GFSELECT,
		VIRTIO_PCI_COMMON_GF,
		VIRTIO_PCI_COMMON_Q_DESCLO,
		VIRTIO_PCI_COMMON_Q_DESCHI,
		VIRTIO_PCI_COMMON_Q_AVAILLO,
		VIRTIO_PCI_COMMON_Q_AVAILHI,
		VIRTIO_PCI_COMMON_Q_USEDLO,
		VIRTIO_PCI_COMMON_Q_USEDHI:
		return 4
	case VIRTIO_PCI_COMMON_MSIX,
		VIRTIO_PCI_COMMON_NUMQ,
		VIRTIO_PCI_COMMON_Q_SELECT,
		VIRTIO_PCI_COMMON_Q_SIZE,
		VIRTIO_PCI_COMMON_Q_MSIX,
		VIRTIO_PCI_COMMON_Q_ENABLE,
		VIRTIO_PCI_COMMON_Q_NOFF:
		return 2
	case VIRTIO_PCI_COMMON_STATUS,
		VIRTIO_PCI_COMMON_CFGGENERATION:
		return 1
	}
	return 0
}

// fieldStart returns the offset of the field containing offset.
func fieldStart(offset uint64) uint64 {
	for start := offset; ; start-- {
		if commonFieldWidth(start) != 0 {
			return start
		}
		if start == 0 {
			return 0
		}
	}
}

func checkCommonAccess(offset uint64, length int) error {
	switch length {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: common config access of %d bytes at %#x", ErrProtocolViolation, length, offset)
	}
	if offset%uint64(length) != 0 {
		return fmt.Errorf("%w: unaligned common config access of %d bytes at %#x", ErrProtocolViolation, length, offset)
	}
	if offset >= commonConfigLength || uint64(length) > commonConfigLength-offset {
		return fmt.Errorf("%w: common config access of %d bytes at %#x out of range", ErrProtocolViolation, length, offset)
	}
	return nil
}

// Read fills data from the register file. Invalid accesses read as zero.
func (c *CommonConfig) Read(offset uint64, data []byte, queues []*Queue, dev Device) error {
	clear(data)
	if err := checkCommonAccess(offset, len(data)); err != nil {
		return err
	}
	end := offset + uint64(len(data))
	for field := fieldStart(offset); field < end; field += commonFieldWidth(field) {
		value := c.readField(field, queues, dev)
		width := commonFieldWidth(field)
		for i := uint64(0); i < width; i++ {
			pos := field + i
			if pos < offset || pos >= end {
				continue
			}
			data[pos-offset] = byte(value >> (8 * i))
		}
	}
	return nil
}

// Write applies data to the register file. A write covering only part of a
// field is merged with the field's current value.
func (c *CommonConfig) Write(offset uint64, data []byte, queues []*Queue, dev Device) (statusAction, error) {
	if err := checkCommonAccess(offset, len(data)); err != nil {
		return statusActionNone, err
	}
	action := statusActionNone
	end := offset + uint64(len(data))
	for field := fieldStart(offset); field < end; field += commonFieldWidth(field) {
		width := commonFieldWidth(field)
		var value uint32
		if field < offset || field+width > end {
			value = c.readField(field, queues, dev)
		}
		for i := uint64(0); i < width; i++ {
			pos := field + i
			if pos < offset || pos >= end {
				continue
			}
			mask := uint32(0xff) << (8 * i)
			value = (value &^ mask) | uint32(data[pos-offset])<<(8*i)
		}
		if a := c.writeField(field, value, queues, dev); a != statusActionNone {
			action = a
		}
	}
	return action, nil
}

func (c *CommonConfig) selectedQueue(queues []*Queue) *Queue {
	idx := int(c.queueSelect)
	if idx >= len(queues) {
		return nil
	}
	return queues[idx]
}

func (c *CommonConfig) readField(offset uint64, queues []*Queue, dev Device) uint32 {
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT:
		return c.deviceFeatureSel
	case VIRTIO_PCI_COMMON_DF:
		if c.deviceFeatureSel > 1 {
			return 0
		}
		return uint32(dev.DeviceFeatures() >> (32 * c.deviceFeatureSel))
	case VIRTIO_PCI_COMMON_GFSELECT:
		return c.driverFeatureSel
	case VIRTIO_PCI_COMMON_GF:
		if c.driverFeatureSel > 1 {
			return 0
		}
		return uint32(dev.AckedFeatures() >> (32 * c.driverFeatureSel))
	case VIRTIO_PCI_COMMON_MSIX:
		return uint32(c.msixConfig)
	case VIRTIO_PCI_COMMON_NUMQ:
		return uint32(len(queues))
	case VIRTIO_PCI_COMMON_STATUS:
		return uint32(c.status)
	case VIRTIO_PCI_COMMON_CFGGENERATION:
		return uint32(c.configGeneration)
	case VIRTIO_PCI_COMMON_Q_SELECT:
		return uint32(c.queueSelect)
	}

	q := c.selectedQueue(queues)
	if q == nil {
		return 0
	}
	switch offset {
	case VIRTIO_PCI_COMMON_Q_SIZE:
		return uint32(q.Size)
	case VIRTIO_PCI_COMMON_Q_MSIX:
		return uint32(q.MSIXVector)
	case VIRTIO_PCI_COMMON_Q_ENABLE:
		if q.Ready {
			return 1
		}
		return 0
	case VIRTIO_PCI_COMMON_Q_NOFF:
		return uint32(c.queueSelect)
	case VIRTIO_PCI_COMMON_Q_DESCLO:
		return uint32(q.DescTable)
	case VIRTIO_PCI_COMMON_Q_DESCHI:
		return uint32(q.DescTable >> 32)
	case VIRTIO_PCI_COMMON_Q_AVAILLO:
		return uint32(q.AvailRing)
	case VIRTIO_PCI_COMMON_Q_AVAILHI:
		return uint32(q.AvailRing >> 32)
	case VIRTIO_PCI_COMMON_Q_USEDLO:
		return uint32(q.UsedRing)
	case VIRTIO_PCI_COMMON_Q_USEDHI:
		return uint32(q.UsedRing >> 32)
	}
	return 0
}

func (c *CommonConfig) writeField(offset uint64, value uint32, queues []*Queue, dev Device) statusAction {
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT:
		c.deviceFeatureSel = value
	case VIRTIO_PCI_COMMON_DF, VIRTIO_PCI_COMMON_NUMQ, VIRTIO_PCI_COMMON_CFGGENERATION, VIRTIO_PCI_COMMON_Q_NOFF:
		// read-only
	case VIRTIO_PCI_COMMON_GFSELECT:
		c.driverFeatureSel = value
	case VIRTIO_PCI_COMMON_GF:
		if c.status&(DeviceStatusFeaturesOK|DeviceStatusFailed) != 0 {
			slog.Warn("virtio-pci: driver features written after negotiation", "status", statusString(c.status))
			return statusActionNone
		}
		if c.driverFeatureSel > 1 {
			return statusActionNone
		}
		dev.AckFeatures(c.driverFeatureSel, value)
	case VIRTIO_PCI_COMMON_MSIX:
		c.msixConfig = c.clampVector(uint16(value))
	case VIRTIO_PCI_COMMON_STATUS:
		return c.writeStatus(uint8(value), dev)
	case VIRTIO_PCI_COMMON_Q_SELECT:
		c.queueSelect = uint16(value)
	default:
		c.writeQueueField(offset, value, queues)
	}
	return statusActionNone
}

func (c *CommonConfig) clampVector(vector uint16) uint16 {
	if vector >= c.msixVectors {
		return VIRTIO_MSI_NO_VECTOR
	}
	return vector
}

func (c *CommonConfig) writeQueueField(offset uint64, value uint32, queues []*Queue) {
	q := c.selectedQueue(queues)
	if q == nil {
		return
	}
	if c.status&(DeviceStatusDriverOK|DeviceStatusFailed) != 0 {
		slog.Warn("virtio-pci: queue register written while live", "queue", c.queueSelect, "offset", fmt.Sprintf("%#x", offset))
		return
	}
	switch offset {
	case VIRTIO_PCI_COMMON_Q_SIZE:
		size := uint16(value)
		if size == 0 || size > q.MaxSize || size&(size-1) != 0 {
			slog.Warn("virtio-pci: rejected queue size", "queue", c.queueSelect, "size", size, "max", q.MaxSize)
			return
		}
		q.Size = size
	case VIRTIO_PCI_COMMON_Q_MSIX:
		q.MSIXVector = c.clampVector(uint16(value))
	case VIRTIO_PCI_COMMON_Q_ENABLE:
		// Drivers never disable a queue; only reset does.
		if value&1 != 0 {
			q.Ready = true
		}
	case VIRTIO_PCI_COMMON_Q_DESCLO:
		q.DescTable = setLow32(q.DescTable, value)
	case VIRTIO_PCI_COMMON_Q_DESCHI:
		q.DescTable = setHigh32(q.DescTable, value)
	case VIRTIO_PCI_COMMON_Q_AVAILLO:
		q.AvailRing = setLow32(q.AvailRing, value)
	case VIRTIO_PCI_COMMON_Q_AVAILHI:
		q.AvailRing = setHigh32(q.AvailRing, value)
	case VIRTIO_PCI_COMMON_Q_USEDLO:
		q.UsedRing = setLow32(q.UsedRing, value)
	case VIRTIO_PCI_COMMON_Q_USEDHI:
		q.UsedRing = setHigh32(q.UsedRing, value)
	}
}

func setLow32(v uint64, low uint32) uint64 {
	return (v &^ 0xffffffff) | uint64(low)
}

func setHigh32(v uint64, high uint32) uint64 {
	return (v & 0xffffffff) | uint64(high)<<32
}

// writeStatus applies the device status state machine. Rejected transitions
// leave the status unchanged (or drop only the offending bit).
func (c *CommonConfig) writeStatus(value uint8, dev Device) statusAction {
	old := c.status
	if value == DeviceStatusInit {
		return statusActionReset
	}
	if old&DeviceStatusFailed != 0 {
		slog.Warn("virtio-pci: status write to failed device ignored", "value", statusString(value))
		return statusActionNone
	}
	if value&DeviceStatusFailed != 0 {
		c.status = old | DeviceStatusFailed
		return statusActionNone
	}
	value &= knownStatusBits
	if value&old != old {
		slog.Warn("virtio-pci: status write clears bits", "old", statusString(old), "new", statusString(value))
		return statusActionNone
	}

	added := value &^ old
	if added&DeviceStatusFeaturesOK != 0 && !c.featuresAcceptable(old|added, dev) {
		slog.Warn("virtio-pci: FEATURES_OK rejected",
			"status", statusString(old|added),
			"acked", fmt.Sprintf("%#x", dev.AckedFeatures()),
			"offered", fmt.Sprintf("%#x", dev.DeviceFeatures()))
		added &^= DeviceStatusFeaturesOK
	}
	if added&DeviceStatusDriverOK != 0 && (old|added)&DeviceStatusFeaturesOK == 0 {
		slog.Warn("virtio-pci: DRIVER_OK without FEATURES_OK ignored")
		added &^= DeviceStatusDriverOK
	}
	c.status = old | added
	if added&DeviceStatusDriverOK != 0 {
		return statusActionActivate
	}
	return statusActionNone
}

// checkStatusImage reports whether the driver could have reached status
// with acked as the negotiated features.
func checkStatusImage(status uint8, acked uint64) error {
	switch {
	case status&^knownStatusBits != 0:
		return fmt.Errorf("%w: unknown status bits in %s", ErrConfiguration, statusString(status))
	case status&DeviceStatusDriverOK != 0 && status&DeviceStatusFeaturesOK == 0:
		return fmt.Errorf("%w: DRIVER_OK without FEATURES_OK in %s", ErrConfiguration, statusString(status))
	case status&DeviceStatusFeaturesOK == 0:
		return nil
	case status&DeviceStatusAcknowledge == 0 || status&DeviceStatusDriver == 0:
		return fmt.Errorf("%w: FEATURES_OK without ACKNOWLEDGE and DRIVER in %s", ErrConfiguration, statusString(status))
	case acked&featureVersion1 == 0:
		return fmt.Errorf("%w: FEATURES_OK without VERSION_1 (acked %#x)", ErrConfiguration, acked)
	}
	return nil
}

func (c *CommonConfig) featuresAcceptable(status uint8, dev Device) bool {
	if status&DeviceStatusAcknowledge == 0 || status&DeviceStatusDriver == 0 {
		return false
	}
	acked := dev.AckedFeatures()
	if acked&featureVersion1 == 0 {
		return false
	}
	return acked&^dev.DeviceFeatures() == 0
}
