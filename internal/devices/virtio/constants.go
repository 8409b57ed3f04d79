package virtio

// Device status bits (virtio 1.0, 2.1).
const (
	DeviceStatusInit        uint8 = 0x00
	DeviceStatusAcknowledge uint8 = 0x01
	DeviceStatusDriver      uint8 = 0x02
	DeviceStatusDriverOK    uint8 = 0x04
	DeviceStatusFeaturesOK  uint8 = 0x08
	DeviceStatusFailed      uint8 = 0x80
)

// Feature bits shared by every device type.
const (
	FeatureRingIndirectDesc = 28
	FeatureRingEventIdx     = 29
	FeatureVersion1         = 32

	featureVersion1 = uint64(1) << FeatureVersion1
)

// Interrupt status bits exposed through the ISR register.
const (
	InterruptStatusUsedRing      uint8 = 0x1
	InterruptStatusConfigChanged uint8 = 0x2
)

// Descriptor flags.
const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4
)

// Ring flags.
const (
	virtqAvailFNoInterrupt = 1
	virtqUsedFNoNotify     = 1
)

// Split ring layout sizes.
const (
	descriptorSize  = 16
	usedElementSize = 8
	ringHeaderSize  = 4
	ringEventSize   = 2
)

// MSI-X "no vector" marker.
const VIRTIO_MSI_NO_VECTOR = 0xFFFF

// DeviceType identifies the virtio device class a guest driver binds to.
type DeviceType uint16

// Types taken from linux/virtio_ids.h.
const (
	DeviceTypeNet     DeviceType = 1
	DeviceTypeBlock   DeviceType = 2
	DeviceTypeConsole DeviceType = 3
	DeviceTypeRNG     DeviceType = 4
	DeviceTypeBalloon DeviceType = 5
	DeviceType9P      DeviceType = 9
	DeviceTypeGPU     DeviceType = 16
	DeviceTypeInput   DeviceType = 18
	DeviceTypeVsock   DeviceType = 19
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeNet:
		return "net"
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeConsole:
		return "console"
	case DeviceTypeRNG:
		return "rng"
	case DeviceTypeBalloon:
		return "balloon"
	case DeviceType9P:
		return "9p"
	case DeviceTypeGPU:
		return "gpu"
	case DeviceTypeInput:
		return "input"
	case DeviceTypeVsock:
		return "vsock"
	default:
		return "unknown"
	}
}

// statusString renders a device status byte for logs.
func statusString(status uint8) string {
	if status == DeviceStatusInit {
		return "INIT"
	}
	names := []struct {
		bit  uint8
		name string
	}{
		{DeviceStatusAcknowledge, "ACKNOWLEDGE"},
		{DeviceStatusDriver, "DRIVER"},
		{DeviceStatusFeaturesOK, "FEATURES_OK"},
		{DeviceStatusDriverOK, "DRIVER_OK"},
		{DeviceStatusFailed, "FAILED"},
	}
	out := ""
	for _, n := range names {
		if status&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	if out == "" {
		return "UNKNOWN"
	}
	return out
}
