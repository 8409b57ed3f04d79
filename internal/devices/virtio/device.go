package virtio

import (
	"fmt"
	"log/slog"
)

// Device is the contract between a transport and a virtio device backend.
//
// A backend describes itself (type, queues, features, config space) and is
// handed its runtime resources in Activate once the driver sets DRIVER_OK.
// All calls are made under the transport lock, so a backend sees them one at
// a time. Event callbacks registered during Activate run on the event loop
// goroutine.
type Device interface {
	// DeviceType returns the virtio device class, e.g. DeviceTypeRNG.
	DeviceType() DeviceType

	// QueueMaxSizes returns one entry per virtqueue: the largest size the
	// backend accepts for that queue.
	QueueMaxSizes() []uint16

	// DeviceFeatures returns the full 64-bit feature offer. It must not
	// change while the device is live.
	DeviceFeatures() uint64

	// AckFeatures records the driver's acknowledgement for the 32-bit page
	// of features selected by page (0 = bits 0..31, 1 = bits 32..63).
	AckFeatures(page, value uint32)

	// AckedFeatures returns the acknowledged subset of the offer.
	AckedFeatures() uint64

	// ReadConfig fills data from the device-specific config space at offset.
	// Bytes outside the config space read as zero.
	ReadConfig(offset uint64, data []byte)

	// WriteConfig writes the device-specific config space. Writes outside
	// the config space are ignored.
	WriteConfig(offset uint64, data []byte)

	// Activate starts the device. On error the backend must not keep any
	// reference to act; registrations it made are rolled back by the caller.
	Activate(act *Activation) error

	// Reset stops the device and releases everything acquired in Activate.
	// It must be safe to call on a device that was never activated.
	Reset()
}

// Activation carries the runtime resources handed to a backend when the
// driver sets DRIVER_OK. Queues and QueueEvents are indexed by queue number.
type Activation struct {
	Memory      GuestMemory
	Interrupt   InterruptSender
	Queues      []*Queue
	QueueEvents []QueueEvent
	Events      EventRegistrar
}

// InterruptKind selects the interrupt cause.
type InterruptKind int

const (
	// InterruptUsedRing reports new used ring entries on a queue.
	InterruptUsedRing InterruptKind = iota
	// InterruptConfigChange reports a device config space change.
	InterruptConfigChange
)

func (k InterruptKind) String() string {
	switch k {
	case InterruptUsedRing:
		return "used-ring"
	case InterruptConfigChange:
		return "config-change"
	default:
		return fmt.Sprintf("InterruptKind(%d)", int(k))
	}
}

// InterruptSender raises guest interrupts on behalf of a backend.
type InterruptSender interface {
	Trigger(kind InterruptKind, queue int) error

	// Fail sets FAILED after a guest fault the backend cannot get past, such
	// as a malformed chain at the head of a queue, and raises a config
	// interrupt. Backends must not hold a lock that Reset takes while calling
	// it.
	Fail(cause error)
}

// FeatureSet implements the feature half of Device and can be embedded by
// backends. Offered must be set before the device is attached.
type FeatureSet struct {
	Offered uint64
	acked   uint64
}

func (f *FeatureSet) DeviceFeatures() uint64 { return f.Offered }

func (f *FeatureSet) AckFeatures(page, value uint32) {
	if page > 1 {
		slog.Warn("virtio: driver acked feature page out of range", "page", page, "value", fmt.Sprintf("%#x", value))
		return
	}
	shift := 32 * page
	bits := uint64(value) << shift
	if unknown := bits &^ f.Offered; unknown != 0 {
		slog.Warn("virtio: driver acked features that were not offered", "features", fmt.Sprintf("%#x", unknown))
	}
	mask := uint64(0xffffffff) << shift
	f.acked = (f.acked &^ mask) | (bits & f.Offered)
}

func (f *FeatureSet) AckedFeatures() uint64 { return f.acked }

// ResetFeatures forgets the driver's acknowledgement.
func (f *FeatureSet) ResetFeatures() { f.acked = 0 }

// HasFeature reports whether bit has been negotiated.
func (f *FeatureSet) HasFeature(bit uint) bool {
	return f.acked&(uint64(1)<<bit) != 0
}
