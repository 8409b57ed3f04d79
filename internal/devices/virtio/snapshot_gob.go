package virtio

import (
	"encoding/gob"
	"fmt"
)

func init() {
	// Register snapshot types for gob encoding/decoding.
	gob.Register(&QueueSnapshot{})
	gob.Register(&PCIDeviceSnapshot{})
}

// QueueSnapshot holds the state of a virtio queue for snapshotting.
type QueueSnapshot struct {
	MaxSize       uint16
	Size          uint16
	Ready         bool
	DescTable     uint64
	AvailRing     uint64
	UsedRing      uint64
	MSIXVector    uint16
	NextAvail     uint16
	NextUsed      uint16
	SignalledUsed uint16
	EventIdx      bool
}

// State captures the queue registers and ring cursors.
func (q *Queue) State() QueueSnapshot {
	return QueueSnapshot{
		MaxSize:       q.MaxSize,
		Size:          q.Size,
		Ready:         q.Ready,
		DescTable:     q.DescTable,
		AvailRing:     q.AvailRing,
		UsedRing:      q.UsedRing,
		MSIXVector:    q.MSIXVector,
		NextAvail:     q.nextAvail,
		NextUsed:      q.nextUsed,
		SignalledUsed: q.signalledUsed,
		EventIdx:      q.eventIdx,
	}
}

// SetState restores a snapshot taken from a queue with the same MaxSize.
func (q *Queue) SetState(snap QueueSnapshot) error {
	if snap.MaxSize != q.MaxSize {
		return fmt.Errorf("queue max size mismatch: snapshot has %d, queue has %d", snap.MaxSize, q.MaxSize)
	}
	q.Size = snap.Size
	q.Ready = snap.Ready
	q.DescTable = snap.DescTable
	q.AvailRing = snap.AvailRing
	q.UsedRing = snap.UsedRing
	q.MSIXVector = snap.MSIXVector
	q.nextAvail = snap.NextAvail
	q.nextUsed = snap.NextUsed
	q.signalledUsed = snap.SignalledUsed
	q.eventIdx = snap.EventIdx
	return nil
}

// PCIDeviceSnapshot holds the guest-visible register image of a virtio-pci
// function. Backend state is snapshotted by the backend itself.
type PCIDeviceSnapshot struct {
	DeviceFeatureSel uint32
	DriverFeatureSel uint32
	MSIXConfig       uint16
	Status           uint8
	AckedFeatures    uint64
	ConfigGeneration uint8
	QueueSelect      uint16
	InterruptStatus  uint8

	Command       uint16
	InterruptLine uint8
	BARLow        [type0BARCount]uint32
	BARHigh       [type0BARCount]uint32

	MSIXControl uint16
	MSIXAddr    []uint64
	MSIXData    []uint32
	MSIXMasked  []bool
	MSIXPending []uint64

	Queues []QueueSnapshot
}

// State captures the transport registers.
func (d *PCIDevice) State() PCIDeviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irqMu.Lock()
	defer d.irqMu.Unlock()

	snap := PCIDeviceSnapshot{
		DeviceFeatureSel: d.common.deviceFeatureSel,
		DriverFeatureSel: d.common.driverFeatureSel,
		MSIXConfig:       d.common.msixConfig,
		Status:           d.common.status,
		AckedFeatures:    d.dev.AckedFeatures(),
		ConfigGeneration: d.common.configGeneration,
		QueueSelect:      d.common.queueSelect,
		InterruptStatus:  d.isr,
		Command:          d.command,
		InterruptLine:    d.interruptLine,
		Queues:           make([]QueueSnapshot, len(d.queues)),
	}
	for i := range d.bars {
		snap.BARLow[i] = d.bars[i].rawLow
		snap.BARHigh[i] = d.bars[i].rawHigh
	}
	if d.msix != nil {
		snap.MSIXControl = d.msix.control
		for _, e := range d.msix.entries {
			snap.MSIXAddr = append(snap.MSIXAddr, e.addr)
			snap.MSIXData = append(snap.MSIXData, e.data)
			snap.MSIXMasked = append(snap.MSIXMasked, e.masked)
		}
		snap.MSIXPending = append([]uint64(nil), d.msix.pending...)
	}
	for i, q := range d.queues {
		snap.Queues[i] = q.State()
	}
	return snap
}

// SetState restores the transport registers and the backend's acked
// features. It must be called before the guest runs; a snapshot taken after
// DRIVER_OK is restored without reactivating the backend. Snapshots whose
// status the driver could not have reached are rejected before anything is
// changed.
func (d *PCIDevice) SetState(snap PCIDeviceSnapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.irqMu.Lock()
	defer d.irqMu.Unlock()

	if len(snap.Queues) != len(d.queues) {
		return fmt.Errorf("queue count mismatch: snapshot has %d, device has %d", len(snap.Queues), len(d.queues))
	}
	if d.msix != nil {
		n := len(d.msix.entries)
		if len(snap.MSIXAddr) != n || len(snap.MSIXData) != n || len(snap.MSIXMasked) != n {
			return fmt.Errorf("MSI-X vector count mismatch: snapshot has %d, device has %d", len(snap.MSIXAddr), n)
		}
	}
	if unknown := snap.AckedFeatures &^ d.dev.DeviceFeatures(); unknown != 0 {
		return fmt.Errorf("%w: snapshot acks features %#x the device does not offer", ErrConfiguration, unknown)
	}
	if err := checkStatusImage(snap.Status, snap.AckedFeatures); err != nil {
		return err
	}
	for i, q := range d.queues {
		if snap.Queues[i].MaxSize != q.MaxSize {
			return fmt.Errorf("queue %d: max size mismatch: snapshot has %d, queue has %d", i, snap.Queues[i].MaxSize, q.MaxSize)
		}
	}

	for i, q := range d.queues {
		if err := q.SetState(snap.Queues[i]); err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}
	}

	d.common.deviceFeatureSel = snap.DeviceFeatureSel
	d.common.driverFeatureSel = snap.DriverFeatureSel
	d.common.msixConfig = snap.MSIXConfig
	d.common.status = snap.Status
	d.dev.AckFeatures(0, uint32(snap.AckedFeatures))
	d.dev.AckFeatures(1, uint32(snap.AckedFeatures>>32))
	d.common.configGeneration = snap.ConfigGeneration
	d.common.queueSelect = snap.QueueSelect
	d.isr = snap.InterruptStatus
	d.command = snap.Command
	d.intxDisabled = d.command&pciCommandIntxDisable != 0
	d.interruptLine = snap.InterruptLine
	d.configVector = snap.MSIXConfig

	for i := range d.bars {
		d.bars[i].rawLow = snap.BARLow[i]
		d.bars[i].rawHigh = snap.BARHigh[i]
		d.bars[i].sizing = false
		d.bars[i].value = uint64(snap.BARHigh[i])<<32 | uint64(snap.BARLow[i]&0xffff_fff0)
	}
	d.recomputeRegionAddrs()

	if d.msix != nil {
		d.msix.control = snap.MSIXControl
		for i := range d.msix.entries {
			d.msix.entries[i] = msixEntry{addr: snap.MSIXAddr[i], data: snap.MSIXData[i], masked: snap.MSIXMasked[i]}
		}
		copy(d.msix.pending, snap.MSIXPending)
	}
	return nil
}
