package guestdriver

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Split ring flags as the driver writes them.
const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	availFNoInterrupt = 1
	usedFNoNotify     = 1
)

// Memory is guest RAM as the simulated driver sees it. The ring indices are
// published with StoreUint16 so the device observes them atomically.
type Memory interface {
	io.ReaderAt
	io.WriterAt
	LoadUint16(addr uint64) (uint16, error)
	StoreUint16(addr uint64, value uint16) error
}

// Buffer is one segment handed to the device.
type Buffer struct {
	Addr uint64
	Len  uint32
	// Write marks a device-writable segment.
	Write bool
}

// Used is one element the device returned on the used ring.
type Used struct {
	Head uint16
	Len  uint32
}

// Virtqueue is the driver half of a split ring laid out in guest memory.
type Virtqueue struct {
	Index uint16
	Size  uint16

	DescTable uint64
	AvailRing uint64
	UsedRing  uint64

	mem      Memory
	free     []uint16
	inflight map[uint16][]uint16
	availIdx uint16
	lastUsed uint16
}

// NewVirtqueue allocates and zeroes the three ring areas.
func NewVirtqueue(mem Memory, alloc *Allocator, index, size uint16) (*Virtqueue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("guestdriver: queue size %d is not a power of two", size)
	}
	descLen := uint64(size) * 16
	availLen := 6 + uint64(size)*2
	usedLen := 6 + uint64(size)*8

	vq := &Virtqueue{
		Index:    index,
		Size:     size,
		mem:      mem,
		inflight: make(map[uint16][]uint16),
	}
	var err error
	if vq.DescTable, err = alloc.Alloc(descLen, 16); err != nil {
		return nil, err
	}
	if vq.AvailRing, err = alloc.Alloc(availLen, 2); err != nil {
		return nil, err
	}
	if vq.UsedRing, err = alloc.Alloc(usedLen, 4); err != nil {
		return nil, err
	}
	for _, area := range []struct{ addr, length uint64 }{
		{vq.DescTable, descLen},
		{vq.AvailRing, availLen},
		{vq.UsedRing, usedLen},
	} {
		if _, err := mem.WriteAt(make([]byte, area.length), int64(area.addr)); err != nil {
			return nil, fmt.Errorf("guestdriver: clear ring: %w", err)
		}
	}
	for i := uint16(0); i < size; i++ {
		vq.free = append(vq.free, size-1-i)
	}
	return vq, nil
}

// FreeDescriptors returns the number of descriptors not owned by the device.
func (vq *Virtqueue) FreeDescriptors() int { return len(vq.free) }

// Submit places bufs as one direct chain and publishes it on the available
// ring. It returns the head index.
func (vq *Virtqueue) Submit(bufs []Buffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, fmt.Errorf("guestdriver: empty chain")
	}
	if len(bufs) > len(vq.free) {
		return 0, fmt.Errorf("guestdriver: %d descriptors wanted, %d free", len(bufs), len(vq.free))
	}
	indices := vq.take(len(bufs))
	for i, b := range bufs {
		var flags, next uint16
		if b.Write {
			flags |= descFWrite
		}
		if i+1 < len(bufs) {
			flags |= descFNext
			next = indices[i+1]
		}
		if err := vq.writeDescriptor(vq.DescTable, indices[i], b.Addr, b.Len, flags, next); err != nil {
			return 0, err
		}
	}
	head := indices[0]
	vq.inflight[head] = indices
	return head, vq.publish(head)
}

// SubmitIndirect writes bufs into an indirect table at table and publishes a
// single descriptor pointing at it.
func (vq *Virtqueue) SubmitIndirect(table uint64, bufs []Buffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, fmt.Errorf("guestdriver: empty chain")
	}
	if len(vq.free) == 0 {
		return 0, fmt.Errorf("guestdriver: no free descriptors")
	}
	for i, b := range bufs {
		var flags, next uint16
		if b.Write {
			flags |= descFWrite
		}
		if i+1 < len(bufs) {
			flags |= descFNext
			next = uint16(i + 1)
		}
		if err := vq.writeDescriptor(table, uint16(i), b.Addr, b.Len, flags, next); err != nil {
			return 0, err
		}
	}
	indices := vq.take(1)
	head := indices[0]
	if err := vq.writeDescriptor(vq.DescTable, head, table, uint32(len(bufs))*16, descFIndirect, 0); err != nil {
		return 0, err
	}
	vq.inflight[head] = indices
	return head, vq.publish(head)
}

// SubmitRaw publishes head without touching the descriptor table. Tests use
// it to hand the device hand-crafted (possibly malformed) chains.
func (vq *Virtqueue) SubmitRaw(head uint16) error {
	return vq.publish(head)
}

// WriteDescriptor writes entry index of the descriptor table directly.
func (vq *Virtqueue) WriteDescriptor(index uint16, addr uint64, length uint32, flags, next uint16) error {
	return vq.writeDescriptor(vq.DescTable, index, addr, length, flags, next)
}

// Reap collects the used elements published since the previous call and
// returns their descriptors to the free list.
func (vq *Virtqueue) Reap() ([]Used, error) {
	usedIdx, err := vq.mem.LoadUint16(vq.UsedRing + 2)
	if err != nil {
		return nil, fmt.Errorf("guestdriver: read used index: %w", err)
	}
	var out []Used
	for vq.lastUsed != usedIdx {
		slot := uint64(vq.lastUsed % vq.Size)
		var elem [8]byte
		if _, err := vq.mem.ReadAt(elem[:], int64(vq.UsedRing+4+slot*8)); err != nil {
			return out, fmt.Errorf("guestdriver: read used element: %w", err)
		}
		u := Used{
			Head: uint16(binary.LittleEndian.Uint32(elem[0:4])),
			Len:  binary.LittleEndian.Uint32(elem[4:8]),
		}
		if indices, ok := vq.inflight[u.Head]; ok {
			vq.free = append(vq.free, indices...)
			delete(vq.inflight, u.Head)
		}
		out = append(out, u)
		vq.lastUsed++
	}
	return out, nil
}

// UsedIndex returns the device's used index.
func (vq *Virtqueue) UsedIndex() (uint16, error) {
	return vq.mem.LoadUint16(vq.UsedRing + 2)
}

// AvailEvent returns the avail_event field the device writes when
// VIRTIO_F_EVENT_IDX is negotiated.
func (vq *Virtqueue) AvailEvent() (uint16, error) {
	return vq.mem.LoadUint16(vq.UsedRing + 4 + uint64(vq.Size)*8)
}

// NoNotify reports whether the device asked not to be notified.
func (vq *Virtqueue) NoNotify() (bool, error) {
	flags, err := vq.mem.LoadUint16(vq.UsedRing)
	if err != nil {
		return false, err
	}
	return flags&usedFNoNotify != 0, nil
}

// SetUsedEvent writes used_event, the used index after which the driver
// wants its next interrupt.
func (vq *Virtqueue) SetUsedEvent(idx uint16) error {
	return vq.mem.StoreUint16(vq.AvailRing+4+uint64(vq.Size)*2, idx)
}

// SetNoInterrupt sets or clears VIRTQ_AVAIL_F_NO_INTERRUPT.
func (vq *Virtqueue) SetNoInterrupt(suppress bool) error {
	var flags uint16
	if suppress {
		flags = availFNoInterrupt
	}
	return vq.mem.StoreUint16(vq.AvailRing, flags)
}

// SetAvailIndex overwrites the published available index.
func (vq *Virtqueue) SetAvailIndex(idx uint16) error {
	vq.availIdx = idx
	return vq.mem.StoreUint16(vq.AvailRing+2, idx)
}

func (vq *Virtqueue) take(n int) []uint16 {
	indices := make([]uint16, n)
	for i := range indices {
		last := len(vq.free) - 1
		indices[i] = vq.free[last]
		vq.free = vq.free[:last]
	}
	return indices
}

func (vq *Virtqueue) publish(head uint16) error {
	slot := uint64(vq.availIdx % vq.Size)
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], head)
	if _, err := vq.mem.WriteAt(buf[:], int64(vq.AvailRing+4+slot*2)); err != nil {
		return fmt.Errorf("guestdriver: write available entry: %w", err)
	}
	vq.availIdx++
	// The entry must be visible before the index that covers it.
	return vq.mem.StoreUint16(vq.AvailRing+2, vq.availIdx)
}

func (vq *Virtqueue) writeDescriptor(table uint64, index uint16, addr uint64, length uint32, flags, next uint16) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	if _, err := vq.mem.WriteAt(buf[:], int64(table+uint64(index)*16)); err != nil {
		return fmt.Errorf("guestdriver: write descriptor %d: %w", index, err)
	}
	return nil
}
