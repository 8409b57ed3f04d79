package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// GuestMemory provides access to guest physical memory.
// Every queue access goes through it, so every access is bounds checked.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
	// Contains reports whether [addr, addr+length) is backed by guest RAM.
	Contains(addr, length uint64) bool
}

// atomicMemory is implemented by accessors that can order ring index
// accesses against the surrounding plain accesses.
type atomicMemory interface {
	LoadUint16(addr uint64) (uint16, error)
	StoreUint16(addr uint64, value uint16) error
}

// ringIndexModulus is the wrap point of the 16-bit ring indices.
const ringIndexModulus = 1 << 16

// ringAdvance returns idx+n modulo 65536.
func ringAdvance(idx uint16, n uint32) uint16 {
	return uint16((uint32(idx) + n) % ringIndexModulus)
}

// ringDistance returns (to - from) modulo 65536.
func ringDistance(to, from uint16) uint16 {
	return uint16((uint32(to) + ringIndexModulus - uint32(from)) % ringIndexModulus)
}

// Queue is a split virtqueue as seen by the device.
//
// The exported fields mirror the guest-visible transport registers and are
// only written by the transport. The ring cursors are private to the device.
type Queue struct {
	MaxSize    uint16
	Size       uint16
	Ready      bool
	DescTable  uint64
	AvailRing  uint64
	UsedRing   uint64
	MSIXVector uint16

	nextAvail     uint16
	nextUsed      uint16
	signalledUsed uint16
	eventIdx      bool
}

// NewQueue creates a queue whose size can be negotiated up to maxSize.
func NewQueue(maxSize uint16) *Queue {
	q := &Queue{MaxSize: maxSize}
	q.Reset()
	return q
}

// Reset returns the queue to its post-construction state.
func (q *Queue) Reset() {
	q.Size = q.MaxSize
	q.Ready = false
	q.DescTable = 0
	q.AvailRing = 0
	q.UsedRing = 0
	q.MSIXVector = VIRTIO_MSI_NO_VECTOR
	q.nextAvail = 0
	q.nextUsed = 0
	q.signalledUsed = 0
	q.eventIdx = false
}

// SetEventIdx selects VIRTIO_RING_F_EVENT_IDX notification suppression.
func (q *Queue) SetEventIdx(enabled bool) {
	q.eventIdx = enabled
}

// NextAvail returns the index of the next available ring entry to consume.
func (q *Queue) NextAvail() uint16 { return q.nextAvail }

// NextUsed returns the used index the device will publish next.
func (q *Queue) NextUsed() uint16 { return q.nextUsed }

func (q *Queue) descTableLen() uint64 { return uint64(q.Size) * descriptorSize }

func (q *Queue) availRingLen() uint64 {
	return ringHeaderSize + uint64(q.Size)*2 + ringEventSize
}

func (q *Queue) usedRingLen() uint64 {
	return ringHeaderSize + uint64(q.Size)*usedElementSize + ringEventSize
}

// Validate checks that the negotiated size is a non-zero power of two no
// larger than MaxSize and that all three rings fit in guest memory.
func (q *Queue) Validate(mem GuestMemory) error {
	size := q.Size
	switch {
	case size == 0:
		return fmt.Errorf("%w: queue size is zero", ErrConfiguration)
	case size > q.MaxSize:
		return fmt.Errorf("%w: queue size %d exceeds max size %d", ErrConfiguration, size, q.MaxSize)
	case size&(size-1) != 0:
		return fmt.Errorf("%w: queue size %d is not a power of two", ErrConfiguration, size)
	case mem == nil:
		return fmt.Errorf("%w: guest memory accessor is nil", ErrConfiguration)
	}
	if !mem.Contains(q.DescTable, q.descTableLen()) {
		return fmt.Errorf("%w: descriptor table %#x+%#x outside guest memory", ErrConfiguration, q.DescTable, q.descTableLen())
	}
	if !mem.Contains(q.AvailRing, q.availRingLen()) {
		return fmt.Errorf("%w: available ring %#x+%#x outside guest memory", ErrConfiguration, q.AvailRing, q.availRingLen())
	}
	if !mem.Contains(q.UsedRing, q.usedRingLen()) {
		return fmt.Errorf("%w: used ring %#x+%#x outside guest memory", ErrConfiguration, q.UsedRing, q.usedRingLen())
	}
	return nil
}

// IsValid reports whether Validate succeeds.
func (q *Queue) IsValid(mem GuestMemory) bool {
	return q.Validate(mem) == nil
}

func (q *Queue) ensureReady() error {
	if !q.Ready || q.Size == 0 || q.Size&(q.Size-1) != 0 || q.Size > q.MaxSize {
		return errQueueNotReady
	}
	return nil
}

// Pop returns an iterator over the descriptor chains the driver has made
// available since the last call. The number of chains is fixed when Pop is
// called, so the iterator is always finite.
func (q *Queue) Pop(mem GuestMemory) (*AvailIter, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	availIdx, err := loadUint16(mem, q.AvailRing+2)
	if err != nil {
		return nil, fmt.Errorf("%w: read available index: %w", ErrConfiguration, err)
	}
	pending := ringDistance(availIdx, q.nextAvail)
	if pending > q.Size {
		return nil, fmt.Errorf("%w: driver claims %d pending buffers on a queue of size %d", ErrProtocolViolation, pending, q.Size)
	}
	return &AvailIter{q: q, mem: mem, remaining: pending}, nil
}

// AvailIter walks pending descriptor chains, scanner style:
//
//	for it.Next() {
//		chain := it.Chain()
//	}
//	if err := it.Err(); err != nil { ... }
type AvailIter struct {
	q         *Queue
	mem       GuestMemory
	remaining uint16
	chain     *DescriptorChain
	err       error
	done      bool
}

// Next consumes the next pending chain. It returns false once all chains are
// consumed or a chain is rejected; a rejected chain is left in the ring.
func (it *AvailIter) Next() bool {
	it.chain = nil
	if it.done {
		return false
	}
	if it.remaining == 0 {
		it.finish()
		return false
	}
	q := it.q
	slot := uint64(q.nextAvail % q.Size)
	head, err := readUint16(it.mem, q.AvailRing+ringHeaderSize+slot*2)
	if err != nil {
		it.fail(fmt.Errorf("%w: read available ring entry %d: %w", ErrConfiguration, slot, err))
		return false
	}
	chain, err := q.readChain(it.mem, head)
	if err != nil {
		it.fail(err)
		return false
	}
	q.nextAvail = ringAdvance(q.nextAvail, 1)
	it.remaining--
	it.chain = chain
	return true
}

// Chain returns the chain consumed by the last successful Next.
func (it *AvailIter) Chain() *DescriptorChain { return it.chain }

// Err returns the error that stopped the iteration, if any.
func (it *AvailIter) Err() error { return it.err }

func (it *AvailIter) fail(err error) {
	it.err = err
	it.done = true
}

func (it *AvailIter) finish() {
	it.done = true
	q := it.q
	if !q.eventIdx {
		return
	}
	// Ask the driver to notify once it has moved past what we consumed.
	addr := q.UsedRing + ringHeaderSize + uint64(q.Size)*usedElementSize
	if err := storeUint16(it.mem, addr, q.nextAvail); err != nil {
		it.err = fmt.Errorf("%w: write avail_event: %w", ErrConfiguration, err)
	}
}

func (q *Queue) readChain(mem GuestMemory, head uint16) (*DescriptorChain, error) {
	if head >= q.Size {
		return nil, fmt.Errorf("%w: chain head %d out of range (size %d)", ErrProtocolViolation, head, q.Size)
	}
	chain := &DescriptorChain{Head: head}
	index := head
	// A chain can have at most Size descriptors; anything longer loops.
	for steps := uint32(0); ; steps++ {
		if steps >= uint32(q.Size) {
			return nil, fmt.Errorf("%w: chain at head %d exceeds queue size %d", ErrProtocolViolation, head, q.Size)
		}
		desc, err := readDescriptor(mem, q.DescTable, index)
		if err != nil {
			return nil, err
		}
		if desc.IsIndirect() {
			if desc.HasNext() {
				return nil, fmt.Errorf("%w: indirect descriptor %d has NEXT set", ErrProtocolViolation, index)
			}
			table, err := q.readIndirect(mem, desc)
			if err != nil {
				return nil, err
			}
			chain.Descriptors = append(chain.Descriptors, table...)
			chain.Indirect = true
			return chain, nil
		}
		chain.Descriptors = append(chain.Descriptors, desc)
		if !desc.HasNext() {
			return chain, nil
		}
		if desc.Next >= q.Size {
			return nil, fmt.Errorf("%w: descriptor %d links to %d (size %d)", ErrProtocolViolation, index, desc.Next, q.Size)
		}
		index = desc.Next
	}
}

// readIndirect expands an indirect descriptor. Only one level of indirection
// is allowed, and the table may not hold more entries than the queue.
func (q *Queue) readIndirect(mem GuestMemory, desc Descriptor) ([]Descriptor, error) {
	if desc.Len == 0 || desc.Len%descriptorSize != 0 {
		return nil, fmt.Errorf("%w: indirect table length %d", ErrProtocolViolation, desc.Len)
	}
	count := desc.Len / descriptorSize
	if count > uint32(q.Size) {
		return nil, fmt.Errorf("%w: indirect table of %d entries exceeds queue size %d", ErrProtocolViolation, count, q.Size)
	}
	if !mem.Contains(desc.Addr, uint64(desc.Len)) {
		return nil, fmt.Errorf("%w: indirect table %#x+%#x outside guest memory", ErrProtocolViolation, desc.Addr, desc.Len)
	}
	var out []Descriptor
	index := uint16(0)
	for steps := uint32(0); ; steps++ {
		if steps >= count {
			return nil, fmt.Errorf("%w: indirect chain exceeds table length %d", ErrProtocolViolation, count)
		}
		d, err := readDescriptor(mem, desc.Addr, index)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		if d.IsIndirect() {
			return nil, fmt.Errorf("%w: nested indirect descriptor at table entry %d", ErrProtocolViolation, index)
		}
		out = append(out, d)
		if !d.HasNext() {
			return out, nil
		}
		if uint32(d.Next) >= count {
			return nil, fmt.Errorf("%w: indirect entry %d links to %d (table length %d)", ErrProtocolViolation, index, d.Next, count)
		}
		index = d.Next
	}
}

// AddUsed returns a chain to the driver. The element is written before the
// used index moves, so a driver that sees the new index sees the element.
func (q *Queue) AddUsed(mem GuestMemory, head uint16, written uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	if head >= q.Size {
		return fmt.Errorf("%w: used head %d out of range (size %d)", ErrConfiguration, head, q.Size)
	}
	slot := uint64(q.nextUsed % q.Size)
	var elem [usedElementSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], written)
	if err := writeGuest(mem, q.UsedRing+ringHeaderSize+slot*usedElementSize, elem[:]); err != nil {
		return fmt.Errorf("%w: write used element: %w", ErrConfiguration, err)
	}
	next := ringAdvance(q.nextUsed, 1)
	if err := storeUint16(mem, q.UsedRing+2, next); err != nil {
		return fmt.Errorf("%w: publish used index: %w", ErrConfiguration, err)
	}
	q.nextUsed = next
	return nil
}

// ShouldInterrupt reports whether the driver wants an interrupt for the used
// entries added since the previous call.
func (q *Queue) ShouldInterrupt(mem GuestMemory) bool {
	newIdx := q.nextUsed
	oldIdx := q.signalledUsed
	q.signalledUsed = newIdx
	if newIdx == oldIdx {
		return false
	}
	if q.eventIdx {
		usedEvent, err := loadUint16(mem, q.AvailRing+ringHeaderSize+uint64(q.Size)*2)
		if err != nil {
			return true
		}
		// vring_need_event
		return ringDistance(newIdx, ringAdvance(usedEvent, 1)) < ringDistance(newIdx, oldIdx)
	}
	flags, err := loadUint16(mem, q.AvailRing)
	if err != nil {
		return true
	}
	return flags&virtqAvailFNoInterrupt == 0
}

// SetNoNotify sets or clears the NO_NOTIFY hint in the used ring flags.
func (q *Queue) SetNoNotify(mem GuestMemory, suppress bool) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	var flags uint16
	if suppress {
		flags = virtqUsedFNoNotify
	}
	return storeUint16(mem, q.UsedRing, flags)
}

func readDescriptor(mem GuestMemory, table uint64, index uint16) (Descriptor, error) {
	var buf [descriptorSize]byte
	if err := readGuest(mem, table+uint64(index)*descriptorSize, buf[:]); err != nil {
		return Descriptor{}, fmt.Errorf("%w: read descriptor %d: %w", ErrConfiguration, index, err)
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func guestOffset(addr uint64, length int) (int64, error) {
	if addr > math.MaxInt64 || uint64(length) > math.MaxInt64-addr {
		return 0, fmt.Errorf("guest address %#x+%d overflows", addr, length)
	}
	return int64(addr), nil
}

func readGuest(mem GuestMemory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func writeGuest(mem GuestMemory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if mem == nil {
		return fmt.Errorf("guest memory accessor is nil")
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func readUint16(mem GuestMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := readGuest(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func loadUint16(mem GuestMemory, addr uint64) (uint16, error) {
	if am, ok := mem.(atomicMemory); ok {
		return am.LoadUint16(addr)
	}
	return readUint16(mem, addr)
}

func storeUint16(mem GuestMemory, addr uint64, value uint16) error {
	if am, ok := mem.(atomicMemory); ok {
		return am.StoreUint16(addr, value)
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return writeGuest(mem, addr, buf[:])
}
