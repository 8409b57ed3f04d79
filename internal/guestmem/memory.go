// Package guestmem provides bounds-checked access to guest physical memory.
//
// All accessors treat the guest as a concurrent writer: callers never get a
// reference that outlives a single access, and every access is revalidated
// against the mapped region.
package guestmem

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned for accesses that are not fully backed by guest RAM.
var ErrOutOfRange = errors.New("guestmem: access outside guest memory")

// Memory is a single contiguous guest RAM region backed by an anonymous mapping.
type Memory struct {
	base uint64
	mem  []byte
}

// New maps size bytes of guest RAM starting at guest physical address base.
func New(base, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: size must be non-zero")
	}
	if base+size < base {
		return nil, fmt.Errorf("guestmem: region %#x+%#x overflows", base, size)
	}
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d bytes: %w", size, err)
	}
	return &Memory{base: base, mem: mem}, nil
}

// Base returns the first guest physical address of the region.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the region size in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.mem)) }

// Contains reports whether [addr, addr+length) lies entirely inside guest RAM.
func (m *Memory) Contains(addr, length uint64) bool {
	_, ok := m.offset(addr, length)
	return ok
}

func (m *Memory) offset(addr, length uint64) (uint64, bool) {
	if m == nil || m.mem == nil {
		return 0, false
	}
	if addr < m.base {
		return 0, false
	}
	off := addr - m.base
	size := uint64(len(m.mem))
	if off > size || length > size-off {
		return 0, false
	}
	return off, true
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	start, ok := m.offset(uint64(off), uint64(len(p)))
	if !ok {
		return 0, fmt.Errorf("%w: read %#x+%d", ErrOutOfRange, off, len(p))
	}
	return copy(p, m.mem[start:start+uint64(len(p))]), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	start, ok := m.offset(uint64(off), uint64(len(p)))
	if !ok {
		return 0, fmt.Errorf("%w: write %#x+%d", ErrOutOfRange, off, len(p))
	}
	return copy(m.mem[start:start+uint64(len(p))], p), nil
}

// LoadUint16 atomically loads a little-endian 16-bit value.
// Loads are ordered before any access that follows them.
func (m *Memory) LoadUint16(addr uint64) (uint16, error) {
	start, ok := m.offset(addr, 2)
	if !ok {
		return 0, fmt.Errorf("%w: load16 %#x", ErrOutOfRange, addr)
	}
	word, shift, ok := m.word(start)
	if !ok {
		return uint16(m.mem[start]) | uint16(m.mem[start+1])<<8, nil
	}
	return uint16(atomic.LoadUint32(word) >> shift), nil
}

// StoreUint16 atomically stores a little-endian 16-bit value. Every store
// issued before it is visible to the guest before the new value is.
func (m *Memory) StoreUint16(addr uint64, value uint16) error {
	start, ok := m.offset(addr, 2)
	if !ok {
		return fmt.Errorf("%w: store16 %#x", ErrOutOfRange, addr)
	}
	word, shift, ok := m.word(start)
	if !ok {
		m.mem[start] = byte(value)
		m.mem[start+1] = byte(value >> 8)
		return nil
	}
	mask := uint32(0xffff) << shift
	for {
		old := atomic.LoadUint32(word)
		updated := (old &^ mask) | uint32(value)<<shift
		if atomic.CompareAndSwapUint32(word, old, updated) {
			return nil
		}
	}
}

// word returns the naturally aligned 32-bit word holding the 16-bit field at
// start. Unaligned fields and fields at the very end of RAM have no such word.
func (m *Memory) word(start uint64) (*uint32, uint, bool) {
	if start%2 != 0 {
		return nil, 0, false
	}
	aligned := start &^ 3
	if aligned+4 > uint64(len(m.mem)) {
		return nil, 0, false
	}
	// mmap returns page aligned memory, so the offset alignment carries over.
	return (*uint32)(unsafe.Pointer(&m.mem[aligned])), uint((start - aligned) * 8), true
}

// Close unmaps the region. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m == nil || m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
