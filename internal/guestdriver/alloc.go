package guestdriver

import "fmt"

// Allocator hands out guest physical memory for rings and buffers. Memory is
// never returned; a driver instance lives for one test or self test run.
type Allocator struct {
	base uint64
	end  uint64
	next uint64
}

// NewAllocator manages [base, base+size).
func NewAllocator(base, size uint64) *Allocator {
	return &Allocator{base: base, end: base + size, next: base}
}

// Alloc reserves size bytes aligned to align, which must be a power of two.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("guestdriver: alignment %d is not a power of two", align)
	}
	addr := (a.next + align - 1) &^ (align - 1)
	if addr < a.next || addr+size < addr || addr+size > a.end {
		return 0, fmt.Errorf("guestdriver: out of guest memory allocating %d bytes", size)
	}
	a.next = addr + size
	return addr, nil
}

// Remaining returns the number of unallocated bytes.
func (a *Allocator) Remaining() uint64 { return a.end - a.next }
