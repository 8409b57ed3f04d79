package virtio

import (
	"fmt"
	"log/slog"
)

const (
	msixControlEnableBit    = uint16(1 << 15)
	msixControlFunctionMask = uint16(1 << 14)
	msixTableSizeMask       = uint16(0x07ff)
	msixEntrySize           = 16
	msixMaxVectors          = 2048
)

type msixEntry struct {
	addr   uint64
	data   uint32
	masked bool
}

// msixTable holds the MSI-X capability, vector table and pending bit array of
// one function. The table and PBA share a BAR.
type msixTable struct {
	capOffset uint16
	capNext   uint8
	control   uint16

	bar         uint8
	tableOffset uint32
	pbaOffset   uint32

	entries []msixEntry
	pending []uint64

	signal func(addr uint64, data uint32) error
}

func newMSIXTable(vectors int, bar uint8, capOffset uint16, signal func(addr uint64, data uint32) error) (*msixTable, error) {
	if vectors <= 0 || vectors > msixMaxVectors {
		return nil, fmt.Errorf("MSI-X vector count %d out of range", vectors)
	}
	m := &msixTable{
		capOffset: capOffset,
		bar:       bar,
		entries:   make([]msixEntry, vectors),
		pending:   make([]uint64, (vectors+63)/64),
		signal:    signal,
	}
	m.tableOffset = 0
	m.pbaOffset = alignUp32(m.tableLength(), 8)
	m.reset()
	return m, nil
}

func (m *msixTable) reset() {
	m.control = uint16(len(m.entries)-1) & msixTableSizeMask
	for i := range m.entries {
		m.entries[i] = msixEntry{masked: true}
	}
	clear(m.pending)
}

func (m *msixTable) vectorCount() uint16 { return uint16(len(m.entries)) }

func (m *msixTable) tableLength() uint32 { return uint32(len(m.entries) * msixEntrySize) }

func (m *msixTable) pbaLength() uint32 { return uint32(len(m.pending) * 8) }

func (m *msixTable) barLength() uint32 { return m.pbaOffset + m.pbaLength() }

func (m *msixTable) enabled() bool {
	return m.control&msixControlEnableBit != 0
}

func (m *msixTable) readCap(offset uint16) (uint32, bool) {
	switch offset {
	case m.capOffset:
		return uint32(pciCapIDMSIX) | uint32(m.capNext)<<8 | uint32(m.control)<<16, true
	case m.capOffset + 4:
		return (m.tableOffset &^ 0x7) | uint32(m.bar&0x7), true
	case m.capOffset + 8:
		return (m.pbaOffset &^ 0x7) | uint32(m.bar&0x7), true
	}
	return 0, false
}

func (m *msixTable) writeCap(offset uint16, value uint32) bool {
	switch offset {
	case m.capOffset:
		m.updateControl(uint16(value >> 16))
		return true
	case m.capOffset + 4, m.capOffset + 8:
		// table and PBA locations are fixed
		return true
	}
	return false
}

func (m *msixTable) updateControl(value uint16) {
	sizeBits := uint16(len(m.entries)-1) & msixTableSizeMask
	wasMasked := m.control&msixControlFunctionMask != 0
	wasEnabled := m.enabled()
	m.control = sizeBits | (value & (msixControlEnableBit | msixControlFunctionMask))
	if (wasMasked && m.control&msixControlFunctionMask == 0) || (!wasEnabled && m.enabled()) {
		m.flushPending()
	}
}

func (m *msixTable) readTable(off uint64, data []byte) error {
	for i := range data {
		byteOffset := off + uint64(i)
		entryIdx := byteOffset / msixEntrySize
		if entryIdx >= uint64(len(m.entries)) {
			return fmt.Errorf("%w: MSI-X table read at %#x out of range", ErrProtocolViolation, byteOffset)
		}
		data[i] = m.entryByte(int(entryIdx), int(byteOffset%msixEntrySize))
	}
	return nil
}

func (m *msixTable) writeTable(off uint64, data []byte) error {
	for i := range data {
		byteOffset := off + uint64(i)
		entryIdx := byteOffset / msixEntrySize
		if entryIdx >= uint64(len(m.entries)) {
			return fmt.Errorf("%w: MSI-X table write at %#x out of range", ErrProtocolViolation, byteOffset)
		}
		m.writeEntryByte(int(entryIdx), int(byteOffset%msixEntrySize), data[i])
	}
	return nil
}

func (m *msixTable) entryByte(entryIdx, entryOffset int) byte {
	entry := m.entries[entryIdx]
	switch {
	case entryOffset < 8:
		return byte(entry.addr >> uint(entryOffset*8))
	case entryOffset < 12:
		return byte(entry.data >> uint((entryOffset-8)*8))
	case entryOffset == 12:
		if entry.masked {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func (m *msixTable) writeEntryByte(entryIdx, entryOffset int, value byte) {
	entry := &m.entries[entryIdx]
	switch {
	case entryOffset < 8:
		shift := uint(entryOffset * 8)
		entry.addr = (entry.addr &^ (uint64(0xff) << shift)) | uint64(value)<<shift
	case entryOffset < 12:
		shift := uint((entryOffset - 8) * 8)
		entry.data = (entry.data &^ (uint32(0xff) << shift)) | uint32(value)<<shift
	case entryOffset == 12:
		wasMasked := entry.masked
		entry.masked = value&0x1 != 0
		if wasMasked && !entry.masked && m.isPending(uint16(entryIdx)) {
			if _, err := m.signalVector(uint16(entryIdx)); err != nil {
				slog.Error("virtio-pci: deliver pending MSI-X vector failed", "vector", entryIdx, "err", err)
			}
		}
	}
}

func (m *msixTable) readPBA(off uint64, data []byte) error {
	for i := range data {
		byteOffset := off + uint64(i)
		word := byteOffset / 8
		if word >= uint64(len(m.pending)) {
			return fmt.Errorf("%w: MSI-X PBA read at %#x out of range", ErrProtocolViolation, byteOffset)
		}
		data[i] = byte(m.pending[word] >> ((byteOffset % 8) * 8))
	}
	return nil
}

// signalVector delivers vector, or records it in the PBA while the vector or
// the whole function is masked. It reports whether a message was sent.
func (m *msixTable) signalVector(vector uint16) (bool, error) {
	if int(vector) >= len(m.entries) {
		return false, fmt.Errorf("%w: MSI-X vector %d out of range", ErrConfiguration, vector)
	}
	if m.control&msixControlFunctionMask != 0 || m.entries[vector].masked {
		m.setPending(vector)
		return false, nil
	}
	entry := m.entries[vector]
	if entry.addr == 0 {
		return false, nil
	}
	if m.signal == nil {
		return false, nil
	}
	if err := m.signal(entry.addr, entry.data); err != nil {
		return false, err
	}
	m.clearPending(vector)
	return true, nil
}

func (m *msixTable) setPending(vector uint16) {
	m.pending[vector/64] |= uint64(1) << (vector % 64)
}

func (m *msixTable) clearPending(vector uint16) {
	m.pending[vector/64] &^= uint64(1) << (vector % 64)
}

func (m *msixTable) isPending(vector uint16) bool {
	if int(vector) >= len(m.entries) {
		return false
	}
	return m.pending[vector/64]&(uint64(1)<<(vector%64)) != 0
}

func (m *msixTable) flushPending() {
	if !m.enabled() || m.control&msixControlFunctionMask != 0 {
		return
	}
	for vector := range m.entries {
		v := uint16(vector)
		if !m.isPending(v) || m.entries[vector].masked {
			continue
		}
		if _, err := m.signalVector(v); err != nil {
			slog.Error("virtio-pci: deliver pending MSI-X vector failed", "vector", v, "err", err)
		}
	}
}

func alignUp32(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return (value + alignment - 1) &^ (alignment - 1)
}
