package virtio

import "fmt"

// Descriptor is one buffer segment of a descriptor chain.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// IsWriteOnly reports whether the device may write the segment.
func (d Descriptor) IsWriteOnly() bool { return d.Flags&virtqDescFWrite != 0 }

// HasNext reports whether the chain continues past this segment.
func (d Descriptor) HasNext() bool { return d.Flags&virtqDescFNext != 0 }

// IsIndirect reports whether the segment points at an indirect table.
func (d Descriptor) IsIndirect() bool { return d.Flags&virtqDescFIndirect != 0 }

// DescriptorChain is one request popped from a queue. Descriptors holds the
// flattened segments; an indirect table is already expanded in place.
type DescriptorChain struct {
	Head        uint16
	Descriptors []Descriptor
	Indirect    bool
}

// Readable returns the driver-to-device segments.
func (c *DescriptorChain) Readable() []Descriptor {
	var out []Descriptor
	for _, d := range c.Descriptors {
		if !d.IsWriteOnly() {
			out = append(out, d)
		}
	}
	return out
}

// Writable returns the device-to-driver segments.
func (c *DescriptorChain) Writable() []Descriptor {
	var out []Descriptor
	for _, d := range c.Descriptors {
		if d.IsWriteOnly() {
			out = append(out, d)
		}
	}
	return out
}

// WritableLen is the total capacity of the writable segments.
func (c *DescriptorChain) WritableLen() uint64 {
	var n uint64
	for _, d := range c.Writable() {
		n += uint64(d.Len)
	}
	return n
}

// ReadAll concatenates the readable segments. Reading stops with an error
// once more than limit bytes would be returned; limit <= 0 means no limit.
func (c *DescriptorChain) ReadAll(mem GuestMemory, limit int) ([]byte, error) {
	var data []byte
	for _, d := range c.Readable() {
		if d.Len == 0 {
			continue
		}
		if limit > 0 && len(data)+int(d.Len) > limit {
			return data, fmt.Errorf("%w: readable chain exceeds %d bytes", ErrProtocolViolation, limit)
		}
		chunk := make([]byte, d.Len)
		if err := readGuest(mem, d.Addr, chunk); err != nil {
			return data, fmt.Errorf("%w: read segment %#x+%d: %w", ErrProtocolViolation, d.Addr, d.Len, err)
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// Fill copies data into the writable segments in order and returns the number
// of bytes written. Data that does not fit is dropped.
func (c *DescriptorChain) Fill(mem GuestMemory, data []byte) (uint32, error) {
	var written uint32
	for _, d := range c.Writable() {
		if len(data) == 0 {
			break
		}
		n := int(d.Len)
		if n > len(data) {
			n = len(data)
		}
		if n == 0 {
			continue
		}
		if err := writeGuest(mem, d.Addr, data[:n]); err != nil {
			return written, fmt.Errorf("%w: write segment %#x+%d: %w", ErrProtocolViolation, d.Addr, n, err)
		}
		written += uint32(n)
		data = data[n:]
	}
	return written, nil
}
