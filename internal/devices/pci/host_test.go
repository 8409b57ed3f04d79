package pci

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reprogram struct {
	index int
	value uint32
}

type fakeEndpoint struct {
	config     [256]byte
	regions    []Region
	mmio       map[uint64]byte
	reprograms []reprogram
}

func newFakeEndpoint(vendor, device uint16) *fakeEndpoint {
	ep := &fakeEndpoint{mmio: make(map[uint64]byte)}
	binary.LittleEndian.PutUint16(ep.config[0:], vendor)
	binary.LittleEndian.PutUint16(ep.config[2:], device)
	return ep
}

func (e *fakeEndpoint) ConfigSpace() ConfigSpace { return e }

func (e *fakeEndpoint) OnBARReprogram(index int, value uint32) error {
	e.reprograms = append(e.reprograms, reprogram{index, value})
	return nil
}

func (e *fakeEndpoint) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if int(offset)+int(size) > len(e.config) {
		return 0, fmt.Errorf("offset %#x out of range", offset)
	}
	var value uint32
	for i := uint8(0); i < size; i++ {
		value |= uint32(e.config[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

func (e *fakeEndpoint) WriteConfig(offset uint16, size uint8, value uint32) error {
	if int(offset)+int(size) > len(e.config) {
		return fmt.Errorf("offset %#x out of range", offset)
	}
	for i := uint8(0); i < size; i++ {
		e.config[int(offset)+int(i)] = byte(value >> (8 * i))
	}
	return nil
}

func (e *fakeEndpoint) MMIORegions() []Region { return e.regions }

func (e *fakeEndpoint) ReadMMIO(addr uint64, data []byte) error {
	for i := range data {
		data[i] = e.mmio[addr+uint64(i)]
	}
	return nil
}

func (e *fakeEndpoint) WriteMMIO(addr uint64, data []byte) error {
	for i, b := range data {
		e.mmio[addr+uint64(i)] = b
	}
	return nil
}

const testECAMBase = 0x3000_0000

func newTestHost() *HostBridge {
	return NewHostBridge(HostBridgeConfig{
		ConfigBase: testECAMBase,
		MMIOBase:   0x4000_0000,
		MMIOSize:   0x10000,
	})
}

func TestRegionContains(t *testing.T) {
	r := Region{Address: 0x1000, Size: 0x100}
	assert.True(t, r.Contains(0x1000, 0x100))
	assert.True(t, r.Contains(0x10ff, 1))
	assert.False(t, r.Contains(0x10ff, 2))
	assert.False(t, r.Contains(0xfff, 1))
	assert.False(t, r.Contains(0x1100, 1))
	assert.False(t, Region{}.Contains(0, 0))
}

func TestConfigAddress(t *testing.T) {
	h := newTestHost()
	loc := Location{Device: 3, Function: 2}
	assert.Equal(t, uint64(testECAMBase|3<<15|2<<12|0x10), h.ConfigAddress(loc, 0x10))
	assert.Equal(t, "00:03.2", loc.String())
	assert.Equal(t, Region{Address: testECAMBase, Size: 1 << 20}, h.ConfigRegion())
	assert.Equal(t, Region{Address: 0x4000_0000, Size: 0x10000}, h.MMIOWindow())
}

func TestRootBridgeConfig(t *testing.T) {
	h := newTestHost()
	assert.Equal(t, uint32(0x0001_1af4), h.ReadConfig(Location{}, 0, 4))
	assert.Equal(t, uint32(0x06), h.ReadConfig(Location{}, 0x0b, 1))
	h.WriteConfig(Location{}, 0, 4, 0)
	assert.Equal(t, uint32(0x1af4), h.ReadConfig(Location{}, 0, 2), "root bridge is read-only")
}

func TestECAMAccess(t *testing.T) {
	h := newTestHost()
	ep := newFakeEndpoint(0x1af4, 0x1044)
	_, err := h.RegisterEndpoint(0, 1, 0, ep)
	require.NoError(t, err)
	loc := Location{Device: 1}

	buf := make([]byte, 4)
	require.NoError(t, h.ReadMMIO(h.ConfigAddress(loc, 0), buf))
	assert.Equal(t, uint32(0x1044_1af4), binary.LittleEndian.Uint32(buf))

	require.NoError(t, h.WriteMMIO(h.ConfigAddress(loc, 0x04), []byte{0x06, 0x00}))
	assert.Equal(t, byte(0x06), ep.config[0x04])

	// absent functions read as all ones
	require.NoError(t, h.ReadMMIO(h.ConfigAddress(Location{Device: 7}, 0), buf))
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, buf)
	assert.Equal(t, uint32(0xffff), h.ReadConfig(Location{Device: 7}, 0, 2))

	// unaligned ECAM reads are split into smaller accesses
	odd := make([]byte, 3)
	require.NoError(t, h.ReadMMIO(h.ConfigAddress(loc, 1), odd))
	assert.Equal(t, []byte{0x1a, 0x44, 0x10}, odd)
}

func TestBARReprogramForwarding(t *testing.T) {
	h := newTestHost()
	ep := newFakeEndpoint(0x1af4, 0x1044)
	_, err := h.RegisterEndpoint(0, 1, 0, ep)
	require.NoError(t, err)
	loc := Location{Device: 1}

	h.WriteConfig(loc, 0x10, 4, 0xffff_ffff)
	assert.Empty(t, ep.reprograms, "sizing writes are not forwarded")
	h.WriteConfig(loc, 0x10, 2, 0x1000)
	assert.Empty(t, ep.reprograms, "partial writes are not forwarded")
	h.WriteConfig(loc, 0x12, 4, 0x1000)
	assert.Empty(t, ep.reprograms, "unaligned")

	h.WriteConfig(loc, 0x14, 4, 0x4000_1000)
	h.WriteConfig(loc, 0x3c, 4, 0x4000_1000)
	assert.Equal(t, []reprogram{{1, 0x4000_1000}}, ep.reprograms)
}

func TestAllocateMemoryBAR(t *testing.T) {
	h := newTestHost()
	handle, err := h.RegisterEndpoint(0, 2, 0, newFakeEndpoint(0x1af4, 0x1041))
	require.NoError(t, err)
	assert.Equal(t, Location{Device: 2}, handle.Location())

	base, err := handle.AllocateMemoryBAR(0, 0x100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4000_0000), base)

	base, err = handle.AllocateMemoryBAR(1, 0x1000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x4000_1000), base, "aligned past the first BAR")

	_, err = handle.AllocateMemoryBAR(6, 0x1000, 0x1000)
	assert.Error(t, err)
	_, err = handle.AllocateMemoryBAR(2, 0, 0)
	assert.Error(t, err)
	_, err = handle.AllocateMemoryBAR(2, 0x10000, 0x10000)
	assert.Error(t, err, "window exhausted")

	var nilHandle *DeviceHandle
	_, err = nilHandle.AllocateMemoryBAR(0, 0x1000, 0x1000)
	assert.Error(t, err)
}

func TestMMIODispatch(t *testing.T) {
	h := newTestHost()
	ep := newFakeEndpoint(0x1af4, 0x1044)
	ep.regions = []Region{{Address: 0x4000_0000, Size: 0x40}}
	_, err := h.RegisterEndpoint(0, 1, 0, ep)
	require.NoError(t, err)

	require.NoError(t, h.WriteMMIO(0x4000_0010, []byte{1, 2}))
	assert.Equal(t, byte(2), ep.mmio[0x4000_0011])
	buf := make([]byte, 2)
	require.NoError(t, h.ReadMMIO(0x4000_0010, buf))
	assert.Equal(t, []byte{1, 2}, buf)

	assert.ErrorIs(t, h.ReadMMIO(0x4000_003f, buf), ErrUnhandled, "straddles the region end")
	assert.ErrorIs(t, h.WriteMMIO(0x5000_0000, buf), ErrUnhandled)
	assert.NoError(t, h.ReadMMIO(0x5000_0000, nil))
}

func TestRegisterEndpoint(t *testing.T) {
	h := newTestHost()
	ep := newFakeEndpoint(0x1af4, 0x1044)

	_, err := h.RegisterEndpoint(0, 1, 0, nil)
	assert.Error(t, err)
	_, err = h.RegisterEndpoint(1, 1, 0, ep)
	assert.Error(t, err, "bus 1")
	_, err = h.RegisterEndpoint(0, 0, 0, ep)
	assert.Error(t, err, "host bridge slot")
	_, err = h.RegisterEndpoint(0, 0x20, 0, ep)
	assert.Error(t, err)
	_, err = h.RegisterEndpoint(0, 1, 8, ep)
	assert.Error(t, err)

	for _, dev := range []uint8{5, 1, 3} {
		_, err := h.RegisterEndpoint(0, dev, 0, newFakeEndpoint(0x1af4, 0x1044))
		require.NoError(t, err)
	}
	_, err = h.RegisterEndpoint(0, 3, 0, ep)
	assert.Error(t, err, "duplicate")
	_, err = h.RegisterEndpoint(0, 3, 1, ep)
	require.NoError(t, err)

	assert.Equal(t, []Location{
		{Device: 1}, {Device: 3}, {Device: 3, Function: 1}, {Device: 5},
	}, h.Endpoints())
}

func TestUnregisterEndpoint(t *testing.T) {
	h := newTestHost()
	handle, err := h.RegisterEndpoint(0, 4, 0, newFakeEndpoint(0x1af4, 0x1044))
	require.NoError(t, err)

	handle.Unregister()
	assert.Empty(t, h.Endpoints())
	assert.Equal(t, uint32(0xffff_ffff), h.ReadConfig(Location{Device: 4}, 0, 4))

	_, err = h.RegisterEndpoint(0, 4, 0, newFakeEndpoint(0x1af4, 0x1044))
	require.NoError(t, err, "slot is free again")

	var nilHandle *DeviceHandle
	nilHandle.Unregister()
}
