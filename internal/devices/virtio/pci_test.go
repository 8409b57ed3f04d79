package virtio

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmvirtio/internal/devices/pci"
)

const (
	rigMemSize  = 0x40000
	rigSlot     = 2
	rigIRQLine  = 11
	testMSIAddr = 0xfee0_0000
)

type fakeQueueEvent struct {
	fd     int
	count  uint64
	closed bool
}

func (e *fakeQueueEvent) FD() int { return e.fd }

func (e *fakeQueueEvent) Write(v uint64) error {
	if e.closed {
		return errors.New("closed")
	}
	e.count += v
	return nil
}

func (e *fakeQueueEvent) Read() (uint64, error) {
	v := e.count
	e.count = 0
	return v, nil
}

func (e *fakeQueueEvent) Close() error {
	e.closed = true
	return nil
}

type registration struct {
	tag     EventTag
	handler EventHandler
}

// fakeRegistrar stands in for the event loop. fire runs a handler the way
// the loop would once its fd became readable.
type fakeRegistrar struct {
	sources map[int]registration
	err     error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{sources: make(map[int]registration)}
}

func (r *fakeRegistrar) Register(fd int, tag EventTag, handler EventHandler) error {
	if r.err != nil {
		return r.err
	}
	if _, ok := r.sources[fd]; ok {
		return fmt.Errorf("fd %d already registered", fd)
	}
	r.sources[fd] = registration{tag: tag, handler: handler}
	return nil
}

func (r *fakeRegistrar) Unregister(fd int) error {
	if _, ok := r.sources[fd]; !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(r.sources, fd)
	return nil
}

func (r *fakeRegistrar) fire(t *testing.T, fd int, payload Payload) error {
	t.Helper()
	src, ok := r.sources[fd]
	require.True(t, ok, "fd %d not registered", fd)
	return src.handler.HandleEvent(src.tag, 1, payload)
}

type msiMessage struct {
	Addr uint64
	Data uint32
}

type fakeInterrupts struct {
	mu         sync.Mutex
	messages   []msiMessage
	levels     map[uint32]bool
	assertions int
}

func newFakeInterrupts() *fakeInterrupts {
	return &fakeInterrupts{levels: make(map[uint32]bool)}
}

func (f *fakeInterrupts) SignalMSI(addr uint64, data uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msiMessage{Addr: addr, Data: data})
	return nil
}

func (f *fakeInterrupts) SetIRQ(line uint32, level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if level && !f.levels[line] {
		f.assertions++
	}
	f.levels[line] = level
	return nil
}

func (f *fakeInterrupts) Messages() []msiMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]msiMessage(nil), f.messages...)
}

func (f *fakeInterrupts) level(line uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[line]
}

// pciRig is one virtio-pci function on its own host bridge, driven through
// ECAM and BAR accesses the way a guest driver would.
type pciRig struct {
	host        *pci.HostBridge
	dev         *PCIDevice
	mem         *mockGuestMemory
	events      *fakeRegistrar
	queueEvents []*fakeQueueEvent
	irq         *fakeInterrupts
}

var rigLocation = pci.Location{Device: rigSlot}

func newPCIRig(t *testing.T, backend Device, msix bool) *pciRig {
	t.Helper()
	r := &pciRig{
		host: pci.NewHostBridge(pci.HostBridgeConfig{
			ConfigBase: 0x3000_0000,
			MMIOBase:   0x4000_0000,
			MMIOSize:   0x100_0000,
		}),
		mem:    newMockGuestMemory(rigMemSize),
		events: newFakeRegistrar(),
		irq:    newFakeInterrupts(),
	}
	cfg := PCIDeviceConfig{
		Name:    t.Name(),
		Device:  backend,
		Memory:  r.mem,
		Events:  r.events,
		Host:    r.host,
		Slot:    rigSlot,
		IRQ:     r.irq,
		IRQLine: rigIRQLine,
		NewQueueEvent: func() (QueueEvent, error) {
			ev := &fakeQueueEvent{fd: 100 + len(r.queueEvents)}
			r.queueEvents = append(r.queueEvents, ev)
			return ev, nil
		},
	}
	if msix {
		cfg.MSI = r.irq
	}
	dev, err := NewPCIDevice(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	r.dev = dev
	return r
}

func (r *pciRig) cfgRead(offset uint16, size uint8) uint32 {
	return r.host.ReadConfig(rigLocation, offset, size)
}

func (r *pciRig) cfgWrite(offset uint16, size uint8, value uint32) {
	r.host.WriteConfig(rigLocation, offset, size, value)
}

func (r *pciRig) mmioWrite(t *testing.T, addr uint64, size int, value uint64) {
	t.Helper()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	require.NoError(t, r.host.WriteMMIO(addr, buf[:size]))
}

func (r *pciRig) mmioRead(t *testing.T, addr uint64, size int) uint64 {
	t.Helper()
	buf := make([]byte, 8)
	require.NoError(t, r.host.ReadMMIO(addr, buf[:size]))
	return binary.LittleEndian.Uint64(buf)
}

func (r *pciRig) commonWrite(t *testing.T, offset uint64, size int, value uint64) {
	t.Helper()
	r.mmioWrite(t, r.dev.commonCfg.addr+offset, size, value)
}

func (r *pciRig) commonRead(t *testing.T, offset uint64, size int) uint64 {
	t.Helper()
	return r.mmioRead(t, r.dev.commonCfg.addr+offset, size)
}

func (r *pciRig) readISR(t *testing.T) uint8 {
	t.Helper()
	return uint8(r.mmioRead(t, r.dev.isrCfg.addr, 1))
}

func (r *pciRig) kick(t *testing.T, queue uint16) {
	t.Helper()
	r.mmioWrite(t, r.dev.notifyCfg.addr+uint64(queue)*notifyOffMultiplier, 2, uint64(queue))
}

// negotiate runs the driver side of feature negotiation up to FEATURES_OK.
func (r *pciRig) negotiate(t *testing.T, features uint64) {
	t.Helper()
	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, uint64(DeviceStatusAcknowledge))
	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, uint64(DeviceStatusAcknowledge|DeviceStatusDriver))
	for page := uint64(0); page < 2; page++ {
		r.commonWrite(t, VIRTIO_PCI_COMMON_GFSELECT, 4, page)
		r.commonWrite(t, VIRTIO_PCI_COMMON_GF, 4, uint64(uint32(features>>(32*page))))
	}
	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, uint64(DeviceStatusAcknowledge|DeviceStatusDriver|DeviceStatusFeaturesOK))
}

func rigRings(queue uint16) (desc, avail, used uint64) {
	base := uint64(queue) * 0x10000
	return base + 0x1000, base + 0x2000, base + 0x3000
}

func (r *pciRig) setupQueue(t *testing.T, queue uint16, vector uint16) {
	t.Helper()
	desc, avail, used := rigRings(queue)
	r.commonWrite(t, VIRTIO_PCI_COMMON_Q_SELECT, 2, uint64(queue))
	r.commonWrite(t, VIRTIO_PCI_COMMON_Q_MSIX, 2, uint64(vector))
	r.commonWrite(t, VIRTIO_PCI_COMMON_Q_DESCLO, 8, desc)
	r.commonWrite(t, VIRTIO_PCI_COMMON_Q_AVAILLO, 8, avail)
	r.commonWrite(t, VIRTIO_PCI_COMMON_Q_USEDLO, 8, used)
	r.commonWrite(t, VIRTIO_PCI_COMMON_Q_ENABLE, 2, 1)
}

func (r *pciRig) driverOK(t *testing.T) {
	t.Helper()
	status := r.commonRead(t, VIRTIO_PCI_COMMON_STATUS, 1)
	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, status|uint64(DeviceStatusDriverOK))
}

// activate brings every queue up without MSI-X vectors.
func (r *pciRig) activate(t *testing.T, features uint64) {
	t.Helper()
	r.negotiate(t, features)
	for i := range r.dev.queues {
		r.setupQueue(t, uint16(i), VIRTIO_MSI_NO_VECTOR)
	}
	r.driverOK(t)
}

func (r *pciRig) programMSIX(t *testing.T, vector uint16, data uint32) {
	t.Helper()
	entry := r.dev.msixTableReg.addr + uint64(vector)*msixEntrySize
	r.mmioWrite(t, entry, 8, testMSIAddr)
	r.mmioWrite(t, entry+8, 4, uint64(data))
	r.mmioWrite(t, entry+12, 4, 0)
}

func (r *pciRig) maskMSIX(t *testing.T, vector uint16, masked bool) {
	t.Helper()
	var ctrl uint64
	if masked {
		ctrl = 1
	}
	r.mmioWrite(t, r.dev.msixTableReg.addr+uint64(vector)*msixEntrySize+12, 4, ctrl)
}

func (r *pciRig) setMSIXControl(control uint16) {
	r.cfgWrite(msixCapabilityOffset+2, 2, uint32(control))
}

func (r *pciRig) pending(t *testing.T) uint64 {
	t.Helper()
	return r.mmioRead(t, r.dev.msixPBAReg.addr, 8)
}

// counterValue reads a counter from the default registry.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != metricsNamespace+"_"+name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := make(map[string]string)
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestPCIConfigHeader(t *testing.T) {
	r := newPCIRig(t, newTestDevice(8), true)

	assert.Equal(t, uint32(0x1af4|0x1042<<16), r.cfgRead(0x00, 4))
	assert.NotZero(t, r.cfgRead(0x06, 2)&pciStatusCapabilitiesList)
	assert.Equal(t, uint32(1), r.cfgRead(0x08, 1))
	assert.Equal(t, uint32(0x1af4|uint32(DeviceTypeBlock)<<16), r.cfgRead(0x2c, 4))
	assert.Equal(t, uint32(rigIRQLine|1<<8), r.cfgRead(0x3c, 2))
	assert.Equal(t, uint32(0x4000_0000), r.cfgRead(0x10, 4), "BAR0")
	assert.Equal(t, uint32(0x4000_3004), r.cfgRead(0x20, 4), "BAR4 is 64-bit")
	assert.Zero(t, r.cfgRead(0x24, 4))

	// MSI-X capability first, then the vendor capabilities
	require.Equal(t, uint32(msixCapabilityOffset), r.cfgRead(0x34, 1))
	assert.Equal(t, uint32(pciCapIDMSIX), r.cfgRead(0x40, 1))
	assert.Equal(t, uint32(virtioPCICapStart), r.cfgRead(0x41, 1))
	assert.Equal(t, uint32(1), r.cfgRead(0x42, 2)&uint32(msixTableSizeMask), "two vectors")
	assert.Equal(t, uint32(msixBAR), r.cfgRead(0x44, 4))
	assert.Equal(t, uint32(0x20|msixBAR), r.cfgRead(0x48, 4))

	type capability struct {
		pos, next, length, cfgType, bar uint32
		offset, size                    uint32
	}
	want := []capability{
		{0x60, 0x70, 16, VIRTIO_PCI_CAP_COMMON_CFG, commonCfgBAR, 0, commonConfigLength},
		{0x70, 0x84, 20, VIRTIO_PCI_CAP_NOTIFY_CFG, notifyCfgBAR, 0, notifyOffMultiplier},
		{0x84, 0x94, 16, VIRTIO_PCI_CAP_ISR_CFG, isrCfgBAR, 0, 1},
		{0x94, 0x00, 16, VIRTIO_PCI_CAP_DEVICE_CFG, deviceCfgBAR, 0, deviceCfgLength},
	}
	pos := uint32(virtioPCICapStart)
	for _, c := range want {
		require.Equal(t, c.pos, pos)
		p := uint16(pos)
		assert.Equal(t, uint32(virtioVendorCapID), r.cfgRead(p, 1))
		assert.Equal(t, c.next, r.cfgRead(p+1, 1))
		assert.Equal(t, c.length, r.cfgRead(p+2, 1))
		assert.Equal(t, c.cfgType, r.cfgRead(p+3, 1))
		assert.Equal(t, c.bar, r.cfgRead(p+4, 1))
		assert.Equal(t, c.offset, r.cfgRead(p+8, 4))
		assert.Equal(t, c.size, r.cfgRead(p+12, 4))
		pos = c.next
	}
	assert.Equal(t, uint32(notifyOffMultiplier), r.cfgRead(0x80, 4))
}

func TestPCIConfigHeaderWithoutMSIX(t *testing.T) {
	r := newPCIRig(t, newTestDevice(8), false)
	assert.Equal(t, uint32(virtioPCICapStart), r.cfgRead(0x34, 1))
	assert.Zero(t, r.cfgRead(0x1c, 4), "no MSI-X BAR")
	assert.Len(t, r.dev.MMIORegions(), 4)
}

func TestBARSizingAndRelocation(t *testing.T) {
	r := newPCIRig(t, newTestDevice(8), true)

	r.cfgWrite(0x10, 4, 0xffff_ffff)
	assert.Equal(t, uint32(0xffff_f000), r.cfgRead(0x10, 4))
	r.cfgWrite(0x10, 4, 0x4000_0000)
	assert.Equal(t, uint32(0x4000_0000), r.cfgRead(0x10, 4))
	assert.Equal(t, uint64(1), r.commonRead(t, VIRTIO_PCI_COMMON_NUMQ, 2))

	r.cfgWrite(0x20, 4, 0xffff_ffff)
	r.cfgWrite(0x24, 4, 0xffff_ffff)
	assert.Equal(t, uint32(0xffff_f004), r.cfgRead(0x20, 4))
	assert.Equal(t, uint32(0xffff_ffff), r.cfgRead(0x24, 4))
	r.cfgWrite(0x20, 4, 0x4000_3004)
	r.cfgWrite(0x24, 4, 0)
	assert.Equal(t, uint32(0x4000_3004), r.cfgRead(0x20, 4))
	assert.Zero(t, r.cfgRead(0x24, 4))

	// Sub-dword writes never start sizing.
	r.cfgWrite(0x10, 2, 0xffff)
	assert.NotEqual(t, uint32(0xffff_f000), r.cfgRead(0x10, 4))
	r.cfgWrite(0x10, 4, 0x4000_0000)

	r.cfgWrite(0x10, 4, 0x4800_0000)
	assert.Equal(t, uint64(0x4800_0000), r.dev.commonCfg.addr)
	assert.Equal(t, uint64(1), r.commonRead(t, VIRTIO_PCI_COMMON_NUMQ, 2))
	err := r.host.ReadMMIO(0x4000_0000+VIRTIO_PCI_COMMON_NUMQ, make([]byte, 2))
	assert.ErrorIs(t, err, pci.ErrUnhandled)
}

func TestActivation(t *testing.T) {
	backend := newTestDevice(8, 4)
	backend.registerEvents = true
	r := newPCIRig(t, backend, false)

	r.activate(t, featureVersion1|uint64(1)<<FeatureRingEventIdx)
	assert.Equal(t, uint64(0x0f), r.commonRead(t, VIRTIO_PCI_COMMON_STATUS, 1))
	assert.True(t, r.dev.Activated())
	assert.Equal(t, 1, backend.activations)
	require.NotNil(t, backend.act)
	assert.Len(t, backend.act.Queues, 2)
	assert.Len(t, backend.act.QueueEvents, 2)
	assert.True(t, backend.act.Queues[0].eventIdx)
	assert.Len(t, r.events.sources, 2)
	assert.Equal(t, 1.0, counterValue(t, "virtio_activations_total", map[string]string{"device": t.Name(), "result": "ok"}))

	// A second DRIVER_OK write does not activate twice.
	r.driverOK(t)
	assert.Equal(t, 1, backend.activations)
}

func TestActivationFailureRollsBack(t *testing.T) {
	backend := newTestDevice(8)
	backend.registerEvents = true
	backend.activateErr = errors.New("backend exploded")
	r := newPCIRig(t, backend, false)

	r.activate(t, featureVersion1)
	status := uint8(r.commonRead(t, VIRTIO_PCI_COMMON_STATUS, 1))
	assert.NotZero(t, status&DeviceStatusFailed)
	assert.False(t, r.dev.Activated())
	assert.Empty(t, r.events.sources, "registrations rolled back")
	assert.Equal(t, 1.0, counterValue(t, "virtio_activations_total", map[string]string{"device": t.Name(), "result": "failed"}))

	// notify on a failed device is ignored
	r.kick(t, 0)
	assert.Zero(t, r.queueEvents[0].count)

	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, 0)
	assert.Zero(t, r.commonRead(t, VIRTIO_PCI_COMMON_STATUS, 1))
	assert.Equal(t, 1, backend.resets)
}

func TestActivationRegistrationFailure(t *testing.T) {
	backend := newTestDevice(8)
	backend.registerEvents = true
	r := newPCIRig(t, backend, false)
	r.events.err = errors.New("epoll full")

	r.activate(t, featureVersion1)
	assert.NotZero(t, r.dev.Status()&DeviceStatusFailed)
	assert.False(t, r.dev.Activated())
}

func TestActivationRequiresEveryQueue(t *testing.T) {
	backend := newTestDevice(8, 8)
	r := newPCIRig(t, backend, false)

	r.negotiate(t, featureVersion1)
	r.setupQueue(t, 0, VIRTIO_MSI_NO_VECTOR)
	r.driverOK(t)
	assert.NotZero(t, r.dev.Status()&DeviceStatusFailed)
	assert.Zero(t, backend.activations)
}

func TestActivationRejectsRingOutsideMemory(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, false)

	r.negotiate(t, featureVersion1)
	r.setupQueue(t, 0, VIRTIO_MSI_NO_VECTOR)
	r.commonWrite(t, VIRTIO_PCI_COMMON_Q_USEDLO, 8, rigMemSize-8)
	r.driverOK(t)
	assert.NotZero(t, r.dev.Status()&DeviceStatusFailed)
	assert.Zero(t, backend.activations)
}

func TestNotify(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, false)
	labels := map[string]string{"device": t.Name()}

	r.negotiate(t, featureVersion1)
	r.setupQueue(t, 0, VIRTIO_MSI_NO_VECTOR)
	r.kick(t, 0)
	assert.Zero(t, r.queueEvents[0].count, "ignored before DRIVER_OK")
	assert.Equal(t, 1.0, counterValue(t, "virtio_queue_notifications_total", labels))

	r.driverOK(t)
	r.kick(t, 0)
	assert.Equal(t, uint64(1), r.queueEvents[0].count)

	err := r.host.WriteMMIO(r.dev.notifyCfg.addr, []byte{0})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 1.0, counterValue(t, "virtio_protocol_violations_total", labels))

	// reads of the notify region return zero
	assert.Zero(t, r.mmioRead(t, r.dev.notifyCfg.addr, 2))

	// the driver gives up on the device
	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, 0x8f)
	r.kick(t, 0)
	assert.Equal(t, uint64(1), r.queueEvents[0].count)
}

func TestINTxAndISR(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, false)

	assert.ErrorIs(t, r.dev.Trigger(InterruptUsedRing, 0), ErrConfiguration, "not active yet")

	r.activate(t, featureVersion1)
	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	assert.True(t, r.irq.level(rigIRQLine))
	assert.ErrorIs(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 1), ErrConfiguration)

	assert.Equal(t, InterruptStatusUsedRing, r.readISR(t))
	assert.False(t, r.irq.level(rigIRQLine), "ISR read deasserts")
	assert.Zero(t, r.readISR(t))

	require.NoError(t, r.dev.ConfigChanged())
	assert.Equal(t, uint64(1), r.commonRead(t, VIRTIO_PCI_COMMON_CFGGENERATION, 1))
	assert.Equal(t, InterruptStatusConfigChanged, r.readISR(t))

	// ISR writes are ignored
	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	r.mmioWrite(t, r.dev.isrCfg.addr, 1, 0)
	assert.Equal(t, InterruptStatusUsedRing, r.readISR(t))

	// INTx disabled in the command register
	r.cfgWrite(0x04, 2, r.cfgRead(0x04, 2)|pciCommandIntxDisable)
	assertions := r.irq.assertions
	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	assert.Equal(t, assertions, r.irq.assertions)
	assert.Equal(t, InterruptStatusUsedRing, r.readISR(t))
}

func TestBackendFailure(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, false)

	r.dev.Fail(fmt.Errorf("%w: too early", ErrProtocolViolation))
	assert.Zero(t, r.dev.Status()&DeviceStatusFailed, "nothing to fail before activation")

	r.activate(t, featureVersion1)
	labels := map[string]string{"device": t.Name()}
	violations := counterValue(t, "virtio_protocol_violations_total", labels)

	backend.act.Interrupt.Fail(fmt.Errorf("%w: looping chain", ErrProtocolViolation))
	assert.Equal(t, uint8(0x8f), r.dev.Status())
	assert.Equal(t, violations+1, counterValue(t, "virtio_protocol_violations_total", labels))
	assert.True(t, r.irq.level(rigIRQLine))
	assert.Equal(t, InterruptStatusConfigChanged, r.readISR(t))

	backend.act.Interrupt.Fail(errors.New("again"))
	assert.Zero(t, r.readISR(t), "failure is reported once")

	r.kick(t, 0)
	assert.Zero(t, r.queueEvents[0].count)

	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, 0)
	assert.Zero(t, r.dev.Status())
	assert.False(t, r.dev.Activated())
}

func TestMSIXDelivery(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, true)

	r.negotiate(t, featureVersion1)
	r.programMSIX(t, 0, 0x40)
	r.programMSIX(t, 1, 0x41)
	r.setMSIXControl(msixControlEnableBit)
	r.commonWrite(t, VIRTIO_PCI_COMMON_MSIX, 2, 0)
	r.setupQueue(t, 0, 1)
	assert.Equal(t, uint64(1), r.commonRead(t, VIRTIO_PCI_COMMON_Q_MSIX, 2))
	r.driverOK(t)
	require.True(t, r.dev.Activated())

	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	assert.Equal(t, []msiMessage{{testMSIAddr, 0x41}}, r.irq.Messages())
	assert.Zero(t, r.irq.assertions, "no INTx while MSI-X is enabled")
	assert.Equal(t, 1.0, counterValue(t, "virtio_interrupts_total", map[string]string{"device": t.Name(), "kind": "msix"}))

	// masked vectors latch in the PBA and fire on unmask
	r.maskMSIX(t, 1, true)
	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	assert.Len(t, r.irq.Messages(), 1)
	assert.Equal(t, uint64(1<<1), r.pending(t))
	r.maskMSIX(t, 1, false)
	assert.Len(t, r.irq.Messages(), 2)
	assert.Zero(t, r.pending(t))

	// so does the function mask
	r.setMSIXControl(msixControlEnableBit | msixControlFunctionMask)
	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	assert.Len(t, r.irq.Messages(), 2)
	r.setMSIXControl(msixControlEnableBit)
	assert.Len(t, r.irq.Messages(), 3)

	require.NoError(t, r.dev.ConfigChanged())
	msgs := r.irq.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, uint32(0x40), msgs[3].Data)

	// table reads reflect what was programmed
	entry := r.dev.msixTableReg.addr + msixEntrySize
	assert.Equal(t, uint64(testMSIAddr), r.mmioRead(t, entry, 8))
	assert.Equal(t, uint64(0x41), r.mmioRead(t, entry+8, 4))
}

func TestMSIXNoVectorSuppresses(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, true)

	r.negotiate(t, featureVersion1)
	r.programMSIX(t, 1, 0x41)
	r.setMSIXControl(msixControlEnableBit)
	r.setupQueue(t, 0, VIRTIO_MSI_NO_VECTOR)
	r.driverOK(t)

	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	assert.Empty(t, r.irq.Messages())
	assert.Zero(t, r.irq.assertions)
	assert.Equal(t, 1.0, counterValue(t, "virtio_interrupts_total", map[string]string{"device": t.Name(), "kind": "suppressed"}))
}

func TestResetReleasesBackend(t *testing.T) {
	backend := newTestDevice(8)
	backend.registerEvents = true
	r := newPCIRig(t, backend, false)

	r.activate(t, featureVersion1)
	require.NoError(t, backend.act.Interrupt.Trigger(InterruptUsedRing, 0))
	require.True(t, r.irq.level(rigIRQLine))
	require.Len(t, r.events.sources, 1)

	r.commonWrite(t, VIRTIO_PCI_COMMON_STATUS, 1, 0)
	assert.Equal(t, 1, backend.resets)
	assert.False(t, r.dev.Activated())
	assert.Empty(t, r.events.sources, "leftover registrations dropped")
	assert.False(t, r.irq.level(rigIRQLine), "reset deasserts INTx")
	assert.Zero(t, backend.AckedFeatures())
	q := r.dev.queues[0]
	assert.False(t, q.Ready)
	assert.Zero(t, q.DescTable)
	assert.Zero(t, r.readISR(t))

	r.activate(t, featureVersion1)
	assert.True(t, r.dev.Activated())
	assert.Equal(t, 2, backend.activations)
	assert.Len(t, r.events.sources, 1)
}

func TestDeviceConfigAccess(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, false)
	base := r.dev.deviceCfg.addr

	r.mmioWrite(t, base, 4, 0xdeadbeef)
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, backend.config[:4])
	assert.Equal(t, uint64(0xdead), r.mmioRead(t, base+2, 2))
	assert.Equal(t, uint64(1), r.commonRead(t, VIRTIO_PCI_COMMON_CFGGENERATION, 1))
	assert.Zero(t, r.mmioRead(t, base+0x100, 4), "past the device config")
}

func TestInvalidCommonAccessIsCounted(t *testing.T) {
	r := newPCIRig(t, newTestDevice(8), false)
	err := r.host.WriteMMIO(r.dev.commonCfg.addr+VIRTIO_PCI_COMMON_Q_DESCLO, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 1.0, counterValue(t, "virtio_protocol_violations_total", map[string]string{"device": t.Name()}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := newPCIRig(t, newTestDevice(8), true)
	src.negotiate(t, featureVersion1)
	src.programMSIX(t, 1, 0x41)
	src.setMSIXControl(msixControlEnableBit)
	src.setupQueue(t, 0, 1)
	src.commonWrite(t, VIRTIO_PCI_COMMON_Q_SELECT, 2, 0)
	src.driverOK(t)
	src.maskMSIX(t, 1, true)
	require.NoError(t, src.dev.Trigger(InterruptUsedRing, 0))

	snap := src.dev.State()
	assert.Equal(t, uint8(0x0f), snap.Status)
	assert.Equal(t, uint8(InterruptStatusUsedRing), snap.InterruptStatus)
	assert.Equal(t, []uint64{1 << 1}, snap.MSIXPending)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(snap))
	var decoded PCIDeviceSnapshot
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	dst := newPCIRig(t, newTestDevice(8), true)
	require.NoError(t, dst.dev.SetState(decoded))
	assert.Equal(t, snap, dst.dev.State())
	assert.False(t, dst.dev.Activated(), "restore does not reactivate")
	assert.Equal(t, uint64(0x0f), dst.commonRead(t, VIRTIO_PCI_COMMON_STATUS, 1))
	desc, _, _ := rigRings(0)
	assert.Equal(t, desc, dst.commonRead(t, VIRTIO_PCI_COMMON_Q_DESCLO, 8))

	other := newPCIRig(t, newTestDevice(8, 8), true)
	assert.Error(t, other.dev.SetState(decoded))
}

func TestSnapshotRejectsUnreachableStatus(t *testing.T) {
	src := newPCIRig(t, newTestDevice(8), false)
	src.activate(t, featureVersion1)
	good := src.dev.State()
	assert.Equal(t, featureVersion1, good.AckedFeatures)

	for name, mutate := range map[string]func(s *PCIDeviceSnapshot){
		"driver ok without features ok": func(s *PCIDeviceSnapshot) {
			s.Status = DeviceStatusAcknowledge | DeviceStatusDriver | DeviceStatusDriverOK
		},
		"features ok without driver": func(s *PCIDeviceSnapshot) {
			s.Status = DeviceStatusAcknowledge | DeviceStatusFeaturesOK
		},
		"features ok without version 1": func(s *PCIDeviceSnapshot) { s.AckedFeatures = 0 },
		"unknown status bits":           func(s *PCIDeviceSnapshot) { s.Status |= 0x40 },
		"features never offered": func(s *PCIDeviceSnapshot) {
			s.AckedFeatures |= uint64(1) << FeatureRingIndirectDesc
		},
	} {
		t.Run(name, func(t *testing.T) {
			snap := good
			mutate(&snap)
			backend := newTestDevice(8)
			dst := newPCIRig(t, backend, false)
			assert.ErrorIs(t, dst.dev.SetState(snap), ErrConfiguration)
			assert.Zero(t, dst.dev.Status(), "nothing restored")
			assert.Zero(t, backend.AckedFeatures())
		})
	}

	backend := newTestDevice(8)
	dst := newPCIRig(t, backend, false)
	require.NoError(t, dst.dev.SetState(good))
	assert.Equal(t, featureVersion1, backend.AckedFeatures())
	assert.Equal(t, uint8(0x0f), dst.dev.Status())
}

func TestNewPCIDeviceValidation(t *testing.T) {
	events := func() (QueueEvent, error) { return &fakeQueueEvent{}, nil }

	_, err := NewPCIDevice(PCIDeviceConfig{NewQueueEvent: events})
	assert.Error(t, err, "no device")

	_, err = NewPCIDevice(PCIDeviceConfig{Device: newTestDevice(8)})
	assert.Error(t, err, "no queue event factory")

	_, err = NewPCIDevice(PCIDeviceConfig{Device: newTestDevice(), NewQueueEvent: events})
	assert.Error(t, err, "no queues")

	_, err = NewPCIDevice(PCIDeviceConfig{Device: newTestDevice(6), NewQueueEvent: events})
	assert.Error(t, err, "queue size not a power of two")

	var created []*fakeQueueEvent
	_, err = NewPCIDevice(PCIDeviceConfig{
		Device: newTestDevice(8, 8),
		NewQueueEvent: func() (QueueEvent, error) {
			if len(created) == 1 {
				return nil, errors.New("out of fds")
			}
			ev := &fakeQueueEvent{}
			created = append(created, ev)
			return ev, nil
		},
	})
	assert.Error(t, err)
	require.Len(t, created, 1)
	assert.True(t, created[0].closed, "events created before the failure are closed")

	var taken []*fakeQueueEvent
	tracked := func() (QueueEvent, error) {
		ev := &fakeQueueEvent{}
		taken = append(taken, ev)
		return ev, nil
	}
	r := newPCIRig(t, newTestDevice(8), false)
	_, err = NewPCIDevice(PCIDeviceConfig{Device: newTestDevice(8, 8), NewQueueEvent: tracked, Host: r.host, Slot: rigSlot})
	assert.Error(t, err, "slot taken")
	require.Len(t, taken, 2)
	for _, ev := range taken {
		assert.True(t, ev.closed)
	}

	// a BAR window too small for every region
	taken = nil
	small := pci.NewHostBridge(pci.HostBridgeConfig{ConfigBase: 0x3000_0000, MMIOBase: 0x4000_0000, MMIOSize: 0x2000})
	_, err = NewPCIDevice(PCIDeviceConfig{Device: newTestDevice(8), NewQueueEvent: tracked, Host: small, Slot: 4})
	assert.Error(t, err, "BAR window exhausted")
	require.Len(t, taken, 1)
	assert.True(t, taken[0].closed)
	assert.Empty(t, small.Endpoints(), "endpoint removed again")

	dev, err := NewPCIDevice(PCIDeviceConfig{Device: newTestDevice(8), NewQueueEvent: events, Slot: 9})
	require.NoError(t, err)
	assert.Equal(t, "block-09", dev.Name())
	assert.Equal(t, "00:09.0", dev.Location().String())
	require.NoError(t, dev.Close())
}

func TestCloseReleasesQueueEvents(t *testing.T) {
	backend := newTestDevice(8)
	r := newPCIRig(t, backend, false)
	r.activate(t, featureVersion1)

	require.NoError(t, r.dev.Close())
	assert.True(t, r.queueEvents[0].closed)
	assert.Equal(t, 1, backend.resets)
}
