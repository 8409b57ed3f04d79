package virtio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

const (
	rngQueueSize = 256
	// rngMaxFill bounds the entropy handed out per chain.
	rngMaxFill = 64 << 10
)

// rngQueueEvent tags the request queue's event source. A FilePayload
// injected on it replaces the entropy source.
const rngQueueEvent EventTag = 0

// RNG is a virtio entropy device (type 4). It has a single request queue
// whose writable buffers are filled from an io.Reader.
type RNG struct {
	FeatureSet

	mu         sync.Mutex
	source     io.Reader
	sourceFile *os.File
	act        *Activation
}

// NewRNG returns an entropy device reading from source.
func NewRNG(source io.Reader) *RNG {
	r := &RNG{source: source}
	r.Offered = featureVersion1 | uint64(1)<<FeatureRingEventIdx | uint64(1)<<FeatureRingIndirectDesc
	return r
}

func (r *RNG) DeviceType() DeviceType { return DeviceTypeRNG }

func (r *RNG) QueueMaxSizes() []uint16 { return []uint16{rngQueueSize} }

// ReadConfig implements Device. The entropy device has no config space.
func (r *RNG) ReadConfig(offset uint64, data []byte) { clear(data) }

func (r *RNG) WriteConfig(offset uint64, data []byte) {}

func (r *RNG) Activate(act *Activation) error {
	if len(act.Queues) != 1 || len(act.QueueEvents) != 1 {
		return fmt.Errorf("virtio-rng: expected 1 queue, got %d", len(act.Queues))
	}
	if err := act.Events.Register(act.QueueEvents[0].FD(), rngQueueEvent, r); err != nil {
		return err
	}
	r.mu.Lock()
	r.act = act
	r.mu.Unlock()
	return nil
}

func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.act != nil {
		if err := r.act.Events.Unregister(r.act.QueueEvents[0].FD()); err != nil {
			slog.Warn("virtio-rng: unregister queue event failed", "err", err)
		}
	}
	r.act = nil
	r.ResetFeatures()
}

// Close releases an entropy file handed over through a FilePayload.
func (r *RNG) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sourceFile == nil {
		return nil
	}
	err := r.sourceFile.Close()
	r.sourceFile = nil
	return err
}

// HandleEvent implements EventHandler.
func (r *RNG) HandleEvent(tag EventTag, flags uint32, payload Payload) error {
	if tag != rngQueueEvent {
		return fmt.Errorf("virtio-rng: tag %d: %w", tag, ErrUnknownEvent)
	}
	if _, ok := payload.(FilePayload); ok {
		return r.swapSource(payload)
	}
	irq, err := r.processQueue()
	// A chain the guest broke stays at the head of the ring, so the queue
	// cannot make progress until the driver resets the device.
	if errors.Is(err, ErrProtocolViolation) && irq != nil {
		irq.Fail(err)
	}
	return err
}

func (r *RNG) swapSource(payload Payload) error {
	f, err := PayloadFile(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sourceFile != nil {
		if err := r.sourceFile.Close(); err != nil {
			slog.Warn("virtio-rng: close previous source failed", "err", err)
		}
	}
	r.sourceFile = f
	r.source = f
	slog.Info("virtio-rng: entropy source replaced", "path", f.Name())
	return nil
}

// processQueue completes every available chain. It returns the interrupt
// sender of the current activation so faults can be reported once r.mu is
// released.
func (r *RNG) processQueue() (InterruptSender, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	act := r.act
	if act == nil {
		return nil, nil
	}
	if _, err := act.QueueEvents[0].Read(); err != nil {
		slog.Debug("virtio-rng: queue event read", "err", err)
	}

	q := act.Queues[0]
	mem := act.Memory
	it, err := q.Pop(mem)
	if err != nil {
		return act.Interrupt, err
	}
	completed := 0
	for it.Next() {
		chain := it.Chain()
		written := r.fill(mem, chain)
		if err := q.AddUsed(mem, chain.Head, written); err != nil {
			return act.Interrupt, err
		}
		completed++
	}
	iterErr := it.Err()

	if completed > 0 && q.ShouldInterrupt(mem) {
		if err := act.Interrupt.Trigger(InterruptUsedRing, 0); err != nil {
			slog.Error("virtio-rng: interrupt failed", "err", err)
		}
	}
	return act.Interrupt, iterErr
}

// fill writes entropy into chain and returns the number of bytes written.
// Source failures complete the chain with zero bytes.
func (r *RNG) fill(mem GuestMemory, chain *DescriptorChain) uint32 {
	want := chain.WritableLen()
	if want > rngMaxFill {
		want = rngMaxFill
	}
	if want == 0 {
		return 0
	}
	buf := make([]byte, want)
	if _, err := io.ReadFull(r.source, buf); err != nil {
		slog.Error("virtio-rng: read entropy source", "err", fmt.Errorf("%w: %w", ErrBackendIO, err))
		return 0
	}
	written, err := chain.Fill(mem, buf)
	if err != nil {
		slog.Warn("virtio-rng: fill chain", "head", chain.Head, "err", err)
	}
	rngBytes.Add(float64(written))
	return written
}

var _ Device = (*RNG)(nil)
