package guestdriver

import "sync"

// Interrupts stands in for the platform interrupt controller. It implements
// both virtio.IRQController and virtio.MSIController and records what the
// device raised.
type Interrupts struct {
	mu         sync.Mutex
	messages   []MSIXVector
	levels     map[uint32]bool
	assertions int
}

// NewInterrupts returns an empty recorder.
func NewInterrupts() *Interrupts {
	return &Interrupts{levels: make(map[uint32]bool)}
}

func (r *Interrupts) SignalMSI(addr uint64, data uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, MSIXVector{Addr: addr, Data: data})
	return nil
}

func (r *Interrupts) SetIRQ(line uint32, level bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level && !r.levels[line] {
		r.assertions++
	}
	r.levels[line] = level
	return nil
}

// Messages returns the MSI messages received so far.
func (r *Interrupts) Messages() []MSIXVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MSIXVector(nil), r.messages...)
}

// Level reports whether line is currently asserted.
func (r *Interrupts) Level(line uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[line]
}

// Assertions counts low-to-high transitions over all lines.
func (r *Interrupts) Assertions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assertions
}
