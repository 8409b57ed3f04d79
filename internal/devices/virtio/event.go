package virtio

import (
	"fmt"
	"os"
)

// EventTag identifies which of a handler's sources became ready.
type EventTag uint16

// Payload is the optional data attached to an event. It is either
// EmptyPayload or FilePayload.
type Payload interface {
	isPayload()
}

// EmptyPayload is carried by events that need no data (most of them).
type EmptyPayload struct{}

// FilePayload hands an externally owned file to the handler, e.g. a new
// backing file on hot-plug. The receiving handler takes ownership.
type FilePayload struct {
	File *os.File
}

func (EmptyPayload) isPayload() {}
func (FilePayload) isPayload()  {}

// PayloadFile extracts the file from p or returns ErrPayloadExpected.
func PayloadFile(p Payload) (*os.File, error) {
	fp, ok := p.(FilePayload)
	if !ok || fp.File == nil {
		return nil, ErrPayloadExpected
	}
	return fp.File, nil
}

// EventHandler is invoked by the event loop when a registered source is
// ready. Handlers must not block. Ordering is only guaranteed between
// successive events of the same source.
type EventHandler interface {
	HandleEvent(tag EventTag, flags uint32, payload Payload) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(tag EventTag, flags uint32, payload Payload) error

func (f EventHandlerFunc) HandleEvent(tag EventTag, flags uint32, payload Payload) error {
	return f(tag, flags, payload)
}

// EventRegistrar is the part of the readiness event loop a device sees.
type EventRegistrar interface {
	Register(fd int, tag EventTag, handler EventHandler) error
	Unregister(fd int) error
}

// QueueEvent is the per-queue notification source signalled by the transport
// when the guest writes the queue's notify register.
type QueueEvent interface {
	FD() int
	Write(v uint64) error
	Read() (uint64, error)
	Close() error
}

// trackingRegistrar records every registration so a failed activation can
// be rolled back, and a reset can drop everything the backend left behind.
type trackingRegistrar struct {
	inner EventRegistrar
	fds   []int
}

func (r *trackingRegistrar) Register(fd int, tag EventTag, handler EventHandler) error {
	if r.inner == nil {
		return fmt.Errorf("%w: no event loop", ErrEventLoop)
	}
	if err := r.inner.Register(fd, tag, handler); err != nil {
		return fmt.Errorf("%w: register fd %d: %w", ErrEventLoop, fd, err)
	}
	r.fds = append(r.fds, fd)
	return nil
}

func (r *trackingRegistrar) Unregister(fd int) error {
	for i, registered := range r.fds {
		if registered == fd {
			r.fds = append(r.fds[:i], r.fds[i+1:]...)
			break
		}
	}
	if r.inner == nil {
		return nil
	}
	return r.inner.Unregister(fd)
}

func (r *trackingRegistrar) registered() []int {
	out := make([]int, len(r.fds))
	copy(out, r.fds)
	return out
}
