package eventloop

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFD is a non-blocking, close-on-exec eventfd counter.
type EventFD struct {
	fd int
}

// NewEventFD creates an eventfd with a zero counter.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

func (e *EventFD) FD() int { return e.fd }

// Write adds v to the counter.
func (e *EventFD) Write(v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Read returns and clears the counter. It returns 0 when the counter is
// already zero instead of blocking.
func (e *EventFD) Read() (uint64, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		switch err {
		case nil:
			return binary.NativeEndian.Uint64(buf[:]), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		default:
			return 0, err
		}
	}
}

func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}
