package virtio

import (
	"errors"
	"fmt"
)

// Error kinds. Concrete errors wrap one of these with fmt.Errorf("%w: ...")
// so callers can classify them with errors.Is.
var (
	// ErrConfiguration reports malformed ring or queue state.
	ErrConfiguration = errors.New("virtio: configuration error")
	// ErrActivation reports a backend activation or event registration failure.
	ErrActivation = errors.New("virtio: activation failed")
	// ErrBackendIO reports a failure reading or writing a backend resource.
	ErrBackendIO = errors.New("virtio: backend I/O error")
	// ErrEventLoop reports a failure of the readiness facility.
	ErrEventLoop = errors.New("virtio: event loop error")
	// ErrProtocolViolation reports guest behaviour the virtio standard forbids:
	// bad descriptor chains, nested indirection, invalid register access.
	ErrProtocolViolation = errors.New("virtio: protocol violation")
)

var (
	errQueueNotReady = fmt.Errorf("%w: queue not ready", ErrConfiguration)

	ErrPayloadExpected = fmt.Errorf("%w: payload expected", ErrEventLoop)
	ErrUnknownEvent    = fmt.Errorf("%w: unknown event", ErrEventLoop)
)

// IsGuestTriggerable reports whether err was caused by guest input. Such
// errors are logged and contained; they never stop the virtual machine.
func IsGuestTriggerable(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrProtocolViolation)
}
