// Package eventloop dispatches readiness of file descriptors to virtio
// event handlers using epoll.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmvirtio/internal/devices/virtio"
)

const maxEvents = 32

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = fmt.Errorf("%w: loop closed", virtio.ErrEventLoop)

type source struct {
	fd      int
	tag     virtio.EventTag
	handler virtio.EventHandler
}

type injection struct {
	fd      int
	payload virtio.Payload
}

// Loop is a single-threaded readiness loop. Register and Unregister may be
// called from any goroutine, including from handlers; handlers only ever run
// on the goroutine calling Poll or Run.
type Loop struct {
	epfd int
	wake *EventFD

	mu       sync.Mutex
	sources  map[int]*source
	injected []injection
	closed   bool

	events []unix.EpollEvent
}

// New creates an empty loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: epoll_create1: %w", virtio.ErrEventLoop, err)
	}
	wake, err := NewEventFD()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("%w: %w", virtio.ErrEventLoop, err)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wake.FD())}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wake.FD(), &event); err != nil {
		wake.Close()
		unix.Close(epfd)
		return nil, fmt.Errorf("%w: add wake fd: %w", virtio.ErrEventLoop, err)
	}
	return &Loop{
		epfd:    epfd,
		wake:    wake,
		sources: make(map[int]*source),
		events:  make([]unix.EpollEvent, maxEvents),
	}, nil
}

// Register implements virtio.EventRegistrar. The source is level triggered
// on readability.
func (l *Loop) Register(fd int, tag virtio.EventTag, handler virtio.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler for fd %d", virtio.ErrEventLoop, fd)
	}
	if fd < 0 {
		return fmt.Errorf("%w: invalid fd %d", virtio.ErrEventLoop, fd)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if fd == l.wake.FD() {
		return fmt.Errorf("%w: fd %d is reserved", virtio.ErrEventLoop, fd)
	}
	if _, ok := l.sources[fd]; ok {
		return fmt.Errorf("%w: fd %d already registered", virtio.ErrEventLoop, fd)
	}
	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("%w: epoll add fd %d: %w", virtio.ErrEventLoop, fd, err)
	}
	l.sources[fd] = &source{fd: fd, tag: tag, handler: handler}
	return nil
}

// Unregister implements virtio.EventRegistrar.
func (l *Loop) Unregister(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.sources[fd]; !ok {
		return fmt.Errorf("%w: fd %d not registered", virtio.ErrEventLoop, fd)
	}
	delete(l.sources, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return fmt.Errorf("%w: epoll del fd %d: %w", virtio.ErrEventLoop, fd, err)
	}
	return nil
}

// Registered reports whether fd currently has a handler.
func (l *Loop) Registered(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sources[fd]
	return ok
}

// Inject queues payload for the handler registered for fd. It is delivered
// by the next Poll with that handler's tag.
func (l *Loop) Inject(fd int, payload virtio.Payload) error {
	if payload == nil {
		payload = virtio.EmptyPayload{}
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if _, ok := l.sources[fd]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: inject to unregistered fd %d", virtio.ErrEventLoop, fd)
	}
	l.injected = append(l.injected, injection{fd: fd, payload: payload})
	l.mu.Unlock()
	return l.wake.Write(1)
}

// Poll waits up to timeout for ready sources and dispatches each once. A
// negative timeout waits indefinitely. It returns the number of handler
// invocations.
func (l *Loop) Poll(timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	n, err := unix.EpollWait(l.epfd, l.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: epoll_wait: %w", virtio.ErrEventLoop, err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := l.events[i]
		fd := int(ev.Fd)
		if fd == l.wake.FD() {
			if _, err := l.wake.Read(); err != nil {
				slog.Error("eventloop: drain wake fd", "err", err)
			}
			dispatched += l.deliverInjected()
			continue
		}
		l.mu.Lock()
		src := l.sources[fd]
		l.mu.Unlock()
		if src == nil {
			// unregistered by an earlier handler in this batch
			continue
		}
		l.dispatch(src, ev.Events, virtio.EmptyPayload{})
		dispatched++
	}
	return dispatched, nil
}

func (l *Loop) deliverInjected() int {
	l.mu.Lock()
	pending := l.injected
	l.injected = nil
	l.mu.Unlock()

	delivered := 0
	for _, inj := range pending {
		l.mu.Lock()
		src := l.sources[inj.fd]
		l.mu.Unlock()
		if src == nil {
			eventsTotal.WithLabelValues(resultDropped).Inc()
			slog.Warn("eventloop: dropped payload for unregistered fd", "fd", inj.fd)
			continue
		}
		l.dispatch(src, unix.EPOLLIN, inj.payload)
		delivered++
	}
	return delivered
}

// dispatch runs one handler. A handler that panics or reports an event loop
// error is unregistered; the loop itself carries on.
func (l *Loop) dispatch(src *source, flags uint32, payload virtio.Payload) {
	defer func() {
		if r := recover(); r != nil {
			eventsTotal.WithLabelValues(resultPanic).Inc()
			slog.Error("eventloop: handler panicked, unregistering", "fd", src.fd, "tag", src.tag, "panic", r)
			l.drop(src.fd)
		}
	}()

	err := src.handler.HandleEvent(src.tag, flags, payload)
	switch {
	case err == nil:
		eventsTotal.WithLabelValues(resultOK).Inc()
	case errors.Is(err, virtio.ErrEventLoop):
		eventsTotal.WithLabelValues(resultError).Inc()
		slog.Error("eventloop: handler failed, unregistering", "fd", src.fd, "tag", src.tag, "err", err)
		l.drop(src.fd)
	case virtio.IsGuestTriggerable(err):
		eventsTotal.WithLabelValues(resultError).Inc()
		slog.Warn("eventloop: guest fault in handler", "fd", src.fd, "tag", src.tag, "err", err)
	default:
		eventsTotal.WithLabelValues(resultError).Inc()
		slog.Error("eventloop: handler failed", "fd", src.fd, "tag", src.tag, "err", err)
	}
}

func (l *Loop) drop(fd int) {
	if err := l.Unregister(fd); err != nil && !errors.Is(err, ErrClosed) {
		slog.Debug("eventloop: unregister", "fd", fd, "err", err)
	}
}

// Run polls until ctx is cancelled or the loop fails.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if err := l.wake.Write(1); err != nil {
			slog.Debug("eventloop: wake on cancel", "err", err)
		}
	})
	defer stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := l.Poll(-1); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Close releases the epoll instance and wake fd. Registered fds are not
// closed; they belong to their owners.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.sources = make(map[int]*source)
	l.injected = nil

	var result error
	if err := unix.Close(l.epfd); err != nil {
		result = multierror.Append(result, fmt.Errorf("close epoll fd: %w", err))
	}
	if err := l.wake.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close wake fd: %w", err))
	}
	return result
}

var _ virtio.EventRegistrar = (*Loop)(nil)
