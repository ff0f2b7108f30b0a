package hal

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InfiniteTimeout is the distinguished sentinel accepted by blocking operations to
// mean "block unconditionally until done". Any negative duration is treated the same.
const InfiniteTimeout time.Duration = -1

// IsInfiniteTimeout reports whether timeout is the unconditional-blocking sentinel.
func IsInfiniteTimeout(timeout time.Duration) bool {
	return timeout < 0
}

// Event is a future signaled when an asynchronous device operation completes.
//
// Drivers create one per submission and signal it exactly once with the operation's
// result; the public blocking operations of the runtime simply await it. It is exported
// so driver implementations outside this package can use it; users of the runtime API
// normally never see one.
type Event struct {
	done chan struct{}
	once sync.Once
	err  error
}

// NewEvent returns an unsignaled Event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Signal marks the event done with the operation's result. Only the first call has an
// effect.
func (e *Event) Signal(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// IsDone reports whether the event has been signaled, without blocking.
func (e *Event) IsDone() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Await blocks the calling goroutine until the event is signaled, then returns the
// operation's error, if any.
//
// A negative timeout (see InfiniteTimeout) blocks unconditionally. A zero or
// already-elapsed timeout only succeeds if the event is already signaled; otherwise
// Await returns an ErrTimeout-wrapped error immediately rather than hanging.
func (e *Event) Await(timeout time.Duration) error {
	if IsInfiniteTimeout(timeout) {
		<-e.done
		return e.err
	}
	if timeout == 0 {
		select {
		case <-e.done:
			return e.err
		default:
			return errors.Wrap(ErrTimeout, "event not signaled and timeout is zero")
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return e.err
	case <-timer.C:
		return errors.Wrapf(ErrTimeout, "event not signaled after %s", timeout)
	}
}
