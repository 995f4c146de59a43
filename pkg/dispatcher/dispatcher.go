// Package dispatcher implements the single-threaded readiness-event
// loop the transport core treats as an external collaborator: it owns
// one epoll instance, lets callers register a
// file descriptor with an interest mask, and delivers READABLE /
// WRITABLE / ERROR callbacks from one goroutine until its context is
// cancelled.
//
// Nothing in pkg/transport/tcp may block; every callback this package
// invokes must return promptly so the next fd's readiness is serviced
// without delay.
package dispatcher

import "context"

// Interest is a bitmask of event kinds a registered fd wants delivered.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event is the bitmask of what actually became ready on a registered fd.
type Event uint8

const (
	EventReadable Event = 1 << iota
	EventWritable
	EventError
)

// Handle identifies a registration so Modify/Unregister can address it
// without the caller having to remember the fd.
type Handle int

// Dispatcher multiplexes readiness events for many file descriptors on
// a single thread.
type Dispatcher interface {
	// Register starts watching fd for the given interest. The returned
	// Handle is stable for the lifetime of the registration.
	Register(fd int, interest Interest) (Handle, error)

	// Modify changes the interest mask for an existing registration.
	Modify(h Handle, interest Interest) error

	// Unregister stops watching the fd associated with h. It is not an
	// error to unregister a handle whose fd has already been closed.
	Unregister(h Handle) error

	// Run blocks, delivering onEvent(fd, ev) for every readiness event,
	// until ctx is cancelled or an unrecoverable polling error occurs.
	Run(ctx context.Context, onEvent func(fd int, ev Event)) error

	// Close releases the dispatcher's own resources (e.g. the epoll fd).
	// Run must have returned before Close is called.
	Close() error
}
