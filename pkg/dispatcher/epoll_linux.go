//go:build linux

package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/kerneltransport/internal/logger"
	"golang.org/x/sys/unix"
)

// maxEvents bounds how many ready fds epoll_wait returns per call; a
// busy loop services the rest on the next iteration.
const maxEvents = 256

// epollDispatcher is the Linux epoll-backed Dispatcher implementation.
type epollDispatcher struct {
	epfd int

	mu    sync.Mutex
	byFD  map[int]Handle
	byH   map[Handle]int
	nextH Handle

	wakeR int
	wakeW int
}

// New returns a Dispatcher backed by epoll_create1.
func New() (Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: epoll_create1: %w", err)
	}

	wakeR, wakeW, err := pipe2NonBlock()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("dispatcher: wake pipe: %w", err)
	}

	d := &epollDispatcher{
		epfd:  epfd,
		byFD:  make(map[int]Handle),
		byH:   make(map[Handle]int),
		wakeR: wakeR,
		wakeW: wakeW,
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(wakeR)
		unix.Close(wakeW)
		return nil, fmt.Errorf("dispatcher: register wake pipe: %w", err)
	}

	return d, nil
}

func pipe2NonBlock() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

func toEpollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (d *epollDispatcher) Register(fd int, interest Interest) (Handle, error) {
	d.mu.Lock()
	d.nextH++
	h := d.nextH
	d.byFD[fd] = h
	d.byH[h] = fd
	d.mu.Unlock()

	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(interest),
		Fd:     int32(fd),
	})
	if err != nil {
		d.mu.Lock()
		delete(d.byFD, fd)
		delete(d.byH, h)
		d.mu.Unlock()
		return 0, fmt.Errorf("dispatcher: epoll_ctl add fd=%d: %w", fd, err)
	}
	return h, nil
}

func (d *epollDispatcher) Modify(h Handle, interest Interest) error {
	d.mu.Lock()
	fd, ok := d.byH[h]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(interest),
		Fd:     int32(fd),
	})
	if err != nil {
		return fmt.Errorf("dispatcher: epoll_ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

func (d *epollDispatcher) Unregister(h Handle) error {
	d.mu.Lock()
	fd, ok := d.byH[h]
	if ok {
		delete(d.byH, h)
		delete(d.byFD, fd)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	// EBADF/ENOENT are expected when the fd was already closed by the
	// caller before Unregister ran; the kernel drops closed fds from
	// epoll's interest list automatically.
	_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (d *epollDispatcher) Run(ctx context.Context, onEvent func(fd int, ev Event)) error {
	events := make([]unix.EpollEvent, maxEvents)

	// epoll_wait blocks indefinitely below; wake it on shutdown by
	// writing a byte to the pipe registered alongside real fds.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			unix.Write(d.wakeW, []byte{0})
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.EpollWait(d.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("dispatcher: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			if fd == d.wakeR {
				drainWake(d.wakeR)
				continue
			}

			var mask Event
			if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				mask |= EventReadable
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				mask |= EventWritable
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				mask |= EventError
			}
			if mask == 0 {
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("panic in dispatcher callback", logger.KeyFD, fd, logger.KeyReason, r)
					}
				}()
				onEvent(fd, mask)
			}()
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func drainWake(fd int) {
	var buf [64]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (d *epollDispatcher) Close() error {
	unix.Close(d.wakeR)
	unix.Close(d.wakeW)
	return unix.Close(d.epfd)
}
