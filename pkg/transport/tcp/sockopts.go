package tcp

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// setNonBlockingAndNoDelay puts fd into non-blocking mode and disables
// Nagle's algorithm, as required of every accepted
// and connected socket.
func setNonBlockingAndNoDelay(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("tcp: set non-blocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("tcp: set TCP_NODELAY: %w", err)
	}
	return nil
}

// listenSocket opens, binds, and listens on host:port, returning the
// non-blocking listening fd and the port actually bound (useful when
// port was 0).
func listenSocket(host string, port uint16) (fd int, boundPort uint16, err error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return -1, 0, err
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, 0, fmt.Errorf("tcp: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("tcp: set SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	copy(addr.Addr[:], ip)
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("tcp: bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("tcp: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("tcp: set non-blocking: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("tcp: getsockname: %w", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		boundPort = uint16(in4.Port)
	}

	return fd, boundPort, nil
}

// connectSocket opens a non-blocking socket and starts connecting it to
// host:port. The connect completion is awaited synchronously here
// (the caller is allowed to block on first use). The fd is returned
// unregistered; the caller registers it with the dispatcher.
func connectSocket(host string, port uint16) (int, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("tcp: socket: %w", err)
	}

	if err := setNonBlockingAndNoDelay(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	copy(addr.Addr[:], ip)

	err = unix.Connect(fd, addr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp: connect %s:%d: %w", host, port, err)
	}
	if err == unix.EINPROGRESS {
		if err := waitConnected(fd); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}

	return fd, nil
}

// waitConnected blocks on poll(2) until the non-blocking connect
// started by connectSocket completes, then checks SO_ERROR.
func waitConnected(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(pfd, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("tcp: poll for connect: %w", err)
		}
		break
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("tcp: getsockopt SO_ERROR: %w", err)
	}
	if soErr != 0 {
		return fmt.Errorf("tcp: connect failed: %w", unix.Errno(soErr))
	}
	return nil
}

func resolveIPv4(host string) (net.IP, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil || len(ips) == 0 {
		if ip := net.ParseIP(host).To4(); ip != nil {
			return ip, nil
		}
		return nil, fmt.Errorf("tcp: resolve host %q: %w", host, err)
	}
	return ips[0].To4(), nil
}
