package tcp

import (
	"github.com/marmos91/kerneltransport/internal/logger"
	"github.com/marmos91/kerneltransport/pkg/dispatcher"
	"golang.org/x/sys/unix"
)

// Acceptor admits new connections on the transport's listening socket
// and allocates a ServerSocket for each.
type Acceptor struct {
	listenFD  int
	transport *Transport
	handle    dispatcher.Handle
}

func (a *Acceptor) onReadable() {
	for {
		fd, _, err := unix.Accept4(a.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				logger.Warn("accept failed", logger.KeyReason, err)
				continue
			}
		}

		if err := setNonBlockingAndNoDelay(fd); err != nil {
			logger.Warn("failed to configure accepted socket", logger.KeyFD, fd, logger.KeyReason, err)
			unix.Close(fd)
			continue
		}

		sock := newServerSocket(fd, a.transport)
		h, err := a.transport.disp.Register(fd, dispatcher.Readable)
		if err != nil {
			logger.Warn("failed to register accepted socket", logger.KeyFD, fd, logger.KeyReason, err)
			unix.Close(fd)
			continue
		}
		sock.handle = h

		a.transport.addSocket(fd, sock)
		logger.Debug("accepted connection", logger.KeyFD, fd)
	}
}

func (a *Acceptor) onWritable() {}

func (a *Acceptor) onError() {
	logger.Error("listen socket error", logger.KeyFD, a.listenFD)
}
