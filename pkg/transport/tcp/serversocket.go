package tcp

import (
	"container/list"
	"sync"

	"github.com/marmos91/kerneltransport/internal/logger"
	"github.com/marmos91/kerneltransport/internal/metrics"
	"github.com/marmos91/kerneltransport/pkg/buffer"
	"github.com/marmos91/kerneltransport/pkg/dispatcher"
	"github.com/marmos91/kerneltransport/pkg/wire"
	"golang.org/x/sys/unix"
)

// ServerRpc is one in-flight request on a ServerSocket: received and
// handed to the upper layer, awaiting sendReply. The upper layer owns
// the ServerRpc from the moment it is surfaced by Transport.ServerRecv
// until it calls SendReply.
type ServerRpc struct {
	FD     int
	Socket *ServerSocket

	RequestPayload *buffer.Buffer
	ReplyPayload   *buffer.Buffer

	nonce   uint64
	message *wire.IncomingMessage

	bytesLeftToSend int
	elem            *list.Element // position in socket.waitingToReply, nil if not queued
}

// ServerSocket is the per-accepted-connection state:
// at most one in-progress request, and an ordered reply queue.
type ServerSocket struct {
	fd        int
	transport *Transport
	handle    dispatcher.Handle
	metrics   *metrics.Transport

	mu              sync.Mutex
	closed          bool
	currentRequest  *ServerRpc
	waitingToReply  *list.List // of *ServerRpc
	bytesLeftToSend int        // trailing bytes of the queue head; <=0 means head not started or queue empty
}

func newServerSocket(fd int, t *Transport) *ServerSocket {
	return &ServerSocket{
		fd:             fd,
		transport:      t,
		metrics:        t.metrics,
		waitingToReply: list.New(),
	}
}

// onReadable is invoked by the dispatcher when the socket has bytes to
// read.
func (s *ServerSocket) onReadable() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.currentRequest == nil {
		req := &ServerRpc{
			FD:             s.fd,
			Socket:         s,
			RequestPayload: buffer.New(),
		}
		req.message = wire.NewIncomingMessage(req.RequestPayload)
		s.currentRequest = req
	}
	req := s.currentRequest
	s.mu.Unlock()

	result, err := req.message.ReadMessage(s.fd)
	if err != nil {
		s.handleReadError(err)
		return
	}
	if result == wire.Incomplete {
		return
	}

	req.nonce = req.message.Header().Nonce
	oversized := req.message.Oversized()

	s.mu.Lock()
	s.currentRequest = nil
	s.mu.Unlock()

	s.metrics.AddBytesReceived(wire.HeaderSize + req.RequestPayload.Size())

	if oversized {
		logger.Warn("oversized request, closing connection",
			logger.KeyFD, s.fd, logger.KeyNonce, req.nonce)
		s.closeWithReason(wire.NewProtocolViolation("request exceeds MAX_RPC_LEN"))
		return
	}

	logger.Debug("request received", logger.KeyFD, s.fd, logger.KeyNonce, req.nonce)
	s.transport.enqueueRecv(req)
}

func (s *ServerSocket) handleReadError(err error) {
	switch err {
	case wire.ErrPeerClosed:
		logger.Debug("peer closed connection", logger.KeyFD, s.fd)
	default:
		logger.Debug("read error, closing connection", logger.KeyFD, s.fd, logger.KeyReason, err)
	}
	s.closeWithReason(err)
}

// onWritable drains the reply queue.
func (s *ServerSocket) onWritable() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		front := s.waitingToReply.Front()
		if front == nil {
			s.mu.Unlock()
			return
		}
		rpc := front.Value.(*ServerRpc)
		bytesLeft := s.bytesLeftToSend
		s.mu.Unlock()

		header := wire.WireHeader{Nonce: rpc.nonce, Len: uint32(rpc.ReplyPayload.Size())}
		remaining, err := wire.SendMessage(s.fd, header, rpc.ReplyPayload, bytesLeft)
		if err != nil {
			logger.Debug("write error, closing connection", logger.KeyFD, s.fd, logger.KeyReason, err)
			s.closeWithReason(err)
			return
		}
		s.metrics.AddBytesSent(bytesLeft - remaining)

		if remaining > 0 {
			s.mu.Lock()
			s.bytesLeftToSend = remaining
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.waitingToReply.Remove(front)
		rpc.elem = nil
		if next := s.waitingToReply.Front(); next != nil {
			nextRpc := next.Value.(*ServerRpc)
			s.bytesLeftToSend = wire.HeaderSize + nextRpc.ReplyPayload.Size()
		} else {
			s.bytesLeftToSend = 0
		}
		depth := s.waitingToReply.Len()
		s.mu.Unlock()

		s.metrics.SetSendQueueDepth(s.fd, depth)
		s.metrics.ObserveRPC(metrics.ResultOK)

		if depth == 0 {
			s.disarmWritable()
		}
	}
}

func (s *ServerSocket) onError() {
	s.closeWithReason(wire.NewIoError("socket", unix.ECONNRESET))
}

// SendReply queues or writes the reply. Calls for the same socket must
// come from one goroutine at a time (the upper layer's ServerRecv
// polling loop, in this module's daemon and tests); the empty-queue
// check and the resulting inline write are not atomic across separate
// calls, so two callers racing on the same socket could both see an
// empty queue and write to the fd at the same time.
func (rpc *ServerRpc) SendReply() {
	s := rpc.Socket

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.waitingToReply.Len() == 0 && s.bytesLeftToSend <= 0 {
		header := wire.WireHeader{Nonce: rpc.nonce, Len: uint32(rpc.ReplyPayload.Size())}
		total := wire.HeaderSize + rpc.ReplyPayload.Size()
		s.mu.Unlock()

		remaining, err := wire.SendMessage(s.fd, header, rpc.ReplyPayload, total)
		if err != nil {
			s.closeWithReason(err)
			return
		}
		s.metrics.AddBytesSent(total - remaining)

		if remaining == 0 {
			s.metrics.ObserveRPC(metrics.ResultOK)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		rpc.bytesLeftToSend = remaining
		rpc.elem = s.waitingToReply.PushFront(rpc)
		s.bytesLeftToSend = remaining
		s.mu.Unlock()
		s.armWritable()
		return
	}

	rpc.elem = s.waitingToReply.PushBack(rpc)
	depth := s.waitingToReply.Len()
	s.mu.Unlock()

	s.metrics.SetSendQueueDepth(s.fd, depth)
	s.armWritable()
}

func (s *ServerSocket) armWritable() {
	s.transport.disp.Modify(s.handle, dispatcher.Readable|dispatcher.Writable)
}

func (s *ServerSocket) disarmWritable() {
	s.transport.disp.Modify(s.handle, dispatcher.Readable)
}

// closeWithReason tears down the socket: it drops queued replies (they
// become unsendable) and removes the socket from the transport's table,
// so any ServerRpc still referencing it self-destroys on SendReply.
func (s *ServerSocket) closeWithReason(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	depth := s.waitingToReply.Len()
	s.waitingToReply.Init()
	s.mu.Unlock()

	if depth > 0 {
		logger.Debug("dropping queued replies on close", logger.KeyFD, s.fd, logger.KeyBytes, depth)
		result := classifyResult(reason)
		for i := 0; i < depth; i++ {
			s.metrics.ObserveRPC(result)
		}
	}
	logger.Debug("closing connection", logger.KeyFD, s.fd, logger.KeyReason, reason)

	s.transport.disp.Unregister(s.handle)
	s.transport.removeSocket(s.fd)
	unix.Close(s.fd)
}
