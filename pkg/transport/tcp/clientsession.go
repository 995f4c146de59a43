package tcp

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/kerneltransport/internal/logger"
	"github.com/marmos91/kerneltransport/internal/metrics"
	"github.com/marmos91/kerneltransport/pkg/buffer"
	"github.com/marmos91/kerneltransport/pkg/dispatcher"
	"github.com/marmos91/kerneltransport/pkg/wire"
	"golang.org/x/sys/unix"
)

// ClientRpc is a pending client-side call: submitted via
// ClientSession.Send, linked into exactly one of the session's two
// queues (or marked current while its response is being read) until it
// completes or the session fails it.
type ClientRpc struct {
	request *buffer.Buffer
	reply   *buffer.Buffer
	nonce   uint64
	sent    bool

	session *ClientSession
	elem    *list.Element
	done    chan error
}

// Nonce returns the nonce the session assigned this call.
func (rpc *ClientRpc) Nonce() uint64 {
	return rpc.nonce
}

// Wait blocks until the RPC completes, the session fails it, or ctx is
// done. On success it returns nil and rpc's reply buffer holds the
// response payload.
func (rpc *ClientRpc) Wait(ctx context.Context) error {
	select {
	case err := <-rpc.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel detaches the RPC from its session. If the
// RPC was in the middle of being transmitted, cancelling it would
// desynchronize the wire, so the whole session is closed instead.
func (rpc *ClientRpc) Cancel() error {
	return rpc.session.cancelCleanup(rpc)
}

func (rpc *ClientRpc) complete(err error) {
	select {
	case rpc.done <- err:
	default:
	}
}

// ClientSession is a caller's stateful handle to one server connection,
// The fd is opened lazily on the first Send.
type ClientSession struct {
	transport *Transport
	host      string
	port      uint16

	mu                 sync.Mutex
	fd                 int
	handle             dispatcher.Handle
	serial             uint64
	waitingToSend      *list.List // of *ClientRpc
	bytesLeftToSend    int
	waitingForResponse *list.List // of *ClientRpc
	current            *ClientRpc
	message            *wire.IncomingMessage
	errorInfo          error
}

func newClientSession(t *Transport, host string, port uint16) *ClientSession {
	return &ClientSession{
		transport:          t,
		host:               host,
		port:               port,
		fd:                 -1,
		waitingToSend:      list.New(),
		waitingForResponse: list.New(),
	}
}

// Send submits (request, reply) as a new RPC. It
// fails synchronously only if the session is already marked unusable or
// the lazy connect fails; once a ClientRpc is returned, its outcome is
// delivered through ClientRpc.Wait.
//
// Send must be called from a single caller goroutine per session (the
// dispatcher thread, in the normal embedding). The empty-queue check
// and the resulting inline write happen under separate critical
// sections, so two overlapping Send calls on the same session could
// both see an empty queue and write to the fd at the same time.
func (cs *ClientSession) Send(request, reply *buffer.Buffer) (*ClientRpc, error) {
	cs.mu.Lock()
	if cs.errorInfo != nil {
		err := cs.errorInfo
		cs.mu.Unlock()
		return nil, err
	}

	if cs.fd == -1 {
		fd, err := connectSocket(cs.host, cs.port)
		if err != nil {
			cs.errorInfo = fmt.Errorf("%w: %v", wire.ErrConnect, err)
			cs.mu.Unlock()
			return nil, cs.errorInfo
		}
		cs.fd = fd
		cs.message = wire.NewClientIncomingMessage(cs)
		h, err := cs.transport.disp.Register(fd, dispatcher.Readable)
		if err != nil {
			unix.Close(fd)
			cs.fd = -1
			cs.errorInfo = err
			cs.mu.Unlock()
			return nil, err
		}
		cs.handle = h
		cs.transport.addHandler(fd, cs)
	}

	cs.serial++
	rpc := &ClientRpc{
		request: request,
		reply:   reply,
		nonce:   cs.serial,
		session: cs,
		done:    make(chan error, 1),
	}

	wasEmpty := cs.waitingToSend.Len() == 0
	rpc.elem = cs.waitingToSend.PushBack(rpc)
	fd := cs.fd
	cs.mu.Unlock()

	if wasEmpty {
		cs.sendInline(fd, rpc)
	}
	return rpc, nil
}

// sendInline attempts an immediate inline send when rpc is
// the only entry on the send queue.
func (cs *ClientSession) sendInline(fd int, rpc *ClientRpc) {
	header := wire.WireHeader{Nonce: rpc.nonce, Len: uint32(rpc.request.Size())}
	total := wire.HeaderSize + rpc.request.Size()

	remaining, err := wire.SendMessage(fd, header, rpc.request, total)
	if err != nil {
		cs.closeWithReason(err)
		return
	}
	cs.transport.metrics.AddBytesSent(total - remaining)

	cs.mu.Lock()
	if remaining == 0 {
		if rpc.elem != nil {
			cs.waitingToSend.Remove(rpc.elem)
		}
		rpc.sent = true
		rpc.elem = cs.waitingForResponse.PushBack(rpc)
		cs.mu.Unlock()
		return
	}
	cs.bytesLeftToSend = remaining
	cs.mu.Unlock()
	cs.armWritable()
}

// onWritable drains waitingToSend.
func (cs *ClientSession) onWritable() {
	for {
		cs.mu.Lock()
		if cs.fd == -1 {
			cs.mu.Unlock()
			return
		}
		front := cs.waitingToSend.Front()
		if front == nil {
			cs.mu.Unlock()
			return
		}
		rpc := front.Value.(*ClientRpc)
		bytesLeft := cs.bytesLeftToSend
		fd := cs.fd
		cs.mu.Unlock()

		header := wire.WireHeader{Nonce: rpc.nonce, Len: uint32(rpc.request.Size())}
		remaining, err := wire.SendMessage(fd, header, rpc.request, bytesLeft)
		if err != nil {
			cs.closeWithReason(err)
			return
		}
		cs.transport.metrics.AddBytesSent(bytesLeft - remaining)

		if remaining > 0 {
			cs.mu.Lock()
			cs.bytesLeftToSend = remaining
			cs.mu.Unlock()
			return
		}

		cs.mu.Lock()
		cs.waitingToSend.Remove(front)
		rpc.sent = true
		rpc.elem = cs.waitingForResponse.PushBack(rpc)
		if next := cs.waitingToSend.Front(); next != nil {
			nextRpc := next.Value.(*ClientRpc)
			cs.bytesLeftToSend = wire.HeaderSize + nextRpc.request.Size()
		} else {
			cs.bytesLeftToSend = 0
		}
		depth := cs.waitingToSend.Len()
		cs.mu.Unlock()

		cs.transport.metrics.SetSendQueueDepth(fd, depth)
		if depth == 0 {
			cs.disarmWritable()
		}
	}
}

// onReadable drives the session's IncomingMessage.
func (cs *ClientSession) onReadable() {
	for {
		cs.mu.Lock()
		fd := cs.fd
		msg := cs.message
		cs.mu.Unlock()
		if fd == -1 {
			return
		}

		result, err := msg.ReadMessage(fd)
		if err != nil {
			cs.closeWithReason(err)
			return
		}
		if result == wire.Incomplete {
			return
		}

		cs.transport.metrics.AddBytesReceived(wire.HeaderSize + int(msg.Header().Len))

		cs.mu.Lock()
		completed := cs.current
		cs.current = nil
		oversized := msg.Oversized()
		cs.message.Reset(nil)
		cs.mu.Unlock()

		if oversized {
			logger.Warn("oversized response, closing session",
				logger.KeyFD, fd, logger.KeyNonce, msg.Header().Nonce)
			if completed != nil {
				completed.complete(wire.NewProtocolViolation("response exceeds MAX_RPC_LEN"))
			}
			cs.closeWithReason(wire.NewProtocolViolation("response exceeds MAX_RPC_LEN"))
			return
		}

		if completed != nil {
			completed.complete(nil)
			cs.transport.metrics.ObserveRPC(metrics.ResultOK)
		} else {
			logger.Debug("discarded unsolicited response", logger.KeyFD, fd, logger.KeyNonce, msg.Header().Nonce)
		}
	}
}

func (cs *ClientSession) onError() {
	cs.closeWithReason(wire.NewIoError("socket", unix.ECONNRESET))
}

// ResolveNonce implements wire.NonceResolver: it searches
// waitingForResponse linearly and, on a hit, detaches the RPC and marks
// it current.
func (cs *ClientSession) ResolveNonce(nonce uint64) (wire.Sink, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for e := cs.waitingForResponse.Front(); e != nil; e = e.Next() {
		rpc := e.Value.(*ClientRpc)
		if rpc.nonce == nonce {
			cs.waitingForResponse.Remove(e)
			rpc.elem = nil
			cs.current = rpc
			return rpc.reply, true
		}
	}
	return nil, false
}

// cancelCleanup implements the session's cancellation contract.
func (cs *ClientSession) cancelCleanup(rpc *ClientRpc) error {
	cs.mu.Lock()

	desync := false
	if front := cs.waitingToSend.Front(); front != nil && front.Value.(*ClientRpc) == rpc && !rpc.sent {
		total := wire.HeaderSize + rpc.request.Size()
		if cs.bytesLeftToSend > 0 && cs.bytesLeftToSend < total {
			desync = true
		}
	}

	if rpc.elem != nil {
		if rpc.sent {
			cs.waitingForResponse.Remove(rpc.elem)
		} else {
			cs.waitingToSend.Remove(rpc.elem)
		}
		rpc.elem = nil
	}
	if cs.current == rpc {
		cs.current = nil
	}
	cs.mu.Unlock()

	if desync {
		reason := wire.NewProtocolViolation("cancelled RPC mid-frame")
		cs.closeWithReason(reason)
		return reason
	}
	return nil
}

func (cs *ClientSession) armWritable() {
	cs.mu.Lock()
	h := cs.handle
	cs.mu.Unlock()
	cs.transport.disp.Modify(h, dispatcher.Readable|dispatcher.Writable)
}

func (cs *ClientSession) disarmWritable() {
	cs.mu.Lock()
	h := cs.handle
	cs.mu.Unlock()
	cs.transport.disp.Modify(h, dispatcher.Readable)
}

// closeWithReason marks the session permanently unusable and fails
// every RPC still waiting on it.
func (cs *ClientSession) closeWithReason(reason error) {
	cs.mu.Lock()
	if cs.fd == -1 {
		cs.mu.Unlock()
		return
	}
	fd := cs.fd
	handle := cs.handle
	cs.fd = -1
	cs.errorInfo = reason

	var toFail []*ClientRpc
	for e := cs.waitingToSend.Front(); e != nil; e = e.Next() {
		toFail = append(toFail, e.Value.(*ClientRpc))
	}
	cs.waitingToSend.Init()
	for e := cs.waitingForResponse.Front(); e != nil; e = e.Next() {
		toFail = append(toFail, e.Value.(*ClientRpc))
	}
	cs.waitingForResponse.Init()
	if cs.current != nil {
		toFail = append(toFail, cs.current)
		cs.current = nil
	}
	cs.mu.Unlock()

	result := classifyResult(reason)
	for _, rpc := range toFail {
		rpc.complete(reason)
		cs.transport.metrics.ObserveRPC(result)
	}

	cs.transport.disp.Unregister(handle)
	cs.transport.removeHandler(fd)
	unix.Close(fd)
	logger.Debug("client session closed", logger.KeyFD, fd, logger.KeyReason, reason)
}

// classifyResult maps a failure reason to the RPCsTotal result label.
func classifyResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, wire.ErrPeerClosed):
		return metrics.ResultPeerClosed
	case errors.Is(err, wire.ErrProtocol):
		return metrics.ResultProtocolError
	default:
		return metrics.ResultIOError
	}
}

// Release closes the session's fd (if open) and fails any queued RPCs,
// per the ownership rule that the caller that obtained the session
// via Transport.GetSession is responsible for releasing it.
func (cs *ClientSession) Release() {
	cs.closeWithReason(errors.New("tcp: session released"))
}
