// Package tcp implements the TCP kernel-socket RPC transport: the wire
// framing state machine in pkg/wire drives bytes on and off the
// sockets this package owns, multiplexed across many connections by a
// pkg/dispatcher.Dispatcher.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/kerneltransport/internal/logger"
	"github.com/marmos91/kerneltransport/internal/metrics"
	"github.com/marmos91/kerneltransport/pkg/dispatcher"
	"github.com/marmos91/kerneltransport/pkg/locator"
	"golang.org/x/sys/unix"
)

var errTransportClosing = errors.New("tcp: transport closing")

// eventHandler is implemented by everything the Transport registers
// with the dispatcher: the Acceptor's listening fd, each ServerSocket,
// and each ClientSession.
type eventHandler interface {
	onReadable()
	onWritable()
	onError()
}

// Transport is the per-instance facade: it opens
// the listen socket (if any), owns the ServerSocket table, and hands
// out ClientSessions. A single Transport may be server-only,
// client-only, or both.
type Transport struct {
	disp    dispatcher.Dispatcher
	metrics *metrics.Transport

	locatorString string

	mu       sync.Mutex
	listenFD int // -1 if not a server
	acceptor *Acceptor
	sockets  map[int]*ServerSocket // keyed by fd, sparse by construction
	handlers map[int]eventHandler

	recvMu    sync.Mutex
	recvQueue []*ServerRpc
}

// New constructs a Transport bound to disp. Call Listen to additionally
// accept connections as a server; a Transport that never calls Listen
// is client-only.
func New(disp dispatcher.Dispatcher) *Transport {
	return &Transport{
		disp:     disp,
		listenFD: -1,
		sockets:  make(map[int]*ServerSocket),
		handlers: make(map[int]eventHandler),
	}
}

// SetMetrics attaches a metrics sink. Must be called before Listen or
// GetSession if metrics are wanted; nil is a valid no-op sink.
func (t *Transport) SetMetrics(m *metrics.Transport) {
	t.metrics = m
}

// Listen opens loc's host:port as a listening socket and starts
// accepting connections once Run is called. loc must carry a host; a
// zero port binds an ephemeral port, which GetServiceLocator then
// reports.
func (t *Transport) Listen(loc locator.Locator) error {
	if err := loc.RequireHost(); err != nil {
		return fmt.Errorf("tcp: server locator: %w", err)
	}

	fd, boundPort, err := listenSocket(loc.Host, loc.Port)
	if err != nil {
		return err
	}

	loc.Port = boundPort
	t.mu.Lock()
	t.listenFD = fd
	t.locatorString = loc.String()
	t.mu.Unlock()

	acc := &Acceptor{listenFD: fd, transport: t}
	handle, err := t.disp.Register(fd, dispatcher.Readable)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("tcp: register listener: %w", err)
	}
	acc.handle = handle

	t.mu.Lock()
	t.acceptor = acc
	t.handlers[fd] = acc
	t.mu.Unlock()

	logger.Info("listening", logger.KeyLocator, t.locatorString, logger.KeyFD, fd)
	return nil
}

// GetServiceLocator returns the locator string this Transport is
// listening on, or "" if it is not a server.
func (t *Transport) GetServiceLocator() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locatorString
}

// GetSession returns a ClientSession for loc, lazily connecting on
// first send. The locator must carry host and port.
func (t *Transport) GetSession(loc locator.Locator) (*ClientSession, error) {
	if err := loc.RequireHostPort(); err != nil {
		return nil, fmt.Errorf("tcp: client locator: %w", err)
	}
	return newClientSession(t, loc.Host, loc.Port), nil
}

// ServerRecv returns the next completed request handed up from a
// ServerSocket, or (nil, false) if none is waiting. It never blocks.
func (t *Transport) ServerRecv() (*ServerRpc, bool) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()
	if len(t.recvQueue) == 0 {
		return nil, false
	}
	rpc := t.recvQueue[0]
	t.recvQueue = t.recvQueue[1:]
	return rpc, true
}

func (t *Transport) enqueueRecv(rpc *ServerRpc) {
	t.recvMu.Lock()
	t.recvQueue = append(t.recvQueue, rpc)
	t.recvMu.Unlock()
}

// RegisterMemory is a no-op for this transport; it exists
// so Transport satisfies the same upper-layer contract as transports
// that do support registered memory regions (e.g. RDMA).
func (t *Transport) RegisterMemory(base uintptr, bytes int) error {
	return nil
}

func (t *Transport) addSocket(fd int, handler *ServerSocket) {
	t.mu.Lock()
	t.sockets[fd] = handler
	t.handlers[fd] = handler
	t.mu.Unlock()
	t.metrics.IncConnections()
}

func (t *Transport) removeSocket(fd int) {
	t.mu.Lock()
	delete(t.sockets, fd)
	delete(t.handlers, fd)
	t.mu.Unlock()
	t.metrics.DecConnections()
	t.metrics.DeleteSendQueueDepth(fd)
}

func (t *Transport) addHandler(fd int, handler eventHandler) {
	t.mu.Lock()
	t.handlers[fd] = handler
	t.mu.Unlock()
	t.metrics.IncConnections()
}

func (t *Transport) removeHandler(fd int) {
	t.mu.Lock()
	delete(t.handlers, fd)
	t.mu.Unlock()
	t.metrics.DecConnections()
	t.metrics.DeleteSendQueueDepth(fd)
}

// Run drives the transport's dispatcher loop until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	return t.disp.Run(ctx, t.handleEvent)
}

func (t *Transport) handleEvent(fd int, ev dispatcher.Event) {
	t.mu.Lock()
	h, ok := t.handlers[fd]
	t.mu.Unlock()
	if !ok {
		return
	}

	if ev&dispatcher.EventError != 0 {
		h.onError()
		return
	}
	if ev&dispatcher.EventReadable != 0 {
		h.onReadable()
	}
	if ev&dispatcher.EventWritable != 0 {
		h.onWritable()
	}
}

// Close shuts down the listening socket, if any, and every accepted
// ServerSocket. It does not close client sessions handed out via
// GetSession; callers own those and must release them explicitly.
func (t *Transport) Close() error {
	t.mu.Lock()
	listenFD := t.listenFD
	sockets := make([]*ServerSocket, 0, len(t.sockets))
	for _, s := range t.sockets {
		sockets = append(sockets, s)
	}
	t.listenFD = -1
	t.mu.Unlock()

	for _, s := range sockets {
		s.closeWithReason(errTransportClosing)
	}

	if listenFD >= 0 {
		if t.acceptor != nil {
			t.disp.Unregister(t.acceptor.handle)
		}
		return unix.Close(listenFD)
	}
	return nil
}
