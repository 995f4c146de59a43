package wire

import (
	"io"

	"github.com/marmos91/kerneltransport/internal/bufpool"
	"golang.org/x/sys/unix"
)

// stagingSize is the chunk size IncomingMessage reads the body in, per
// bodies are read in chunks of up to a fixed staging size.
const stagingSize = 8 << 10

// ReadResult is the outcome of one read_message call chain.
type ReadResult int

const (
	// Incomplete means more data is needed; no error occurred.
	Incomplete ReadResult = iota
	// Complete means the full message has been deposited into the sink,
	// or discarded. Callers must additionally check Oversized() to know
	// whether the connection must now be closed.
	Complete
)

// Sink is the destination IncomingMessage appends payload bytes into.
// *buffer.Buffer implements this; passing a nil Sink means "discard".
type Sink interface {
	Append(src []byte)
}

// NonceResolver is consulted by a client-side IncomingMessage once the
// header is fully parsed, to find which pending RPC a response nonce
// belongs to. Server-side readers have no resolver: their sink is
// already bound to the new request's payload buffer.
type NonceResolver interface {
	ResolveNonce(nonce uint64) (Sink, bool)
}

// IncomingMessage incrementally reconstructs one RPC frame from a
// non-blocking fd across however many readiness events it takes.
type IncomingMessage struct {
	header    WireHeader
	headerBuf [HeaderSize]byte

	headerBytesReceived uint32
	bodyBytesReceived   uint32
	messageLength       uint32

	sink      Sink
	resolver  NonceResolver
	oversized bool
}

// NewIncomingMessage returns a server-side reader whose sink is already
// bound to the destination payload buffer.
func NewIncomingMessage(sink Sink) *IncomingMessage {
	return &IncomingMessage{sink: sink}
}

// NewClientIncomingMessage returns a client-side reader that resolves
// its sink from the response header's nonce via resolver.
func NewClientIncomingMessage(resolver NonceResolver) *IncomingMessage {
	return &IncomingMessage{resolver: resolver}
}

// Reset rearms the reader for the next message, reusing the struct
// instead of allocating. Used by ClientSession between responses;
// ServerSocket allocates a fresh reader for each request instead.
func (m *IncomingMessage) Reset(sink Sink) {
	*m = IncomingMessage{sink: sink, resolver: m.resolver}
}

// Header returns the most recently parsed header. It is only valid once
// HeaderComplete reports true.
func (m *IncomingMessage) Header() WireHeader {
	return m.header
}

// HeaderComplete reports whether the 12-byte header has been fully read.
func (m *IncomingMessage) HeaderComplete() bool {
	return m.headerBytesReceived == HeaderSize
}

// Oversized reports whether the just-completed message exceeded
// MaxRPCLen and was discarded. The caller must close the connection
// after observing this on a Complete result.
func (m *IncomingMessage) Oversized() bool {
	return m.oversized
}

// ReadMessage advances the reader using one or more non-blocking reads
// on fd.
func (m *IncomingMessage) ReadMessage(fd int) (ReadResult, error) {
	for m.headerBytesReceived < HeaderSize {
		n, err := unix.Read(fd, m.headerBuf[m.headerBytesReceived:HeaderSize])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return Incomplete, nil
			}
			return Incomplete, NewIoError("read header", err)
		}
		if n == 0 {
			if m.headerBytesReceived == 0 {
				return Incomplete, ErrPeerClosed
			}
			return Incomplete, NewIoError("read header", io.ErrUnexpectedEOF)
		}
		m.headerBytesReceived += uint32(n)

		if m.headerBytesReceived == HeaderSize {
			m.header = DecodeHeader(m.headerBuf[:])
			m.resolveSink()
		}
	}

	for m.bodyBytesReceived < m.messageLength {
		remaining := m.messageLength - m.bodyBytesReceived
		chunkSize := stagingSize
		if uint32(chunkSize) > remaining {
			chunkSize = int(remaining)
		}

		staging := bufpool.Get(chunkSize)
		n, err := unix.Read(fd, staging)
		if err != nil {
			bufpool.Put(staging)
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return Incomplete, nil
			}
			return Incomplete, NewIoError("read body", err)
		}
		if n == 0 {
			bufpool.Put(staging)
			return Incomplete, NewIoError("read body", io.ErrUnexpectedEOF)
		}

		if m.sink != nil {
			m.sink.Append(staging[:n])
		}
		bufpool.Put(staging)
		m.bodyBytesReceived += uint32(n)
	}

	return Complete, nil
}

// resolveSink binds m.sink and m.messageLength once the header has just
// completed.
func (m *IncomingMessage) resolveSink() {
	if m.resolver != nil {
		if sink, ok := m.resolver.ResolveNonce(m.header.Nonce); ok {
			m.sink = sink
		} else {
			m.sink = nil
		}
	}

	if m.header.Len > MaxRPCLen {
		m.messageLength = MaxRPCLen
		m.sink = nil
		m.oversized = true
		return
	}
	m.messageLength = m.header.Len
}
