// Package buffer implements the discontiguous byte container the wire
// layer reads payloads into and writes payloads out of. It is the
// concrete stand-in for the upper-layer Buffer abstraction that the
// transport core treats as an external collaborator: callers that embed
// this transport in a larger system are free to implement their own
// type satisfying wire.Sink / wire.Source instead.
package buffer

// Buffer is a chunked byte container. Payloads are appended in whatever
// pieces arrive off the wire, and read back out the same way, so large
// messages never require a single contiguous allocation until a caller
// explicitly asks for one via Bytes.
type Buffer struct {
	chunks [][]byte
	size   int
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// NewFromBytes returns a Buffer whose sole chunk is src. src is not
// copied; callers must not mutate it afterward.
func NewFromBytes(src []byte) *Buffer {
	if len(src) == 0 {
		return New()
	}
	return &Buffer{chunks: [][]byte{src}, size: len(src)}
}

// Size returns the total number of bytes held across all chunks.
func (b *Buffer) Size() int {
	return b.size
}

// Append copies src into a new chunk at the end of the buffer.
func (b *Buffer) Append(src []byte) {
	if len(src) == 0 {
		return
	}
	chunk := make([]byte, len(src))
	copy(chunk, src)
	b.chunks = append(b.chunks, chunk)
	b.size += len(src)
}

// Chunks returns the buffer's underlying chunks in order. Callers must
// treat the returned slices as read-only.
func (b *Buffer) Chunks() [][]byte {
	return b.chunks
}

// Bytes returns the buffer's contents as a single contiguous slice,
// copying if there is more than one chunk. This is the only place the
// wire layer is allowed to pay for a contiguous copy, and only when an
// upper-layer handler explicitly asks for one.
func (b *Buffer) Bytes() []byte {
	if len(b.chunks) == 1 {
		return b.chunks[0]
	}
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Reset empties the buffer so it can be reused.
func (b *Buffer) Reset() {
	b.chunks = b.chunks[:0]
	b.size = 0
}
