// Package wire implements the RPC wire framing and multiplexing engine:
// the fixed 12-byte header, the IncomingMessage reader state machine
// that reconstructs a frame across many non-blocking reads, and the
// outbound send routine that writes a frame with partial-write
// resumption. Nothing in this package blocks; every function either
// completes or returns a value telling the caller what to do when the
// next readiness event arrives.
package wire

import "encoding/binary"

// HeaderSize is the fixed byte length of a WireHeader on the wire.
const HeaderSize = 12

// MaxRPCLen is the compile-time upper bound on a single payload's size.
// A header declaring a larger length is a protocol violation: the
// connection is closed once the oversized body has been drained.
const MaxRPCLen = 1 << 20 // 1 MiB

// WireHeader is the fixed 12-byte frame prefix: nonce(u64 LE) followed
// by len(u32 LE), immediately followed on the wire by len bytes of
// payload.
type WireHeader struct {
	Nonce uint64
	Len   uint32
}

// Encode writes h into the first HeaderSize bytes of dst, little-endian.
// dst must be at least HeaderSize bytes.
func (h WireHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Nonce)
	binary.LittleEndian.PutUint32(dst[8:12], h.Len)
}

// DecodeHeader parses a WireHeader from the first HeaderSize bytes of src.
func DecodeHeader(src []byte) WireHeader {
	return WireHeader{
		Nonce: binary.LittleEndian.Uint64(src[0:8]),
		Len:   binary.LittleEndian.Uint32(src[8:12]),
	}
}
