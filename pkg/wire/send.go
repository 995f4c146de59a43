package wire

import "golang.org/x/sys/unix"

// Source is the outbound counterpart to Sink: the payload side of a
// frame being written. *buffer.Buffer satisfies this structurally.
type Source interface {
	Size() int
	Chunks() [][]byte
}

// SendMessage writes one RPC frame (header plus payload chunks) to fd,
// resuming after a previous partial write. On the first call for a
// frame, bytesRemaining must equal HeaderSize+payload.Size(); on
// subsequent calls it must be the value this function previously
// returned. The return value is the number of bytes still unsent (0
// means the frame is fully written).
func SendMessage(fd int, header WireHeader, payload Source, bytesRemaining int) (int, error) {
	var headerBuf [HeaderSize]byte
	header.Encode(headerBuf[:])

	total := HeaderSize + payload.Size()
	skip := total - bytesRemaining
	if skip < 0 {
		skip = 0
	}

	segments := make([][]byte, 0, 1+len(payload.Chunks()))
	segments = append(segments, headerBuf[:])
	segments = append(segments, payload.Chunks()...)

	iovs := make([][]byte, 0, len(segments))
	remainingSkip := skip
	for _, seg := range segments {
		if remainingSkip >= len(seg) {
			remainingSkip -= len(seg)
			continue
		}
		if remainingSkip > 0 {
			seg = seg[remainingSkip:]
			remainingSkip = 0
		}
		if len(seg) > 0 {
			iovs = append(iovs, seg)
		}
	}

	if len(iovs) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Writev(fd, iovs)
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return bytesRemaining, nil
			default:
				return bytesRemaining, NewIoError("write", err)
			}
		}
		return bytesRemaining - n, nil
	}
}
