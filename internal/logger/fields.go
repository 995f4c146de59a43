package logger

// Standard field keys for structured logging, kept consistent across the
// acceptor, server sockets, and client sessions so log aggregation can
// query on them uniformly.
const (
	KeyFD         = "fd"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyNonce      = "nonce"
	KeyLocator    = "locator"
	KeyBytes      = "bytes"
	KeyReason     = "reason"
)
