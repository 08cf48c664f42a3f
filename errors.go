package cproto

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Error kinds. These are sentinels, not a closed type hierarchy: callers
// match with errors.Is. Where this package adds context with errors.Wrap,
// the sentinel is the wrapped error, so errors.Cause returns the sentinel
// and the added context (for ErrNetwork, the socket error's text) is only
// in the message.
var (
	// ErrTimeout covers connect, login, and per-request deadline firing.
	ErrTimeout = &timeoutError{}

	// ErrCanceled means the caller's own context was done, either before a
	// pipeline slot could be acquired or while waiting for the reply.
	ErrCanceled = errors.New("cproto: canceled")

	// ErrInvalidArgument means an unsupported argument kind was passed to
	// Call/CallAsync. Surfaced before any bytes are written.
	ErrInvalidArgument = errors.New("cproto: invalid argument")

	// Protocol errors: magic mismatch, version too old, truncated
	// frame, invalid sequence.
	ErrInvalidMagic       = errors.New("cproto: invalid magic")
	ErrUnsupportedVersion = errors.New("cproto: unsupported protocol version")
	ErrInvalidSequence    = errors.New("cproto: invalid sequence number")
	ErrTruncated          = errors.New("cproto: truncated frame")
	ErrProtocol           = errors.New("cproto: protocol error")

	// ErrNetwork covers socket read/write failure or the peer closing.
	ErrNetwork = errors.New("cproto: network error")

	// ErrConnClosed is the stored failure error when Finalize tears down a
	// connection that had not already failed; callers submitted afterwards
	// receive it. A connection that failed on its own keeps returning its
	// original failure error.
	ErrConnClosed = errors.New("cproto: connection closed")
)

// timeoutError satisfies net.Error so callers doing the usual Go-style
// type assertion (the same shape smux's own timeoutError follows) keep
// working.
type timeoutError struct{}

func (*timeoutError) Error() string   { return "cproto: timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

var _ net.Error = (*timeoutError)(nil)

// ServerError is a well-formed reply carrying a non-OK status. Status
// and message propagate verbatim from the wire.
type ServerError struct {
	Status  int32
	Message string
}

func (e *ServerError) Error() string {
	return "cproto: server error " + strconv.Itoa(int(e.Status)) + ": " + e.Message
}

// wrapNetwork wraps an underlying I/O error as ErrNetwork. Only the
// cause's message is kept, in the error text; errors.Cause on the result
// returns ErrNetwork, not the original error.
func wrapNetwork(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrNetwork, err.Error())
}

// deadlineExceeded reports whether err is a standard library timeout,
// used by Open to tell a dial that ran out of time from a genuine
// network failure.
func deadlineExceeded(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// loginDeadline computes the remaining login timeout given elapsed
// ticker seconds: 0 means infinite; any other value subtracts elapsed
// and yields Timeout if the remainder is non-positive.
func loginDeadline(configured time.Duration, elapsed time.Duration) (time.Duration, error) {
	if configured <= 0 {
		return 0, nil
	}
	remaining := configured - elapsed
	if remaining <= 0 {
		return 0, ErrTimeout
	}
	return remaining, nil
}
