package cproto

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Completion is invoked exactly once by CallAsync, with either a
// successful reply or an error.
type Completion func(reply []any, err error)

// Call submits (cmd, deadline, args) and blocks until the reply, a
// per-request timeout, caller cancellation, or connection failure.
// deadline of 0 means the connection's default request timeout
// (WithRequestTimeout), which is no deadline unless one was configured.
func (c *Connection) Call(ctx context.Context, cmd Command, deadline time.Duration, args ...any) ([]any, error) {
	return c.call(ctx, cmd, deadline, args)
}

// CallAsync submits (cmd, deadline, args) and returns immediately;
// completion runs later, exactly once, on its own goroutine. If the
// completion retains the reply buffer beyond the call, it must copy it
// first: the reader reuses no memory across frames, but future
// revisions may.
func (c *Connection) CallAsync(ctx context.Context, cmd Command, deadline time.Duration, completion Completion, args ...any) {
	go func() {
		reply, err := c.call(ctx, cmd, deadline, args)
		completion(reply, err)
	}()
}

// call is the public-facing implementation behind Call and CallAsync: it
// waits for a raw reply and then strips the status/message convention
// described on splitServerStatus.
func (c *Connection) call(ctx context.Context, cmd Command, deadline time.Duration, args []any) ([]any, error) {
	decoded, err := c.rawCall(ctx, cmd, deadline, args)
	if err != nil {
		return nil, err
	}
	return splitServerStatus(decoded)
}

// rawCall is the shared implementation: acquire a sequence, publish a
// deadline if requested, encode and submit the frame, then wait for
// exactly one of reply/timeout/failure/cancellation. It returns the
// reply's argument list exactly as decoded off the wire, with no
// status-convention interpretation — used directly by login, which reads
// a fixed wire position rather than this package's own status/message
// convention.
func (c *Connection) rawCall(ctx context.Context, cmd Command, deadline time.Duration, args []any) ([]any, error) {
	if err := c.failure(); err != nil {
		return nil, err
	}

	coerced, err := coerceArgs(args)
	if err != nil {
		return nil, err
	}

	seq, err := c.table.acquire(ctx)
	if err != nil {
		return nil, err
	}

	// Login is bounded only by the login timeout: 0 there means no deadline.
	if deadline <= 0 && cmd != cmdLogin {
		deadline = c.opts.requestTimeout
	}

	var deadlineEpoch uint32
	var execTimeoutMs int64
	if deadline > 0 {
		secs := uint32(deadline / time.Second)
		if deadline%time.Second != 0 {
			secs++
		}
		if secs == 0 {
			secs = 1
		}
		deadlineEpoch = c.ticker.nowSeconds() + secs
		execTimeoutMs = deadline.Milliseconds()
	}

	slot := c.table.publish(seq, deadlineEpoch)
	frame := EncodeRequest(cmd, seq, coerced, execTimeoutMs)
	c.wr.submit(frame)

	for {
		select {
		case rep := <-slot.replyCh:
			if rep.sequence != seq {
				continue // stale delivery from a previous occupant of this slot
			}
			c.table.release(seq)
			if rep.err != nil {
				return nil, rep.err
			}
			return DecodeArgs(rep.payload)

		case ts := <-slot.timeoutCh:
			if ts != seq {
				continue // stale timeout from a previous occupant of this slot
			}
			c.table.release(seq)
			return nil, ErrTimeout

		case <-c.failCh:
			c.table.release(seq)
			return nil, c.failure()

		case <-ctx.Done():
			c.table.release(seq)
			return nil, ErrCanceled
		}
	}
}

// coerceArgs converts Go call-site argument kinds into the codec's
// tagged representation: ints, int64s, bools, strings, byte slices, and
// 32-bit integer arrays are supported; anything else is
// ErrInvalidArgument, raised before any bytes are written.
func coerceArgs(args []any) ([]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		v, err := coerceArg(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func coerceArg(a any) (any, error) {
	switch v := a.(type) {
	case nil:
		return nil, nil
	case int:
		return int32(v), nil
	case int32:
		return v, nil
	case int64:
		return v, nil
	case bool:
		return v, nil
	case string:
		return v, nil
	case []byte:
		return v, nil
	case []int32:
		tuple := make([]any, len(v))
		for i, e := range v {
			tuple[i] = e
		}
		return tuple, nil
	default:
		return nil, errors.Wrapf(ErrInvalidArgument, "unsupported argument type %T", a)
	}
}

// splitServerStatus strips a leading (status int32[, message string])
// header from a decoded reply when present, returning ServerError if the
// status is non-OK. A reply that does not start with an int32 (e.g. the
// empty argument list a ping reply carries) is returned unchanged: the
// status convention is this package's own transport-level contract, not
// a schema cproto enforces on every command.
func splitServerStatus(args []any) ([]any, error) {
	if len(args) == 0 {
		return args, nil
	}
	status, ok := args[0].(int32)
	if !ok {
		return args, nil
	}
	if status == 0 {
		if len(args) >= 2 {
			if _, ok := args[1].(string); ok {
				return args[2:], nil
			}
		}
		return args[1:], nil
	}
	msg := ""
	if len(args) >= 2 {
		if s, ok := args[1].(string); ok {
			msg = s
		}
	}
	return nil, &ServerError{Status: status, Message: msg}
}
