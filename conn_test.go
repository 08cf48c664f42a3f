package cproto

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// frameHandler decides how a mock server replies to one request. Returning
// ok=false means "don't reply", simulating a server that never answers.
type frameHandler func(cmd Command, seq uint32, args []any) (replyArgs []any, ok bool)

// mockServer accepts exactly one connection and serves it with a handler
// supplied per test, standing in for a real cproto server behind a
// loopback listener.
type mockServer struct {
	ln net.Listener
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &mockServer{ln: ln}
}

func (m *mockServer) addr() string { return m.ln.Addr().String() }

func (m *mockServer) close() { _ = m.ln.Close() }

func (m *mockServer) accept(t *testing.T, handle frameHandler) net.Conn {
	t.Helper()
	conn, err := m.ln.Accept()
	require.NoError(t, err)
	go serveConn(conn, handle)
	return conn
}

func serveConn(conn net.Conn, handle frameHandler) {
	defer conn.Close()
	var hdrBuf [headerSize]byte
	for {
		if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
			return
		}
		hdr, err := DecodeHeader(hdrBuf[:])
		if err != nil {
			return
		}
		payload := make([]byte, hdr.PayloadSize)
		if hdr.PayloadSize > 0 {
			if _, err := io.ReadFull(conn, payload); err != nil {
				return
			}
		}
		cmd, args, _, err := DecodeRequestPayload(payload)
		if err != nil {
			return
		}
		replyArgs, ok := handle(cmd, hdr.Sequence, args)
		if !ok {
			continue
		}
		writeReply(conn, hdr.Sequence, replyArgs)
	}
}

func writeReply(conn net.Conn, sequence uint32, args []any) {
	body := appendArgs(nil, args)
	frame := make([]byte, headerSize+len(body))
	EncodeHeader(frame, currentVersion, uint32(len(body)), sequence)
	copy(frame[headerSize:], body)
	_, _ = conn.Write(frame)
}

func loginOKHandler(next frameHandler) frameHandler {
	return func(cmd Command, seq uint32, args []any) ([]any, bool) {
		if cmd == cmdLogin {
			return []any{int32(0), int64(1234567890)}, true
		}
		if next != nil {
			return next(cmd, seq, args)
		}
		return []any{int32(0)}, true
	}
}

func dial(t *testing.T, addr string, opts ...Option) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Open(ctx, fmt.Sprintf("cproto://user:pass@%s/testdb", addr), opts...)
	require.NoError(t, err)
	return conn
}

func TestOpenLoginAndSelectRoundTrip(t *testing.T) {
	srv := newMockServer(t)
	defer srv.close()

	handle := loginOKHandler(func(cmd Command, seq uint32, args []any) ([]any, bool) {
		require.Equal(t, cmdSelect, cmd)
		return []any{int32(0), "", "rows"}, true
	})

	go srv.accept(t, handle)
	c := dial(t, srv.addr())
	defer c.Finalize()

	require.Equal(t, StateConnected, c.State())
	require.Equal(t, int64(1234567890), c.ServerStartTime())

	reply, err := c.Call(context.Background(), cmdSelect, time.Second, int32(1))
	require.NoError(t, err)
	require.Equal(t, []any{"rows"}, reply)
}

// TestOutOfOrderReplies proves that replies are matched by sequence, not by
// submission order: three concurrent calls arrive at the server, which
// answers them in reverse, and every caller still gets its own reply back.
func TestOutOfOrderReplies(t *testing.T) {
	srv := newMockServer(t)
	defer srv.close()

	type request struct {
		seq uint32
		tag int32
	}
	requests := make(chan request, 3)

	connCh := make(chan net.Conn, 1)
	go func() {
		// The one connection carries the login handshake first; answer
		// it, then collect the three requests.
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		connCh <- conn

		var hdrBuf [headerSize]byte
		loggedIn := false
		for {
			if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
				return
			}
			hdr, err := DecodeHeader(hdrBuf[:])
			if err != nil {
				return
			}
			payload := make([]byte, hdr.PayloadSize)
			if hdr.PayloadSize > 0 {
				if _, err := io.ReadFull(conn, payload); err != nil {
					return
				}
			}
			cmd, args, _, err := DecodeRequestPayload(payload)
			if err != nil {
				return
			}
			if !loggedIn && cmd == cmdLogin {
				writeReply(conn, hdr.Sequence, []any{int32(0), int64(42)})
				loggedIn = true
				continue
			}
			requests <- request{seq: hdr.Sequence, tag: args[0].(int32)}
		}
	}()

	c := dial(t, srv.addr())
	defer c.Finalize()

	results := make(chan struct {
		tag   int32
		reply []any
		err   error
	}, 3)
	for i := int32(1); i <= 3; i++ {
		go func(tag int32) {
			reply, err := c.Call(context.Background(), cmdSelect, 2*time.Second, tag)
			results <- struct {
				tag   int32
				reply []any
				err   error
			}{tag, reply, err}
		}(i)
	}

	var received []request
	for len(received) < 3 {
		received = append(received, <-requests)
	}

	conn := <-connCh
	// Reply in the reverse of arrival order.
	for i := len(received) - 1; i >= 0; i-- {
		r := received[i]
		writeReply(conn, r.seq, []any{int32(0), r.tag})
	}

	gotTags := map[int32]bool{}
	for got := 0; got < 3; got++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			require.Equal(t, []any{r.tag}, r.reply)
			gotTags[r.tag] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for out-of-order replies")
		}
	}
	require.Len(t, gotTags, 3)
}

func TestPerRequestTimeout(t *testing.T) {
	srv := newMockServer(t)
	defer srv.close()

	handle := loginOKHandler(func(cmd Command, seq uint32, args []any) ([]any, bool) {
		if cmd == cmdSelect {
			return nil, false // never reply; the deadline ticker must fire
		}
		return []any{int32(0)}, true
	})
	go srv.accept(t, handle)

	c := dial(t, srv.addr())
	defer c.Finalize()

	start := time.Now()
	_, err := c.Call(context.Background(), cmdSelect, 1500*time.Millisecond, int32(1))
	require.ErrorIs(t, err, ErrTimeout)
	require.WithinDuration(t, start.Add(1500*time.Millisecond), time.Now(), time.Second)
}

// TestLateReplyDiscardedAfterTimeout checks that a request whose reply is
// held back past its deadline returns ErrTimeout, and that the connection
// stays usable: the server still sends the reply for the timed-out
// sequence later, and a following call completes normally.
func TestLateReplyDiscardedAfterTimeout(t *testing.T) {
	srv := newMockServer(t)
	defer srv.close()

	connCh := make(chan net.Conn, 1)
	handle := loginOKHandler(func(cmd Command, seq uint32, args []any) ([]any, bool) {
		if cmd == cmdSelect {
			go func(conn net.Conn, sequence uint32) {
				time.Sleep(1500 * time.Millisecond)
				writeReply(conn, sequence, []any{int32(0), "too late"})
			}(<-connCh, seq)
			return nil, false
		}
		return []any{int32(0)}, true
	})

	go func() {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		// Feed the same conn to every late-reply goroutine the handler
		// spawns; there is only ever one in this test.
		go func() { connCh <- conn }()
		serveConn(conn, handle)
	}()

	c := dial(t, srv.addr())
	defer c.Finalize()

	_, err := c.Call(context.Background(), cmdSelect, time.Second, int32(1))
	require.ErrorIs(t, err, ErrTimeout)

	// The timed-out request's slot went back to idle. A following call on
	// the same connection completes normally; the late reply, whenever it
	// arrives, matches no live occupant and is dropped as stale.
	reply, err := c.Call(context.Background(), cmdPing, time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
}

func TestConnectionFailureBroadcastsToAllWaiters(t *testing.T) {
	srv := newMockServer(t)
	defer srv.close()

	accepted := make(chan net.Conn, 1)
	handle := loginOKHandler(func(cmd Command, seq uint32, args []any) ([]any, bool) {
		return nil, false // never answer follow-up calls
	})
	go func() {
		conn, err := srv.ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
		serveConn(conn, handle)
	}()

	c := dial(t, srv.addr())
	defer c.Finalize()

	const waiters = 10
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func(tag int32) {
			_, err := c.Call(context.Background(), cmdSelect, 0, tag)
			errs <- err
		}(int32(i))
	}

	require.Eventually(t, func() bool { return c.PendingCompletions() == waiters }, time.Second, 5*time.Millisecond)

	conn := <-accepted
	conn.Close()

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never unblocked after connection failure")
		}
	}
	require.Equal(t, StateFailed, c.State())
}

func TestSlotRecyclingAcrossManySequentialCalls(t *testing.T) {
	srv := newMockServer(t)
	defer srv.close()

	const depth = 3
	handle := loginOKHandler(func(cmd Command, seq uint32, args []any) ([]any, bool) {
		return []any{int32(0), args[0]}, true
	})
	go srv.accept(t, handle)

	c := dial(t, srv.addr(), WithPipelineDepth(depth))
	defer c.Finalize()

	for i := int32(0); i < depth*2+1; i++ {
		reply, err := c.Call(context.Background(), cmdSelect, time.Second, i)
		require.NoError(t, err)
		require.Equal(t, []any{i}, reply)
	}
}
