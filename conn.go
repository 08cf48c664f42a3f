package cproto

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is the connection's lifecycle state.
type State int32

const (
	StateInit State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is one cproto client connection: one socket, one reader,
// one writer, one deadline ticker, and an arbitrary number of caller
// goroutines submitting requests. There is no connection pooling here —
// that lives one layer up, outside this package.
//
// Cyclic references between slot, connection, and the background loops
// are avoided the way smux avoids them: the slot table has stable
// indices and owns no back-pointer to the Connection, and the
// reader/writer/ticker are handed only the references they need by
// value.
type Connection struct {
	opts options
	log  Logger

	state int32 // atomic State

	conn net.Conn

	table  *slotTable
	ticker *deadlineTicker
	wr     *writer
	rd     *reader

	eg *errgroup.Group

	failOnce sync.Once
	failCh   chan struct{}
	failErr  atomic.Value // error

	terminated int32 // atomic bool

	serverStartTime int64 // atomic
}

// Open dials uri, performs login, and returns a Connected connection, or
// an error if dial/login fails.
func Open(ctx context.Context, uri string, opts ...Option) (*Connection, error) {
	cfg := defaultOptions()
	for _, o := range opts {
		o(&cfg)
	}

	login, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		opts:   cfg,
		log:    cfg.logger,
		failCh: make(chan struct{}),
		table:  newSlotTable(cfg.pipelineDepth),
	}
	atomic.StoreInt32(&c.state, int32(StateConnecting))
	c.ticker = newDeadlineTicker(c.table)

	eg, _ := errgroup.WithContext(context.Background())
	c.eg = eg
	c.eg.Go(func() error {
		c.ticker.run(c.failCh)
		return nil
	})

	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.loginTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.loginTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", login.hostPort)
	if err != nil {
		if deadlineExceeded(err) {
			err = ErrTimeout
		} else {
			err = wrapNetwork(err)
		}
		c.transitionFailed(err)
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}
	c.conn = conn

	c.wr = newWriter(conn, cfg.bufferCapacityHint, func(err error) { c.transitionFailed(err) })
	c.rd = newReader(conn, c.table, c.table.max, func(err error) { c.transitionFailed(err) })
	c.eg.Go(func() error { c.wr.run(c.failCh); return nil })
	c.eg.Go(func() error { c.rd.run(); return nil })

	c.log.Log(LevelDebug, "connection opened, logging in", "addr", login.hostPort)

	remaining, err := loginDeadline(cfg.loginTimeout, c.ticker.elapsed())
	if err != nil {
		c.transitionFailed(err)
		return nil, err
	}

	loginArgs := []any{login.username, login.password, login.database}
	reply, err := c.rawCall(ctx, cmdLogin, remaining, loginArgs)
	if err != nil {
		c.transitionFailed(err)
		return nil, err
	}
	if len(reply) >= 2 {
		if ts, ok := reply[1].(int64); ok {
			atomic.StoreInt64(&c.serverStartTime, ts)
		}
	}

	atomic.StoreInt32(&c.state, int32(StateConnected))
	c.log.Log(LevelDebug, "login succeeded", "addr", login.hostPort)

	c.eg.Go(func() error { c.runKeepAlive(context.Background()); return nil })

	return c, nil
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// transitionFailed performs the one-shot transition to Failed: the first
// caller wins, the failure channel closes exactly once, and the socket
// closes exactly once. Every current and future waiter observes the
// same stored error afterward.
func (c *Connection) transitionFailed(err error) {
	c.failOnce.Do(func() {
		if err == nil {
			err = ErrConnClosed
		}
		c.failErr.Store(err)
		atomic.StoreInt32(&c.state, int32(StateFailed))
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if atomic.LoadInt32(&c.terminated) == 0 {
			c.log.Log(LevelWarn, "connection failed", "err", err)
		} else {
			c.log.Log(LevelDebug, "connection terminated", "err", err)
		}
		close(c.failCh)
	})
}

func (c *Connection) failure() error {
	if e, ok := c.failErr.Load().(error); ok {
		return e
	}
	return nil
}

// Now reports the connection-local coarse clock in whole seconds since
// connect.
func (c *Connection) Now() time.Duration {
	return c.ticker.elapsed()
}

// PendingCompletions reports the number of requests currently occupying
// a pipeline slot.
func (c *Connection) PendingCompletions() int {
	return c.table.pendingCount()
}

// ServerStartTime returns the server start timestamp published by the
// login reply, for staleness checks by the higher-level client that
// owns connection pooling. The zero value means no timestamp was
// published (server omitted it).
func (c *Connection) ServerStartTime() int64 {
	return atomic.LoadInt64(&c.serverStartTime)
}

// SetUpdatesHandler installs the completion invoked for server-initiated
// push frames that do not match any live slot.
func (c *Connection) SetUpdatesHandler(h func(args []any)) {
	c.rd.setUpdatesHandler(h)
}

// SetTerminate marks the connection for deliberate shutdown: the
// subsequent failure (closing the socket causes one) is logged at debug
// rather than warn, since it was requested rather than encountered.
func (c *Connection) SetTerminate() {
	atomic.StoreInt32(&c.terminated, 1)
}

// Finalize tears the connection down: stops the ticker, closes the
// socket, and waits for the reader/writer/ticker goroutines to exit
// before returning. Safe to call more than once, and safe to call after
// the connection has already failed on its own.
func (c *Connection) Finalize() error {
	c.SetTerminate()
	c.transitionFailed(ErrConnClosed)
	c.ticker.stop()
	return c.eg.Wait()
}

// ping issues a keep-alive ping and discards the reply. It is skipped
// when the connection has read more recently than the keep-alive
// interval, since a socket that's already proven alive doesn't need one.
func (c *Connection) ping(ctx context.Context) {
	if c.opts.keepAliveInterval <= 0 {
		return
	}
	if !c.rd.lastReadAt().IsZero() && time.Since(c.rd.lastReadAt()) < c.opts.keepAliveInterval {
		return
	}
	_, _ = c.rawCall(ctx, cmdPing, c.opts.keepAliveInterval, nil)
}

// runKeepAlive drives the passive periodic ping loop until the
// connection fails.
func (c *Connection) runKeepAlive(ctx context.Context) {
	if c.opts.keepAliveInterval <= 0 {
		return
	}
	t := time.NewTicker(c.opts.keepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.ping(ctx)
		case <-c.failCh:
			return
		}
	}
}
