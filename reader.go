package cproto

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

// reader owns the connection's single inbound loop. It is the only
// goroutine that ever reads from the socket, mirroring smux's recvLoop,
// which is likewise the sole reader of its conn.
type reader struct {
	conn  net.Conn
	table *slotTable

	maxSeq uint32

	lastRead int64 // atomic: unix nanos of the last successful header read

	updatesHandler atomic.Value // func([]any)

	onError func(error)
}

func newReader(conn net.Conn, table *slotTable, maxSeq uint32, onError func(error)) *reader {
	r := &reader{
		conn:    conn,
		table:   table,
		maxSeq:  maxSeq,
		onError: onError,
	}
	r.updatesHandler.Store(func([]any) {})
	return r
}

func (r *reader) setUpdatesHandler(h func([]any)) {
	if h == nil {
		h = func([]any) {}
	}
	r.updatesHandler.Store(h)
}

func (r *reader) lastReadAt() time.Time {
	ns := atomic.LoadInt64(&r.lastRead)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// run loops until a read error or protocol error ends the connection,
// at which point it invokes onError exactly once with the cause.
func (r *reader) run() {
	var hdrBuf [headerSize]byte
	for {
		if _, err := io.ReadFull(r.conn, hdrBuf[:]); err != nil {
			r.fail(wrapNetwork(err))
			return
		}

		hdr, err := DecodeHeader(hdrBuf[:])
		if err != nil {
			r.fail(err)
			return
		}
		if err := ValidateSequence(hdr.Sequence, r.maxSeq); err != nil {
			r.fail(err)
			return
		}

		atomic.StoreInt64(&r.lastRead, time.Now().UnixNano())

		payload, err := r.readPayload(hdr.PayloadSize)
		if err != nil {
			r.fail(wrapNetwork(err))
			return
		}

		r.route(hdr.Sequence, payload)
	}
}

func (r *reader) readPayload(size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// route delivers a payload to its owning slot, or to the updates handler
// when the sequence does not resolve to any live slot occupant, or
// drops it as a stale/late reply otherwise.
func (r *reader) route(seq uint32, payload []byte) {
	if r.table.deliver(seq, payload, nil) {
		return
	}
	r.routeUnmatched(seq, payload)
}

// routeUnmatched handles a frame whose sequence is not the live occupant
// of its slot. This is inherently ambiguous: it could be a late reply to
// a timed-out/abandoned request, or a server-initiated push multiplexed
// on the same socket. We offer it to the updates handler first; with no
// handler configured this degrades to plain drop-as-stale.
func (r *reader) routeUnmatched(seq uint32, payload []byte) {
	args, err := DecodeArgs(payload)
	if err != nil {
		// Not parseable as a plain argument stream; definitely a stale
		// reply fragment rather than a push, drop it.
		return
	}
	if h, ok := r.updatesHandler.Load().(func([]any)); ok {
		h(args)
	}
}

func (r *reader) fail(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}
