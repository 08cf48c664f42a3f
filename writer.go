package cproto

import (
	"net"
	"sync"

	"github.com/sagernet/sing/common/bufio"
)

// writer coalesces outbound frames behind a double-buffered queue and a
// single-slot kick signal. Producers append an already-encoded frame and
// return immediately; the flush goroutine swaps the active queue for the
// idle one under a short-held lock and writes the detached queue to the
// socket without holding the lock, so producers never contend with the
// write syscall. At most one flush is ever in flight, and the swap
// itself is O(1).
type writer struct {
	conn net.Conn

	mu      sync.Mutex
	queues  [2][][]byte
	activeQ int

	kick chan struct{}

	onError func(error)
}

// avgFrameBytes is a conservative guess used only to turn a byte-oriented
// capacity hint into an initial number of queued frame slices; actual
// queues still grow past this if traffic warrants it. The hint only
// sizes initial capacity, it is not a hard cap.
const avgFrameBytes = 128

func newWriter(conn net.Conn, bufferCapacityHint int, onError func(error)) *writer {
	frames := bufferCapacityHint / avgFrameBytes
	if frames < 8 {
		frames = 8
	}
	w := &writer{
		conn:    conn,
		kick:    make(chan struct{}, 1),
		onError: onError,
	}
	w.queues[0] = make([][]byte, 0, frames)
	w.queues[1] = make([][]byte, 0, frames)
	return w
}

// submit appends an encoded frame to the active queue and asserts the
// kick signal without blocking.
func (w *writer) submit(frame []byte) {
	w.mu.Lock()
	w.queues[w.activeQ] = append(w.queues[w.activeQ], frame)
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// run is the flush loop: wait for a kick (or failure), swap buffers,
// flush outside the lock, repeat. It returns once failCh closes.
func (w *writer) run(failCh <-chan struct{}) {
	for {
		select {
		case <-w.kick:
		case <-failCh:
			return
		}

		bufs := w.swap()
		if len(bufs) == 0 {
			// Another goroutine's kick already drained the queue (or
			// this one raced an empty queue); nothing to do, re-wait.
			continue
		}

		if err := w.flush(bufs); err != nil {
			if w.onError != nil {
				w.onError(err)
			}
			return
		}
	}
}

func (w *writer) swap() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	active := w.queues[w.activeQ]
	if len(active) == 0 {
		return nil
	}
	idle := 1 - w.activeQ
	w.queues[idle] = w.queues[idle][:0]
	w.activeQ = idle
	return active
}

// flush writes a detached batch of frames to the socket. When the
// underlying connection supports vectorised I/O, every frame in the
// batch goes out as a single writev-backed syscall instead of one
// Write per frame.
func (w *writer) flush(bufs [][]byte) error {
	if bw, ok := bufio.CreateVectorisedWriter(w.conn); ok {
		_, err := bufio.WriteVectorised(bw, bufs)
		return err
	}
	for _, b := range bufs {
		if _, err := w.conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}
