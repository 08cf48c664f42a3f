package cproto

import (
	"context"
	"sync/atomic"
)

// defaultPipelineDepth is the default number of in-flight requests a
// connection admits concurrently.
const defaultPipelineDepth = 40

// seqPerSlot is the number of sequence values each slot cycles through:
// max = pipelineDepth * seqPerSlot, next(seq) = (seq + pipelineDepth) % max.
const seqPerSlot = 10_000_000

// reply is what the reader delivers to a waiting caller: the frame's
// payload along with the sequence it carried, so the caller can double
// check it against the sequence it acquired.
type reply struct {
	sequence uint32
	payload  []byte
	err      error
}

// slot is one element of the fixed pipeline table. sequence and deadline
// are accessed from three different goroutines (the facade that owns the
// request, the reader that delivers replies, and the ticker that fires
// timeouts) and so are always touched atomically.
type slot struct {
	sequence uint32 // atomic: owning request's sequence, or idle sentinel
	deadline uint32 // atomic: epoch-seconds-since-connect deadline, or 0

	replyCh   chan reply
	timeoutCh chan uint32
}

func newSlot(idle uint32) *slot {
	return &slot{
		sequence:  idle,
		replyCh:   make(chan reply, 1),
		timeoutCh: make(chan uint32, 1),
	}
}

// slotTable is a fixed-size, lock-free-lookup map keyed by sequence
// number. Admission control is a bounded channel of available sequence
// numbers acting as a semaphore; there is no growing map and no
// per-lookup lock.
type slotTable struct {
	depth uint32
	max   uint32 // idle sentinel; also the exclusive upper bound of valid sequences

	slots []*slot
	avail chan uint32

	pending int64 // atomic: PendingCompletions()
}

func newSlotTable(depth uint32) *slotTable {
	if depth == 0 {
		depth = defaultPipelineDepth
	}
	max := depth * seqPerSlot
	t := &slotTable{
		depth: depth,
		max:   max,
		slots: make([]*slot, depth),
		avail: make(chan uint32, depth),
	}
	for i := uint32(0); i < depth; i++ {
		t.slots[i] = newSlot(max)
		t.avail <- i
	}
	return t
}

// idle reports the sentinel sequence value meaning "slot is free".
func (t *slotTable) idle() uint32 { return t.max }

// nextSeq advances a sequence through its slot's own arithmetic
// progression.
func (t *slotTable) nextSeq(seq uint32) uint32 {
	return (seq + t.depth) % t.max
}

// slotFor returns the slot owning seq's low bits. Lookup is branch-free:
// a modulus and, by the caller, an atomic equality check against the
// slot's current sequence.
func (t *slotTable) slotFor(seq uint32) *slot {
	return t.slots[seq%t.depth]
}

// acquire blocks until a sequence number is available or ctx is done. It
// does not publish the sequence into its slot; callers call publish once
// they're ready to start the request's lifetime.
func (t *slotTable) acquire(ctx context.Context) (uint32, error) {
	select {
	case seq := <-t.avail:
		atomic.AddInt64(&t.pending, 1)
		return seq, nil
	case <-ctx.Done():
		return 0, ErrCanceled
	}
}

// publish makes seq the live occupant of its slot, optionally with a
// deadline expressed as epoch-seconds-since-connect (0 means none).
func (t *slotTable) publish(seq uint32, deadlineEpoch uint32) *slot {
	s := t.slotFor(seq)
	atomic.StoreUint32(&s.deadline, deadlineEpoch)
	atomic.StoreUint32(&s.sequence, seq)
	return s
}

// release returns seq's slot to idle and pushes the slot's next sequence
// back onto the available queue.
func (t *slotTable) release(seq uint32) {
	s := t.slotFor(seq)
	atomic.StoreUint32(&s.deadline, 0)
	atomic.StoreUint32(&s.sequence, t.idle())
	atomic.AddInt64(&t.pending, -1)
	t.avail <- t.nextSeq(seq)
}

// pendingCount returns the number of requests currently occupying a
// slot.
func (t *slotTable) pendingCount() int {
	return int(atomic.LoadInt64(&t.pending))
}

// deliver routes an inbound reply to the slot matching its sequence if,
// and only if, that slot's current occupant is exactly that sequence. It
// reports whether the payload was accepted; false means no live occupant
// took it and the reader handles the frame as unmatched.
func (t *slotTable) deliver(seq uint32, payload []byte, err error) bool {
	s := t.slotFor(seq)
	if atomic.LoadUint32(&s.sequence) != seq {
		return false
	}
	select {
	case s.replyCh <- reply{sequence: seq, payload: payload, err: err}:
		return true
	default:
		// Waiter already left (e.g. caller-side cancellation raced the
		// reply); the slot is still reclaimed by whoever is holding it.
		return true
	}
}

// tryExpire inspects one slot during a ticker pass. If the slot has a
// non-zero deadline at or before now, it atomically zeroes the deadline
// (CAS against the exact value just read guarantees exactly one firing
// even if the slot is concurrently released and reacquired) and reports
// the sequence to signal. fired is false when there was nothing to do,
// or when a concurrent release/reacquire won the race.
func (t *slotTable) tryExpire(idx uint32, now uint32) (seq uint32, fired bool) {
	s := t.slots[idx]
	deadline := atomic.LoadUint32(&s.deadline)
	if deadline == 0 || now < deadline {
		return 0, false
	}
	if !atomic.CompareAndSwapUint32(&s.deadline, deadline, 0) {
		return 0, false
	}
	seq = atomic.LoadUint32(&s.sequence)
	select {
	case s.timeoutCh <- seq:
	default:
	}
	return seq, true
}
