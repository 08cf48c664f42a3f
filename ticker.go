package cproto

import (
	"sync"
	"sync/atomic"
	"time"
)

// tickPeriod is the coarse clock unit every deadline in the connection
// is expressed in.
const tickPeriod = time.Second

// deadlineTicker runs the connection-local coarse clock. Every tick it
// advances now by one and scans every slot, firing a timeout signal for
// any slot whose deadline has elapsed. The granularity is deliberately
// coarse: it trades precision for removing a per-request timer object,
// the same trade smux's own keepalive ticker makes.
type deadlineTicker struct {
	table *slotTable
	now   uint32 // atomic: epoch-seconds-since-connect

	stopOnce sync.Once
	done     chan struct{}
}

func newDeadlineTicker(table *slotTable) *deadlineTicker {
	return &deadlineTicker{
		table: table,
		done:  make(chan struct{}),
	}
}

// nowSeconds returns the ticker's current connection-local clock; the
// facade's Now() reads this.
func (d *deadlineTicker) nowSeconds() uint32 {
	return atomic.LoadUint32(&d.now)
}

func (d *deadlineTicker) elapsed() time.Duration {
	return time.Duration(d.nowSeconds()) * time.Second
}

// stop terminates the ticker loop. Safe to call more than once.
func (d *deadlineTicker) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// run drives the 1-second scan loop until stop is called or failCh
// closes (connection failed). It never returns an error: a dead
// connection simply stops ticking.
func (d *deadlineTicker) run(failCh <-chan struct{}) {
	t := time.NewTicker(tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := atomic.AddUint32(&d.now, 1)
			d.scan(now)
		case <-failCh:
			return
		case <-d.done:
			return
		}
	}
}

func (d *deadlineTicker) scan(now uint32) {
	for idx := uint32(0); idx < d.table.depth; idx++ {
		d.table.tryExpire(idx, now)
	}
}
