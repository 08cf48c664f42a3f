package cproto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeadlineTickerStopIsIdempotent(t *testing.T) {
	d := newDeadlineTicker(newSlotTable(2))
	d.stop()
	require.NotPanics(t, d.stop)
}

func TestDeadlineTickerScanFiresDueSlotsOnly(t *testing.T) {
	table := newSlotTable(2)
	d := newDeadlineTicker(table)

	ctx := context.Background()
	seqA, err := table.acquire(ctx)
	require.NoError(t, err)
	slotA := table.publish(seqA, 3)

	seqB, err := table.acquire(ctx)
	require.NoError(t, err)
	slotB := table.publish(seqB, 10)

	d.scan(3)

	select {
	case ts := <-slotA.timeoutCh:
		require.Equal(t, seqA, ts)
	default:
		t.Fatal("expected slot A to have fired at its deadline")
	}
	select {
	case <-slotB.timeoutCh:
		t.Fatal("slot B should not fire before its own deadline")
	default:
	}
}
