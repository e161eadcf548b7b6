package recon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gigvault/services/marketd/escrow"
)

type countingEscrows struct {
	calls atomic.Int32
	limit atomic.Int32
	err   error
}

func (c *countingEscrows) Reconcile(_ context.Context, limit int) (escrow.ReconcileResult, error) {
	c.calls.Add(1)
	c.limit.Store(int32(limit))
	return escrow.ReconcileResult{Checked: 1, Funded: 1}, c.err
}

type countingProposals struct {
	calls atomic.Int32
}

func (c *countingProposals) PurgeStaleProposals(context.Context) (int64, error) {
	c.calls.Add(1)
	return 2, nil
}

func TestRunSweepsImmediatelyAndOnTick(t *testing.T) {
	escrows := &countingEscrows{}
	proposals := &countingProposals{}
	s := New(escrows, proposals, Config{ReconcileInterval: 5 * time.Millisecond, PurgeInterval: time.Hour, BatchSize: 7}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for escrows.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	if got := escrows.calls.Load(); got < 3 {
		t.Fatalf("expected repeated reconciliation, got %d", got)
	}
	if got := escrows.limit.Load(); got != 7 {
		t.Fatalf("expected batch size 7, got %d", got)
	}
	if got := proposals.calls.Load(); got != 1 {
		t.Fatalf("expected one immediate purge, got %d", got)
	}
}

func TestReconcileOnceToleratesErrors(t *testing.T) {
	escrows := &countingEscrows{err: errors.New("rpc down")}
	s := New(escrows, nil, Config{}, nil)
	s.ReconcileOnce(context.Background())
	if escrows.calls.Load() != 1 {
		t.Fatalf("expected one call")
	}
}
