package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"bdpayx-rates/internal/model"
)

type fakeWriter struct {
	mu      sync.Mutex
	fail    bool
	written []uint64
}

func (f *fakeWriter) WriteUpdate(ctx context.Context, u model.RateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFail
	}
	f.written = append(f.written, u.Seq)
	return nil
}

func (f *fakeWriter) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeWriter) seqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.written...)
}

func update(seq uint64) model.RateUpdate {
	return model.RateUpdate{Pair: "BDT_INR", Seq: seq, BaseRate: 0.7}
}

func TestBufferedWriter_PassThrough(t *testing.T) {
	fw := &fakeWriter{}
	bw := NewBufferedWriter(context.Background(), fw, NewCircuitBreaker(3, time.Second), 10)

	bw.Write(update(1))
	bw.Write(update(2))

	if got := fw.seqs(); len(got) != 2 {
		t.Fatalf("expected 2 writes, got %v", got)
	}
	if bw.PendingCount() != 0 {
		t.Errorf("expected empty buffer, got %d", bw.PendingCount())
	}
}

func assertSeqs(t *testing.T, got, want []uint64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("writes = %v, want %v", got, want)
		}
	}
}

func TestBufferedWriter_BuffersAndFlushesInOrder(t *testing.T) {
	fw := &fakeWriter{fail: true}
	cb, clk := newTestBreaker(2, time.Second)
	bw := NewBufferedWriter(context.Background(), fw, cb, 10)

	var flushed []int
	bw.OnFlush = func(n int) { flushed = append(flushed, n) }

	for seq := uint64(1); seq <= 4; seq++ {
		bw.Write(update(seq))
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected Open, got %v", cb.CurrentState())
	}
	if bw.PendingCount() != 4 {
		t.Fatalf("expected 4 pending, got %d", bw.PendingCount())
	}

	fw.setFail(false)
	clk.advance(2 * time.Second)
	bw.Write(update(5))

	assertSeqs(t, fw.seqs(), []uint64{1, 2, 3, 4, 5})
	if len(flushed) != 1 || flushed[0] != 4 {
		t.Errorf("OnFlush calls = %v, want [4]", flushed)
	}
	if bw.PendingCount() != 0 {
		t.Errorf("expected empty buffer after flush, got %d", bw.PendingCount())
	}
	if cb.CurrentState() != StateClosed {
		t.Errorf("expected Closed, got %v", cb.CurrentState())
	}
}

func TestBufferedWriter_LatestWriteIsNewestAfterRecovery(t *testing.T) {
	fw := &fakeWriter{fail: true}
	cb, clk := newTestBreaker(1, 10*time.Millisecond)
	bw := NewBufferedWriter(context.Background(), fw, cb, 10)

	bw.Write(update(1)) // fails, opens the circuit
	bw.Write(update(2)) // rejected
	bw.Write(update(3)) // rejected
	if bw.PendingCount() != 3 {
		t.Fatalf("pending = %d, want 3", bw.PendingCount())
	}

	fw.setFail(false)
	clk.advance(20 * time.Millisecond)
	bw.Write(update(4))

	assertSeqs(t, fw.seqs(), []uint64{1, 2, 3, 4})
}

func TestBufferedWriter_FailedDrainKeepsOrder(t *testing.T) {
	fw := &fakeWriter{fail: true}
	cb, clk := newTestBreaker(1, time.Second)
	bw := NewBufferedWriter(context.Background(), fw, cb, 10)

	bw.Write(update(1))
	bw.Write(update(2))

	// The half-open write of the oldest update fails; the new one queues behind.
	clk.advance(2 * time.Second)
	bw.Write(update(3))
	if cb.CurrentState() != StateOpen {
		t.Fatalf("expected Open after failed half-open write, got %v", cb.CurrentState())
	}
	if bw.PendingCount() != 3 {
		t.Fatalf("pending = %d, want 3", bw.PendingCount())
	}

	fw.setFail(false)
	clk.advance(2 * time.Second)
	bw.Write(update(4))
	assertSeqs(t, fw.seqs(), []uint64{1, 2, 3, 4})
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	fw := &fakeWriter{fail: true}
	cb, _ := newTestBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), fw, cb, 3)

	var buffered int
	bw.OnBuffer = func() { buffered++ }

	for seq := uint64(1); seq <= 5; seq++ {
		bw.Write(update(seq))
	}
	if bw.PendingCount() != 3 {
		t.Errorf("pending = %d, want 3", bw.PendingCount())
	}
	if bw.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", bw.Dropped())
	}
	if buffered != 5 {
		t.Errorf("OnBuffer called %d times, want 5", buffered)
	}
}

func TestBufferedWriter_Run(t *testing.T) {
	fw := &fakeWriter{}
	bw := NewBufferedWriter(context.Background(), fw, NewCircuitBreaker(3, time.Second), 10)

	ch := make(chan model.RateUpdate, 3)
	ch <- update(1)
	ch <- update(2)
	close(ch)

	bw.Run(context.Background(), ch)
	if got := fw.seqs(); len(got) != 2 {
		t.Errorf("expected 2 writes, got %v", got)
	}
}
