package redis

import (
	"context"
	"log"
	"sync"

	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/ringbuf"
)

// UpdateWriter is the sink a BufferedWriter protects. *Writer satisfies it.
type UpdateWriter interface {
	WriteUpdate(ctx context.Context, u model.RateUpdate) error
}

// BufferedWriter wraps an UpdateWriter with a circuit breaker. Updates
// that fail or are rejected while the circuit is open are kept in a bounded
// buffer (oldest dropped first). The buffer is replayed in order ahead of
// the next write, so the sink never sees an update before an older one.
type BufferedWriter struct {
	writer UpdateWriter
	cb     *CircuitBreaker
	ctx    context.Context

	// writeMu serializes Write so draining and new writes never interleave.
	writeMu sync.Mutex

	mu      sync.Mutex
	buffer  *ringbuf.Ring[model.RateUpdate]
	dropped uint64

	// Callbacks
	OnBuffer func()          // called when an update is buffered (for metrics)
	OnFlush  func(count int) // called after flushing buffered updates
}

// NewBufferedWriter creates a BufferedWriter. maxBufferSize <= 0 selects 10000.
func NewBufferedWriter(ctx context.Context, w UpdateWriter, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	return &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		buffer: ringbuf.New[model.RateUpdate](maxBufferSize),
	}
}

// Run writes every update from ch until ctx is cancelled or ch is closed.
func (bw *BufferedWriter) Run(ctx context.Context, ch <-chan model.RateUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			bw.Write(u)
		}
	}
}

// Write sends u through the circuit breaker after replaying any buffered
// updates. Failed or rejected updates are buffered rather than lost.
func (bw *BufferedWriter) Write(u model.RateUpdate) {
	bw.writeMu.Lock()
	defer bw.writeMu.Unlock()

	if !bw.drain() {
		bw.bufferWrite(u)
		return
	}

	err := bw.cb.Execute(func() error {
		return bw.writer.WriteUpdate(bw.ctx, u)
	})
	if err == nil {
		return
	}
	if err != ErrCircuitOpen {
		log.Printf("[buffered-writer] write %s #%d failed: %v", u.Pair, u.Seq, err)
	}
	bw.bufferWrite(u)
}

func (bw *BufferedWriter) bufferWrite(u model.RateUpdate) {
	bw.mu.Lock()
	if bw.buffer.Len() == bw.buffer.Cap() {
		bw.dropped++
	}
	bw.buffer.Push(u)
	bw.mu.Unlock()

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// drain replays buffered updates oldest first and reports whether the
// buffer is now empty. Replay stops at the first failure or rejection and
// keeps the remainder. Callers hold writeMu.
func (bw *BufferedWriter) drain() bool {
	bw.mu.Lock()
	pending := bw.buffer.Last(bw.buffer.Len())
	bw.mu.Unlock()

	if len(pending) == 0 {
		return true
	}

	flushed := 0
	for _, u := range pending {
		err := bw.cb.Execute(func() error {
			return bw.writer.WriteUpdate(bw.ctx, u)
		})
		if err != nil {
			if err != ErrCircuitOpen {
				log.Printf("[buffered-writer] flush stopped after %d: %v", flushed, err)
			}
			break
		}
		flushed++
	}

	bw.mu.Lock()
	rest := pending[flushed:]
	bw.buffer = ringbuf.New[model.RateUpdate](bw.buffer.Cap())
	for _, p := range rest {
		bw.buffer.Push(p)
	}
	bw.mu.Unlock()

	if flushed > 0 {
		log.Printf("[buffered-writer] flushed %d buffered writes", flushed)
		if bw.OnFlush != nil {
			bw.OnFlush(flushed)
		}
	}
	return len(rest) == 0
}

// PendingCount returns the number of buffered updates waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.buffer.Len()
}

// Dropped returns how many buffered updates were evicted because the
// buffer was full.
func (bw *BufferedWriter) Dropped() uint64 {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.dropped
}
