package main

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bdpayx-rates/internal/model"
	sqlitestore "bdpayx-rates/internal/store/sqlite"
)

func TestWaitGroupDone(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		wg.Done()
	}()
	if !waitGroupDone(context.Background(), &wg) {
		t.Fatal("expected wait to complete")
	}

	wg.Add(1)
	defer wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if waitGroupDone(ctx, &wg) {
		t.Fatal("expected timeout while a sink is still running")
	}
}

// Cancelling the feed context must not lose the batch the SQLite sink is
// holding: shutdown waits for Run's final flush before closing the DB.
func TestShutdown_WaitsForSQLiteFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.db")
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan model.RateUpdate)

	var sinks sync.WaitGroup
	sinks.Add(1)
	go func() {
		defer sinks.Done()
		w.Run(ctx, ch)
	}()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ch <- model.RateUpdate{Pair: "BDT_INR", Seq: uint64(i + 1), BaseRate: 0.7, Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if !waitGroupDone(waitCtx, &sinks) {
		t.Fatal("sqlite sink did not finish")
	}
	w.Close()

	r, err := sqlitestore.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got, err := r.Recent("BDT_INR", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 archived rows after shutdown, got %d", len(got))
	}
}
