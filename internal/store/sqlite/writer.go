package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/rateengine"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/rates.db"
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db *sql.DB

	// OnCommit observes each committed batch (for metrics).
	OnCommit func(n int, d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func open(path string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	return db, nil
}

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	db, err := open(cfg.DBPath, 1)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Writer{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_ticks (
			pair        TEXT    NOT NULL,
			seq         INTEGER NOT NULL,
			ts          INTEGER NOT NULL, -- unix ms
			rate        REAL    NOT NULL,
			previous    REAL    NOT NULL,
			change_pct  REAL    NOT NULL,
			trend       REAL    NOT NULL,
			volatility  REAL    NOT NULL,
			momentum    REAL    NOT NULL,
			PRIMARY KEY (pair, ts)
		);

		CREATE TABLE IF NOT EXISTS rate_configs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			pair       TEXT    NOT NULL,
			base_rate  REAL    NOT NULL,
			min_rate   REAL    NOT NULL,
			max_rate   REAL    NOT NULL,
			created_at INTEGER NOT NULL
		);
	`)
	return err
}

// Run reads updates from ch and inserts them in batched transactions.
// Flushes every batchSize updates OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.RateUpdate) {
	batch := make([]model.RateUpdate, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.WriteBatch(batch); err != nil {
			log.Printf("[sqlite] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case u, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, u)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// WriteBatch inserts updates in a single transaction.
func (w *Writer) WriteBatch(updates []model.RateUpdate) error {
	start := time.Now()
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO rate_ticks (pair, seq, ts, rate, previous, change_pct, trend, volatility, momentum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		_, err := stmt.Exec(u.Pair, u.Seq, u.Timestamp.UnixMilli(), u.BaseRate, u.PreviousRate, u.ChangePercent,
			u.Market.Trend, u.Market.Volatility, u.Market.Momentum)
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if w.OnCommit != nil {
		w.OnCommit(len(updates), time.Since(start))
	}
	return nil
}

// SaveConfig appends a band change to the audit table.
func (w *Writer) SaveConfig(pair string, cfg rateengine.Config, at time.Time) error {
	_, err := w.db.Exec(
		`INSERT INTO rate_configs (pair, base_rate, min_rate, max_rate, created_at) VALUES (?, ?, ?, ?, ?)`,
		pair, cfg.BaseRate, cfg.MinRate, cfg.MaxRate, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite insert config: %w", err)
	}
	return nil
}

// Prune deletes ticks older than before. Returns the number removed.
func (w *Writer) Prune(pair string, before time.Time) (int64, error) {
	res, err := w.db.Exec(`DELETE FROM rate_ticks WHERE pair = ? AND ts < ?`, pair, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
