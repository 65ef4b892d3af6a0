package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/rateengine"
)

// Reader provides read-only access to stored ticks for charts and band restore.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath, 2)
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

// Hourly returns the last tick of every hour since `since`, oldest first,
// with HoursAgo numbered from the newest point.
func (r *Reader) Hourly(pair string, since time.Time) ([]model.RatePoint, error) {
	// SQLite returns the bare columns from the row holding MAX(ts).
	rows, err := r.db.Query(`
		SELECT MAX(ts), rate, trend, volatility
		FROM rate_ticks
		WHERE pair = ? AND ts >= ?
		GROUP BY ts / 3600000
		ORDER BY 1 ASC
	`, pair, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query hourly: %w", err)
	}
	defer rows.Close()

	var points []model.RatePoint
	for rows.Next() {
		var p model.RatePoint
		var tsMs int64
		var trend float64
		if err := rows.Scan(&tsMs, &p.Rate, &trend, &p.Volatility); err != nil {
			return nil, fmt.Errorf("sqlite scan hourly: %w", err)
		}
		p.Timestamp = time.UnixMilli(tsMs).UTC()
		p.Trend = model.TrendLabel(trend)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	model.NumberHoursAgo(points)
	return points, nil
}

// Recent returns up to n most recent ticks, oldest first.
func (r *Reader) Recent(pair string, n int) ([]model.RateUpdate, error) {
	rows, err := r.db.Query(`
		SELECT seq, ts, rate, previous, change_pct, trend, volatility, momentum
		FROM rate_ticks
		WHERE pair = ?
		ORDER BY ts DESC
		LIMIT ?
	`, pair, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite query recent: %w", err)
	}
	defer rows.Close()

	var out []model.RateUpdate
	for rows.Next() {
		u := model.RateUpdate{Pair: pair}
		var tsMs int64
		if err := rows.Scan(&u.Seq, &tsMs, &u.BaseRate, &u.PreviousRate, &u.ChangePercent,
			&u.Market.Trend, &u.Market.Volatility, &u.Market.Momentum); err != nil {
			return nil, fmt.Errorf("sqlite scan recent: %w", err)
		}
		u.Timestamp = time.UnixMilli(tsMs).UTC()
		u.Change = u.BaseRate - u.PreviousRate
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// LatestConfig returns the most recently saved band for pair. ok is false
// when none was saved.
func (r *Reader) LatestConfig(pair string) (cfg rateengine.Config, ok bool, err error) {
	err = r.db.QueryRow(`
		SELECT base_rate, min_rate, max_rate FROM rate_configs
		WHERE pair = ?
		ORDER BY id DESC
		LIMIT 1
	`, pair).Scan(&cfg.BaseRate, &cfg.MinRate, &cfg.MaxRate)
	if err == sql.ErrNoRows {
		return rateengine.Config{}, false, nil
	}
	if err != nil {
		return rateengine.Config{}, false, fmt.Errorf("sqlite read config: %w", err)
	}
	return cfg, true, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
