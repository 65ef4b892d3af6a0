package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/rateengine"
	sqlitestore "bdpayx-rates/internal/store/sqlite"
)

func testOptions() simOptions {
	return simOptions{
		Pair:  "BDT_INR",
		Band:  rateengine.DefaultConfig(),
		Ticks: 200,
		Step:  15 * time.Second,
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Seed:  42,
	}
}

func TestSimulate_Deterministic(t *testing.T) {
	var a, b []float64
	_, err := simulate(context.Background(), testOptions(), func(u model.RateUpdate) error {
		a = append(a, u.BaseRate)
		return nil
	})
	require.NoError(t, err)
	_, err = simulate(context.Background(), testOptions(), func(u model.RateUpdate) error {
		b = append(b, u.BaseRate)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSimulate_StaysInBandOnClock(t *testing.T) {
	opts := testOptions()
	var updates []model.RateUpdate
	sum, err := simulate(context.Background(), opts, func(u model.RateUpdate) error {
		updates = append(updates, u)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, updates, opts.Ticks)
	assert.Equal(t, opts.Ticks, sum.Ticks)

	for i, u := range updates {
		assert.Equal(t, uint64(i+1), u.Seq)
		assert.Equal(t, opts.Start.Add(time.Duration(i)*opts.Step), u.Timestamp)
		assert.GreaterOrEqual(t, u.BaseRate, opts.Band.MinRate)
		assert.LessOrEqual(t, u.BaseRate, opts.Band.MaxRate)
	}
	assert.Equal(t, updates[0].BaseRate, sum.First)
	assert.Equal(t, updates[len(updates)-1].BaseRate, sum.Last)
	assert.LessOrEqual(t, sum.Low, sum.Mean)
	assert.GreaterOrEqual(t, sum.High, sum.Mean)
}

func TestSimulate_InvalidBand(t *testing.T) {
	opts := testOptions()
	opts.Band = rateengine.Config{BaseRate: 0.7, MinRate: 0.7, MaxRate: 0.7}
	_, err := simulate(context.Background(), opts, nil)
	assert.ErrorIs(t, err, rateengine.ErrInvalidConfig)
}

func TestCSVRecord(t *testing.T) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	require.NoError(t, cw.Write(csvHeader))
	require.NoError(t, cw.Write(csvRecord(model.RateUpdate{
		Seq:       3,
		BaseRate:  0.7012,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 45, 0, time.UTC),
	})))
	cw.Flush()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "3,2026-01-01T00:00:45Z,0.7012,"))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, testOptions(), summary{Ticks: 5, Alerts: map[string]int{"volatility_spike": 2}})
	assert.Contains(t, buf.String(), "SIMULATION COMPLETE")
	assert.Contains(t, buf.String(), "BDT_INR")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestCSVSink_CloseReportsWriteError(t *testing.T) {
	cs, err := newCSVSink(failingWriter{})
	require.NoError(t, err) // buffered until flush
	require.NoError(t, cs.Write(model.RateUpdate{Seq: 1, BaseRate: 0.7}))
	assert.EqualError(t, cs.Close(), "disk full")
}

func TestRun_WritesCSVAndArchive(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "ticks.csv")
	dbPath := filepath.Join(dir, "rates.db")

	opts := testOptions()
	opts.Ticks = 150
	require.NoError(t, run(opts, csvPath, dbPath))

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 151)
	assert.Equal(t, csvHeader, rows[0])

	r, err := sqlitestore.NewReader(dbPath)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.Recent("BDT_INR", 1000)
	require.NoError(t, err)
	assert.Len(t, got, 150)
}

func TestRun_ReturnsSinkErrors(t *testing.T) {
	err := run(testOptions(), filepath.Join(t.TempDir(), "missing", "ticks.csv"), "")
	assert.Error(t, err)

	opts := testOptions()
	opts.Band = rateengine.Config{BaseRate: 0.7, MinRate: 0.7, MaxRate: 0.7}
	assert.ErrorIs(t, run(opts, "", ""), rateengine.ErrInvalidConfig)
}
