// cmd/ratesim runs the rate engine offline on a simulated clock. It prints
// a summary, optionally writes every tick as CSV and can seed a SQLite
// archive so a fresh gateway has chart history.
//
// Usage:
//
//	go run ./cmd/ratesim --ticks=96 --step=15m --seed=7 --csv=- --db=data/rates.db
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"bdpayx-rates/internal/logger"
	"bdpayx-rates/internal/model"
	"bdpayx-rates/internal/notification"
	"bdpayx-rates/internal/rateengine"
	"bdpayx-rates/internal/ratefeed"
	sqlitestore "bdpayx-rates/internal/store/sqlite"
)

type simOptions struct {
	Pair  string
	Band  rateengine.Config
	Ticks int
	Step  time.Duration
	Start time.Time
	Seed  int64
}

type summary struct {
	Ticks       int
	First, Last float64
	High, Low   float64
	Mean        float64
	UpperTouch  int
	LowerTouch  int
	Alerts      map[string]int
}

// alertCounter counts alerts by kind.
type alertCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (a *alertCounter) Send(ctx context.Context, alert notification.Alert) error {
	a.mu.Lock()
	a.counts[alert.Kind]++
	a.mu.Unlock()
	return nil
}

// simulate ticks a fresh engine opts.Ticks times, stamping updates
// opts.Step apart from opts.Start, and calls emit for each.
func simulate(ctx context.Context, opts simOptions, emit func(model.RateUpdate) error) (summary, error) {
	eng, err := rateengine.New(opts.Band, rateengine.WithSource(rand.New(rand.NewSource(opts.Seed))))
	if err != nil {
		return summary{}, err
	}

	clock := opts.Start
	alerts := &alertCounter{counts: make(map[string]int)}
	feed := ratefeed.New(eng, ratefeed.Options{
		Pair:     opts.Pair,
		Notifier: alerts,
		Clock:    func() time.Time { return clock },
	})

	lo, hi := opts.Band.GridBounds()
	sum := summary{Alerts: alerts.counts}
	var total float64
	for i := 0; i < opts.Ticks; i++ {
		if ctx.Err() != nil {
			break
		}
		u := feed.Tick(ctx)
		clock = clock.Add(opts.Step)

		if i == 0 {
			sum.First, sum.High, sum.Low = u.BaseRate, u.BaseRate, u.BaseRate
		}
		sum.Last = u.BaseRate
		if u.BaseRate > sum.High {
			sum.High = u.BaseRate
		}
		if u.BaseRate < sum.Low {
			sum.Low = u.BaseRate
		}
		if u.BaseRate >= hi {
			sum.UpperTouch++
		}
		if u.BaseRate <= lo {
			sum.LowerTouch++
		}
		total += u.BaseRate
		sum.Ticks++

		if emit != nil {
			if err := emit(u); err != nil {
				return sum, err
			}
		}
	}
	if sum.Ticks > 0 {
		sum.Mean = total / float64(sum.Ticks)
	}
	return sum, nil
}

var csvHeader = []string{"seq", "timestamp", "rate", "previous", "change_pct", "trend", "volatility", "momentum"}

func csvRecord(u model.RateUpdate) []string {
	return []string{
		strconv.FormatUint(u.Seq, 10),
		u.Timestamp.Format(time.RFC3339),
		strconv.FormatFloat(u.BaseRate, 'f', 4, 64),
		strconv.FormatFloat(u.PreviousRate, 'f', 4, 64),
		strconv.FormatFloat(u.ChangePercent, 'f', 4, 64),
		strconv.FormatFloat(u.Market.Trend, 'f', 4, 64),
		strconv.FormatFloat(u.Market.Volatility, 'f', 6, 64),
		strconv.FormatFloat(u.Market.Momentum, 'f', 6, 64),
	}
}

func main() {
	def := rateengine.DefaultConfig()
	pair := flag.String("pair", "BDT_INR", "Currency pair label")
	ticks := flag.Int("ticks", 96, "Number of ticks to simulate")
	step := flag.Duration("step", 15*time.Second, "Simulated time between ticks")
	startStr := flag.String("start", "", "RFC3339 timestamp of the first tick (default: ticks*step before now)")
	seed := flag.Int64("seed", 0, "Random seed (0=time based)")
	base := flag.Float64("base", def.BaseRate, "Base rate")
	minRate := flag.Float64("min", def.MinRate, "Lower bound")
	maxRate := flag.Float64("max", def.MaxRate, "Upper bound")
	csvPath := flag.String("csv", "", `Write ticks as CSV to this path ("-" for stdout)`)
	dbPath := flag.String("db", "", "Archive ticks into this SQLite database")
	verbose := flag.Bool("v", false, "Log every tick")
	flag.Parse()

	// Logs go to stderr so CSV on stdout stays clean.
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger.InitWriter(os.Stderr, "ratesim", level)

	opts := simOptions{
		Pair:  *pair,
		Band:  rateengine.Config{BaseRate: *base, MinRate: *minRate, MaxRate: *maxRate},
		Ticks: *ticks,
		Step:  *step,
		Seed:  *seed,
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	opts.Start = time.Now().UTC().Add(-time.Duration(opts.Ticks) * opts.Step)
	if *startStr != "" {
		t, err := time.Parse(time.RFC3339, *startStr)
		if err != nil {
			fatalf("invalid --start: %v", err)
		}
		opts.Start = t.UTC()
	}

	if err := run(opts, *csvPath, *dbPath); err != nil {
		fatalf("%v", err)
	}
}

// run simulates opts into the requested sinks and prints the summary.
// Sinks are flushed and closed before it returns, on success or error.
func run(opts simOptions, csvPath, dbPath string) (err error) {
	var sinks []func(model.RateUpdate) error

	if csvPath != "" {
		var out io.Writer = os.Stdout
		if csvPath != "-" {
			f, err := os.Create(csvPath)
			if err != nil {
				return err
			}
			out = f
		}
		cs, err := newCSVSink(out)
		if err != nil {
			cs.Close()
			return err
		}
		defer func() {
			if cerr := cs.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("csv: %w", cerr)
			}
		}()
		sinks = append(sinks, cs.Write)
	}

	if dbPath != "" {
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: dbPath})
		if err != nil {
			return fmt.Errorf("sqlite open failed: %w", err)
		}
		defer w.Close()

		batch := make([]model.RateUpdate, 0, 100)
		sinks = append(sinks, func(u model.RateUpdate) error {
			batch = append(batch, u)
			if len(batch) < cap(batch) {
				return nil
			}
			err := w.WriteBatch(batch)
			batch = batch[:0]
			return err
		})
		defer func() {
			if len(batch) == 0 {
				return
			}
			if werr := w.WriteBatch(batch); werr != nil && err == nil {
				err = fmt.Errorf("final batch: %w", werr)
			}
		}()
	}

	emit := func(u model.RateUpdate) error {
		for _, s := range sinks {
			if err := s(u); err != nil {
				return err
			}
		}
		return nil
	}

	sum, err := simulate(context.Background(), opts, emit)
	if err != nil {
		return err
	}

	// Summary goes to stderr when CSV is on stdout.
	var report io.Writer = os.Stdout
	if csvPath == "-" {
		report = os.Stderr
	}
	printSummary(report, opts, sum)
	return nil
}

// csvSink writes ticks as CSV rows. Close flushes and reports the first
// write error, then closes the underlying file unless it is stdout.
type csvSink struct {
	out io.Writer
	cw  *csv.Writer
}

func newCSVSink(out io.Writer) (*csvSink, error) {
	cs := &csvSink{out: out, cw: csv.NewWriter(out)}
	return cs, cs.cw.Write(csvHeader)
}

func (c *csvSink) Write(u model.RateUpdate) error {
	return c.cw.Write(csvRecord(u))
}

func (c *csvSink) Close() error {
	c.cw.Flush()
	err := c.cw.Error()
	if f, ok := c.out.(*os.File); ok && f != os.Stdout {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// fatalf bypasses the default logger, which filters below warn.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ratesim: "+format+"\n", args...)
	os.Exit(1)
}

func printSummary(w io.Writer, opts simOptions, s summary) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        SIMULATION COMPLETE           ║")
	fmt.Fprintln(w, "╠══════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Pair:          %-20s ║\n", opts.Pair)
	fmt.Fprintf(w, "║  Seed:          %-20d ║\n", opts.Seed)
	fmt.Fprintf(w, "║  Ticks:         %-20d ║\n", s.Ticks)
	fmt.Fprintf(w, "║  First / Last:  %-20s ║\n", fmt.Sprintf("%.4f / %.4f", s.First, s.Last))
	fmt.Fprintf(w, "║  Low / High:    %-20s ║\n", fmt.Sprintf("%.4f / %.4f", s.Low, s.High))
	fmt.Fprintf(w, "║  Mean:          %-20.4f ║\n", s.Mean)
	fmt.Fprintf(w, "║  Band touches:  %-20s ║\n", fmt.Sprintf("%d low, %d high", s.LowerTouch, s.UpperTouch))
	fmt.Fprintf(w, "║  Vol spikes:    %-20d ║\n", s.Alerts["volatility_spike"])
	fmt.Fprintln(w, "╚══════════════════════════════════════╝")
}
