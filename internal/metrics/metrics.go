// Package metrics provides a lightweight persistent metrics manager.
// It batches in-memory counter and summary observations and periodically
// flushes them to the same SQL database that holds the record index. Only
// monotonic counters and simple (count,sum,min,max) summaries are supported.
// The metrics tables are created by the store migrations.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// CounterEventsDropped counts events lost to a full queue. Application
// metric names live with their emitters (see app).
const CounterEventsDropped = "metrics_events_dropped_total"

// Config controls flush cadence, SQL dialect and logging.
type Config struct {
	FlushInterval time.Duration
	// Driver is the database/sql driver name, "sqlite3" (default) or "pgx".
	Driver string
	Logger *slog.Logger
}

// Summary is an aggregated set of observations.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (s *Summary) add(o Summary) {
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	if o.Min < s.Min {
		s.Min = o.Min
	}
	if o.Max > s.Max {
		s.Max = o.Max
	}
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg      Config
	db       *sql.DB
	builder  sq.StatementBuilderType
	least    string
	greatest string
	events   chan event
	stop     chan struct{}
	done     chan struct{}
	started  bool
	dropped  sync.Mutex
	ndrop    int64

	// in-memory deltas (protected by mu)
	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]*Summary
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// New creates a Manager. Call Start to begin background flushing.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		db:        db,
		builder:   sq.StatementBuilder.PlaceholderFormat(sq.Question),
		least:     "MIN",
		greatest:  "MAX",
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]*Summary),
	}
	if cfg.Driver == "pgx" {
		m.builder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
		m.least, m.greatest = "LEAST", "GREATEST"
	}
	return m
}

// Start launches the background flush loop.
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	go m.loop(ctx)
}

// Stop signals the flush loop to exit and performs a final flush.
func (m *Manager) Stop(ctx context.Context) {
	if m.started {
		close(m.stop)
		<-m.done
	}
	m.drain()
	if err := m.flush(ctx); err != nil {
		m.cfg.Logger.Error("final flush", "domain", "metrics", "error", err)
	}
}

// Inc increments a counter by delta (>=1).
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	m.send(event{kind: eventInc, name: name, v: delta})
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	m.send(event{kind: eventObserve, name: name, v: value})
}

func (m *Manager) send(ev event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Lock()
		m.ndrop++
		m.dropped.Unlock()
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies queued events without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			m.dropped.Lock()
			n := m.ndrop
			m.ndrop = 0
			m.dropped.Unlock()
			if n > 0 {
				m.apply(event{kind: eventInc, name: CounterEventsDropped, v: n})
			}
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		agg := m.summaries[ev.name]
		if agg == nil {
			agg = &Summary{}
			m.summaries[ev.name] = agg
		}
		agg.add(Summary{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v})
	}
}

// Snapshot returns persisted values with unflushed in-memory deltas layered
// on top.
func (m *Manager) Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error) {
	counters := make(map[string]int64)
	summaries := make(map[string]Summary)

	q, args, err := m.builder.Select("name", "value").From("metrics_counters").ToSql()
	if err != nil {
		return nil, nil, err
	}
	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return nil, nil, err
		}
		counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	q, args, err = m.builder.Select("name", "count", "sum", "min", "max").From("metrics_summaries").ToSql()
	if err != nil {
		return nil, nil, err
	}
	srows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query summaries: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var s Summary
		if err := srows.Scan(&n, &s.Count, &s.Sum, &s.Min, &s.Max); err != nil {
			return nil, nil, err
		}
		summaries[n] = s
	}
	if err := srows.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	for n, v := range m.counters {
		counters[n] += v
	}
	for n, agg := range m.summaries {
		cur := summaries[n]
		cur.add(*agg)
		summaries[n] = cur
	}
	m.mu.Unlock()
	return counters, summaries, nil
}

// flush writes in-memory deltas in a single transaction and resets them.
// On failure the deltas are merged back so nothing is lost.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	cCopy := m.counters
	sCopy := m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]*Summary)
	m.mu.Unlock()

	if err := m.write(ctx, cCopy, sCopy); err != nil {
		m.mu.Lock()
		for k, v := range cCopy {
			m.counters[k] += v
		}
		for k, v := range sCopy {
			if cur := m.summaries[k]; cur != nil {
				cur.add(*v)
			} else {
				m.summaries[k] = v
			}
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) write(ctx context.Context, counters map[string]int64, summaries map[string]*Summary) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, delta := range counters {
		q, args, err := m.builder.Insert("metrics_counters").
			Columns("name", "value").
			Values(name, delta).
			Suffix("ON CONFLICT(name) DO UPDATE SET value = metrics_counters.value + excluded.value").
			ToSql()
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert counter %s: %w", name, err)
		}
	}
	suffix := fmt.Sprintf("ON CONFLICT(name) DO UPDATE SET count = metrics_summaries.count + excluded.count, "+
		"sum = metrics_summaries.sum + excluded.sum, "+
		"min = %[1]s(metrics_summaries.min, excluded.min), "+
		"max = %[2]s(metrics_summaries.max, excluded.max)", m.least, m.greatest)
	for name, agg := range summaries {
		q, args, err := m.builder.Insert("metrics_summaries").
			Columns("name", "count", "sum", "min", "max").
			Values(name, agg.Count, agg.Sum, agg.Min, agg.Max).
			Suffix(suffix).
			ToSql()
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert summary %s: %w", name, err)
		}
	}
	return tx.Commit()
}
