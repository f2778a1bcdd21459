package view

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/verity-health/verity/internal/core/model"
	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/core/store"
	"github.com/verity-health/verity/internal/window"
)

// ErrUnknownView is returned when a refresh or read names a view that was
// never defined. Configuration error, fatal at call time.
var ErrUnknownView = fmt.Errorf("unknown view")

// View sources.
const (
	SourceRollup        = "rollup"
	SourceOutliers      = "outliers"
	SourceMovingAverage = "moving_average"
)

// Definition names a materialized view and the engine output it
// snapshots. RefreshEvery is a delta budget: after that many upstream
// deltas the scheduler refreshes the view. Zero means manual-only —
// a refresh never triggers implicitly per single-row write.
type Definition struct {
	Name         string `yaml:"name"`
	Source       string `yaml:"source"`
	Rollup       string `yaml:"rollup"`
	Series       string `yaml:"series"`
	Window       int    `yaml:"window"`
	Multiplier   string `yaml:"multiplier"` // outlier threshold factor, decimal string
	RefreshEvery int    `yaml:"refresh_every"`
}

// Result reports what a refresh did and how long it took.
type Result struct {
	RefreshID   string        `json:"refresh_id"`
	View        string        `json:"view"`
	RowsWritten int           `json:"rows_written"`
	Duration    time.Duration `json:"duration"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// Snapshot is an immutable, complete view output. Readers always get a
// snapshot from a finished refresh — never a view mid-refresh.
type Snapshot struct {
	View        string          `json:"view"`
	Rows        []model.ViewRow `json:"rows"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// Materializer snapshots engine state into named, explicitly refreshed
// views and persists each snapshot through the record store.
type Materializer struct {
	rollups *rollup.Engine
	windows *window.Engine
	records store.Store

	mu    sync.RWMutex
	views map[string]*viewState
}

type viewState struct {
	def     Definition
	snap    atomic.Pointer[Snapshot]
	pending atomic.Int64 // upstream deltas since last refresh

	// refreshMu serializes refreshes of one view; readers never take it.
	refreshMu sync.Mutex
}

// NewMaterializer creates a materializer over the given engines and
// record store. records may be nil when persistence is not wanted
// (tests, ephemeral deployments).
func NewMaterializer(rollups *rollup.Engine, windows *window.Engine, records store.Store) *Materializer {
	return &Materializer{
		rollups: rollups,
		windows: windows,
		records: records,
		views:   make(map[string]*viewState),
	}
}

// Define registers a view. Redefining an existing name is an error.
func (m *Materializer) Define(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.views[def.Name]; exists {
		return fmt.Errorf("view %q: already defined", def.Name)
	}
	m.views[def.Name] = &viewState{def: def}
	return nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("view name must not be empty")
	}
	switch def.Source {
	case SourceRollup, SourceOutliers:
		if def.Rollup == "" {
			return fmt.Errorf("view %q: source %q requires a rollup name", def.Name, def.Source)
		}
	case SourceMovingAverage:
		if def.Series == "" {
			return fmt.Errorf("view %q: source %q requires a series id", def.Name, def.Source)
		}
		if def.Window <= 0 {
			return fmt.Errorf("view %q: source %q requires a positive window", def.Name, def.Source)
		}
	default:
		return fmt.Errorf("view %q: unknown source %q", def.Name, def.Source)
	}
	if def.Source == SourceOutliers && def.Multiplier != "" {
		if _, err := decimal.NewFromString(def.Multiplier); err != nil {
			return fmt.Errorf("view %q: invalid multiplier %q: %w", def.Name, def.Multiplier, err)
		}
	}
	if def.RefreshEvery < 0 {
		return fmt.Errorf("view %q: refresh_every must be >= 0", def.Name)
	}
	return nil
}

// Definitions returns all registered view definitions.
func (m *Materializer) Definitions() []Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	defs := make([]Definition, 0, len(m.views))
	for _, v := range m.views {
		defs = append(defs, v.def)
	}
	return defs
}

func (m *Materializer) lookup(name string) (*viewState, error) {
	m.mu.RLock()
	v, ok := m.views[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, name)
	}
	return v, nil
}

// ObserveDeltas advances the delta budget of every auto-refreshing view.
// The pipeline calls this once per applied delta batch.
func (m *Materializer) ObserveDeltas(n int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.views {
		if v.def.RefreshEvery > 0 {
			v.pending.Add(n)
		}
	}
}

// Due returns the names of views whose delta budget is spent.
func (m *Materializer) Due() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []string
	for name, v := range m.views {
		if v.def.RefreshEvery > 0 && v.pending.Load() >= int64(v.def.RefreshEvery) {
			due = append(due, name)
		}
	}
	return due
}

// Refresh recomputes the named view strictly from current engine state,
// swaps in the new snapshot atomically, and persists it.
func (m *Materializer) Refresh(ctx context.Context, name string) (Result, error) {
	v, err := m.lookup(name)
	if err != nil {
		return Result{}, err
	}

	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	start := time.Now()
	rows, err := m.compute(v.def, start)
	if err != nil {
		return Result{}, fmt.Errorf("refresh view %q: %w", name, err)
	}

	snap := &Snapshot{View: name, Rows: rows, RefreshedAt: start.UTC()}
	if err := m.persist(ctx, name, rows); err != nil {
		return Result{}, fmt.Errorf("persist view %q: %w", name, err)
	}
	v.snap.Store(snap)
	v.pending.Store(0)

	res := Result{
		RefreshID:   uuid.NewString(),
		View:        name,
		RowsWritten: len(rows),
		Duration:    time.Since(start),
		RefreshedAt: snap.RefreshedAt,
	}
	slog.Info("View refreshed",
		"view", name,
		"refresh_id", res.RefreshID,
		"rows_written", res.RowsWritten,
		"duration", res.Duration)
	return res, nil
}

func (m *Materializer) compute(def Definition, now time.Time) ([]model.ViewRow, error) {
	switch def.Source {
	case SourceRollup:
		entries, err := m.rollups.Query(def.Rollup)
		if err != nil {
			return nil, err
		}
		return entryRows(def.Name, entries, now)

	case SourceOutliers:
		multiplier := decimal.NewFromInt(2)
		if def.Multiplier != "" {
			multiplier, _ = decimal.NewFromString(def.Multiplier)
		}
		entries, err := m.rollups.Outliers(def.Rollup, multiplier)
		if err != nil {
			return nil, err
		}
		return entryRows(def.Name, entries, now)

	case SourceMovingAverage:
		points, err := m.windows.MovingAverage(def.Series, def.Window)
		if err != nil {
			return nil, err
		}
		rows := make([]model.ViewRow, 0, len(points))
		for i, p := range points {
			payload, err := json.Marshal(p)
			if err != nil {
				return nil, err
			}
			// Position suffix keeps keys unique when several points
			// share an ordering key.
			rows = append(rows, model.ViewRow{
				ViewName:    def.Name,
				RowKey:      fmt.Sprintf("%s#%d", p.Key.UTC().Format(time.RFC3339), i),
				Payload:     payload,
				RefreshedAt: now.UTC(),
			})
		}
		return rows, nil
	}
	return nil, fmt.Errorf("unknown source %q", def.Source)
}

func entryRows(viewName string, entries []rollup.Entry, now time.Time) ([]model.ViewRow, error) {
	rows := make([]model.ViewRow, 0, len(entries))
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		rows = append(rows, model.ViewRow{
			ViewName:    viewName,
			RowKey:      e.Key,
			Payload:     payload,
			RefreshedAt: now.UTC(),
		})
	}
	return rows, nil
}

// persist replaces the view's rows in the record store: delete what is
// there, then write the new snapshot.
func (m *Materializer) persist(ctx context.Context, name string, rows []model.ViewRow) error {
	if m.records == nil {
		return nil
	}

	var stale []string
	err := m.records.Scan(ctx, model.KindViewRow, func(r model.Row) error {
		vr, ok := r.(*model.ViewRow)
		if ok && vr.ViewName == name {
			stale = append(stale, r.Key())
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		if _, err := m.records.Delete(ctx, model.KindViewRow, key); err != nil {
			return err
		}
	}
	for i := range rows {
		if _, err := m.records.Put(ctx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the view's current snapshot. A view that has never been
// refreshed reads as an empty snapshot, not an error.
func (m *Materializer) Read(name string) (*Snapshot, error) {
	v, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if snap := v.snap.Load(); snap != nil {
		return snap, nil
	}
	return &Snapshot{View: name}, nil
}
