package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/verity-health/verity/internal/core/model"
	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/core/store"
	"github.com/verity-health/verity/internal/history"
	"github.com/verity-health/verity/internal/view"
	"github.com/verity-health/verity/internal/window"
)

// Delta is one canonical-row change produced by the normalizer.
// Insert: Old nil. Delete: New nil. Update: both set, same key.
type Delta struct {
	Kind model.Kind
	Key  string
	Old  model.Row
	New  model.Row
	Seq  int64
}

// SeriesDef maps rows of one kind onto an ordered series for the
// windowed statistics engine.
type SeriesDef struct {
	Name    string     `yaml:"name"`
	Kind    model.Kind `yaml:"kind"`
	OrderBy string     `yaml:"order_by"`
	Value   string     `yaml:"value"`
}

// DefaultSeries is the built-in transaction-amount series: amounts
// ordered by transaction date.
var DefaultSeries = SeriesDef{
	Name:    "transaction_amount",
	Kind:    model.KindTransaction,
	OrderBy: "transaction_date",
	Value:   "amount",
}

// Pipeline fans canonical-row deltas out to the rollup, window and
// history engines and advances the view materializer's refresh budget.
// Deltas must arrive in ingestion-sequence order; the normalizer
// guarantees that.
type Pipeline struct {
	records store.Store
	rollups *rollup.Engine
	windows *window.Engine
	history *history.Engine
	views   *view.Materializer
	series  []SeriesDef

	// groupIndex remembers, per rollup, the group key each live row was
	// aggregated under. Cross-entity keys join through the patient
	// record at apply time; if the patient later changes a group-by
	// field, the row still retracts from the group it actually sits in.
	mu         sync.Mutex
	groupIndex map[string]map[string]string
}

// New wires a pipeline. history and views may be nil in tests that only
// exercise rollups.
func New(
	records store.Store,
	rollups *rollup.Engine,
	windows *window.Engine,
	hist *history.Engine,
	views *view.Materializer,
	series []SeriesDef,
) *Pipeline {
	return &Pipeline{
		records:    records,
		rollups:    rollups,
		windows:    windows,
		history:    hist,
		views:      views,
		series:     series,
		groupIndex: make(map[string]map[string]string),
	}
}

// Apply fans out a batch of deltas, in order. Row-level extraction
// failures abort the batch: they indicate a misconfigured rollup, not
// bad data — bad data never gets this far.
func (p *Pipeline) Apply(ctx context.Context, deltas []Delta) error {
	for _, d := range deltas {
		if err := p.applyOne(ctx, d); err != nil {
			return fmt.Errorf("delta seq %d (%s %q): %w", d.Seq, d.Kind, d.Key, err)
		}
	}
	if p.views != nil && len(deltas) > 0 {
		p.views.ObserveDeltas(int64(len(deltas)))
	}
	return nil
}

// Replay rebuilds engine state from the record store: every stored row
// is applied as an insert delta, patients first so cross-entity group
// keys resolve. Replay does not advance view refresh budgets; views
// refresh on their own schedule after startup.
func (p *Pipeline) Replay(ctx context.Context) error {
	order := []model.Kind{model.KindPatient, model.KindTransaction, model.KindProcedure}
	total := 0
	for _, kind := range order {
		err := p.records.Scan(ctx, kind, func(row model.Row) error {
			total++
			if err := p.applyOne(ctx, Delta{Kind: kind, Key: row.Key(), New: row}); err != nil {
				return fmt.Errorf("replay %s %q: %w", kind, row.Key(), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	slog.Info("Engine state rebuilt from record store", "rows", total)
	return nil
}

func (p *Pipeline) applyOne(ctx context.Context, d Delta) error {
	if err := p.applyRollups(ctx, d); err != nil {
		return err
	}
	if err := p.applySeries(d); err != nil {
		return err
	}
	p.applyHistory(d)
	return nil
}

func (p *Pipeline) applyRollups(ctx context.Context, d Delta) error {
	for _, def := range p.rollups.Definitions() {
		if def.Kind != d.Kind {
			continue
		}

		var oldKey, newKey string
		var oldVal, newVal *decimal.Decimal
		if d.Old != nil {
			v, err := fieldDecimal(d.Old, def.Value)
			if err != nil {
				return err
			}
			oldVal = &v
			// Retract from the remembered insert-time group, not from
			// wherever the current patient record would place the row.
			if k, ok := p.recallGroup(def.Name, d.Key); ok {
				oldKey = k
			} else {
				k, err := p.groupKey(ctx, def.GroupBy, d.Old)
				if err != nil {
					return err
				}
				oldKey = k
			}
		}
		if d.New != nil {
			k, err := p.groupKey(ctx, def.GroupBy, d.New)
			if err != nil {
				return err
			}
			v, err := fieldDecimal(d.New, def.Value)
			if err != nil {
				return err
			}
			newKey, newVal = k, &v
			p.rememberGroup(def.Name, d.Key, newKey)
		} else {
			p.forgetGroup(def.Name, d.Key)
		}

		if oldVal != nil && newVal != nil && oldKey == newKey {
			if err := p.rollups.ApplyDelta(def.Name, newKey, oldVal, newVal); err != nil {
				return err
			}
			continue
		}
		// Group membership changed (or pure insert/delete): the old key
		// loses the row, the new key gains it.
		if oldVal != nil {
			if err := p.rollups.ApplyDelta(def.Name, oldKey, oldVal, nil); err != nil {
				return err
			}
		}
		if newVal != nil {
			if err := p.rollups.ApplyDelta(def.Name, newKey, nil, newVal); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) recallGroup(rollupName, rowKey string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.groupIndex[rollupName][rowKey]
	return k, ok
}

func (p *Pipeline) rememberGroup(rollupName, rowKey, groupKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows, ok := p.groupIndex[rollupName]
	if !ok {
		rows = make(map[string]string)
		p.groupIndex[rollupName] = rows
	}
	rows[rowKey] = groupKey
}

func (p *Pipeline) forgetGroup(rollupName, rowKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.groupIndex[rollupName], rowKey)
}

func (p *Pipeline) applySeries(d Delta) error {
	for _, def := range p.series {
		if def.Kind != d.Kind {
			continue
		}
		if d.Old != nil {
			key, err := fieldTime(d.Old, def.OrderBy)
			if err != nil {
				return err
			}
			val, err := fieldDecimal(d.Old, def.Value)
			if err != nil {
				return err
			}
			if !p.windows.Remove(def.Name, key, val) {
				slog.Warn("Series point missing on removal", "series", def.Name, "key", key)
			}
		}
		if d.New != nil {
			key, err := fieldTime(d.New, def.OrderBy)
			if err != nil {
				return err
			}
			val, err := fieldDecimal(d.New, def.Value)
			if err != nil {
				return err
			}
			p.windows.Append(def.Name, key, val)
		}
	}
	return nil
}

func (p *Pipeline) applyHistory(d Delta) {
	if p.history == nil || d.Kind != model.KindProcedure {
		return
	}
	oldProc, _ := d.Old.(*model.Procedure)
	newProc, _ := d.New.(*model.Procedure)
	switch {
	case newProc != nil:
		p.history.Upsert(oldProc, newProc)
	case oldProc != nil:
		p.history.Remove(oldProc)
	}
}
