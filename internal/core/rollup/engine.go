package rollup

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnknownRollup is returned when a delta or query names a rollup that
// was never defined. This is a configuration error, fatal at call time —
// not a per-row recoverable condition.
var ErrUnknownRollup = fmt.Errorf("unknown rollup")

// Engine maintains zero or more named rollups incrementally. Deltas for
// the same rollup serialize on its mutex so concurrent sum/count mutation
// cannot lose updates; queries copy state under RLock and never block
// delta application for long.
type Engine struct {
	mu      sync.RWMutex
	rollups map[string]*rollupState
}

type rollupState struct {
	mu     sync.RWMutex
	def    Definition
	groups map[string]State

	// global summarizes every member row regardless of group key. The
	// outlier query derives the per-row mean from it, so the mean is
	// always exactly current — never a cached value.
	global State
}

// NewEngine creates an engine with no rollups defined.
func NewEngine() *Engine {
	return &Engine{rollups: make(map[string]*rollupState)}
}

// Define registers a rollup. Redefining an existing name is a
// configuration error.
func (e *Engine) Define(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("rollup name must not be empty")
	}
	if len(def.GroupBy) == 0 {
		return fmt.Errorf("rollup %q: group_by must not be empty", def.Name)
	}
	for _, m := range def.Metrics {
		if !ValidMetric(m) {
			return fmt.Errorf("rollup %q: unsupported metric %q", def.Name, m)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rollups[def.Name]; exists {
		return fmt.Errorf("rollup %q: already defined", def.Name)
	}
	e.rollups[def.Name] = &rollupState{
		def:    def,
		groups: make(map[string]State),
		global: zeroState(),
	}
	return nil
}

// Definitions returns all registered definitions.
func (e *Engine) Definitions() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	defs := make([]Definition, 0, len(e.rollups))
	for _, r := range e.rollups {
		defs = append(defs, r.def)
	}
	return defs
}

func (e *Engine) lookup(name string) (*rollupState, error) {
	e.mu.RLock()
	r, ok := e.rollups[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRollup, name)
	}
	return r, nil
}

// ApplyDelta incrementally updates the aggregate for (name, key).
// Insert = (nil, v); delete = (v, nil); update = (old, new). The update
// is algebraically exact: sum += new−old, count += presence delta,
// sum-of-squares likewise. Treats nil as absent, never as zero-valued
// presence.
func (e *Engine) ApplyDelta(name, key string, old, new *decimal.Decimal) error {
	r, err := e.lookup(name)
	if err != nil {
		return err
	}
	if old == nil && new == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[key]
	if !ok {
		g = zeroState()
	}
	applyTo(&g, old, new)
	applyTo(&r.global, old, new)

	if g.Count == 0 {
		// Last member row removed: drop the group entirely so Query
		// never reports a stale empty key.
		delete(r.groups, key)
		return nil
	}
	r.groups[key] = g
	return nil
}

func applyTo(s *State, old, new *decimal.Decimal) {
	if old != nil {
		s.Sum = s.Sum.Sub(*old)
		s.SumSquares = s.SumSquares.Sub(old.Mul(*old))
		s.Count--
	}
	if new != nil {
		s.Sum = s.Sum.Add(*new)
		s.SumSquares = s.SumSquares.Add(new.Mul(*new))
		s.Count++
	}
}

// Query returns the rollup's entries sorted by its primary metric
// descending; equal values tie-break by key ascending so the order is
// deterministic and stable.
func (e *Engine) Query(name string) ([]Entry, error) {
	r, err := e.lookup(name)
	if err != nil {
		return nil, err
	}

	groups, def := r.snapshot()
	entries := toEntries(groups, def)
	sortEntries(entries, def.PrimaryMetric())
	return entries, nil
}

// Outliers returns the entries whose summed value exceeds
// multiplier × (global mean of the per-row value). The mean is derived
// from the engine's exact global sum/count at call time.
func (e *Engine) Outliers(name string, multiplier decimal.Decimal) ([]Entry, error) {
	r, err := e.lookup(name)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	global := r.global
	r.mu.RUnlock()
	if global.Count == 0 {
		return nil, nil
	}
	mean := global.Sum.Div(decimal.NewFromInt(global.Count))
	threshold := mean.Mul(multiplier)

	groups, def := r.snapshot()
	var out []Entry
	for key, g := range groups {
		if g.Sum.GreaterThan(threshold) {
			out = append(out, newEntry(key, g, def))
		}
	}
	sortEntries(out, MetricSum)
	return out, nil
}

func (r *rollupState) snapshot() (map[string]State, Definition) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := make(map[string]State, len(r.groups))
	for k, v := range r.groups {
		groups[k] = v
	}
	return groups, r.def
}

func toEntries(groups map[string]State, def Definition) []Entry {
	entries := make([]Entry, 0, len(groups))
	for key, g := range groups {
		entries = append(entries, newEntry(key, g, def))
	}
	return entries
}

func newEntry(key string, g State, def Definition) Entry {
	metrics := make(map[string]decimal.Decimal, len(def.Metrics))
	for _, m := range def.Metrics {
		metrics[m] = Metrics[m].Eval(g)
	}
	return Entry{Key: key, Count: g.Count, Sum: g.Sum, Metrics: metrics}
}

func sortEntries(entries []Entry, primary string) {
	metricValue := func(e Entry) decimal.Decimal {
		if v, ok := e.Metrics[primary]; ok {
			return v
		}
		return e.Sum
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := metricValue(entries[i]), metricValue(entries[j])
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return entries[i].Key < entries[j].Key
	})
}
