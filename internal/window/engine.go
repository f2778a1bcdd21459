package window

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownSeries is returned when a query names a series that has never
// received a point.
var ErrUnknownSeries = fmt.Errorf("unknown series")

// Entry is one (ordering key, value) pair of an ordered series.
type Entry struct {
	Key   time.Time       `json:"key"`
	Value decimal.Decimal `json:"value"`
}

// Point is one moving-average output: the average of the entry at Key and
// its preceding window-1 entries by ordering key.
type Point struct {
	Key     time.Time       `json:"key"`
	Average decimal.Decimal `json:"average"`
}

// Engine maintains time-ordered series and serves trailing moving
// aggregates over them. Out-of-order insertion is permitted: windows are
// evaluated against the ordered sequence at query time, so a late point
// corrects every window it participates in, not just the tail.
type Engine struct {
	mu     sync.RWMutex
	series map[string]*series
}

type series struct {
	mu sync.Mutex
	// entries sorted by Key ascending; equal keys keep insertion order.
	entries []Entry
}

// NewEngine creates an engine with no series.
func NewEngine() *Engine {
	return &Engine{series: make(map[string]*series)}
}

func (e *Engine) get(id string, create bool) *series {
	e.mu.RLock()
	s := e.series[id]
	e.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s = e.series[id]; s == nil {
		s = &series{}
		e.series[id] = s
	}
	return s
}

// Append inserts (key, value) into ordered position. An in-order append
// (key at or past the series maximum) is O(1) amortized; an out-of-order
// key shifts the tail. Duplicate keys are allowed — each append is its
// own series point, placed after existing entries with an equal key.
func (e *Engine) Append(seriesID string, key time.Time, value decimal.Decimal) {
	s := e.get(seriesID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if n == 0 || !key.Before(s.entries[n-1].Key) {
		s.entries = append(s.entries, Entry{Key: key, Value: value})
		return
	}

	i := sort.Search(n, func(i int) bool { return s.entries[i].Key.After(key) })
	s.entries = append(s.entries, Entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = Entry{Key: key, Value: value}
}

// Remove deletes one entry matching (key, value), if present. Used when
// the source row for a point is superseded or deleted.
func (e *Engine) Remove(seriesID string, key time.Time, value decimal.Decimal) bool {
	s := e.get(seriesID, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	i := sort.Search(n, func(i int) bool { return !s.entries[i].Key.Before(key) })
	for ; i < n && s.entries[i].Key.Equal(key); i++ {
		if s.entries[i].Value.Equal(value) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// MovingAverage returns one point per series entry: the mean of that
// entry and up to windowSize−1 preceding entries. Entries near the head
// average over however many exist. Single pass with a running sum.
func (e *Engine) MovingAverage(seriesID string, windowSize int) ([]Point, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}
	s := e.get(seriesID, false)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, seriesID)
	}

	s.mu.Lock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	points := make([]Point, len(entries))
	sum := decimal.Zero
	for i, en := range entries {
		sum = sum.Add(en.Value)
		width := i + 1
		if i >= windowSize {
			sum = sum.Sub(entries[i-windowSize].Value)
		}
		if width > windowSize {
			width = windowSize
		}
		points[i] = Point{Key: en.Key, Average: sum.Div(decimal.NewFromInt(int64(width)))}
	}
	return points, nil
}

// Entries returns a copy of the ordered series, or ErrUnknownSeries.
func (e *Engine) Entries(seriesID string) ([]Entry, error) {
	s := e.get(seriesID, false)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, seriesID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}
