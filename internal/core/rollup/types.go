package rollup

import (
	"github.com/shopspring/decimal"

	"github.com/verity-health/verity/internal/core/model"
)

// Supported rollup metrics.
const (
	MetricSum      = "sum"
	MetricCount    = "count"
	MetricAvg      = "avg"
	MetricVariance = "variance"
)

// Definition names a rollup and describes how member rows map into it.
// GroupBy and Value are field names resolved by the pipeline extractor;
// a "patient." prefix joins through the row's patient reference.
type Definition struct {
	Name    string     `yaml:"name"`
	Kind    model.Kind `yaml:"kind"`
	GroupBy []string   `yaml:"group_by"`
	Value   string     `yaml:"value"`
	Metrics []string   `yaml:"metrics"`
}

// PrimaryMetric is the metric Query sorts by, descending.
func (d Definition) PrimaryMetric() string {
	if len(d.Metrics) == 0 {
		return MetricSum
	}
	return d.Metrics[0]
}

// State is the algebraic summary of the live member rows for one group
// key: exact decimal sum, row count, and sum of squares (kept so avg and
// variance derive without a rescan). Always exactly current — never a
// stale superset.
type State struct {
	Sum        decimal.Decimal
	Count      int64
	SumSquares decimal.Decimal
}

func zeroState() State {
	return State{Sum: decimal.Zero, SumSquares: decimal.Zero}
}

// Entry is one (key, aggregate) pair in a Query result, with the
// requested metrics evaluated from State.
type Entry struct {
	Key     string                     `json:"key"`
	Count   int64                      `json:"count"`
	Sum     decimal.Decimal            `json:"sum"`
	Metrics map[string]decimal.Decimal `json:"metrics"`
}
