package rollup

import "github.com/shopspring/decimal"

// Metric evaluates one requested aggregate function from a group's
// algebraic State. To add a metric: implement this interface and register
// it in Metrics. The query path becomes a map lookup — no switch.
type Metric interface {
	// Eval derives the metric's value from the group state. Empty groups
	// (Count == 0) evaluate to zero.
	Eval(s State) decimal.Decimal
}

// Metrics is the registry of all supported rollup metrics.
var Metrics = map[string]Metric{
	MetricSum:      sumMetric{},
	MetricCount:    countMetric{},
	MetricAvg:      avgMetric{},
	MetricVariance: varianceMetric{},
}

// ValidMetric reports whether name is a registered rollup metric.
func ValidMetric(name string) bool {
	_, ok := Metrics[name]
	return ok
}

type sumMetric struct{}

func (sumMetric) Eval(s State) decimal.Decimal { return s.Sum }

type countMetric struct{}

func (countMetric) Eval(s State) decimal.Decimal { return decimal.NewFromInt(s.Count) }

// avgMetric derives mean = sum / count.
type avgMetric struct{}

func (avgMetric) Eval(s State) decimal.Decimal {
	if s.Count == 0 {
		return decimal.Zero
	}
	return s.Sum.Div(decimal.NewFromInt(s.Count))
}

// varianceMetric derives the population variance E[x²] − E[x]².
type varianceMetric struct{}

func (varianceMetric) Eval(s State) decimal.Decimal {
	if s.Count == 0 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(s.Count)
	mean := s.Sum.Div(n)
	return s.SumSquares.Div(n).Sub(mean.Mul(mean))
}
