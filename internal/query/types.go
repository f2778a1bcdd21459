package query

import (
	"github.com/shopspring/decimal"

	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/window"
)

// RollupResponse is the response for a rollup query: the full grouped
// result set in deterministic order (primary metric descending, then
// group key ascending).
type RollupResponse struct {
	Rollup  string         `json:"rollup"`
	Groups  int            `json:"groups"`
	Entries []rollup.Entry `json:"entries"`
}

// OutliersResponse is the response for an outlier query. Threshold is
// multiplier times the global mean at query time.
type OutliersResponse struct {
	Rollup     string          `json:"rollup"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Entries    []rollup.Entry  `json:"entries"`
}

// MovingAverageResponse carries one point per series entry, oldest
// first. Leading points average over fewer than Window entries.
type MovingAverageResponse struct {
	Series string         `json:"series"`
	Window int            `json:"window"`
	Points []window.Point `json:"points"`
}
