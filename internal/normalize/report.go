package normalize

import "github.com/verity-health/verity/internal/core/model"

// Row outcome statuses.
const (
	StatusAccepted     = "accepted"
	StatusRejected     = "rejected"
	StatusDeduplicated = "deduplicated"
)

// Outcome is the per-row result of a batch ingestion. Rejected and
// deduplicated rows carry a reason code; accepted rows do not.
type Outcome struct {
	Kind   model.Kind `json:"kind"`
	Key    string     `json:"key"`
	Seq    int64      `json:"seq"`
	Status string     `json:"status"`
	Reason string     `json:"reason,omitempty"`
}

// Report enumerates what a batch ingestion did: counts plus per-row
// outcomes, ordered by ingestion sequence. Never a bare success boolean.
type Report struct {
	BatchID      string    `json:"batch_id"`
	Accepted     int       `json:"accepted"`
	Rejected     int       `json:"rejected"`
	Deduplicated int       `json:"deduplicated"`
	Outcomes     []Outcome `json:"outcomes"`
}
