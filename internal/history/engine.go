package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verity-health/verity/internal/core/model"
)

// ErrTraversalLimit is returned when an expansion would exceed the
// configured node ceiling. The traversal aborts — callers get an error,
// never a silently truncated history.
var ErrTraversalLimit = errors.New("traversal limit exceeded")

// DefaultMaxNodes bounds a single history expansion. Generous for sane
// data; it exists to stop pathological referral fan-out.
const DefaultMaxNodes = 10000

// Node is one entry of a patient's treatment history.
type Node struct {
	PatientID     string          `json:"patient_id"`
	ProcedureID   string          `json:"procedure_id"`
	ProcedureDate time.Time       `json:"procedure_date"`
	ProcedureCode string          `json:"procedure_code"`
	Cost          decimal.Decimal `json:"cost"`
	DoctorID      string          `json:"performing_doctor_id"`
}

// Result is a completed traversal: nodes ordered by (date, procedure id)
// plus any cycle warnings encountered on the way.
type Result struct {
	PatientID string   `json:"patient_id"`
	Nodes     []Node   `json:"nodes"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Engine maintains a per-patient procedure index, updated by deltas from
// the pipeline, and expands treatment histories over it. Referral links
// (Procedure.ReferralPatientID) are followed recursively; a visited set
// of expanded patient ids breaks cycles, and a node ceiling bounds cost.
type Engine struct {
	mu        sync.RWMutex
	byPatient map[string][]*model.Procedure
	maxNodes  int
}

// NewEngine creates an engine with the given traversal ceiling.
// maxNodes <= 0 uses DefaultMaxNodes.
func NewEngine(maxNodes int) *Engine {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	return &Engine{
		byPatient: make(map[string][]*model.Procedure),
		maxNodes:  maxNodes,
	}
}

// Upsert replaces (or inserts) a procedure in the index. old is the
// superseded row, nil on first sight of the key.
func (e *Engine) Upsert(old, new *model.Procedure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if old != nil {
		e.removeLocked(old)
	}
	if new != nil {
		e.byPatient[new.PatientID] = append(e.byPatient[new.PatientID], new)
	}
}

// Remove deletes a procedure from the index.
func (e *Engine) Remove(p *model.Procedure) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(p)
}

func (e *Engine) removeLocked(p *model.Procedure) {
	procs := e.byPatient[p.PatientID]
	for i, cand := range procs {
		if cand.ProcedureID == p.ProcedureID {
			e.byPatient[p.PatientID] = append(procs[:i], procs[i+1:]...)
			break
		}
	}
	if len(e.byPatient[p.PatientID]) == 0 {
		delete(e.byPatient, p.PatientID)
	}
}

// History expands the full ordered treatment history reachable from
// patientID. It operates on a snapshot taken at call start — writes that
// arrive mid-traversal are not reflected. Revisiting an already-expanded
// patient emits a CycleDetected warning and stops that branch; exceeding
// the node ceiling aborts with ErrTraversalLimit.
func (e *Engine) History(ctx context.Context, patientID string) (*Result, error) {
	snapshot := e.snapshot()

	res := &Result{PatientID: patientID}
	visited := map[string]bool{}

	// Iterative worklist instead of recursion: depth is then bounded by
	// the node ceiling, not the goroutine stack.
	queue := []string{patientID}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pid := queue[0]
		queue = queue[1:]
		if visited[pid] {
			warn := fmt.Sprintf("CycleDetected: patient %q already expanded", pid)
			res.Warnings = append(res.Warnings, warn)
			slog.Warn("Treatment history cycle detected", "root_patient_id", patientID, "patient_id", pid)
			continue
		}
		visited[pid] = true

		for _, p := range snapshot[pid] {
			if len(res.Nodes) >= e.maxNodes {
				return nil, fmt.Errorf("%w: history for patient %q exceeds %d nodes", ErrTraversalLimit, patientID, e.maxNodes)
			}
			res.Nodes = append(res.Nodes, Node{
				PatientID:     p.PatientID,
				ProcedureID:   p.ProcedureID,
				ProcedureDate: p.ProcedureDate,
				ProcedureCode: p.ProcedureCode,
				Cost:          p.Cost,
				DoctorID:      p.PerformingDoctorID,
			})
			if p.ReferralPatientID != "" {
				queue = append(queue, p.ReferralPatientID)
			}
		}
	}

	sort.Slice(res.Nodes, func(i, j int) bool {
		a, b := res.Nodes[i], res.Nodes[j]
		if !a.ProcedureDate.Equal(b.ProcedureDate) {
			return a.ProcedureDate.Before(b.ProcedureDate)
		}
		return a.ProcedureID < b.ProcedureID
	})
	return res, nil
}

func (e *Engine) snapshot() map[string][]*model.Procedure {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]*model.Procedure, len(e.byPatient))
	for pid, procs := range e.byPatient {
		cp := make([]*model.Procedure, len(procs))
		copy(cp, procs)
		out[pid] = cp
	}
	return out
}
