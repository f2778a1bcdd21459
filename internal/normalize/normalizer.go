package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	verrors "github.com/verity-health/verity/internal/core/errors"
	"github.com/verity-health/verity/internal/core/model"
	"github.com/verity-health/verity/internal/core/partition"
	"github.com/verity-health/verity/internal/core/store"
	"github.com/verity-health/verity/internal/pipeline"
)

const defaultWorkerCount = 8

// Normalizer deduplicates, validates and derives fields for raw record
// batches, writes accepted canonical rows through the record store, and
// hands the resulting deltas to the pipeline.
//
// Last-write-wins invariant: batches touching the same key serialize on
// a striped per-key mutex, so concurrent Ingest calls cannot interleave
// a key's read-compare-write.
type Normalizer struct {
	records store.Store
	pipe    *pipeline.Pipeline
	age     AgePolicy
	workers int

	locks [partition.Count]sync.Mutex
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithAgePolicy overrides the derived-age computation.
func WithAgePolicy(p AgePolicy) Option {
	return func(n *Normalizer) { n.age = p }
}

// WithWorkerCount sets the ingest parallelism across key partitions.
func WithWorkerCount(w int) Option {
	return func(n *Normalizer) {
		if w > 0 {
			n.workers = w
		}
	}
}

// New creates a Normalizer. pipe may be nil when no downstream engines
// are wired (storage-only ingestion).
func New(records store.Store, pipe *pipeline.Pipeline, opts ...Option) *Normalizer {
	n := &Normalizer{
		records: records,
		pipe:    pipe,
		age:     AgeYearDelta,
		workers: defaultWorkerCount,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

type rowResult struct {
	outcome Outcome
	delta   *pipeline.Delta
}

// Ingest processes one batch. Row-level failures are isolated: the batch
// continues and every row's outcome appears in the report. Patients are
// processed before transactions and procedures so that in-batch patient
// references resolve.
func (n *Normalizer) Ingest(ctx context.Context, batch []model.RawRecord) (*Report, error) {
	report := &Report{BatchID: uuid.NewString()}

	var patients, dependents []*model.RawRecord
	for i := range batch {
		rec := &batch[i]
		if err := rec.Validate(); err != nil {
			report.Outcomes = append(report.Outcomes, Outcome{
				Kind: rec.Kind, Seq: rec.Seq,
				Status: StatusRejected, Reason: verrors.ReasonBadEnvelope,
			})
			continue
		}
		if rec.Kind == model.KindPatient {
			patients = append(patients, rec)
		} else {
			dependents = append(dependents, rec)
		}
	}

	var deltas []pipeline.Delta
	for _, phase := range [][]*model.RawRecord{patients, dependents} {
		results, err := n.runPhase(ctx, phase)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			report.Outcomes = append(report.Outcomes, r.outcome)
			if r.delta != nil {
				deltas = append(deltas, *r.delta)
			}
		}
	}

	sort.Slice(report.Outcomes, func(i, j int) bool { return report.Outcomes[i].Seq < report.Outcomes[j].Seq })
	for _, o := range report.Outcomes {
		switch o.Status {
		case StatusAccepted:
			report.Accepted++
		case StatusRejected:
			report.Rejected++
		case StatusDeduplicated:
			report.Deduplicated++
		}
	}

	if n.pipe != nil && len(deltas) > 0 {
		sort.Slice(deltas, func(i, j int) bool { return deltas[i].Seq < deltas[j].Seq })
		if err := n.pipe.Apply(ctx, deltas); err != nil {
			return nil, fmt.Errorf("applying deltas: %w", err)
		}
	}

	slog.Info("Batch ingested",
		"batch_id", report.BatchID,
		"accepted", report.Accepted,
		"rejected", report.Rejected,
		"deduplicated", report.Deduplicated)
	return report, nil
}

// runPhase processes records grouped by key partition: one worker per
// group, each group in ingestion-sequence order. Disjoint keys proceed
// in parallel; same-key rows always land in the same group.
func (n *Normalizer) runPhase(ctx context.Context, recs []*model.RawRecord) ([]rowResult, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	groups := make(map[int][]*model.RawRecord)
	for _, rec := range recs {
		stripe := partition.For(rec.Row().Key())
		groups[stripe] = append(groups[stripe], rec)
	}

	var (
		mu      sync.Mutex
		results []rowResult
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(n.workers)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			sort.Slice(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })
			winners, local := resolveBatchDuplicates(group)
			for _, rec := range winners {
				res, err := n.processRecord(ctx, rec)
				if err != nil {
					return err
				}
				local = append(local, res)
			}
			mu.Lock()
			results = append(results, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// resolveBatchDuplicates applies last-write-wins among rows of one group
// that share a primary key, before any store access. Exactly one row per
// key survives; each loser is reported DuplicateKeyResolved.
func resolveBatchDuplicates(group []*model.RawRecord) ([]*model.RawRecord, []rowResult) {
	byKey := make(map[string]*model.RawRecord)
	var order []string
	var losers []rowResult
	for _, rec := range group {
		key := rec.Row().Key()
		cur, seen := byKey[key]
		if !seen {
			byKey[key] = rec
			order = append(order, key)
			continue
		}
		loser := rec
		if supersedes(rec, cur) {
			loser = cur
			byKey[key] = rec
		}
		losers = append(losers, rowResult{outcome: Outcome{
			Kind: loser.Kind, Key: key, Seq: loser.Seq,
			Status: StatusDeduplicated, Reason: verrors.ReasonDuplicateResolved,
		}})
	}

	winners := make([]*model.RawRecord, 0, len(order))
	for _, key := range order {
		winners = append(winners, byKey[key])
	}
	return winners, losers
}

// supersedes reports whether a beats b for the same key: later event
// date wins; a date tie goes to the higher ingestion sequence.
func supersedes(a, b *model.RawRecord) bool {
	ad, bd := a.Row().EventDate(), b.Row().EventDate()
	if !ad.Equal(bd) {
		return ad.After(bd)
	}
	return a.Seq > b.Seq
}

func (n *Normalizer) processRecord(ctx context.Context, rec *model.RawRecord) (rowResult, error) {
	row := rec.Row()
	outcome := Outcome{Kind: rec.Kind, Key: row.Key(), Seq: rec.Seq}

	reason, err := n.validate(ctx, rec)
	if err != nil {
		return rowResult{}, err
	}
	if reason != "" {
		outcome.Status = StatusRejected
		outcome.Reason = reason
		return rowResult{outcome: outcome}, nil
	}

	row = n.derive(row)

	stripe := partition.For(row.Key())
	n.locks[stripe].Lock()
	defer n.locks[stripe].Unlock()

	existing, err := n.records.Get(ctx, rec.Kind, row.Key())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return rowResult{}, fmt.Errorf("reading %s %q: %w", rec.Kind, row.Key(), err)
	}

	// Last-write-wins: the later event date wins; a date tie goes to
	// the later-ingested row — and any stored row was by definition
	// ingested before this one.
	if existing != nil && existing.EventDate().After(row.EventDate()) {
		outcome.Status = StatusDeduplicated
		outcome.Reason = verrors.ReasonDuplicateResolved
		return rowResult{outcome: outcome}, nil
	}

	prev, err := n.records.Put(ctx, row)
	if err != nil {
		return rowResult{}, fmt.Errorf("writing %s %q: %w", rec.Kind, row.Key(), err)
	}

	outcome.Status = StatusAccepted
	if prev != nil {
		slog.Debug("Duplicate key resolved",
			"kind", rec.Kind, "key", row.Key(), "winner_seq", rec.Seq)
	}
	return rowResult{
		outcome: outcome,
		delta:   &pipeline.Delta{Kind: rec.Kind, Key: row.Key(), Old: prev, New: row, Seq: rec.Seq},
	}, nil
}

// validate applies the required-field rules. It returns a reason code,
// or "" when the row is acceptable. A store failure during reference
// checks is not a data problem and comes back as an error instead.
func (n *Normalizer) validate(ctx context.Context, rec *model.RawRecord) (string, error) {
	switch rec.Kind {
	case model.KindPatient:
		p := rec.Patient
		if p.DateOfBirth.IsZero() {
			return verrors.ReasonMissingDateOfBirth, nil
		}
		if p.Gender == "" {
			return verrors.ReasonMissingGender, nil
		}
		if p.AdmissionDate.IsZero() {
			return verrors.ReasonMissingEventDate, nil
		}

	case model.KindTransaction:
		t := rec.Transaction
		if t.PatientID == "" {
			return verrors.ReasonMissingPatientRef, nil
		}
		if t.TransactionDate.IsZero() {
			return verrors.ReasonMissingEventDate, nil
		}
		ok, err := n.patientExists(ctx, t.PatientID)
		if err != nil {
			return "", err
		}
		if !ok {
			return verrors.ReasonUnknownPatient, nil
		}

	case model.KindProcedure:
		p := rec.Procedure
		if p.PatientID == "" {
			return verrors.ReasonMissingPatientRef, nil
		}
		if p.ProcedureDate.IsZero() {
			return verrors.ReasonMissingEventDate, nil
		}
		if p.Cost.IsNegative() {
			return verrors.ReasonNegativeCost, nil
		}
		ok, err := n.patientExists(ctx, p.PatientID)
		if err != nil {
			return "", err
		}
		if !ok {
			return verrors.ReasonUnknownPatient, nil
		}
	}
	return "", nil
}

func (n *Normalizer) patientExists(ctx context.Context, patientID string) (bool, error) {
	_, err := n.records.Get(ctx, model.KindPatient, patientID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking patient %q: %w", patientID, err)
	}
	return true, nil
}

// derive recomputes derived attributes on an accepted row. The caller's
// struct is never mutated; derivation works on a copy.
func (n *Normalizer) derive(row model.Row) model.Row {
	p, ok := row.(*model.Patient)
	if !ok {
		return row
	}
	cp := *p
	cp.Age = n.age(cp.DateOfBirth, cp.AdmissionDate)
	return &cp
}
