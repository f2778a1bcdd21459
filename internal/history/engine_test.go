package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/verity-health/verity/internal/core/model"
)

func proc(id, patient string, d int, referral string) *model.Procedure {
	return &model.Procedure{
		ProcedureID:        id,
		PatientID:          patient,
		ProcedureDate:      time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC),
		ProcedureCode:      "CPT-" + id,
		Cost:               decimal.NewFromInt(100),
		PerformingDoctorID: "D1",
		ReferralPatientID:  referral,
	}
}

func TestHistory_OrderedByDateThenID(t *testing.T) {
	e := NewEngine(0)
	e.Upsert(nil, proc("PR3", "P1", 5, ""))
	e.Upsert(nil, proc("PR1", "P1", 2, ""))
	e.Upsert(nil, proc("PR2", "P1", 2, ""))

	res, err := e.History(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, res.Nodes, 3)
	require.Equal(t, []string{"PR1", "PR2", "PR3"}, ids(res.Nodes))
	require.Empty(t, res.Warnings)
}

func TestHistory_FollowsReferrals(t *testing.T) {
	e := NewEngine(0)
	e.Upsert(nil, proc("PR1", "P1", 1, "P2"))
	e.Upsert(nil, proc("PR2", "P2", 3, ""))

	res, err := e.History(context.Background(), "P1")
	require.NoError(t, err)
	require.Equal(t, []string{"PR1", "PR2"}, ids(res.Nodes))
}

func TestHistory_CycleDetectedAndTerminates(t *testing.T) {
	e := NewEngine(0)
	// P1 -> P2 -> P1: an artificially introduced cycle.
	e.Upsert(nil, proc("PR1", "P1", 1, "P2"))
	e.Upsert(nil, proc("PR2", "P2", 2, "P1"))

	res, err := e.History(context.Background(), "P1")
	require.NoError(t, err)
	require.Equal(t, []string{"PR1", "PR2"}, ids(res.Nodes))
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "CycleDetected")
}

func TestHistory_SelfReferralIsACycle(t *testing.T) {
	e := NewEngine(0)
	e.Upsert(nil, proc("PR1", "P1", 1, "P1"))

	res, err := e.History(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	require.Len(t, res.Warnings, 1)
}

func TestHistory_TraversalLimitAborts(t *testing.T) {
	e := NewEngine(3)
	for i := 0; i < 5; i++ {
		e.Upsert(nil, proc(fmt.Sprintf("PR%d", i), "P1", i+1, ""))
	}
	_, err := e.History(context.Background(), "P1")
	require.ErrorIs(t, err, ErrTraversalLimit)
}

func TestHistory_HonorsCancellation(t *testing.T) {
	e := NewEngine(0)
	e.Upsert(nil, proc("PR1", "P1", 1, ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.History(ctx, "P1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestUpsertAndRemove(t *testing.T) {
	e := NewEngine(0)
	old := proc("PR1", "P1", 1, "")
	e.Upsert(nil, old)

	// Superseding row replaces, not duplicates.
	updated := proc("PR1", "P1", 4, "")
	e.Upsert(old, updated)
	res, err := e.History(context.Background(), "P1")
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	require.Equal(t, updated.ProcedureDate, res.Nodes[0].ProcedureDate)

	e.Remove(updated)
	res, err = e.History(context.Background(), "P1")
	require.NoError(t, err)
	require.Empty(t, res.Nodes)
}

func ids(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ProcedureID
	}
	return out
}
