package rollup

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/verity-health/verity/internal/core/model"
)

func dec(i int64) *decimal.Decimal {
	d := decimal.NewFromInt(i)
	return &d
}

func defineRevenue(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine()
	require.NoError(t, e.Define(Definition{
		Name:    "revenue_by_provider",
		Kind:    model.KindTransaction,
		GroupBy: []string{"patient.insurance_provider"},
		Value:   "amount",
		Metrics: []string{MetricSum, MetricCount, MetricAvg},
	}))
	return e
}

func TestEngine_ApplyDeltaInsertUpdateDelete(t *testing.T) {
	e := defineRevenue(t)

	// Insert 100, insert 50, update 50 -> 70, delete 100.
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Acme", nil, dec(100)))
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Acme", nil, dec(50)))
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Acme", dec(50), dec(70)))
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Acme", dec(100), nil))

	entries, err := e.Query("revenue_by_provider")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Sum.Equal(decimal.NewFromInt(70)))
	require.Equal(t, int64(1), entries[0].Count)
	require.True(t, entries[0].Metrics[MetricAvg].Equal(decimal.NewFromInt(70)))
}

func TestEngine_DeleteLastRowDropsGroup(t *testing.T) {
	e := defineRevenue(t)
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Acme", nil, dec(10)))
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Acme", dec(10), nil))

	entries, err := e.Query("revenue_by_provider")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestEngine_QueryOrderingDeterministic(t *testing.T) {
	e := defineRevenue(t)
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Zenith", nil, dec(200)))
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Acme", nil, dec(200)))
	require.NoError(t, e.ApplyDelta("revenue_by_provider", "Beacon", nil, dec(500)))

	entries, err := e.Query("revenue_by_provider")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Primary metric descending; equal sums tie-break by key ascending.
	require.Equal(t, "Beacon", entries[0].Key)
	require.Equal(t, "Acme", entries[1].Key)
	require.Equal(t, "Zenith", entries[2].Key)
}

func TestEngine_MatchesFromScratchRecompute(t *testing.T) {
	e := defineRevenue(t)

	type op struct {
		key      string
		old, new *decimal.Decimal
	}
	ops := []op{
		{"Acme", nil, dec(10)},
		{"Acme", nil, dec(20)},
		{"Beacon", nil, dec(5)},
		{"Acme", dec(20), dec(25)},
		{"Beacon", dec(5), nil},
		{"Beacon", nil, dec(7)},
		{"Acme", nil, dec(-3)},
	}
	live := make(map[string][]decimal.Decimal)
	for _, o := range ops {
		require.NoError(t, e.ApplyDelta("revenue_by_provider", o.key, o.old, o.new))
		if o.old != nil {
			vals := live[o.key]
			for i, v := range vals {
				if v.Equal(*o.old) {
					live[o.key] = append(vals[:i], vals[i+1:]...)
					break
				}
			}
		}
		if o.new != nil {
			live[o.key] = append(live[o.key], *o.new)
		}
	}

	entries, err := e.Query("revenue_by_provider")
	require.NoError(t, err)
	for _, entry := range entries {
		want := decimal.Zero
		for _, v := range live[entry.Key] {
			want = want.Add(v)
		}
		require.True(t, entry.Sum.Equal(want), "key %s: got %s want %s", entry.Key, entry.Sum, want)
		require.Equal(t, int64(len(live[entry.Key])), entry.Count)
	}
}

func TestEngine_OutliersUseCurrentGlobalMean(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Define(Definition{
		Name:    "cost_by_patient",
		Kind:    model.KindProcedure,
		GroupBy: []string{"patient_id"},
		Value:   "cost",
		Metrics: []string{MetricSum},
	}))

	// Costs [10,10,10,100] for one patient: global mean 32.5,
	// threshold 2x = 65, patient sum 130 > 65.
	for _, c := range []int64{10, 10, 10, 100} {
		require.NoError(t, e.ApplyDelta("cost_by_patient", "P1", nil, dec(c)))
	}
	out, err := e.Outliers("cost_by_patient", decimal.NewFromInt(2))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "P1", out[0].Key)
	require.True(t, out[0].Sum.Equal(decimal.NewFromInt(130)))

	// Removing the 100-cost row moves the mean; P1 (30) no longer
	// exceeds 2 x 10 = 20... it does: 30 > 20. Drop two more rows to
	// land under the threshold and prove the mean is not cached.
	require.NoError(t, e.ApplyDelta("cost_by_patient", "P1", dec(100), nil))
	require.NoError(t, e.ApplyDelta("cost_by_patient", "P1", dec(10), nil))
	require.NoError(t, e.ApplyDelta("cost_by_patient", "P1", dec(10), nil))
	out, err = e.Outliers("cost_by_patient", decimal.NewFromInt(2))
	require.NoError(t, err)
	require.Empty(t, out) // sum 10 vs threshold 20
}

func TestEngine_VarianceMetric(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.Define(Definition{
		Name:    "cost_spread",
		Kind:    model.KindProcedure,
		GroupBy: []string{"procedure_code"},
		Value:   "cost",
		Metrics: []string{MetricVariance},
	}))
	for _, c := range []int64{2, 4, 4, 4, 5, 5, 7, 9} {
		require.NoError(t, e.ApplyDelta("cost_spread", "CPT-1", nil, dec(c)))
	}
	entries, err := e.Query("cost_spread")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// Known population variance of that sequence is 4.
	require.True(t, entries[0].Metrics[MetricVariance].Equal(decimal.NewFromInt(4)),
		"got %s", entries[0].Metrics[MetricVariance])
}

func TestEngine_UnknownRollupIsFatal(t *testing.T) {
	e := NewEngine()
	err := e.ApplyDelta("nope", "k", nil, dec(1))
	require.ErrorIs(t, err, ErrUnknownRollup)
	_, err = e.Query("nope")
	require.ErrorIs(t, err, ErrUnknownRollup)
}

func TestEngine_DefineRejectsBadDefinitions(t *testing.T) {
	e := NewEngine()
	require.Error(t, e.Define(Definition{Name: "", GroupBy: []string{"x"}}))
	require.Error(t, e.Define(Definition{Name: "r", GroupBy: nil}))
	require.Error(t, e.Define(Definition{Name: "r", GroupBy: []string{"x"}, Metrics: []string{"median"}}))
	require.NoError(t, e.Define(Definition{Name: "r", Kind: model.KindTransaction, GroupBy: []string{"x"}, Metrics: []string{MetricSum}}))
	require.Error(t, e.Define(Definition{Name: "r", Kind: model.KindTransaction, GroupBy: []string{"x"}}))
}
