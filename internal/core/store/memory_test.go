package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/verity-health/verity/internal/core/model"
)

func TestMemory_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, model.KindPatient, "P1")
	require.ErrorIs(t, err, ErrNotFound)

	p1 := &model.Patient{PatientID: "P1", Gender: "F", DateOfBirth: date(1980, 1, 1)}
	prev, err := m.Put(ctx, p1)
	require.NoError(t, err)
	require.Nil(t, prev)

	got, err := m.Get(ctx, model.KindPatient, "P1")
	require.NoError(t, err)
	require.Equal(t, "P1", got.Key())

	p1b := &model.Patient{PatientID: "P1", Gender: "F", DateOfBirth: date(1980, 1, 1), Name: "Ann"}
	prev, err = m.Put(ctx, p1b)
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.Equal(t, "", prev.(*model.Patient).Name)

	deleted, err := m.Delete(ctx, model.KindPatient, "P1")
	require.NoError(t, err)
	require.Equal(t, "Ann", deleted.(*model.Patient).Name)

	deleted, err = m.Delete(ctx, model.KindPatient, "P1")
	require.NoError(t, err)
	require.Nil(t, deleted)
}

func TestMemory_KindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Put(ctx, &model.Patient{PatientID: "X1", Gender: "M", DateOfBirth: date(1975, 1, 1)})
	require.NoError(t, err)
	_, err = m.Put(ctx, &model.Transaction{TransactionID: "X1", PatientID: "X1", Amount: decimal.NewFromInt(5), TransactionDate: date(2024, 3, 1)})
	require.NoError(t, err)

	got, err := m.Get(ctx, model.KindTransaction, "X1")
	require.NoError(t, err)
	require.Equal(t, model.KindTransaction, got.RowKind())
}

func TestMemory_ScanStopsOnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"T1", "T2", "T3"} {
		_, err := m.Put(ctx, &model.Transaction{TransactionID: id, PatientID: "P1", TransactionDate: date(2024, 1, 1)})
		require.NoError(t, err)
	}

	sentinel := errors.New("stop")
	seen := 0
	err := m.Scan(ctx, model.KindTransaction, func(model.Row) error {
		seen++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, seen)
}

func TestMemory_ScanHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	_, err := m.Put(ctx, &model.Patient{PatientID: "P1", Gender: "F", DateOfBirth: date(1980, 1, 1)})
	require.NoError(t, err)

	cancel()
	err = m.Scan(ctx, model.KindPatient, func(model.Row) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
