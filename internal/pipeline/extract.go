package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/verity-health/verity/internal/core/model"
)

// groupKeySeparator joins the parts of a composite group-by key.
const groupKeySeparator = "|"

// groupKey resolves the rollup group key for row. A "patient." prefix
// joins through the row's patient reference against the current patient
// record in the store.
func (p *Pipeline) groupKey(ctx context.Context, fields []string, row model.Row) (string, error) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		if rest, ok := strings.CutPrefix(f, "patient."); ok {
			patient, err := p.patientOf(ctx, row)
			if err != nil {
				return "", err
			}
			v, err := fieldString(patient, rest)
			if err != nil {
				return "", err
			}
			parts[i] = v
			continue
		}
		v, err := fieldString(row, f)
		if err != nil {
			return "", err
		}
		parts[i] = v
	}
	return strings.Join(parts, groupKeySeparator), nil
}

func (p *Pipeline) patientOf(ctx context.Context, row model.Row) (*model.Patient, error) {
	var patientID string
	switch r := row.(type) {
	case *model.Patient:
		return r, nil
	case *model.Transaction:
		patientID = r.PatientID
	case *model.Procedure:
		patientID = r.PatientID
	default:
		return nil, fmt.Errorf("row kind %q has no patient reference", row.RowKind())
	}

	got, err := p.records.Get(ctx, model.KindPatient, patientID)
	if err != nil {
		return nil, fmt.Errorf("resolving patient %q: %w", patientID, err)
	}
	return got.(*model.Patient), nil
}

func fieldString(row model.Row, name string) (string, error) {
	switch r := row.(type) {
	case *model.Patient:
		switch name {
		case "patient_id":
			return r.PatientID, nil
		case "gender":
			return r.Gender, nil
		case "insurance_provider":
			return r.InsuranceProvider, nil
		case "diagnosis_code":
			return r.DiagnosisCode, nil
		}
	case *model.Transaction:
		switch name {
		case "transaction_id":
			return r.TransactionID, nil
		case "patient_id":
			return r.PatientID, nil
		case "transaction_type":
			return r.TransactionType, nil
		}
	case *model.Procedure:
		switch name {
		case "procedure_id":
			return r.ProcedureID, nil
		case "patient_id":
			return r.PatientID, nil
		case "procedure_code":
			return r.ProcedureCode, nil
		case "performing_doctor_id":
			return r.PerformingDoctorID, nil
		}
	}
	return "", fmt.Errorf("kind %q has no group field %q", row.RowKind(), name)
}

// fieldDecimal resolves a rollup value field. An empty name yields zero,
// for count-only rollups with no natural value.
func fieldDecimal(row model.Row, name string) (decimal.Decimal, error) {
	if name == "" {
		return decimal.Zero, nil
	}
	switch r := row.(type) {
	case *model.Patient:
		if name == "age" {
			return decimal.NewFromInt(int64(r.Age)), nil
		}
	case *model.Transaction:
		if name == "amount" {
			return r.Amount, nil
		}
	case *model.Procedure:
		if name == "cost" {
			return r.Cost, nil
		}
	}
	return decimal.Zero, fmt.Errorf("kind %q has no value field %q", row.RowKind(), name)
}

func fieldTime(row model.Row, name string) (time.Time, error) {
	switch r := row.(type) {
	case *model.Patient:
		if name == "admission_date" {
			return r.AdmissionDate, nil
		}
	case *model.Transaction:
		if name == "transaction_date" {
			return r.TransactionDate, nil
		}
	case *model.Procedure:
		if name == "procedure_date" {
			return r.ProcedureDate, nil
		}
	}
	return time.Time{}, fmt.Errorf("kind %q has no ordering field %q", row.RowKind(), name)
}
