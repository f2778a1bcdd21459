package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the logical table a row belongs to.
type Kind string

const (
	KindPatient     Kind = "patient"
	KindTransaction Kind = "transaction"
	KindProcedure   Kind = "procedure"
	KindViewRow     Kind = "view_row"
)

// ValidKind reports whether k names an ingestible entity kind.
// KindViewRow is storage-internal and never accepted on ingestion.
func ValidKind(k Kind) bool {
	return k == KindPatient || k == KindTransaction || k == KindProcedure
}

// Row is a typed record addressable by (Kind, Key) in the record store.
type Row interface {
	Key() string
	RowKind() Kind

	// EventDate is the clinical/financial date used for last-write-wins
	// dedup: the row with the later EventDate wins its key.
	EventDate() time.Time
}

// Patient is a demographic and admission record.
// PatientID is immutable once assigned. Age is derived — recomputed from
// DateOfBirth and AdmissionDate on every accepted write, never trusted
// from input.
type Patient struct {
	PatientID         string    `json:"patient_id"`
	Name              string    `json:"name"`
	DateOfBirth       time.Time `json:"date_of_birth"`
	Gender            string    `json:"gender"`
	Address           string    `json:"address,omitempty"`
	InsuranceProvider string    `json:"insurance_provider"`
	AdmissionDate     time.Time `json:"admission_date"`
	DischargeDate     time.Time `json:"discharge_date,omitempty"`
	DiagnosisCode     string    `json:"diagnosis_code,omitempty"`
	Age               int       `json:"age"`
}

func (p *Patient) Key() string          { return p.PatientID }
func (p *Patient) RowKind() Kind        { return KindPatient }
func (p *Patient) EventDate() time.Time { return p.AdmissionDate }

// Transaction is a signed financial event attributed to a patient.
type Transaction struct {
	TransactionID   string          `json:"transaction_id"`
	PatientID       string          `json:"patient_id"`
	TransactionDate time.Time       `json:"transaction_date"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionType string          `json:"transaction_type"`
}

func (t *Transaction) Key() string          { return t.TransactionID }
func (t *Transaction) RowKind() Kind        { return KindTransaction }
func (t *Transaction) EventDate() time.Time { return t.TransactionDate }

// Procedure is a clinical event with a non-negative cost.
// ReferralPatientID optionally links to a follow-up patient; it is the
// edge the treatment-history traversal expands.
type Procedure struct {
	ProcedureID        string          `json:"procedure_id"`
	PatientID          string          `json:"patient_id"`
	ProcedureDate      time.Time       `json:"procedure_date"`
	ProcedureCode      string          `json:"procedure_code"`
	Description        string          `json:"description,omitempty"`
	Cost               decimal.Decimal `json:"cost"`
	PerformingDoctorID string          `json:"performing_doctor_id"`
	ReferralPatientID  string          `json:"referral_patient_id,omitempty"`
}

func (p *Procedure) Key() string          { return p.ProcedureID }
func (p *Procedure) RowKind() Kind        { return KindProcedure }
func (p *Procedure) EventDate() time.Time { return p.ProcedureDate }

// RawRecord is the ingestion envelope: one typed row tagged with its kind
// and a monotonically increasing ingestion sequence number. Seq breaks
// dedup ties deterministically — never arbitrary row order.
type RawRecord struct {
	Kind Kind  `json:"kind"`
	Seq  int64 `json:"-"`

	Patient     *Patient     `json:"patient,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Procedure   *Procedure   `json:"procedure,omitempty"`
}

// Row returns the typed row carried by the envelope, or nil if the
// envelope is malformed for its declared kind.
func (r *RawRecord) Row() Row {
	switch r.Kind {
	case KindPatient:
		if r.Patient != nil {
			return r.Patient
		}
	case KindTransaction:
		if r.Transaction != nil {
			return r.Transaction
		}
	case KindProcedure:
		if r.Procedure != nil {
			return r.Procedure
		}
	}
	return nil
}

// Validate ensures the envelope is well-formed: a known kind with exactly
// the matching payload set. Field-level validation belongs to the
// normalizer; this only guards the envelope shape.
func (r *RawRecord) Validate() error {
	if !ValidKind(r.Kind) {
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	row := r.Row()
	if row == nil {
		return fmt.Errorf("record kind %q has no %s payload", r.Kind, r.Kind)
	}
	if row.Key() == "" {
		return fmt.Errorf("record kind %q has an empty primary key", r.Kind)
	}
	return nil
}
