package errors

// Row-level rejection reason codes reported in NormalizationReport entries.
// Each rejected row carries exactly one code; the batch continues.
const (
	ReasonMissingDateOfBirth = "missing_date_of_birth"
	ReasonMissingGender      = "missing_gender"
	ReasonMissingPatientRef  = "missing_patient_ref"
	ReasonUnknownPatient     = "unknown_patient"
	ReasonNegativeCost       = "negative_cost"
	ReasonMissingEventDate   = "missing_event_date"
	ReasonBadEnvelope        = "bad_envelope"

	// ReasonDuplicateResolved is informational, not a rejection: the row
	// lost a last-write-wins tie and exactly one live row was kept.
	ReasonDuplicateResolved = "duplicate_key_resolved"
)

// HTTP error types returned in the ErrorResponse envelope.
const (
	HttpInternalError         = "internal_error"
	HttpInvalidJsonError      = "invalid_json"
	HttpInvalidParameterError = "invalid_parameter"
	HttpUnknownRollupError    = "unknown_rollup"
	HttpUnknownViewError      = "unknown_view"
	HttpUnknownSeriesError    = "unknown_series"
	HttpTraversalLimitError   = "traversal_limit_exceeded"
	HttpStorageError          = "storage_unavailable"
)

// ErrorResponse is the error response body for API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
