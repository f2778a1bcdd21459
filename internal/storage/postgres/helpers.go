package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/verity-health/verity/internal/core/model"
)

// encodeRow marshals a canonical row to its JSON payload.
func encodeRow(row model.Row) ([]byte, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s row %q: %w", row.RowKind(), row.Key(), err)
	}
	return payload, nil
}

// decodeRow unmarshals a JSON payload back into the typed row for its kind.
func decodeRow(kind model.Kind, payload []byte) (model.Row, error) {
	var row model.Row
	switch kind {
	case model.KindPatient:
		row = &model.Patient{}
	case model.KindTransaction:
		row = &model.Transaction{}
	case model.KindProcedure:
		row = &model.Procedure{}
	case model.KindViewRow:
		row = &model.ViewRow{}
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	if err := json.Unmarshal(payload, row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s row: %w", kind, err)
	}
	return row, nil
}
