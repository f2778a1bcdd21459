package model

import (
	"encoding/json"
	"time"
)

// ViewRow is one persisted row of a materialized view snapshot. The view
// materializer replaces all rows for a view on refresh; readers never see
// a partially refreshed set.
type ViewRow struct {
	ViewName    string          `json:"view_name"`
	RowKey      string          `json:"row_key"`
	Payload     json.RawMessage `json:"payload"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

func (v *ViewRow) Key() string          { return v.ViewName + "/" + v.RowKey }
func (v *ViewRow) RowKind() Kind        { return KindViewRow }
func (v *ViewRow) EventDate() time.Time { return v.RefreshedAt }
