package postgres

// SQL queries for canonical record storage

const (
	// queryGetRecord fetches one canonical row by (kind, key).
	queryGetRecord = `
		SELECT payload
		FROM records
		WHERE kind = $1 AND key = $2
	`

	// queryUpsertRecord replaces the canonical row for a key. The engine
	// resolves last-write-wins before calling Put, so the upsert is
	// unconditional.
	queryUpsertRecord = `
		INSERT INTO records (kind, key, payload, event_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, key) DO UPDATE
		SET payload = EXCLUDED.payload,
		    event_date = EXCLUDED.event_date,
		    updated_at = now()
	`

	// queryDeleteRecord removes a row and returns what was stored, so the
	// caller can emit a retraction delta.
	queryDeleteRecord = `
		DELETE FROM records
		WHERE kind = $1 AND key = $2
		RETURNING payload
	`

	// queryScanRecords streams every row of one kind in key order. Used
	// for startup replay and view-row reconciliation.
	queryScanRecords = `
		SELECT payload
		FROM records
		WHERE kind = $1
		ORDER BY key ASC
	`
)
