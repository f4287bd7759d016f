package queries

import "database/sql"

// SubvolumeResult is one row of the subvolume_results table.
type SubvolumeResult struct {
	ID         int64
	RunID      string
	Position   int
	Name       string
	Outcome    string
	Reason     sql.NullString
	BytesSent  int64
	DurationMS int64
}

// InsertResult records the outcome of one subvolume within a run.
func InsertResult(db *sql.DB, r *SubvolumeResult) error {
	_, err := db.Exec(`
		INSERT INTO subvolume_results (run_id, position, name, outcome, reason, bytes_sent, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Position, r.Name, r.Outcome, r.Reason, r.BytesSent, r.DurationMS)
	return err
}

// ListResults returns a run's per-subvolume results in processing order.
func ListResults(db *sql.DB, runID string) ([]*SubvolumeResult, error) {
	rows, err := db.Query(`
		SELECT id, run_id, position, name, outcome, reason, bytes_sent, duration_ms
		FROM subvolume_results
		WHERE run_id = ?
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*SubvolumeResult
	for rows.Next() {
		var r SubvolumeResult
		err := rows.Scan(&r.ID, &r.RunID, &r.Position, &r.Name,
			&r.Outcome, &r.Reason, &r.BytesSent, &r.DurationMS)
		if err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}
