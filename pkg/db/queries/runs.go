package queries

import (
	"database/sql"
	"time"
)

// MigrationRun is one row of the migration_runs table.
type MigrationRun struct {
	RunID       string
	Source      string
	Destination string
	Status      string
	Total       int
	Migrated    int
	Failed      int
	Skipped     int
	BytesSent   int64
	StartedAt   time.Time
	FinishedAt  sql.NullTime
}

// InsertRun records the start of a run.
func InsertRun(db *sql.DB, r *MigrationRun) error {
	_, err := db.Exec(`
		INSERT INTO migration_runs (run_id, source, destination, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.RunID, r.Source, r.Destination, r.Status, r.StartedAt.Unix())
	return err
}

// UpdateRun records the final state of a run.
func UpdateRun(db *sql.DB, r *MigrationRun) error {
	var finishedAt any
	if r.FinishedAt.Valid {
		finishedAt = r.FinishedAt.Time.Unix()
	}

	_, err := db.Exec(`
		UPDATE migration_runs
		SET status = ?, total = ?, migrated = ?, failed = ?, skipped = ?, bytes_sent = ?, finished_at = ?
		WHERE run_id = ?
	`, r.Status, r.Total, r.Migrated, r.Failed, r.Skipped, r.BytesSent, finishedAt, r.RunID)
	return err
}

// GetRun loads one run by ID.
func GetRun(db *sql.DB, runID string) (*MigrationRun, error) {
	row := db.QueryRow(`
		SELECT run_id, source, destination, status, total, migrated, failed, skipped, bytes_sent, started_at, finished_at
		FROM migration_runs
		WHERE run_id = ?
	`, runID)
	return scanRun(row.Scan)
}

// ListRuns returns the most recent runs, newest first.
func ListRuns(db *sql.DB, limit int) ([]*MigrationRun, error) {
	rows, err := db.Query(`
		SELECT run_id, source, destination, status, total, migrated, failed, skipped, bytes_sent, started_at, finished_at
		FROM migration_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*MigrationRun
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*MigrationRun, error) {
	var r MigrationRun
	var startedAt int64
	var finishedAt sql.NullInt64

	err := scan(&r.RunID, &r.Source, &r.Destination, &r.Status,
		&r.Total, &r.Migrated, &r.Failed, &r.Skipped, &r.BytesSent,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	r.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		r.FinishedAt = sql.NullTime{Time: time.Unix(finishedAt.Int64, 0), Valid: true}
	}
	return &r, nil
}
