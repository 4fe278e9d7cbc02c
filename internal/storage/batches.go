package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// BatchRecord groups the tasks fanned out from one request. Counters
// and state are never stored; they are recomputed from child task
// states so the aggregate can never drift.
type BatchRecord struct {
	ID           string
	SourcePairID string
	TemplateIDs  []string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// CreateBatchWithTasks inserts a batch and all of its child tasks in a
// single transaction: either every task row exists when this returns,
// or none do.
func (s *Store) CreateBatchWithTasks(batch *BatchRecord, tasks []TaskRecord) error {
	idsJSON, err := json.Marshal(batch.TemplateIDs)
	if err != nil {
		return fmt.Errorf("marshal template ids: %w", err)
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO batches (id, source_pair_id, template_ids_json, created_at)
        VALUES (?, ?, ?, ?);`,
		batch.ID, batch.SourcePairID, string(idsJSON), batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	for i := range tasks {
		if err := insertTask(tx, &tasks[i]); err != nil {
			return fmt.Errorf("insert task %s: %w", tasks[i].ID, err)
		}
	}
	return tx.Commit()
}

// GetBatch loads one batch or a NotFoundError.
func (s *Store) GetBatch(id string) (*BatchRecord, error) {
	row := s.DB.QueryRow(`SELECT id, source_pair_id, template_ids_json, created_at, completed_at FROM batches WHERE id=?;`, id)
	rec, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "batch", IDs: []string{id}}
	}
	return rec, err
}

func scanBatch(row rowScanner) (*BatchRecord, error) {
	var rec BatchRecord
	var idsJSON string
	var completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.SourcePairID, &idsJSON, &rec.CreatedAt, &completed); err != nil {
		return nil, err
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if err := json.Unmarshal([]byte(idsJSON), &rec.TemplateIDs); err != nil {
		return nil, fmt.Errorf("unmarshal template ids for batch %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// TaskStateCounts scans child task states. This is the authoritative
// source for batch counters.
func (s *Store) TaskStateCounts(batchID string) (map[TaskState]int, error) {
	rows, err := s.DB.Query(`SELECT state, COUNT(*) FROM tasks WHERE batch_id=? GROUP BY state;`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TaskState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[TaskState(state)] = n
	}
	return counts, rows.Err()
}

// StampBatchCompleted sets the batch completion time once; later calls
// are no-ops, so the first writer wins.
func (s *Store) StampBatchCompleted(id string, at time.Time) error {
	_, err := s.DB.Exec(`UPDATE batches SET completed_at=? WHERE id=? AND completed_at IS NULL;`, at, id)
	return err
}

// ListBatches pages through batches, most recent first.
func (s *Store) ListBatches(limit, offset int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(`SELECT id, source_pair_id, template_ids_json, created_at, completed_at
        FROM batches ORDER BY created_at DESC, id LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}
