package storage

import (
	"database/sql"
	"fmt"
	"time"

	"faceforge/internal/mapping"
)

// TaskState is the task lifecycle. Completed, failed and canceled are
// terminal and never transition further.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// TaskRecord is one unit of work: a source pair applied to one
// template under one resolved mapping.
type TaskRecord struct {
	ID               string
	BatchID          string
	SourcePairID     string
	TemplateID       string
	Mapping          mapping.Resolved
	State            TaskState
	Progress         int
	ResultResourceID string
	ErrorDetail      string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

func insertTask(ex interface {
	Exec(query string, args ...any) (sql.Result, error)
}, rec *TaskRecord) error {
	mappingJSON, err := json.Marshal(rec.Mapping)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	var batchID any
	if rec.BatchID != "" {
		batchID = rec.BatchID
	}
	_, err = ex.Exec(`INSERT INTO tasks (id, batch_id, source_pair_id, template_id, mapping_json, state, progress, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, batchID, rec.SourcePairID, rec.TemplateID, string(mappingJSON), string(rec.State), rec.Progress, rec.CreatedAt)
	return err
}

// InsertTask persists a standalone task.
func (s *Store) InsertTask(rec *TaskRecord) error {
	return insertTask(s.DB, rec)
}

const taskColumns = `id, batch_id, source_pair_id, template_id, mapping_json, state, progress, result_resource_id, error_detail, created_at, started_at, completed_at`

func scanTask(row rowScanner) (*TaskRecord, error) {
	var rec TaskRecord
	var batchID, resultID, errDetail sql.NullString
	var mappingJSON, state string
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &batchID, &rec.SourcePairID, &rec.TemplateID, &mappingJSON, &state, &rec.Progress, &resultID, &errDetail, &rec.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	rec.BatchID = batchID.String
	rec.State = TaskState(state)
	rec.ResultResourceID = resultID.String
	rec.ErrorDetail = errDetail.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	if err := json.Unmarshal([]byte(mappingJSON), &rec.Mapping); err != nil {
		return nil, fmt.Errorf("unmarshal mapping for task %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// GetTask loads one task or a NotFoundError.
func (s *Store) GetTask(id string) (*TaskRecord, error) {
	row := s.DB.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id=?;`, id)
	rec, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "task", IDs: []string{id}}
	}
	return rec, err
}

// TasksByBatch lists a batch's child tasks in creation order.
func (s *Store) TasksByBatch(batchID string) ([]TaskRecord, error) {
	rows, err := s.DB.Query(`SELECT `+taskColumns+` FROM tasks WHERE batch_id=? ORDER BY created_at, id;`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// ClaimTask moves pending -> running at pickup. The guarded update
// means a task canceled before pickup is never claimed.
func (s *Store) ClaimTask(id string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE tasks SET state=?, started_at=? WHERE id=? AND state=?;`,
		string(TaskRunning), s.clk.Now().UTC(), id, string(TaskPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTaskProgress records progress while running. The guard keeps it
// monotonically non-decreasing and ignores updates for tasks that are
// no longer running.
func (s *Store) SetTaskProgress(id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	_, err := s.DB.Exec(`UPDATE tasks SET progress=? WHERE id=? AND state=? AND progress<=?;`,
		pct, id, string(TaskRunning), pct)
	return err
}

// CompleteTask moves running -> completed with progress exactly 100.
func (s *Store) CompleteTask(id, resultResourceID string) error {
	res, err := s.DB.Exec(`UPDATE tasks SET state=?, progress=100, result_resource_id=?, completed_at=? WHERE id=? AND state=?;`,
		string(TaskCompleted), resultResourceID, s.clk.Now().UTC(), id, string(TaskRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not running", id)
	}
	return nil
}

// FailTask moves running -> failed with a human-readable detail.
func (s *Store) FailTask(id, detail string) error {
	res, err := s.DB.Exec(`UPDATE tasks SET state=?, error_detail=?, completed_at=? WHERE id=? AND state=?;`,
		string(TaskFailed), detail, s.clk.Now().UTC(), id, string(TaskRunning))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not running", id)
	}
	return nil
}

// CancelPendingTask cancels a task that has not been picked up yet.
// Reports false when the task already left pending.
func (s *Store) CancelPendingTask(id string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE tasks SET state=?, error_detail=?, completed_at=? WHERE id=? AND state=?;`,
		string(TaskCanceled), "canceled by user", s.clk.Now().UTC(), id, string(TaskPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelRunningTask finalizes a cooperative cancellation observed by
// the executor at a checkpoint.
func (s *Store) CancelRunningTask(id string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE tasks SET state=?, error_detail=?, completed_at=? WHERE id=? AND state=?;`,
		string(TaskCanceled), "canceled by user", s.clk.Now().UTC(), id, string(TaskRunning))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// StaleResultTasks lists terminal tasks older than cutoff that still
// hold a result resource.
func (s *Store) StaleResultTasks(cutoff time.Time) ([]TaskRecord, error) {
	rows, err := s.DB.Query(`SELECT `+taskColumns+` FROM tasks
        WHERE state IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ? AND result_resource_id IS NOT NULL
        ORDER BY completed_at;`,
		string(TaskCompleted), string(TaskFailed), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// ClearTaskResult detaches the result resource from a task. The task
// row itself is history and is never deleted.
func (s *Store) ClearTaskResult(id string) error {
	_, err := s.DB.Exec(`UPDATE tasks SET result_resource_id=NULL WHERE id=?;`, id)
	return err
}
