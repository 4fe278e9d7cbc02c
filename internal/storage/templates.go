package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"faceforge/internal/engine"
)

// PreprocessingState is the template preprocessing lifecycle.
type PreprocessingState string

const (
	PreprocessNotStarted PreprocessingState = "not_started"
	PreprocessPending    PreprocessingState = "pending"
	PreprocessProcessing PreprocessingState = "processing"
	PreprocessCompleted  PreprocessingState = "completed"
	PreprocessFailed     PreprocessingState = "failed"
)

// TemplateRecord is one template image with its preprocessing output.
// Faces is empty until preprocessing completes; MaskedResourceID is
// set iff completed; ErrorDetail is set iff failed.
type TemplateRecord struct {
	ID                 string
	Name               string
	OriginalResourceID string
	Preprocessing      PreprocessingState
	Faces              []engine.FaceObservation
	MaskedResourceID   string
	ErrorDetail        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateTemplate registers a new template over an already-registered
// original resource, with preprocessing not started.
func (s *Store) CreateTemplate(name, originalResourceID string) (*TemplateRecord, error) {
	now := s.clk.Now().UTC()
	rec := &TemplateRecord{
		ID:                 NewTemplateID(),
		Name:               name,
		OriginalResourceID: originalResourceID,
		Preprocessing:      PreprocessNotStarted,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	_, err := s.DB.Exec(`INSERT INTO templates (id, name, original_resource_id, preprocessing, faces_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, '[]', ?, ?);`,
		rec.ID, rec.Name, rec.OriginalResourceID, string(rec.Preprocessing), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return rec, nil
}

// GetTemplate loads one template or a NotFoundError.
func (s *Store) GetTemplate(id string) (*TemplateRecord, error) {
	var rec TemplateRecord
	var state, facesJSON string
	var masked, errDetail sql.NullString
	err := s.DB.QueryRow(`SELECT id, name, original_resource_id, preprocessing, faces_json, masked_resource_id, error_detail, created_at, updated_at
        FROM templates WHERE id=?;`, id).
		Scan(&rec.ID, &rec.Name, &rec.OriginalResourceID, &state, &facesJSON, &masked, &errDetail, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "template", IDs: []string{id}}
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	rec.Preprocessing = PreprocessingState(state)
	rec.MaskedResourceID = masked.String
	rec.ErrorDetail = errDetail.String
	if err := json.Unmarshal([]byte(facesJSON), &rec.Faces); err != nil {
		return nil, fmt.Errorf("unmarshal faces for template %s: %w", id, err)
	}
	return &rec, nil
}

// ListTemplates returns every template, newest first.
func (s *Store) ListTemplates() ([]TemplateRecord, error) {
	rows, err := s.DB.Query(`SELECT id FROM templates ORDER BY created_at DESC, id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recs := make([]TemplateRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetTemplate(id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// MissingTemplates returns, in input order, the ids with no template
// row.
func (s *Store) MissingTemplates(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.DB.Query(`SELECT id FROM templates WHERE id IN (`+placeholders+`);`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// MarkTemplatePending claims a template for preprocessing. The guarded
// update only fires from not_started or failed, which is what makes
// Submit idempotent: a second call while pending or processing changes
// nothing and reports false.
func (s *Store) MarkTemplatePending(id string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE templates SET preprocessing=?, error_detail=NULL, updated_at=? WHERE id=? AND preprocessing IN (?, ?);`,
		string(PreprocessPending), s.clk.Now().UTC(), id, string(PreprocessNotStarted), string(PreprocessFailed))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimTemplateProcessing moves pending -> processing at pickup.
func (s *Store) ClaimTemplateProcessing(id string) (bool, error) {
	res, err := s.DB.Exec(`UPDATE templates SET preprocessing=?, updated_at=? WHERE id=? AND preprocessing=?;`,
		string(PreprocessProcessing), s.clk.Now().UTC(), id, string(PreprocessPending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteTemplate persists the detected faces and masked resource and
// marks preprocessing completed.
func (s *Store) CompleteTemplate(id string, faces []engine.FaceObservation, maskedResourceID string) error {
	if faces == nil {
		faces = []engine.FaceObservation{}
	}
	facesJSON, err := json.Marshal(faces)
	if err != nil {
		return fmt.Errorf("marshal faces: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE templates SET preprocessing=?, faces_json=?, masked_resource_id=?, error_detail=NULL, updated_at=? WHERE id=?;`,
		string(PreprocessCompleted), string(facesJSON), maskedResourceID, s.clk.Now().UTC(), id)
	return err
}

// FailTemplate records a preprocessing failure; faces stay empty.
func (s *Store) FailTemplate(id, detail string) error {
	_, err := s.DB.Exec(`UPDATE templates SET preprocessing=?, faces_json='[]', masked_resource_id=NULL, error_detail=?, updated_at=? WHERE id=?;`,
		string(PreprocessFailed), detail, s.clk.Now().UTC(), id)
	return err
}

// ResetTemplate atomically clears face and mask data and moves the
// template back to pending, for administrative re-preprocessing. The
// previous masked resource id is returned so the caller can reclaim
// its storage.
func (s *Store) ResetTemplate(id string) (string, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var masked sql.NullString
	err = tx.QueryRow(`SELECT masked_resource_id FROM templates WHERE id=?;`, id).Scan(&masked)
	if err == sql.ErrNoRows {
		return "", &NotFoundError{Kind: "template", IDs: []string{id}}
	}
	if err != nil {
		return "", err
	}
	_, err = tx.Exec(`UPDATE templates SET preprocessing=?, faces_json='[]', masked_resource_id=NULL, error_detail=NULL, updated_at=? WHERE id=?;`,
		string(PreprocessPending), s.clk.Now().UTC(), id)
	if err != nil {
		return "", err
	}
	return masked.String, tx.Commit()
}
