package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Lifetime tags a resource as permanent or temporary.
type Lifetime string

const (
	LifetimePermanent Lifetime = "permanent"
	LifetimeTemporary Lifetime = "temporary"
)

// ResourceRole identifies what a stored image is used for.
type ResourceRole string

const (
	RoleSourcePhoto      ResourceRole = "source_photo"
	RoleTemplateOriginal ResourceRole = "template_original"
	RoleTemplateMasked   ResourceRole = "template_masked"
	RoleResult           ResourceRole = "result"
)

// ResourceRecord is one stored image regardless of role.
type ResourceRecord struct {
	ID         string
	StorageKey string
	Width      int
	Height     int
	ByteSize   int64
	Lifetime   Lifetime
	ExpiresAt  *time.Time
	GroupTag   string
	Role       ResourceRole
	CreatedAt  time.Time
}

// SourcePairRecord is the two donor photos of one swap request.
type SourcePairRecord struct {
	ID               string
	FirstResourceID  string
	SecondResourceID string
	GroupTag         string
	CreatedAt        time.Time
}

// InsertResource persists a new resource record.
func (s *Store) InsertResource(rec *ResourceRecord) error {
	var expires any
	if rec.ExpiresAt != nil {
		expires = *rec.ExpiresAt
	}
	_, err := s.DB.Exec(`INSERT INTO resources (id, storage_key, width, height, byte_size, lifetime, expires_at, group_tag, role, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.StorageKey, rec.Width, rec.Height, rec.ByteSize, string(rec.Lifetime), expires, rec.GroupTag, string(rec.Role), rec.CreatedAt)
	return err
}

// GetResource loads one resource or a NotFoundError.
func (s *Store) GetResource(id string) (*ResourceRecord, error) {
	row := s.DB.QueryRow(`SELECT id, storage_key, width, height, byte_size, lifetime, expires_at, group_tag, role, created_at
        FROM resources WHERE id=?;`, id)
	rec, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "resource", IDs: []string{id}}
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (*ResourceRecord, error) {
	var rec ResourceRecord
	var lifetime, role string
	var expires sql.NullTime
	var groupTag sql.NullString
	if err := row.Scan(&rec.ID, &rec.StorageKey, &rec.Width, &rec.Height, &rec.ByteSize, &lifetime, &expires, &groupTag, &role, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Lifetime = Lifetime(lifetime)
	rec.Role = ResourceRole(role)
	if expires.Valid {
		rec.ExpiresAt = &expires.Time
	}
	rec.GroupTag = groupTag.String
	return &rec, nil
}

// MarkResourcePermanent flips a resource to permanent and clears its
// expiry.
func (s *Store) MarkResourcePermanent(id string) error {
	res, err := s.DB.Exec(`UPDATE resources SET lifetime=?, expires_at=NULL WHERE id=?;`, string(LifetimePermanent), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "resource", IDs: []string{id}}
	}
	return nil
}

// DeleteResource removes the record only; blob removal is the
// caller's job.
func (s *Store) DeleteResource(id string) error {
	res, err := s.DB.Exec(`DELETE FROM resources WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Kind: "resource", IDs: []string{id}}
	}
	return nil
}

// ExpiredTemporaries returns every temporary resource whose expiry has
// passed, oldest first.
func (s *Store) ExpiredTemporaries(now time.Time) ([]ResourceRecord, error) {
	rows, err := s.DB.Query(`SELECT id, storage_key, width, height, byte_size, lifetime, expires_at, group_tag, role, created_at
        FROM resources WHERE lifetime=? AND expires_at IS NOT NULL AND expires_at < ? ORDER BY expires_at;`,
		string(LifetimeTemporary), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ResourceRecord
	for rows.Next() {
		rec, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

const activeUseQuery = `SELECT COUNT(*) FROM tasks t
        WHERE t.state IN ('pending','running')
          AND (
            EXISTS (SELECT 1 FROM source_pairs p WHERE p.id = t.source_pair_id
                      AND (p.first_resource_id = ?1 OR p.second_resource_id = ?1))
            OR EXISTS (SELECT 1 FROM templates tp WHERE tp.id = t.template_id
                      AND (tp.original_resource_id = ?1 OR tp.masked_resource_id = ?1))
          );`

// ResourceInActiveUse reports whether any non-terminal task references
// the resource through its source pair or its template.
func (s *Store) ResourceInActiveUse(id string) (bool, error) {
	var n int
	if err := s.DB.QueryRow(activeUseQuery, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteResourceIfUnreferenced re-checks active use and deletes the
// record in one transaction, so a task cannot pick the resource up
// between the check and the delete. Returns false when the resource
// is still referenced (or already gone).
func (s *Store) DeleteResourceIfUnreferenced(id string) (bool, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(activeUseQuery, id).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	res, err := tx.Exec(`DELETE FROM resources WHERE id=?;`, id)
	if err != nil {
		return false, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return false, nil
	}
	return true, tx.Commit()
}

// ListResources returns every resource with the given role, newest
// first. An empty role lists everything.
func (s *Store) ListResources(role ResourceRole) ([]ResourceRecord, error) {
	query := `SELECT id, storage_key, width, height, byte_size, lifetime, expires_at, group_tag, role, created_at
        FROM resources`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY created_at DESC;`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ResourceRecord
	for rows.Next() {
		rec, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// AllStorageKeys lists every storage key known to the registry, for
// orphan reconciliation.
func (s *Store) AllStorageKeys() ([]string, error) {
	rows, err := s.DB.Query(`SELECT storage_key FROM resources;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// InsertSourcePair persists a new source pair.
func (s *Store) InsertSourcePair(rec *SourcePairRecord) error {
	_, err := s.DB.Exec(`INSERT INTO source_pairs (id, first_resource_id, second_resource_id, group_tag, created_at)
        VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.FirstResourceID, rec.SecondResourceID, rec.GroupTag, rec.CreatedAt)
	return err
}

// GetSourcePair loads one source pair or a NotFoundError.
func (s *Store) GetSourcePair(id string) (*SourcePairRecord, error) {
	var rec SourcePairRecord
	var groupTag sql.NullString
	err := s.DB.QueryRow(`SELECT id, first_resource_id, second_resource_id, group_tag, created_at
        FROM source_pairs WHERE id=?;`, id).
		Scan(&rec.ID, &rec.FirstResourceID, &rec.SecondResourceID, &groupTag, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "source pair", IDs: []string{id}}
	}
	if err != nil {
		return nil, fmt.Errorf("load source pair: %w", err)
	}
	rec.GroupTag = groupTag.String
	return &rec, nil
}
