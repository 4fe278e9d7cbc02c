package registry

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"faceforge/internal/blob"
	"faceforge/internal/storage"
)

// ReferenceCheck reports whether a resource is still referenced by a
// non-terminal task. Delete refuses while the check reports true.
type ReferenceCheck func(id string) (bool, error)

// Registry tracks every stored image with its role and lifetime. It
// owns the pairing of blob and record: registration writes both,
// deletion removes both.
type Registry struct {
	store   *storage.Store
	blobs   blob.Store
	clk     clock.Clock
	log     *slog.Logger
	tempTTL time.Duration
}

// New builds a registry. tempTTL is the default expiry applied to
// temporary resources at registration.
func New(store *storage.Store, blobs blob.Store, clk clock.Clock, tempTTL time.Duration, logger *slog.Logger) *Registry {
	return &Registry{store: store, blobs: blobs, clk: clk, log: logger, tempTTL: tempTTL}
}

func categoryFor(role storage.ResourceRole) string {
	switch role {
	case storage.RoleSourcePhoto:
		return "sources"
	case storage.RoleTemplateOriginal:
		return "templates"
	case storage.RoleTemplateMasked:
		return "masks"
	case storage.RoleResult:
		return "results"
	default:
		return "misc"
	}
}

func extFor(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "gif":
		return ".gif"
	default:
		return ".png"
	}
}

// Register decodes dimensions, writes the blob under a generated key
// and inserts the record. Temporary resources get the default expiry.
func (r *Registry) Register(ctx context.Context, data []byte, role storage.ResourceRole, lifetime storage.Lifetime, groupTag string) (*storage.ResourceRecord, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &storage.ValidationError{Reason: fmt.Sprintf("unsupported image data: %v", err)}
	}

	now := r.clk.Now().UTC()
	sum := sha1.Sum(data)
	key := fmt.Sprintf("%s/%d_%s%s", categoryFor(role), now.UnixNano(), hex.EncodeToString(sum[:4]), extFor(format))

	rec := &storage.ResourceRecord{
		ID:         storage.NewResourceID(),
		StorageKey: key,
		Width:      cfg.Width,
		Height:     cfg.Height,
		ByteSize:   int64(len(data)),
		Lifetime:   lifetime,
		GroupTag:   groupTag,
		Role:       role,
		CreatedAt:  now,
	}
	if lifetime == storage.LifetimeTemporary {
		expires := now.Add(r.tempTTL)
		rec.ExpiresAt = &expires
	}

	if err := r.blobs.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}
	if err := r.store.InsertResource(rec); err != nil {
		// Keep blob and record paired even on the failure path.
		if derr := r.blobs.Delete(ctx, key); derr != nil {
			r.log.Warn("orphaned blob after failed insert", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("insert resource: %w", err)
	}

	r.log.Debug("resource registered",
		"id", rec.ID, "role", role, "lifetime", lifetime,
		"size", rec.ByteSize, "dims", fmt.Sprintf("%dx%d", rec.Width, rec.Height))
	return rec, nil
}

// RegisterPair records two already-registered source photos as one
// source pair.
func (r *Registry) RegisterPair(ctx context.Context, firstID, secondID, groupTag string) (*storage.SourcePairRecord, error) {
	var missing []string
	for _, id := range []string{firstID, secondID} {
		rec, err := r.store.GetResource(id)
		if storage.IsNotFound(err) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Role != storage.RoleSourcePhoto {
			return nil, &storage.ValidationError{Reason: fmt.Sprintf("resource %s has role %s, want %s", id, rec.Role, storage.RoleSourcePhoto)}
		}
	}
	if len(missing) > 0 {
		return nil, &storage.NotFoundError{Kind: "resource", IDs: missing}
	}

	rec := &storage.SourcePairRecord{
		ID:               storage.NewPairID(),
		FirstResourceID:  firstID,
		SecondResourceID: secondID,
		GroupTag:         groupTag,
		CreatedAt:        r.clk.Now().UTC(),
	}
	if err := r.store.InsertSourcePair(rec); err != nil {
		return nil, fmt.Errorf("insert source pair: %w", err)
	}
	return rec, nil
}

// Get loads a resource record.
func (r *Registry) Get(ctx context.Context, id string) (*storage.ResourceRecord, error) {
	return r.store.GetResource(id)
}

// Load returns both the record and the blob bytes.
func (r *Registry) Load(ctx context.Context, id string) (*storage.ResourceRecord, []byte, error) {
	rec, err := r.store.GetResource(id)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	return rec, data, nil
}

// MarkPermanent exempts a resource from expiry sweeps.
func (r *Registry) MarkPermanent(ctx context.Context, id string) error {
	return r.store.MarkResourcePermanent(id)
}

// Delete removes blob and record. inUse is the caller-supplied active
// reference check; a ConflictError is returned while it reports true.
func (r *Registry) Delete(ctx context.Context, id string, inUse ReferenceCheck) error {
	rec, err := r.store.GetResource(id)
	if err != nil {
		return err
	}
	if inUse != nil {
		used, err := inUse(id)
		if err != nil {
			return fmt.Errorf("reference check for %s: %w", id, err)
		}
		if used {
			return &storage.ConflictError{Reason: fmt.Sprintf("resource %s is referenced by an active task", id)}
		}
	}
	if err := r.blobs.Delete(ctx, rec.StorageKey); err != nil && !errors.Is(err, blob.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", rec.StorageKey, err)
	}
	return r.store.DeleteResource(id)
}
