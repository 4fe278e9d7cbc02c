package registry

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"faceforge/internal/blob"
	"faceforge/internal/storage"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.Store, *blob.FS, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs := blob.NewMem()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, blobs, clk, time.Hour, logger), store, blobs, clk
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 100, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestRegisterTemporary(t *testing.T) {
	reg, _, blobs, clk := newTestRegistry(t)
	ctx := context.Background()

	data := pngBytes(t, 80, 60)
	rec, err := reg.Register(ctx, data, storage.RoleSourcePhoto, storage.LifetimeTemporary, "grp")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.Width != 80 || rec.Height != 60 || rec.ByteSize != int64(len(data)) {
		t.Fatalf("metadata mismatch: %+v", rec)
	}
	if !strings.HasPrefix(rec.StorageKey, "sources/") {
		t.Fatalf("unexpected storage key %q", rec.StorageKey)
	}
	want := clk.Now().UTC().Add(time.Hour)
	if rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(want) {
		t.Fatalf("expiry = %v, want %v", rec.ExpiresAt, want)
	}

	stored, err := blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		t.Fatalf("blob get: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Fatal("stored blob differs from input")
	}
}

func TestRegisterPermanentHasNoExpiry(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	rec, err := reg.Register(context.Background(), pngBytes(t, 10, 10), storage.RoleResult, storage.LifetimePermanent, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.ExpiresAt != nil {
		t.Fatalf("permanent resource has expiry %v", rec.ExpiresAt)
	}
	if !strings.HasPrefix(rec.StorageKey, "results/") {
		t.Fatalf("unexpected storage key %q", rec.StorageKey)
	}
}

func TestRegisterRejectsGarbage(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), []byte("not an image"), storage.RoleSourcePhoto, storage.LifetimeTemporary, "")
	var verr *storage.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
}

func TestRegisterPair(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, pngBytes(t, 10, 10), storage.RoleSourcePhoto, storage.LifetimeTemporary, "grp")
	if err != nil {
		t.Fatalf("register first: %v", err)
	}
	second, err := reg.Register(ctx, pngBytes(t, 10, 10), storage.RoleSourcePhoto, storage.LifetimeTemporary, "grp")
	if err != nil {
		t.Fatalf("register second: %v", err)
	}

	pair, err := reg.RegisterPair(ctx, first.ID, second.ID, "grp")
	if err != nil {
		t.Fatalf("register pair: %v", err)
	}
	if pair.FirstResourceID != first.ID || pair.SecondResourceID != second.ID {
		t.Fatalf("pair mismatch: %+v", pair)
	}

	// Missing ids collect into one NotFoundError.
	_, err = reg.RegisterPair(ctx, "res_a", "res_b", "")
	if !storage.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	// Non-source roles are refused.
	tplRes, err := reg.Register(ctx, pngBytes(t, 10, 10), storage.RoleTemplateOriginal, storage.LifetimePermanent, "")
	if err != nil {
		t.Fatalf("register template resource: %v", err)
	}
	if _, err := reg.RegisterPair(ctx, first.ID, tplRes.ID, ""); err == nil {
		t.Fatal("pairing a template resource should fail")
	}
}

func TestDeleteRefusesActiveUse(t *testing.T) {
	reg, _, blobs, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := reg.Register(ctx, pngBytes(t, 10, 10), storage.RoleSourcePhoto, storage.LifetimeTemporary, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	err = reg.Delete(ctx, rec.ID, func(id string) (bool, error) { return true, nil })
	if !storage.IsConflict(err) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if exists, _ := blobs.Exists(ctx, rec.StorageKey); !exists {
		t.Fatal("blob removed despite refused delete")
	}

	if err := reg.Delete(ctx, rec.ID, func(id string) (bool, error) { return false, nil }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if exists, _ := blobs.Exists(ctx, rec.StorageKey); exists {
		t.Fatal("blob survived delete")
	}
	if _, err := reg.Get(ctx, rec.ID); !storage.IsNotFound(err) {
		t.Fatalf("record survived delete: %v", err)
	}
}

func TestLoadReturnsRecordAndBytes(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	data := pngBytes(t, 16, 16)
	rec, err := reg.Register(ctx, data, storage.RoleTemplateOriginal, storage.LifetimePermanent, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	got, gotData, err := reg.Load(ctx, rec.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ID != rec.ID || !bytes.Equal(gotData, data) {
		t.Fatal("load mismatch")
	}
}
