package tasks

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"faceforge/internal/blob"
	"faceforge/internal/engine"
	"faceforge/internal/registry"
	"faceforge/internal/storage"
)

type fixture struct {
	store *storage.Store
	reg   *registry.Registry
	blobs *blob.FS
	clk   *clock.Mock
	log   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"), clk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs := blob.NewMem()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store: store,
		reg:   registry.New(store, blobs, clk, time.Hour, log),
		blobs: blobs,
		clk:   clk,
		log:   log,
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 120, G: 80, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (f *fixture) newTemplate(t *testing.T, name string) *storage.TemplateRecord {
	t.Helper()
	res, err := f.reg.Register(context.Background(), pngBytes(t, 64, 64), storage.RoleTemplateOriginal, storage.LifetimePermanent, "")
	if err != nil {
		t.Fatalf("register template image: %v", err)
	}
	tpl, err := f.store.CreateTemplate(name, res.ID)
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tpl
}

func twoFaces() []engine.FaceObservation {
	return []engine.FaceObservation{
		{Index: 0, Box: engine.BoundingBox{X: 4, Y: 4, Width: 16, Height: 16}, Gender: engine.GenderMale, Confidence: 0.95},
		{Index: 1, Box: engine.BoundingBox{X: 32, Y: 4, Width: 16, Height: 16}, Gender: engine.GenderFemale, Confidence: 0.92},
	}
}

func TestSubmitEnqueuesOnce(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, f.log)
	q := &stubQueue{}
	pre.Bind(q)

	tpl := f.newTemplate(t, "city")
	state, err := pre.Submit(tpl.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if state != storage.PreprocessPending {
		t.Fatalf("state = %s, want pending", state)
	}

	// Double submission while pending is a no-op.
	state, err = pre.Submit(tpl.ID)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if state != storage.PreprocessPending {
		t.Fatalf("state = %s, want pending", state)
	}
	if len(q.preprocess) != 1 {
		t.Fatalf("enqueued %d times, want 1", len(q.preprocess))
	}
}

func TestSubmitEnqueueFailureFailsTemplate(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, f.log)
	pre.Bind(&stubQueue{enqueueErr: errors.New("queue full")})

	tpl := f.newTemplate(t, "city")
	if _, err := pre.Submit(tpl.ID); err == nil {
		t.Fatal("expected enqueue error")
	}
	got, err := f.store.GetTemplate(tpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if got.Preprocessing != storage.PreprocessFailed {
		t.Fatalf("state = %s, want failed", got.Preprocessing)
	}
}

func TestRunCompletesTemplate(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, f.log)
	q := &stubQueue{}
	pre.Bind(q)

	tpl := f.newTemplate(t, "city")
	if _, err := pre.Submit(tpl.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := pre.Run(context.Background(), tpl.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := f.store.GetTemplate(tpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if got.Preprocessing != storage.PreprocessCompleted {
		t.Fatalf("state = %s, want completed", got.Preprocessing)
	}
	if len(got.Faces) != 2 || got.MaskedResourceID == "" {
		t.Fatalf("completed template incomplete: %+v", got)
	}

	masked, err := f.store.GetResource(got.MaskedResourceID)
	if err != nil {
		t.Fatalf("get masked resource: %v", err)
	}
	if masked.Role != storage.RoleTemplateMasked {
		t.Fatalf("masked role = %s", masked.Role)
	}
	if exists, _ := f.blobs.Exists(context.Background(), masked.StorageKey); !exists {
		t.Fatal("masked blob missing")
	}
}

func TestRunAnalysisFailureSetsFailedState(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(f.store, f.reg, f.blobs, &stubAnalyzer{err: &engine.AnalysisError{Reason: "model unavailable"}}, f.log)
	pre.Bind(&stubQueue{})

	tpl := f.newTemplate(t, "city")
	if _, err := pre.Submit(tpl.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := pre.Run(context.Background(), tpl.ID); err == nil {
		t.Fatal("expected analysis error")
	}

	got, err := f.store.GetTemplate(tpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if got.Preprocessing != storage.PreprocessFailed || got.ErrorDetail == "" {
		t.Fatalf("failure not recorded: %+v", got)
	}
	if len(got.Faces) != 0 || got.MaskedResourceID != "" {
		t.Fatalf("failed template carries detection data: %+v", got)
	}
}

func TestRunSkipsUnclaimedTemplate(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, f.log)
	pre.Bind(&stubQueue{})

	tpl := f.newTemplate(t, "city")
	// Never submitted: Run must be a no-op, not a failure.
	if err := pre.Run(context.Background(), tpl.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, err := f.store.GetTemplate(tpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if got.Preprocessing != storage.PreprocessNotStarted {
		t.Fatalf("state changed to %s", got.Preprocessing)
	}
}

func TestReprocessClearsOldMask(t *testing.T) {
	f := newFixture(t)
	pre := NewPreprocessor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, f.log)
	q := &stubQueue{}
	pre.Bind(q)

	tpl := f.newTemplate(t, "city")
	if _, err := pre.Submit(tpl.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := pre.Run(context.Background(), tpl.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	completed, err := f.store.GetTemplate(tpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	oldMasked := completed.MaskedResourceID

	state, err := pre.Reprocess(context.Background(), tpl.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if state != storage.PreprocessPending {
		t.Fatalf("state = %s, want pending", state)
	}
	if _, err := f.store.GetResource(oldMasked); !storage.IsNotFound(err) {
		t.Fatalf("old masked resource not reclaimed: %v", err)
	}
	if len(q.preprocess) != 2 {
		t.Fatalf("enqueued %d times, want 2", len(q.preprocess))
	}
}

// stubQueue records enqueues and carries per-task cancel flags.
type stubQueue struct {
	preprocess []string
	swaps      []string
	enqueueErr error
	canceled   map[string]bool
}

func (q *stubQueue) EnqueuePreprocess(templateID string) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.preprocess = append(q.preprocess, templateID)
	return nil
}

func (q *stubQueue) EnqueueSwap(taskID string) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.swaps = append(q.swaps, taskID)
	return nil
}

func (q *stubQueue) CancelSwap(taskID string) {
	if q.canceled == nil {
		q.canceled = make(map[string]bool)
	}
	q.canceled[taskID] = true
}

func (q *stubQueue) SwapCanceled(taskID string) bool { return q.canceled[taskID] }

// stubAnalyzer returns fixed faces or a fixed error.
type stubAnalyzer struct {
	faces []engine.FaceObservation
	err   error
	calls int
}

func (a *stubAnalyzer) DetectAndClassify(ctx context.Context, image []byte) ([]engine.FaceObservation, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.faces, nil
}
