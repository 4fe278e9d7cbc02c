package tasks

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"

	"github.com/disintegration/imaging"

	"faceforge/internal/blob"
	"faceforge/internal/engine"
	"faceforge/internal/registry"
	"faceforge/internal/storage"
)

// Preprocessor runs face detection against templates and persists the
// discovered faces plus a masked variant. Detection and storage errors
// become a failed preprocessing state, never a propagated error; the
// caller re-submits if it wants a retry.
type Preprocessor struct {
	store    *storage.Store
	registry *registry.Registry
	blobs    blob.Store
	analyzer engine.FaceAnalysisEngine
	log      *slog.Logger
	queue    Queue
}

// NewPreprocessor builds a preprocessor. Bind must be called before
// Submit so work can be enqueued.
func NewPreprocessor(store *storage.Store, reg *registry.Registry, blobs blob.Store, analyzer engine.FaceAnalysisEngine, logger *slog.Logger) *Preprocessor {
	return &Preprocessor{store: store, registry: reg, blobs: blobs, analyzer: analyzer, log: logger}
}

// Bind attaches the work queue.
func (p *Preprocessor) Bind(q Queue) { p.queue = q }

// Submit transitions not_started/failed templates to pending and
// enqueues one run. Submitting again while pending or processing is a
// no-op that returns the current state, so double submission produces
// exactly one run.
func (p *Preprocessor) Submit(templateID string) (storage.PreprocessingState, error) {
	tpl, err := p.store.GetTemplate(templateID)
	if err != nil {
		return "", err
	}

	claimed, err := p.store.MarkTemplatePending(templateID)
	if err != nil {
		return "", err
	}
	if !claimed {
		p.log.Debug("preprocess already submitted", "template", templateID, "state", tpl.Preprocessing)
		return tpl.Preprocessing, nil
	}

	if err := p.queue.EnqueuePreprocess(templateID); err != nil {
		// The claim already happened; fail the template so a later
		// Submit can re-claim it.
		_ = p.store.FailTemplate(templateID, fmt.Sprintf("enqueue preprocessing: %v", err))
		return storage.PreprocessFailed, err
	}
	return storage.PreprocessPending, nil
}

// Status is a pure read of the template's preprocessing state.
func (p *Preprocessor) Status(templateID string) (*storage.TemplateRecord, error) {
	return p.store.GetTemplate(templateID)
}

// Reprocess resets a template for administrative re-preprocessing:
// face and mask data are cleared atomically, the old masked resource
// is reclaimed best-effort, and a new run is enqueued.
func (p *Preprocessor) Reprocess(ctx context.Context, templateID string) (storage.PreprocessingState, error) {
	oldMasked, err := p.store.ResetTemplate(templateID)
	if err != nil {
		return "", err
	}
	if oldMasked != "" {
		if err := p.registry.Delete(ctx, oldMasked, p.store.ResourceInActiveUse); err != nil {
			p.log.Warn("could not reclaim previous masked resource", "template", templateID, "resource", oldMasked, "error", err)
		}
	}
	if err := p.queue.EnqueuePreprocess(templateID); err != nil {
		_ = p.store.FailTemplate(templateID, fmt.Sprintf("enqueue preprocessing: %v", err))
		return storage.PreprocessFailed, err
	}
	return storage.PreprocessPending, nil
}

// Run executes one preprocessing pass. Called by the pipeline worker.
func (p *Preprocessor) Run(ctx context.Context, templateID string) error {
	claimed, err := p.store.ClaimTemplateProcessing(templateID)
	if err != nil {
		return err
	}
	if !claimed {
		p.log.Debug("stale preprocess job", "template", templateID)
		return nil
	}

	tpl, err := p.store.GetTemplate(templateID)
	if err != nil {
		return p.fail(templateID, err)
	}
	orig, err := p.store.GetResource(tpl.OriginalResourceID)
	if err != nil {
		return p.fail(templateID, err)
	}
	data, err := p.blobs.Get(ctx, orig.StorageKey)
	if err != nil {
		return p.fail(templateID, err)
	}

	faces, err := p.analyzer.DetectAndClassify(ctx, data)
	if err != nil {
		return p.fail(templateID, err)
	}
	p.log.Info("template analyzed", "template", templateID, "faces", len(faces))

	masked, err := maskFaces(data, faces)
	if err != nil {
		return p.fail(templateID, err)
	}
	maskedRec, err := p.registry.Register(ctx, masked, storage.RoleTemplateMasked, orig.Lifetime, orig.GroupTag)
	if err != nil {
		return p.fail(templateID, err)
	}

	if err := p.store.CompleteTemplate(templateID, faces, maskedRec.ID); err != nil {
		return p.fail(templateID, err)
	}
	return nil
}

func (p *Preprocessor) fail(templateID string, cause error) error {
	if err := p.store.FailTemplate(templateID, cause.Error()); err != nil {
		p.log.Error("could not record preprocessing failure", "template", templateID, "error", err)
	}
	return cause
}

// maskFaces overwrites each detected face's bounding box with a flat
// black fill, clamped to image bounds. No inpainting; the swap engine
// fills the slots later.
func maskFaces(data []byte, faces []engine.FaceObservation) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	out := imaging.Clone(img)
	b := out.Bounds()

	for _, f := range faces {
		x0 := clamp(f.Box.X, 0, b.Dx())
		y0 := clamp(f.Box.Y, 0, b.Dy())
		x1 := clamp(f.Box.X+f.Box.Width, 0, b.Dx())
		y1 := clamp(f.Box.Y+f.Box.Height, 0, b.Dy())
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		fill := imaging.New(x1-x0, y1-y0, color.NRGBA{A: 255})
		out = imaging.Paste(out, fill, image.Pt(x0, y0))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode masked template: %w", err)
	}
	return buf.Bytes(), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
