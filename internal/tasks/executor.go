package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"faceforge/internal/blob"
	"faceforge/internal/engine"
	"faceforge/internal/mapping"
	"faceforge/internal/registry"
	"faceforge/internal/storage"
)

var errCanceled = errors.New("canceled by user")

// Executor runs one swap task end to end: load the source pair and the
// masked template, detect donor faces, apply each mapping rule through
// the swap engine, and persist a single result resource. Collaborator
// and storage failures become a terminal failed state; cancellation is
// observed cooperatively before each per-rule swap call.
type Executor struct {
	store    *storage.Store
	registry *registry.Registry
	blobs    blob.Store
	analyzer engine.FaceAnalysisEngine
	swapper  engine.FaceSwapEngine
	log      *slog.Logger
	canceled func(taskID string) bool
}

// NewExecutor builds an executor. Bind attaches the cancellation
// signal source before any work runs.
func NewExecutor(store *storage.Store, reg *registry.Registry, blobs blob.Store, analyzer engine.FaceAnalysisEngine, swapper engine.FaceSwapEngine, logger *slog.Logger) *Executor {
	return &Executor{store: store, registry: reg, blobs: blobs, analyzer: analyzer, swapper: swapper, log: logger}
}

// Bind attaches the work queue's cancellation check.
func (e *Executor) Bind(q Queue) { e.canceled = q.SwapCanceled }

func (e *Executor) isCanceled(taskID string) bool {
	return e.canceled != nil && e.canceled(taskID)
}

// Execute claims and runs one task. A task canceled before pickup is
// never claimed and the call is a no-op.
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	claimed, err := e.store.ClaimTask(taskID)
	if err != nil {
		return err
	}
	if !claimed {
		e.log.Debug("task not claimable", "task", taskID)
		return nil
	}

	task, err := e.store.GetTask(taskID)
	if err != nil {
		_ = e.store.FailTask(taskID, err.Error())
		return err
	}

	resultID, err := e.run(ctx, task)
	switch {
	case errors.Is(err, errCanceled):
		if _, cerr := e.store.CancelRunningTask(taskID); cerr != nil {
			e.log.Error("could not record cancellation", "task", taskID, "error", cerr)
		}
		return nil
	case err != nil:
		if ferr := e.store.FailTask(taskID, err.Error()); ferr != nil {
			e.log.Error("could not record task failure", "task", taskID, "error", ferr)
		}
		return err
	default:
		return e.store.CompleteTask(taskID, resultID)
	}
}

func (e *Executor) run(ctx context.Context, task *storage.TaskRecord) (string, error) {
	if e.isCanceled(task.ID) {
		return "", errCanceled
	}

	pair, err := e.store.GetSourcePair(task.SourcePairID)
	if err != nil {
		return "", err
	}
	_, firstData, err := e.registry.Load(ctx, pair.FirstResourceID)
	if err != nil {
		return "", fmt.Errorf("load first source photo: %w", err)
	}
	_, secondData, err := e.registry.Load(ctx, pair.SecondResourceID)
	if err != nil {
		return "", fmt.Errorf("load second source photo: %w", err)
	}

	tpl, err := e.store.GetTemplate(task.TemplateID)
	if err != nil {
		return "", err
	}
	// Prefer the masked variant; an unpreprocessed template swaps
	// against its original.
	targetID := tpl.MaskedResourceID
	if targetID == "" {
		targetID = tpl.OriginalResourceID
	}
	target, working, err := e.registry.Load(ctx, targetID)
	if err != nil {
		return "", fmt.Errorf("load template image: %w", err)
	}
	_ = e.store.SetTaskProgress(task.ID, 10)

	sources := map[mapping.SourceRole][]byte{
		mapping.RoleFirst:  firstData,
		mapping.RoleSecond: secondData,
	}
	faces := make(map[mapping.SourceRole][]engine.FaceObservation)
	for _, rule := range task.Mapping.Rules {
		if _, ok := faces[rule.SourceRole]; ok {
			continue
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		obs, err := e.analyzer.DetectAndClassify(ctx, sources[rule.SourceRole])
		if err != nil {
			return "", fmt.Errorf("analyze %s source photo: %w", rule.SourceRole, err)
		}
		faces[rule.SourceRole] = obs
	}
	_ = e.store.SetTaskProgress(task.ID, 30)

	n := len(task.Mapping.Rules)
	for i, rule := range task.Mapping.Rules {
		// Cancellation checkpoint: a task past its last swap call runs
		// to natural completion.
		if e.isCanceled(task.ID) {
			return "", errCanceled
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		srcFaces := faces[rule.SourceRole]
		if rule.SourceFaceIndex >= len(srcFaces) {
			return "", fmt.Errorf("%s source photo has %d face(s), rule wants index %d",
				rule.SourceRole, len(srcFaces), rule.SourceFaceIndex)
		}
		crop, err := cropFace(sources[rule.SourceRole], srcFaces[rule.SourceFaceIndex])
		if err != nil {
			return "", err
		}
		working, err = e.swapper.Swap(ctx, crop, working, rule.TargetFaceIndex)
		if err != nil {
			return "", err
		}
		_ = e.store.SetTaskProgress(task.ID, 50+40*(i+1)/n)
	}

	res, err := e.registry.Register(ctx, working, storage.RoleResult, storage.LifetimePermanent, pair.GroupTag)
	if err != nil {
		return "", fmt.Errorf("store result: %w", err)
	}
	e.log.Info("swap task rendered", "task", task.ID, "template", task.TemplateID, "rules", n, "result", res.ID, "target_key", target.StorageKey)
	return res.ID, nil
}

// cropFace cuts the observed bounding box out of a source photo.
func cropFace(data []byte, obs engine.FaceObservation) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode source photo: %w", err)
	}
	b := img.Bounds()
	x0 := clamp(obs.Box.X, 0, b.Dx())
	y0 := clamp(obs.Box.Y, 0, b.Dy())
	x1 := clamp(obs.Box.X+obs.Box.Width, 0, b.Dx())
	y1 := clamp(obs.Box.Y+obs.Box.Height, 0, b.Dy())
	if x1 <= x0 || y1 <= y0 {
		return nil, fmt.Errorf("face %d has an empty bounding box", obs.Index)
	}

	crop := imaging.Crop(img, image.Rect(x0, y0, x1, y1))
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, crop, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode face crop: %w", err)
	}
	return buf.Bytes(), nil
}
