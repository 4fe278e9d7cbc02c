package tasks

import (
	"context"
	"strings"
	"testing"

	"faceforge/internal/engine"
	"faceforge/internal/mapping"
	"faceforge/internal/storage"
)

// stubSwapper returns the target unchanged, or a fixed error.
type stubSwapper struct {
	err   error
	calls int
}

func (s *stubSwapper) Swap(ctx context.Context, sourceFace, target []byte, targetFaceIndex int) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return target, nil
}

// newSwapTask builds a pair, a preprocessed template and one pending
// task mapping both sources onto it.
func newSwapTask(f *fixture, t *testing.T) *storage.TaskRecord {
	t.Helper()
	ctx := context.Background()

	first, err := f.reg.Register(ctx, pngBytes(t, 64, 64), storage.RoleSourcePhoto, storage.LifetimeTemporary, "grp")
	if err != nil {
		t.Fatalf("register first source: %v", err)
	}
	second, err := f.reg.Register(ctx, pngBytes(t, 64, 64), storage.RoleSourcePhoto, storage.LifetimeTemporary, "grp")
	if err != nil {
		t.Fatalf("register second source: %v", err)
	}
	pair, err := f.reg.RegisterPair(ctx, first.ID, second.ID, "grp")
	if err != nil {
		t.Fatalf("register pair: %v", err)
	}

	pre := NewPreprocessor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, f.log)
	pre.Bind(&stubQueue{})
	tpl := f.newTemplate(t, "city")
	if _, err := pre.Submit(tpl.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := pre.Run(ctx, tpl.ID); err != nil {
		t.Fatalf("preprocess: %v", err)
	}

	task := &storage.TaskRecord{
		ID:           storage.NewTaskID(),
		SourcePairID: pair.ID,
		TemplateID:   tpl.ID,
		Mapping: mapping.Resolved{Rules: []mapping.Rule{
			{SourceRole: mapping.RoleFirst, SourceFaceIndex: 0, TargetFaceIndex: 0},
			{SourceRole: mapping.RoleSecond, SourceFaceIndex: 0, TargetFaceIndex: 1},
		}},
		State:     storage.TaskPending,
		CreatedAt: f.clk.Now().UTC(),
	}
	if err := f.store.InsertTask(task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	return task
}

func TestExecuteCompletesTask(t *testing.T) {
	f := newFixture(t)
	swapper := &stubSwapper{}
	exec := NewExecutor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, swapper, f.log)
	exec.Bind(&stubQueue{})

	task := newSwapTask(f, t)
	if err := exec.Execute(context.Background(), task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != storage.TaskCompleted || got.Progress != 100 {
		t.Fatalf("task not completed: %+v", got)
	}
	if swapper.calls != 2 {
		t.Fatalf("swap called %d times, want 2", swapper.calls)
	}

	res, err := f.store.GetResource(got.ResultResourceID)
	if err != nil {
		t.Fatalf("get result resource: %v", err)
	}
	if res.Role != storage.RoleResult || res.Lifetime != storage.LifetimePermanent {
		t.Fatalf("result resource mismatch: %+v", res)
	}
	if exists, _ := f.blobs.Exists(context.Background(), res.StorageKey); !exists {
		t.Fatal("result blob missing")
	}
}

func TestExecuteSwapFailureFailsTask(t *testing.T) {
	f := newFixture(t)
	exec := NewExecutor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()},
		&stubSwapper{err: &engine.SwapError{Reason: "render rejected"}}, f.log)
	exec.Bind(&stubQueue{})

	task := newSwapTask(f, t)
	if err := exec.Execute(context.Background(), task.ID); err == nil {
		t.Fatal("expected swap error")
	}

	got, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != storage.TaskFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if !strings.Contains(got.ErrorDetail, "render rejected") {
		t.Fatalf("error detail %q missing cause", got.ErrorDetail)
	}
	if got.ResultResourceID != "" {
		t.Fatal("failed task has a result resource")
	}
}

func TestExecuteOutOfRangeSourceFace(t *testing.T) {
	f := newFixture(t)
	// The analyzer sees only one face in each donor photo but the rule
	// asks for index 3.
	oneFace := []engine.FaceObservation{{Index: 0, Box: engine.BoundingBox{X: 4, Y: 4, Width: 16, Height: 16}, Gender: engine.GenderMale}}
	exec := NewExecutor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: oneFace}, &stubSwapper{}, f.log)
	exec.Bind(&stubQueue{})

	task := newSwapTask(f, t)
	task.Mapping.Rules[0].SourceFaceIndex = 3
	fresh := *task
	fresh.ID = storage.NewTaskID()
	if err := f.store.InsertTask(&fresh); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	if err := exec.Execute(context.Background(), fresh.ID); err == nil {
		t.Fatal("expected out-of-range error")
	}
	got, err := f.store.GetTask(fresh.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != storage.TaskFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
}

func TestExecuteCanceledBeforePickup(t *testing.T) {
	f := newFixture(t)
	exec := NewExecutor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, &stubSwapper{}, f.log)
	exec.Bind(&stubQueue{})

	task := newSwapTask(f, t)
	if ok, err := f.store.CancelPendingTask(task.ID); err != nil || !ok {
		t.Fatalf("cancel pending: ok=%v err=%v", ok, err)
	}

	// Execute must not claim or touch the canceled task.
	if err := exec.Execute(context.Background(), task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != storage.TaskCanceled {
		t.Fatalf("state = %s, want canceled", got.State)
	}
}

func TestExecuteObservesCancelCheckpoint(t *testing.T) {
	f := newFixture(t)
	swapper := &stubSwapper{}
	exec := NewExecutor(f.store, f.reg, f.blobs, &stubAnalyzer{faces: twoFaces()}, swapper, f.log)
	q := &stubQueue{}
	exec.Bind(q)

	task := newSwapTask(f, t)
	q.CancelSwap(task.ID)

	if err := exec.Execute(context.Background(), task.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != storage.TaskCanceled {
		t.Fatalf("state = %s, want canceled", got.State)
	}
	if got.ErrorDetail != "canceled by user" {
		t.Fatalf("error detail = %q", got.ErrorDetail)
	}
	if swapper.calls != 0 {
		t.Fatalf("swap ran %d times after cancellation", swapper.calls)
	}
}
