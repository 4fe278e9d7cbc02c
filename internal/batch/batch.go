package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"faceforge/internal/mapping"
	"faceforge/internal/storage"
	"faceforge/internal/tasks"
)

// State is the derived batch lifecycle. It is never stored; Status
// recomputes it from child task states on every read.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

const resolveConcurrency = 4

// Status is the externally visible batch aggregate. The counters
// always equal the count of child tasks in the corresponding states.
type Status struct {
	ID              string     `json:"batch_id"`
	State           State      `json:"state"`
	TotalTasks      int        `json:"total_tasks"`
	CompletedTasks  int        `json:"completed_tasks"`
	FailedTasks     int        `json:"failed_tasks"`
	CanceledTasks   int        `json:"canceled_tasks"`
	ProgressPercent float64    `json:"progress_percent"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Orchestrator fans a multi-template request into individually tracked
// tasks, aggregates their states and packages completed results.
type Orchestrator struct {
	store *storage.Store
	queue tasks.Queue
	clk   clock.Clock
	log   *slog.Logger
}

// New builds an orchestrator. queue may be nil for read-only use
// (status and listing); Create and Cancel require it.
func New(store *storage.Store, queue tasks.Queue, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, queue: queue, clk: clk, log: logger}
}

// Create validates the request, resolves a mapping per unique template
// and creates the batch with one task per template, all-or-nothing: no
// task rows exist if any validation or resolution fails. Tasks are
// enqueued for execution after the transaction commits.
func (o *Orchestrator) Create(ctx context.Context, sourcePairID string, templateIDs []string, spec mapping.Spec) (*storage.BatchRecord, error) {
	if len(templateIDs) == 0 {
		return nil, &storage.ValidationError{Reason: "template ids cannot be empty"}
	}

	// Collapse duplicates, preserving first-occurrence order.
	seen := mapset.NewThreadUnsafeSet[string]()
	var unique []string
	for _, id := range templateIDs {
		if seen.Add(id) {
			unique = append(unique, id)
		}
	}

	if _, err := o.store.GetSourcePair(sourcePairID); err != nil {
		return nil, err
	}
	missing, err := o.store.MissingTemplates(unique)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &storage.NotFoundError{Kind: "template", IDs: missing}
	}

	// The same spec goes to every template; each may still resolve to
	// a different concrete mapping in default mode.
	resolved := make([]mapping.Resolved, len(unique))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, tid := range unique {
		g.Go(func() error {
			tpl, err := o.store.GetTemplate(tid)
			if err != nil {
				return err
			}
			r, err := mapping.Resolve(tpl.Faces, tpl.Preprocessing == storage.PreprocessCompleted, spec)
			if err != nil {
				return fmt.Errorf("template %s: %w", tid, err)
			}
			resolved[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := o.clk.Now().UTC()
	batch := &storage.BatchRecord{
		ID:           storage.NewBatchID(),
		SourcePairID: sourcePairID,
		TemplateIDs:  unique,
		CreatedAt:    now,
	}
	taskRecs := make([]storage.TaskRecord, len(unique))
	for i, tid := range unique {
		taskRecs[i] = storage.TaskRecord{
			ID:           storage.NewTaskID(),
			BatchID:      batch.ID,
			SourcePairID: sourcePairID,
			TemplateID:   tid,
			Mapping:      resolved[i],
			State:        storage.TaskPending,
			CreatedAt:    now,
		}
	}
	if err := o.store.CreateBatchWithTasks(batch, taskRecs); err != nil {
		return nil, err
	}

	for _, t := range taskRecs {
		if err := o.queue.EnqueueSwap(t.ID); err != nil {
			// The row exists and stays pending; a queue drain or
			// restart picks it up via cancel/resubmit flows.
			o.log.Warn("swap queue full, task left pending", "task", t.ID, "batch", batch.ID)
		}
	}

	o.log.Info("batch created", "batch", batch.ID, "tasks", len(taskRecs),
		"duplicates_removed", len(templateIDs)-len(unique))
	return batch, nil
}

// CreateTask creates a standalone task: a batch of one, conceptually,
// with no batch id.
func (o *Orchestrator) CreateTask(ctx context.Context, sourcePairID, templateID string, spec mapping.Spec) (*storage.TaskRecord, error) {
	if _, err := o.store.GetSourcePair(sourcePairID); err != nil {
		return nil, err
	}
	tpl, err := o.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	resolved, err := mapping.Resolve(tpl.Faces, tpl.Preprocessing == storage.PreprocessCompleted, spec)
	if err != nil {
		return nil, err
	}

	rec := &storage.TaskRecord{
		ID:           storage.NewTaskID(),
		SourcePairID: sourcePairID,
		TemplateID:   templateID,
		Mapping:      resolved,
		State:        storage.TaskPending,
		CreatedAt:    o.clk.Now().UTC(),
	}
	if err := o.store.InsertTask(rec); err != nil {
		return nil, err
	}
	if err := o.queue.EnqueueSwap(rec.ID); err != nil {
		o.log.Warn("swap queue full, task left pending", "task", rec.ID)
	}
	return rec, nil
}

// TaskStatus is a pure read of one task.
func (o *Orchestrator) TaskStatus(taskID string) (*storage.TaskRecord, error) {
	return o.store.GetTask(taskID)
}

// Status recomputes the batch aggregate by scanning child task states.
// When every child is terminal and the batch has no completion time
// yet, it is stamped idempotently.
func (o *Orchestrator) Status(ctx context.Context, batchID string) (*Status, error) {
	b, err := o.store.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	counts, err := o.store.TaskStateCounts(batchID)
	if err != nil {
		return nil, err
	}
	return o.buildStatus(b, counts)
}

func (o *Orchestrator) buildStatus(b *storage.BatchRecord, counts map[storage.TaskState]int) (*Status, error) {
	total := 0
	for _, n := range counts {
		total += n
	}
	completed := counts[storage.TaskCompleted]
	failed := counts[storage.TaskFailed]
	canceled := counts[storage.TaskCanceled]
	terminal := completed + failed + canceled

	st := &Status{
		ID:             b.ID,
		TotalTasks:     total,
		CompletedTasks: completed,
		FailedTasks:    failed,
		CanceledTasks:  canceled,
		CreatedAt:      b.CreatedAt,
		CompletedAt:    b.CompletedAt,
	}
	if total > 0 {
		st.ProgressPercent = math.Round(float64(terminal)/float64(total)*10000) / 100
	}

	switch {
	case terminal == total:
		switch {
		case completed > 0:
			st.State = StateCompleted
		case canceled == total:
			st.State = StateCanceled
		default:
			st.State = StateFailed
		}
		if b.CompletedAt == nil {
			now := o.clk.Now().UTC()
			if err := o.store.StampBatchCompleted(b.ID, now); err != nil {
				return nil, err
			}
			st.CompletedAt = &now
		}
	case terminal > 0 || counts[storage.TaskRunning] > 0:
		st.State = StateProcessing
	default:
		st.State = StatePending
	}
	return st, nil
}

// Tasks lists the batch's child tasks in creation order.
func (o *Orchestrator) Tasks(ctx context.Context, batchID string) ([]storage.TaskRecord, error) {
	if _, err := o.store.GetBatch(batchID); err != nil {
		return nil, err
	}
	return o.store.TasksByBatch(batchID)
}

// Cancel requests cancellation of every child task still pending or
// running; terminal children are untouched. It returns the number of
// cancellations requested immediately; callers poll Status to observe
// actual termination.
func (o *Orchestrator) Cancel(ctx context.Context, batchID string) (int, error) {
	children, err := o.Tasks(ctx, batchID)
	if err != nil {
		return 0, err
	}

	requested := 0
	for _, t := range children {
		switch t.State {
		case storage.TaskPending:
			ok, err := o.store.CancelPendingTask(t.ID)
			if err != nil {
				return requested, err
			}
			if !ok {
				// Picked up between the read and the update; fall back
				// to the cooperative signal.
				o.queue.CancelSwap(t.ID)
			}
			requested++
		case storage.TaskRunning:
			o.queue.CancelSwap(t.ID)
			requested++
		}
	}
	o.log.Info("batch cancellation requested", "batch", batchID, "tasks", requested)
	return requested, nil
}

// ResultItem pairs one completed task with its result resource.
type ResultItem struct {
	TemplateID   string
	TemplateName string
	TaskID       string
	Resource     *storage.ResourceRecord
}

// CollectResults returns one item per child task in completed state.
func (o *Orchestrator) CollectResults(ctx context.Context, batchID string) ([]ResultItem, error) {
	children, err := o.Tasks(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var items []ResultItem
	for _, t := range children {
		if t.State != storage.TaskCompleted || t.ResultResourceID == "" {
			continue
		}
		res, err := o.store.GetResource(t.ResultResourceID)
		if err != nil {
			o.log.Warn("result resource missing", "task", t.ID, "resource", t.ResultResourceID, "error", err)
			continue
		}
		name := "template_" + t.TemplateID
		if tpl, err := o.store.GetTemplate(t.TemplateID); err == nil {
			name = tpl.Name
		}
		items = append(items, ResultItem{
			TemplateID:   t.TemplateID,
			TemplateName: name,
			TaskID:       t.ID,
			Resource:     res,
		})
	}
	return items, nil
}

// List pages through batches, most recent first, optionally filtered
// by derived state.
func (o *Orchestrator) List(ctx context.Context, stateFilter State, limit, offset int) ([]Status, error) {
	recs, err := o.store.ListBatches(limit, offset)
	if err != nil {
		return nil, err
	}

	var out []Status
	for i := range recs {
		counts, err := o.store.TaskStateCounts(recs[i].ID)
		if err != nil {
			return nil, err
		}
		st, err := o.buildStatus(&recs[i], counts)
		if err != nil {
			return nil, err
		}
		if stateFilter != "" && st.State != stateFilter {
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}
