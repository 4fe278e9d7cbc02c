package tasks

// Queue is the work-queue surface the preprocessing and swap
// components need from the pipeline. The pipeline package implements
// it; tests substitute stubs.
type Queue interface {
	// EnqueuePreprocess queues one preprocessing run for a template.
	EnqueuePreprocess(templateID string) error
	// EnqueueSwap queues one swap task execution.
	EnqueueSwap(taskID string) error
	// CancelSwap requests cooperative cancellation of a queued or
	// running swap task.
	CancelSwap(taskID string)
	// SwapCanceled reports whether cancellation was requested for the
	// task. Checked by the executor at its checkpoints.
	SwapCanceled(taskID string) bool
}
