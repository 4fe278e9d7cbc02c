package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"faceforge/internal/tasks"
)

// router implements Processor and routes jobs to their concrete
// handlers. Handler errors have already been converted to template or
// task state; the returned Result carries them for logging only.
type router struct {
	log  *slog.Logger
	pre  preprocessRunner
	exec swapRunner
}

type preprocessRunner interface {
	Run(ctx context.Context, templateID string) error
}

type swapRunner interface {
	Execute(ctx context.Context, taskID string) error
}

func newRouter(logger *slog.Logger, pre *tasks.Preprocessor, exec *tasks.Executor) Processor {
	return &router{log: logger, pre: pre, exec: exec}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Kind {
	case JobPreprocess:
		return Result{Job: job, Error: r.pre.Run(ctx, job.TemplateID)}
	case JobSwap:
		return Result{Job: job, Error: r.exec.Execute(ctx, job.TaskID)}
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job kind: %s", job.Kind)}
	}
}
