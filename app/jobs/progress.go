package jobs

import (
	"context"

	log "github.com/go-pkgz/lgr"
)

type ctxKey struct{}

// WithJobID binds a job id to the context for the duration of a background
// task's execution. Code running inside the task can then report progress
// without threading the id through every call.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// JobIDFrom returns the job id bound to the context, empty if none
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ReportProgress updates the progress snapshot of the job bound to the
// context and persists. No-op when no job id is bound, i.e. the work still
// runs on the synchronous path and nobody can observe progress anyway.
func (r *Registry) ReportProgress(ctx context.Context, current, total int, message string) {
	id := JobIDFrom(ctx)
	if id == "" {
		return
	}
	err := r.Update(id, func(rec *Record) {
		rec.Progress = &Progress{Current: current, Total: total, Message: message}
	})
	if err != nil {
		log.Printf("[DEBUG] progress report for unknown job %s ignored", id)
	}
}
