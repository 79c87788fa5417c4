package jobs

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Fn is a unit of work handed to the runner. It gets its own context,
// independent from the caller's, so abandoning the synchronous wait never
// cancels the work. The returned payload must be JSON-serializable.
type Fn func(ctx context.Context) (any, error)

// Detached is returned instead of the direct result when the call switched to
// background execution. Callers discriminate by presence of JobID.
type Detached struct {
	JobID   string `json:"job_id"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Opts are the control parameters a caller may pass with any wrapped call
type Opts struct {
	Async  bool          // launch in background immediately, skip the budget race
	Label  string        // overrides the operation name on the job record
	Budget time.Duration // overrides the runner's default time budget
}

// Runner provides time-budgeted execution with transparent fall-through to
// background jobs. A call either completes synchronously within its budget and
// returns the direct result, or detaches and returns Detached with a job id.
type Runner struct {
	Registry *Registry
	Budget   time.Duration  // default time budget, used when Opts.Budget is zero
	OnSettle func(r Record) // optional, called after a background job reaches a terminal state
}

type outcome struct {
	res any
	err error
}

// Exec is the uniform entry point wrapping both strategies: explicit async
// mode goes straight to Launch, everything else races the budget via Do.
func (r *Runner) Exec(ctx context.Context, op string, opts Opts, fn Fn) (any, error) {
	label := opts.Label
	if label == "" {
		label = op
	}
	if opts.Async {
		return r.Launch(label, fn), nil
	}
	return r.Do(ctx, label, opts.Budget, fn)
}

// Do runs fn racing it against the time budget. The work is launched as an
// independently owned task before the race starts, on timeout only the wait is
// abandoned, never the work: the task keeps running and a record in running
// state tracks it to settlement. Errors before detachment propagate directly
// to the caller and no job record is ever created for them. The caller's
// context is deliberately ignored, the work must survive an abandoned wait.
func (r *Runner) Do(_ context.Context, label string, budget time.Duration, fn Fn) (any, error) {
	if budget <= 0 {
		budget = r.Budget
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(taskCtx)
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case out := <-done:
		cancel()
		return out.res, out.err
	case <-timer.C:
	}

	// the deadline and the completion may fire together, prefer the direct result
	select {
	case out := <-done:
		cancel()
		return out.res, out.err
	default:
	}

	rec := r.Registry.CreateRunning(label, cancel)
	log.Printf("[INFO] %q exceeded %v budget, detached as job %s", label, budget, rec.ID)
	go r.finalize(rec.ID, done)

	return Detached{JobID: rec.ID, Status: StatusRunning,
		Message: fmt.Sprintf("exceeded %v time budget, running in background", budget)}, nil
}

// Launch schedules fn as a background job immediately, bypassing the budget
// race. The returned record starts pending, the task itself flips it to
// running when it begins and to a terminal state on settlement.
func (r *Runner) Launch(label string, fn Fn) Detached {
	taskCtx, cancel := context.WithCancel(context.Background())
	rec := r.Registry.Create(label, cancel)
	taskCtx = WithJobID(taskCtx, rec.ID)

	done := make(chan outcome, 1)
	go func() {
		now := time.Now()
		if err := r.Registry.Update(rec.ID, func(j *Record) {
			if j.Status == StatusPending {
				j.Status = StatusRunning
				j.StartedAt = &now
			}
		}); err != nil {
			log.Printf("[WARN] can't mark job %s running: %v", rec.ID, err)
		}
		res, err := fn(taskCtx)
		done <- outcome{res: res, err: err}
	}()
	go r.finalize(rec.ID, done)

	return Detached{JobID: rec.ID, Status: StatusPending}
}

// finalize waits for the task to settle and records the terminal state.
// A record already terminal (cancelled while running) is left untouched.
func (r *Runner) finalize(id string, done <-chan outcome) {
	out := <-done
	now := time.Now()
	final := false
	err := r.Registry.Update(id, func(rec *Record) {
		if rec.Status.IsTerminal() {
			return
		}
		if out.err != nil {
			rec.Status = StatusFailed
			rec.Error = out.err.Error()
			log.Printf("[WARN] job %s (%s) failed: %v", id, rec.Label, out.err)
		} else {
			rec.Status = StatusCompleted
			rec.Result = out.res
		}
		rec.CompletedAt = &now
		final = true
	})
	if err != nil {
		log.Printf("[WARN] can't finalize job %s: %v", id, err)
		return
	}
	if final && r.OnSettle != nil {
		if rec, e := r.Registry.Get(id); e == nil {
			r.OnSettle(rec)
		}
	}
}
