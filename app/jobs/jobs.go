// Package jobs implements the background job registry and the smart-async runner.
// A job is a tracked unit of background work with a status record mirrored to disk.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job
type Status string

// job statuses, transitions are monotonic: pending -> running -> terminal
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a string to Status, fails on unknown values
func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(v), nil
	}
	return "", fmt.Errorf("unknown job status %q", v)
}

// Progress is the {current, total, message} snapshot a running job may publish
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Record is the persisted metadata of a single job. Result and Error are
// mutually exclusive, both nil/empty until the job settles.
type Record struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      any        `json:"result,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`

	cancel context.CancelFunc // task handle, owned by the registry entry, never serialized
}

// registry errors, callers should check with errors.Is
var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("job in terminal state")
)

// Registry is the single source of truth for job existence and state.
// All mutations are serialized by the mutex and mirrored to a JSON file,
// the mirror is best-effort and write failures never propagate to callers.
type Registry struct {
	location string
	mu       sync.Mutex
	jobs     map[string]*Record
}

// NewRegistry makes a registry persisting under location/meta/jobs.json and
// loads previously saved records. Jobs left in running state by a previous
// process are reclassified to failed as their tasks no longer exist.
func NewRegistry(location string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(location, "meta"), 0o700); err != nil {
		return nil, fmt.Errorf("can't make registry location %s: %w", location, err)
	}
	r := &Registry{location: location, jobs: map[string]*Record{}}
	r.load()
	return r, nil
}

func (r *Registry) metaFile() string { return filepath.Join(r.location, "meta", "jobs.json") }

// Create inserts a pending record and persists. The cancel handle is invoked
// on Cancel to signal the underlying task, may be nil.
func (r *Registry) Create(label string, cancel context.CancelFunc) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &Record{ID: uuid.New().String(), Label: label, Status: StatusPending, CreatedAt: time.Now(), cancel: cancel}
	r.jobs[rec.ID] = rec
	r.save()
	return *rec
}

// CreateRunning inserts a record already in running state, used when work was
// detached from a synchronous wait and had started before the record existed.
// There is no pending phase, started_at is the detachment time.
func (r *Registry) CreateRunning(label string, cancel context.CancelFunc) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	rec := &Record{ID: uuid.New().String(), Label: label, Status: StatusRunning,
		CreatedAt: now, StartedAt: &now, cancel: cancel}
	r.jobs[rec.ID] = rec
	r.save()
	return *rec
}

// Get returns a snapshot of the record or ErrNotFound
func (r *Registry) Get(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Record{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return *rec, nil
}

// List returns record snapshots newest-first, optionally filtered by status,
// truncated to limit. Zero or negative limit means no truncation.
func (r *Registry) List(statusFilter Status, limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if statusFilter != "" && rec.Status != statusFilter {
			continue
		}
		res = append(res, *rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

// Update applies mutate to the record and persists. The mutator runs under the
// registry lock and must not call back into the registry.
func (r *Registry) Update(id string, mutate func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	mutate(rec)
	r.save()
	return nil
}

// Cancel requests cancellation of the job's task and marks the record
// cancelled. The request is cooperative, a task ignoring its context keeps
// running even though the record already reads cancelled. Fails with
// ErrNotFound for unknown ids and ErrInvalidState for settled jobs.
func (r *Registry) Cancel(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Record{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if rec.Status.IsTerminal() {
		return *rec, fmt.Errorf("job %s is %s: %w", id, rec.Status, ErrInvalidState)
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	now := time.Now()
	rec.Status = StatusCancelled
	rec.CompletedAt = &now
	r.save()
	log.Printf("[INFO] job %s (%s) cancelled", id, rec.Label)
	return *rec, nil
}

// Prune removes terminal records older than maxAge. Completed records are
// removed unless keepCompleted, failed unless keepFailed. Pending, running and
// cancelled records are never pruned. Returns removed and remaining counts.
func (r *Registry) Prune(keepCompleted, keepFailed bool, maxAge time.Duration) (removed, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for id, rec := range r.jobs {
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if (rec.Status == StatusCompleted && !keepCompleted) || (rec.Status == StatusFailed && !keepFailed) {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.save()
		log.Printf("[INFO] pruned %d jobs, %d left", removed, len(r.jobs))
	}
	return removed, len(r.jobs)
}

// save writes all records to the mirror file, caller must hold the lock.
// failures logged only, in-memory state stays authoritative
func (r *Registry) save() {
	data, err := json.Marshal(r.recordsLocked())
	if err != nil {
		log.Printf("[WARN] can't marshal jobs: %v", err)
		return
	}
	if err := os.WriteFile(r.metaFile(), data, 0o600); err != nil {
		log.Printf("[WARN] can't save jobs to %s: %v", r.metaFile(), err)
	}
}

func (r *Registry) recordsLocked() []Record {
	res := make([]Record, 0, len(r.jobs))
	for _, rec := range r.jobs {
		res = append(res, *rec)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res
}

// load reads the mirror file. Missing file means empty registry, unparseable
// file logs a warning and starts empty as well.
func (r *Registry) load() {
	data, err := os.ReadFile(r.metaFile())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WARN] can't read %s: %v", r.metaFile(), err)
		}
		return
	}

	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		log.Printf("[WARN] failed to load jobs from %s: %v", r.metaFile(), err)
		return
	}

	for i := range recs {
		rec := recs[i]
		if rec.Status == StatusRunning { // task handle gone with the old process
			now := time.Now()
			rec.Status = StatusFailed
			rec.Error = "server restarted while job was running"
			rec.CompletedAt = &now
		}
		r.jobs[rec.ID] = &rec
	}
	log.Printf("[INFO] loaded %d jobs from %s", len(r.jobs), r.metaFile())
}
