package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/scriptd/app/conditions"
	"github.com/umputun/scriptd/app/executor"
	"github.com/umputun/scriptd/app/history"
	"github.com/umputun/scriptd/app/jobs"
	"github.com/umputun/scriptd/app/scripts"
)

// RunRequest is the request body for run endpoints. Script and Path are
// mutually exclusive, for saved-script runs both are ignored.
type RunRequest struct {
	Script      string            `json:"script,omitempty"` // inline script source
	Path        string            `json:"path,omitempty"`   // path to an existing script file
	Args        []string          `json:"args,omitempty"`
	Interpreter string            `json:"interpreter,omitempty"`
	WorkDir     string            `json:"workdir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	EnvFile     string            `json:"env_file,omitempty"`

	TimeoutSec int    `json:"timeout_seconds,omitempty"` // hard deadline for the subprocess
	BudgetSec  int    `json:"budget_seconds,omitempty"`  // synchronous wait budget before detaching
	Async      bool   `json:"async,omitempty"`           // background the run immediately
	Label      string `json:"label,omitempty"`
	Callback   string `json:"callback_url,omitempty"` // posted the job record on settlement

	Conditions conditions.Config `json:"conditions,omitempty"` // host-state gates, checked before launch
}

// BenchmarkRequest is the request body for POST /api/v1/benchmark
type BenchmarkRequest struct {
	RunRequest
	Runs        int `json:"runs"`
	Concurrency int `json:"concurrency,omitempty"`
}

// SaveScriptRequest is the request body for POST /api/v1/scripts
type SaveScriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Interpreter string `json:"interpreter,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Source      string `json:"source"`
}

// ScriptResponse is a saved script with its source
type ScriptResponse struct {
	scripts.Manifest
	Source string `json:"source"`
}

// PruneRequest is the request body for POST /api/v1/jobs/prune. Defaults are
// conservative: both keeps on and a 24h age floor, so a bare prune call
// removes nothing and callers opt into removal explicitly.
type PruneRequest struct {
	KeepCompleted bool    `json:"keep_completed"` // default true
	KeepFailed    bool    `json:"keep_failed"`    // default true
	MaxAgeHours   float64 `json:"max_age_hours"`  // default 24h
}

// StatusResponse is the JSON response for GET /api/v1/status
type StatusResponse struct {
	Version   string               `json:"version"`
	Host      conditions.HostStats `json:"host"`
	Jobs      map[jobs.Status]int  `json:"jobs"`
	Timestamp time.Time            `json:"timestamp"`
}

// runCtrl handles POST /api/v1/run - execute an inline or on-disk script
func (s *Server) runCtrl(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Script == "" && req.Path == "" {
		s.writeJSONError(w, http.StatusBadRequest, "either script or path required")
		return
	}

	label := req.Label
	if label == "" {
		label = "run inline script"
		if req.Path != "" {
			label = "run " + filepath.Base(req.Path)
		}
	}

	execReq := executor.Request{
		Interpreter: req.Interpreter,
		Source:      req.Script,
		Path:        req.Path,
		Args:        req.Args,
		WorkDir:     req.WorkDir,
		Env:         req.Env,
		EnvFile:     req.EnvFile,
		Timeout:     s.runTimeout(req.TimeoutSec),
	}
	s.execute(w, r, label, execReq, req)
}

// runScriptCtrl handles POST /api/v1/scripts/{name}/run - execute a saved
// script. The body is optional and carries overrides only, the source and
// interpreter come from the library.
func (s *Server) runScriptCtrl(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, source, err := s.Scripts.Get(name)
	if err != nil {
		if errors.Is(err, scripts.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "script not found")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req RunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	label := req.Label
	if label == "" {
		label = "run " + name
	}

	execReq := executor.Request{
		Interpreter: m.Interpreter,
		Source:      source,
		Args:        req.Args,
		WorkDir:     req.WorkDir,
		Env:         req.Env,
		EnvFile:     req.EnvFile,
		Timeout:     s.runTimeout(req.TimeoutSec),
	}
	s.execute(w, r, label, execReq, req)
}

// execute is the shared tail of all run endpoints: gate on host conditions,
// hand the work to the runner and shape the response depending on whether it
// completed in time or detached into a background job.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, label string, execReq executor.Request, req RunRequest) {
	if !req.Conditions.Empty() {
		check := s.CheckConditions
		if check == nil {
			check = conditions.Check
		}
		if ok, reason := check(req.Conditions); !ok {
			log.Printf("[INFO] %q rejected, conditions not met: %s", label, reason)
			s.writeJSONError(w, http.StatusServiceUnavailable, "conditions not met: "+reason)
			return
		}
	}

	fn := func(ctx context.Context) (any, error) { return s.runAndRecord(ctx, label, execReq) }

	opts := jobs.Opts{Async: req.Async, Budget: time.Duration(req.BudgetSec) * time.Second}
	out, err := s.Runner.Exec(r.Context(), label, opts, fn)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if det, ok := out.(jobs.Detached); ok {
		s.registerCallback(det.JobID, req.Callback)
		s.writeJSON(w, http.StatusAccepted, det)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// runAndRecord executes the request and records the outcome in history
func (s *Server) runAndRecord(ctx context.Context, label string, execReq executor.Request) (any, error) {
	started := time.Now()
	res, err := s.Executor.Run(ctx, execReq)
	if err != nil {
		return nil, err
	}

	if s.History != nil {
		e := history.Execution{
			Label:      label,
			StartedAt:  started,
			FinishedAt: time.Now(),
			ExitCode:   res.ExitCode,
			TimedOut:   res.TimedOut,
			Output:     res.Stdout,
		}
		if err := s.History.Record(e); err != nil {
			log.Printf("[WARN] can't record execution of %q: %v", label, err)
		}
	}
	return res, nil
}

// benchmarkCtrl handles POST /api/v1/benchmark - repeated timed runs with
// progress reported on the job record as runs complete
func (s *Server) benchmarkCtrl(w http.ResponseWriter, r *http.Request) {
	var req BenchmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Script == "" && req.Path == "" {
		s.writeJSONError(w, http.StatusBadRequest, "either script or path required")
		return
	}
	if req.Runs <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "runs must be positive")
		return
	}

	label := req.Label
	if label == "" {
		label = "benchmark"
		if req.Path != "" {
			label = "benchmark " + filepath.Base(req.Path)
		}
	}

	execReq := executor.Request{
		Interpreter: req.Interpreter,
		Source:      req.Script,
		Path:        req.Path,
		Args:        req.Args,
		WorkDir:     req.WorkDir,
		Env:         req.Env,
		EnvFile:     req.EnvFile,
		Timeout:     s.runTimeout(req.TimeoutSec),
	}

	fn := func(ctx context.Context) (any, error) {
		progress := func(current, total int, message string) {
			s.Registry.ReportProgress(ctx, current, total, message)
		}
		return s.Executor.Benchmark(ctx, execReq, req.Runs, req.Concurrency, progress)
	}

	opts := jobs.Opts{Async: req.Async, Budget: time.Duration(req.BudgetSec) * time.Second}
	out, err := s.Runner.Exec(r.Context(), label, opts, fn)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if det, ok := out.(jobs.Detached); ok {
		s.registerCallback(det.JobID, req.Callback)
		s.writeJSON(w, http.StatusAccepted, det)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// saveScriptCtrl handles POST /api/v1/scripts
func (s *Server) saveScriptCtrl(w http.ResponseWriter, r *http.Request) {
	var req SaveScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m := scripts.Manifest{Name: req.Name, Description: req.Description,
		Interpreter: req.Interpreter, Schedule: req.Schedule}
	if err := s.Scripts.Save(m, req.Source); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, source, err := s.Scripts.Get(req.Name)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, ScriptResponse{Manifest: saved, Source: source})
}

// getScriptCtrl handles GET /api/v1/scripts/{name}
func (s *Server) getScriptCtrl(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, source, err := s.Scripts.Get(name)
	if err != nil {
		if errors.Is(err, scripts.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "script not found")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ScriptResponse{Manifest: m, Source: source})
}

// listScriptsCtrl handles GET /api/v1/scripts
func (s *Server) listScriptsCtrl(w http.ResponseWriter, _ *http.Request) {
	list, err := s.Scripts.List()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scripts": list, "count": len(list)})
}

// deleteScriptCtrl handles DELETE /api/v1/scripts/{name}
func (s *Server) deleteScriptCtrl(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.Scripts.Delete(name); err != nil {
		if errors.Is(err, scripts.ErrNotFound) {
			s.writeJSONError(w, http.StatusNotFound, "script not found")
			return
		}
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

// scriptsSchemaCtrl handles GET /api/v1/scripts/schema
func (s *Server) scriptsSchemaCtrl(w http.ResponseWriter, _ *http.Request) {
	data, err := scripts.Schema()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		log.Printf("[WARN] failed to write schema response: %v", err)
	}
}

// jobStatusCtrl handles GET /api/v1/jobs/{id}
func (s *Server) jobStatusCtrl(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// listJobsCtrl handles GET /api/v1/jobs with optional status and limit filters
func (s *Server) listJobsCtrl(w http.ResponseWriter, r *http.Request) {
	var statusFilter jobs.Status
	if v := r.URL.Query().Get("status"); v != "" {
		parsed, err := jobs.ParseStatus(v)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		statusFilter = parsed
	}

	limit := 50 // default page size, explicit limit=0 lifts the cap
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	list := s.Registry.List(statusFilter, limit)
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

// cancelJobCtrl handles DELETE /api/v1/jobs/{id}. Cancellation is
// cooperative, the record flips to cancelled immediately while the subprocess
// gets killed via its context.
func (s *Server) cancelJobCtrl(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Registry.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, jobs.ErrInvalidState):
		s.writeJSONError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// pruneJobsCtrl handles POST /api/v1/jobs/prune
func (s *Server) pruneJobsCtrl(w http.ResponseWriter, r *http.Request) {
	// absent fields keep the conservative defaults, decode overrides only
	// what the caller sent
	req := PruneRequest{KeepCompleted: true, KeepFailed: true, MaxAgeHours: 24}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.MaxAgeHours < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "max_age_hours can't be negative")
			return
		}
	}

	maxAge := time.Duration(req.MaxAgeHours * float64(time.Hour))
	removed, remaining := s.Registry.Prune(req.KeepCompleted, req.KeepFailed, maxAge)
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed, "remaining": remaining})
}

// historyCtrl handles GET /api/v1/history
func (s *Server) historyCtrl(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	list, err := s.History.List(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": list, "count": len(list)})
}

// statusCtrl handles GET /api/v1/status
func (s *Server) statusCtrl(w http.ResponseWriter, _ *http.Request) {
	counts := map[jobs.Status]int{}
	for _, rec := range s.Registry.List("", 0) {
		counts[rec.Status]++
	}

	resp := StatusResponse{
		Version:   s.Version,
		Host:      conditions.Stats(),
		Jobs:      counts,
		Timestamp: time.Now(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runTimeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return s.RunTimeout
}
