// Package web implements the JSON API server for scriptd
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/scriptd/app/conditions"
	"github.com/umputun/scriptd/app/executor"
	"github.com/umputun/scriptd/app/history"
	"github.com/umputun/scriptd/app/jobs"
	"github.com/umputun/scriptd/app/scripts"
)

// ScriptStore provides access to the saved script library
type ScriptStore interface {
	Save(m scripts.Manifest, source string) error
	Get(name string) (scripts.Manifest, string, error)
	List() ([]scripts.Manifest, error)
	Delete(name string) error
}

// HistoryStore records and reads execution history
type HistoryStore interface {
	Record(e history.Execution) error
	List(limit int) ([]history.Execution, error)
}

// Callbacks delivers job settlement notifications
type Callbacks interface {
	Send(ctx context.Context, url string, payload any) error
}

// Server represents the API server
type Server struct {
	Registry  *jobs.Registry
	Runner    *jobs.Runner
	Executor  *executor.Executor
	Scripts   ScriptStore
	History   HistoryStore
	Callbacks Callbacks // optional, nil disables settlement callbacks

	Version    string
	AuthHash   string        // bcrypt hash for basic auth, empty disables auth
	RunTimeout time.Duration // default per-process deadline for run requests

	CheckConditions func(conditions.Config) (bool, string) // defaults to conditions.Check

	callbacksMu sync.Mutex
	callbackURL map[string]string // job id -> callback url
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      120 * time.Second, // synchronous runs may hold the response for a while
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("scriptd", "umputun", s.Version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024), // 1MB max request size
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.AuthHash != "" {
		router.Use(s.authMiddleware)
	}

	runLimiter := tollbooth.NewLimiter(10, nil)

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.With(tollbooth.HTTPMiddleware(runLimiter)).HandleFunc("POST /run", s.runCtrl)
		api.With(tollbooth.HTTPMiddleware(runLimiter)).HandleFunc("POST /benchmark", s.benchmarkCtrl)

		api.HandleFunc("GET /scripts", s.listScriptsCtrl)
		api.HandleFunc("POST /scripts", s.saveScriptCtrl)
		api.HandleFunc("GET /scripts/schema", s.scriptsSchemaCtrl)
		api.HandleFunc("GET /scripts/{name}", s.getScriptCtrl)
		api.HandleFunc("DELETE /scripts/{name}", s.deleteScriptCtrl)
		api.With(tollbooth.HTTPMiddleware(runLimiter)).HandleFunc("POST /scripts/{name}/run", s.runScriptCtrl)

		api.HandleFunc("GET /jobs", s.listJobsCtrl)
		api.HandleFunc("GET /jobs/{id}", s.jobStatusCtrl)
		api.HandleFunc("DELETE /jobs/{id}", s.cancelJobCtrl)
		api.HandleFunc("POST /jobs/prune", s.pruneJobsCtrl)

		api.HandleFunc("GET /history", s.historyCtrl)
		api.HandleFunc("GET /status", s.statusCtrl)
	})

	return router
}

// registerCallback remembers the callback url for a detached job. If the job
// settled before the registration landed, the callback fires immediately.
func (s *Server) registerCallback(jobID, url string) {
	if url == "" || s.Callbacks == nil {
		return
	}
	s.callbacksMu.Lock()
	if s.callbackURL == nil {
		s.callbackURL = map[string]string{}
	}
	s.callbackURL[jobID] = url
	s.callbacksMu.Unlock()

	if rec, err := s.Registry.Get(jobID); err == nil && rec.Status.IsTerminal() {
		s.JobSettled(rec)
	}
}

// JobSettled delivers the settlement callback for the job, wired as the
// runner's OnSettle hook. Safe to call multiple times, the url is consumed on
// first delivery.
func (s *Server) JobSettled(rec jobs.Record) {
	s.callbacksMu.Lock()
	url := s.callbackURL[rec.ID]
	delete(s.callbackURL, rec.ID)
	s.callbacksMu.Unlock()

	if url == "" || s.Callbacks == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Callbacks.Send(ctx, url, rec); err != nil {
		log.Printf("[WARN] callback for job %s failed: %v", rec.ID, err)
	}
}

// writeJSON writes a JSON response with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
