// Package executor runs scripts as subprocesses with bounded output capture,
// exit code and timing reporting.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Repeater retries failed runs, see go-pkgz/repeater
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Request describes a single script execution
type Request struct {
	Interpreter string            `json:"interpreter,omitempty"` // overrides executor default
	Source      string            `json:"source,omitempty"`      // inline script body, written to a temp file
	Path        string            `json:"path,omitempty"`        // path to an existing script, exclusive with Source
	Args        []string          `json:"args,omitempty"`
	WorkDir     string            `json:"workdir,omitempty"`
	Timeout     time.Duration     `json:"-"`                  // hard per-process deadline, kills the subprocess
	Env         map[string]string `json:"env,omitempty"`      // explicit vars, highest precedence
	EnvFile     string            `json:"env_file,omitempty"` // optional .env file merged under Env
}

// Result reports a finished execution
type Result struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	ExitCode int     `json:"exit_code"`
	Duration float64 `json:"duration_seconds"`
	TimedOut bool    `json:"timed_out,omitempty"`
}

// Executor runs script subprocesses. Zero value is not usable, make it with
// the fields set or take defaults from New.
type Executor struct {
	Interpreter    string   // default interpreter binary
	MaxOutputLines int      // per-stream capture limit
	DeDup          *DeDup   // suppresses concurrent duplicate runs, optional
	Repeater       Repeater // retries failed runs, optional
}

// New makes an executor with sane defaults
func New(interpreter string, maxOutputLines int) *Executor {
	if interpreter == "" {
		interpreter = "python3"
	}
	if maxOutputLines <= 0 {
		maxOutputLines = 1000
	}
	return &Executor{Interpreter: interpreter, MaxOutputLines: maxOutputLines, DeDup: NewDeDup(true)}
}

// Run executes the request and reports captured output, exit code and timing.
// A non-zero exit code is reported in the result, not as an error; errors mean
// the process could not be run at all or a duplicate was suppressed.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	scriptPath, cleanup, err := e.resolveScript(req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	interp := req.Interpreter
	if interp == "" {
		interp = e.Interpreter
	}

	dedupKey := interp + " " + scriptPath + " " + strings.Join(req.Args, " ")
	if e.DeDup != nil {
		if !e.DeDup.Add(dedupKey) {
			return nil, fmt.Errorf("duplicated run %q suppressed", dedupKey)
		}
		defer e.DeDup.Remove(dedupKey)
	}

	env, err := BuildEnv(req.Env, req.EnvFile)
	if err != nil {
		return nil, err
	}

	var res *Result
	run := func() error {
		var runErr error
		res, runErr = e.runOnce(ctx, interp, scriptPath, req, env)
		if runErr != nil {
			return runErr
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("script exited with code %d", res.ExitCode)
		}
		return nil
	}

	if e.Repeater != nil {
		if err := e.Repeater.Do(ctx, run); err != nil && res == nil {
			return nil, err
		}
		return res, nil
	}

	if err := run(); err != nil && res == nil {
		return nil, err
	}
	return res, nil
}

func (e *Executor) runOnce(ctx context.Context, interp, scriptPath string, req Request, env []string) (*Result, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := append([]string{scriptPath}, req.Args...)
	cmd := exec.CommandContext(runCtx, interp, args...) // nolint gosec // running caller scripts is the purpose
	cmd.Dir = req.WorkDir
	cmd.Env = env

	stdout := NewOutputCapture(e.MaxOutputLines)
	stderr := NewOutputCapture(e.MaxOutputLines)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Printf("[DEBUG] executing %s %s", interp, strings.Join(args, " "))
	st := time.Now()
	err := cmd.Run()
	elapsed := time.Since(st)

	res := &Result{
		Stdout:   stdout.GetOutput(),
		Stderr:   stderr.GetOutput(),
		Duration: elapsed.Seconds(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += "[TIMEOUT]"
		log.Printf("[WARN] %s killed after %v timeout", scriptPath, req.Timeout)
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to execute %s: %w", scriptPath, err)
	}
	return res, nil
}

// resolveScript returns the path of the script to run. Inline source is
// written to a temp file removed by the returned cleanup.
func (e *Executor) resolveScript(req Request) (path string, cleanup func(), err error) {
	switch {
	case req.Path != "" && req.Source != "":
		return "", nil, fmt.Errorf("both path and source provided, pick one")
	case req.Path != "":
		if _, err := os.Stat(req.Path); err != nil {
			return "", nil, fmt.Errorf("script %s not accessible: %w", req.Path, err)
		}
		return req.Path, func() {}, nil
	case req.Source != "":
		tmp, err := os.CreateTemp("", "scriptd-*.script")
		if err != nil {
			return "", nil, fmt.Errorf("can't make temp script: %w", err)
		}
		if _, err := tmp.WriteString(req.Source); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return "", nil, fmt.Errorf("can't write temp script: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return "", nil, fmt.Errorf("can't close temp script: %w", err)
		}
		name := tmp.Name()
		return name, func() {
			if err := os.Remove(name); err != nil {
				log.Printf("[WARN] can't remove temp script %s: %v", name, err)
			}
		}, nil
	default:
		return "", nil, fmt.Errorf("neither path nor source provided")
	}
}

// String describes executor configuration
func (e *Executor) String() string {
	return fmt.Sprintf("interpreter:%s, max output lines:%d", e.Interpreter, e.MaxOutputLines)
}
