// Package sched runs saved scripts on their cron schedules. Every firing goes
// through the job runner, so scheduled runs are ordinary tracked jobs visible
// in the registry like any other background work.
package sched

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/umputun/scriptd/app/executor"
	"github.com/umputun/scriptd/app/jobs"
	"github.com/umputun/scriptd/app/scripts"
)

// Cron defines basic robfig/cron methods used by the scheduler
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// ScriptProvider loads saved scripts and their manifests
type ScriptProvider interface {
	List() ([]scripts.Manifest, error)
	Get(name string) (scripts.Manifest, string, error)
}

// JobRunner launches tracked background jobs
type JobRunner interface {
	Launch(label string, fn jobs.Fn) jobs.Detached
}

// ScriptRunner executes script subprocesses
type ScriptRunner interface {
	Run(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Scheduler wires the script library, cron and the job runner together
type Scheduler struct {
	Cron     Cron
	Scripts  ScriptProvider
	Runner   JobRunner
	Executor ScriptRunner
	Timeout  time.Duration // per-run subprocess deadline, optional
}

// Do loads scheduled scripts, starts cron and blocks until the context is done
func (s *Scheduler) Do(ctx context.Context) error {
	count, err := s.load()
	if err != nil {
		return fmt.Errorf("can't load scheduled scripts: %w", err)
	}
	if count == 0 {
		log.Printf("[INFO] no scheduled scripts, scheduler idle")
	}

	s.Cron.Start()
	<-ctx.Done()
	log.Print("[DEBUG] scheduler terminating")
	<-s.Cron.Stop().Done()
	return nil
}

func (s *Scheduler) load() (count int, err error) {
	list, err := s.Scripts.List()
	if err != nil {
		return 0, err
	}

	for _, m := range list {
		if m.Schedule == "" {
			continue
		}
		sched, err := cron.ParseStandard(m.Schedule)
		if err != nil {
			log.Printf("[WARN] can't parse schedule %q for %q: %v", m.Schedule, m.Name, err)
			continue
		}
		s.Cron.Schedule(sched, s.jobFunc(m))
		log.Printf("[INFO] scheduled %q (%s), first: %s", m.Name, m.Schedule,
			sched.Next(time.Now()).Format(time.RFC3339))
		count++
	}
	return count, nil
}

// jobFunc makes a cron job launching the script as a background job. The
// source is re-read on each firing so edits apply without a reload.
func (s *Scheduler) jobFunc(m scripts.Manifest) cron.FuncJob {
	return func() {
		det := s.Runner.Launch("scheduled "+m.Name, func(ctx context.Context) (any, error) {
			manifest, src, err := s.Scripts.Get(m.Name)
			if err != nil {
				return nil, fmt.Errorf("script %q disappeared: %w", m.Name, err)
			}
			res, err := s.Executor.Run(ctx, executor.Request{
				Source:      src,
				Interpreter: manifest.Interpreter,
				Timeout:     s.Timeout,
			})
			if err != nil {
				return nil, err
			}
			return res, nil
		})
		log.Printf("[INFO] scheduled run of %q launched as job %s", m.Name, det.JobID)
	}
}
