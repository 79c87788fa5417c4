package sched

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/scriptd/app/executor"
	"github.com/umputun/scriptd/app/jobs"
	"github.com/umputun/scriptd/app/scripts"
)

type cronMock struct {
	jobs    []cron.Job
	started bool
	stopped bool
}

func (c *cronMock) Start() { c.started = true }
func (c *cronMock) Stop() context.Context {
	c.stopped = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
func (c *cronMock) Schedule(_ cron.Schedule, cmd cron.Job) cron.EntryID {
	c.jobs = append(c.jobs, cmd)
	return cron.EntryID(len(c.jobs))
}

type providerMock struct {
	list []scripts.Manifest
	src  map[string]string
}

func (p *providerMock) List() ([]scripts.Manifest, error) { return p.list, nil }
func (p *providerMock) Get(name string) (scripts.Manifest, string, error) {
	for _, m := range p.list {
		if m.Name == name {
			return m, p.src[name], nil
		}
	}
	return scripts.Manifest{}, "", scripts.ErrNotFound
}

type runnerMock struct {
	launched []string
	fns      []jobs.Fn
}

func (r *runnerMock) Launch(label string, fn jobs.Fn) jobs.Detached {
	r.launched = append(r.launched, label)
	r.fns = append(r.fns, fn)
	return jobs.Detached{JobID: "job-1", Status: jobs.StatusPending}
}

type execMock struct {
	reqs []executor.Request
}

func (e *execMock) Run(_ context.Context, req executor.Request) (*executor.Result, error) {
	e.reqs = append(e.reqs, req)
	return &executor.Result{Stdout: "ok"}, nil
}

func TestScheduler_Do(t *testing.T) {
	cr := &cronMock{}
	provider := &providerMock{
		list: []scripts.Manifest{
			{Name: "scheduled", Schedule: "*/5 * * * *", Interpreter: "sh"},
			{Name: "manual-only"},
			{Name: "broken", Schedule: "bad spec"},
		},
		src: map[string]string{"scheduled": "echo hi"},
	}
	runner := &runnerMock{}
	exe := &execMock{}

	s := Scheduler{Cron: cr, Scripts: provider, Runner: runner, Executor: exe, Timeout: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Do(ctx) }()

	// wait for startup, then terminate
	deadline := time.Now().Add(time.Second)
	for !cr.started && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)

	assert.True(t, cr.started)
	assert.True(t, cr.stopped)
	require.Len(t, cr.jobs, 1, "only valid schedules registered")

	// fire the scheduled job by hand
	cr.jobs[0].Run()
	require.Len(t, runner.launched, 1)
	assert.Equal(t, "scheduled scheduled", runner.launched[0])

	// run the launched unit of work
	res, err := runner.fns[0](context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.(*executor.Result).Stdout)

	require.Len(t, exe.reqs, 1)
	assert.Equal(t, "echo hi", exe.reqs[0].Source)
	assert.Equal(t, "sh", exe.reqs[0].Interpreter)
	assert.Equal(t, time.Minute, exe.reqs[0].Timeout)
}

func TestScheduler_MissingScript(t *testing.T) {
	runner := &runnerMock{}
	s := Scheduler{
		Cron:     &cronMock{},
		Scripts:  &providerMock{list: []scripts.Manifest{{Name: "gone", Schedule: "* * * * *"}}},
		Runner:   runner,
		Executor: &execMock{},
	}

	count, err := s.load()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// fire for a script that no longer exists in the store
	s.jobFunc(scripts.Manifest{Name: "deleted-meanwhile"}).Run()
	require.Len(t, runner.fns, 1)

	_, err = runner.fns[0](context.Background())
	require.Error(t, err, "deleted script fails the job instead of panicking")
}
