package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateAndGet(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	rec := reg.Create("test job", nil)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, "test job", rec.Label)
	assert.Nil(t, rec.StartedAt)
	assert.Nil(t, rec.CompletedAt)

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = reg.Get("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_CreateRunning(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	rec := reg.CreateRunning("detached", nil)
	assert.Equal(t, StatusRunning, rec.Status)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, rec.CreatedAt, *rec.StartedAt, "no pending phase, started at detachment time")
}

func TestRegistry_List(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		rec := reg.Create("job", nil)
		ids = append(ids, rec.ID)
		time.Sleep(5 * time.Millisecond) // distinct created_at for ordering
	}
	require.NoError(t, reg.Update(ids[1], func(r *Record) { r.Status = StatusCompleted }))
	require.NoError(t, reg.Update(ids[3], func(r *Record) { r.Status = StatusCompleted }))

	all := reg.List("", 0)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].CreatedAt.After(all[i].CreatedAt), "newest first")
	}

	completed := reg.List(StatusCompleted, 0)
	require.Len(t, completed, 2)
	assert.Equal(t, ids[3], completed[0].ID, "newest completed first")
	assert.Equal(t, ids[1], completed[1].ID)

	limited := reg.List("", 2)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[4], limited[0].ID)
}

func TestRegistry_Update(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	rec := reg.Create("job", nil)
	err = reg.Update(rec.ID, func(r *Record) {
		r.Status = StatusFailed
		r.Error = "boom"
	})
	require.NoError(t, err)

	got, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Nil(t, got.Result, "result and error are mutually exclusive")

	assert.ErrorIs(t, reg.Update("bad-id", func(r *Record) {}), ErrNotFound)
}

func TestRegistry_Cancel(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	cancelled := false
	rec := reg.Create("job", func() { cancelled = true })

	got, err := reg.Cancel(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, cancelled, "task cancel handle invoked")

	// already terminal
	_, err = reg.Cancel(rec.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	after, err := reg.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, got.CompletedAt.Unix(), after.CompletedAt.Unix(), "record not altered by rejected cancel")

	_, err = reg.Cancel("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Prune(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	mk := func(status Status) string {
		rec := reg.Create("job", nil)
		require.NoError(t, reg.Update(rec.ID, func(r *Record) { r.Status = status }))
		return rec.ID
	}
	completedID := mk(StatusCompleted)
	failedID := mk(StatusFailed)
	runningID := mk(StatusRunning)
	cancelledID := mk(StatusCancelled)
	pendingID := mk(StatusPending)

	// nothing old enough yet
	removed, remaining := reg.Prune(false, false, time.Hour)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 5, remaining)

	// zero age cutoff, keep failed
	removed, remaining = reg.Prune(false, true, 0)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 4, remaining)
	_, err = reg.Get(completedID)
	assert.ErrorIs(t, err, ErrNotFound)

	// drop failed too
	removed, remaining = reg.Prune(true, false, 0)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 3, remaining)
	_, err = reg.Get(failedID)
	assert.ErrorIs(t, err, ErrNotFound)

	// pending, running and cancelled survive any policy
	for _, id := range []string{runningID, cancelledID, pendingID} {
		_, err = reg.Get(id)
		assert.NoError(t, err)
	}
}

func TestRegistry_PersistAndReload(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	done := reg.Create("done job", nil)
	require.NoError(t, reg.Update(done.ID, func(r *Record) {
		r.Status = StatusCompleted
		r.Result = map[string]any{"n": float64(42)}
	}))
	running := reg.CreateRunning("in-flight job", nil)

	// fresh registry from the same location
	reloaded, err := NewRegistry(dir)
	require.NoError(t, err)

	got, err := reloaded.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"n": float64(42)}, got.Result)

	// running job from previous process repaired to failed
	got, err = reloaded.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "server restarted while job was running", got.Error)
	assert.NotNil(t, got.CompletedAt)
}

func TestRegistry_LoadCorrupted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "meta"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "meta", "jobs.json"), []byte("not a json"), 0o600))

	reg, err := NewRegistry(dir)
	require.NoError(t, err, "unparseable file is not fatal")
	assert.Empty(t, reg.List("", 0))
}

func TestRegistry_LoadMissing(t *testing.T) {
	reg, err := NewRegistry(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, reg.List("", 0))
}

func TestParseStatus(t *testing.T) {
	tbl := []struct {
		in   string
		out  Status
		fail bool
	}{
		{"pending", StatusPending, false},
		{"running", StatusRunning, false},
		{"completed", StatusCompleted, false},
		{"failed", StatusFailed, false},
		{"cancelled", StatusCancelled, false},
		{"blah", "", true},
		{"", "", true},
	}
	for _, tt := range tbl {
		t.Run(tt.in, func(t *testing.T) {
			st, err := ParseStatus(tt.in)
			if tt.fail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.out, st)
		})
	}
}
