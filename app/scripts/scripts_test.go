package scripts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveAndGet(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	err = s.Save(Manifest{Name: "hello", Description: "test script"}, "echo hello")
	require.NoError(t, err)

	m, src, err := s.Get("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Name)
	assert.Equal(t, "test script", m.Description)
	assert.Equal(t, "echo hello", src)
	assert.False(t, m.CreatedAt.IsZero())

	_, _, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveOverwriteKeepsCreatedAt(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(Manifest{Name: "x"}, "echo 1"))
	first, _, err := s.Get("x")
	require.NoError(t, err)

	require.NoError(t, s.Save(Manifest{Name: "x", Description: "v2"}, "echo 2"))
	second, src, err := s.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "echo 2", src)
	assert.Equal(t, "v2", second.Description)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))
}

func TestStore_SaveValidation(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	tbl := []struct {
		name     string
		manifest Manifest
		source   string
	}{
		{"bad name with slash", Manifest{Name: "../evil"}, "echo"},
		{"bad name with space", Manifest{Name: "a b"}, "echo"},
		{"empty name", Manifest{Name: ""}, "echo"},
		{"leading dash", Manifest{Name: "-x"}, "echo"},
		{"empty source", Manifest{Name: "ok"}, "   "},
		{"bad schedule", Manifest{Name: "ok", Schedule: "not a cron spec"}, "echo"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, s.Save(tt.manifest, tt.source))
		})
	}

	assert.NoError(t, s.Save(Manifest{Name: "ok", Schedule: "*/5 * * * *"}, "echo"))
}

func TestStore_List(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(Manifest{Name: "bbb"}, "echo b"))
	require.NoError(t, s.Save(Manifest{Name: "aaa"}, "echo a"))
	require.NoError(t, s.Save(Manifest{Name: "ccc", Schedule: "0 * * * *"}, "echo c"))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "aaa", list[0].Name)
	assert.Equal(t, "bbb", list[1].Name)
	assert.Equal(t, "ccc", list[2].Name)
	assert.Equal(t, "0 * * * *", list[2].Schedule)
}

func TestStore_Delete(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(Manifest{Name: "gone"}, "echo"))
	require.NoError(t, s.Delete("gone"))

	_, _, err = s.Get("gone")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete("gone"), ErrNotFound)
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, "Script Manifest Schema", parsed["title"])
}
