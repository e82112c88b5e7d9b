package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	in := testDoc{Name: "workflow-1", Count: 3}
	require.NoError(t, s.Save("runs/w1", "state", in))

	var out testDoc
	require.NoError(t, s.Load("runs/w1", "state", &out))
	assert.Equal(t, in, out)
}

func TestLoadNotFound(t *testing.T) {
	s := newTestStore(t)

	var out testDoc
	err := s.Load("runs/missing", "state", &out)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSaveOverwrites(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("tickets", "t1", testDoc{Name: "first"}))
	require.NoError(t, s.Save("tickets", "t1", testDoc{Name: "second"}))

	var out testDoc
	require.NoError(t, s.Load("tickets", "t1", &out))
	assert.Equal(t, "second", out.Name)
}

func TestAppendAndReadLog(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendLog("runs/w1", "errors", "line one"))
	require.NoError(t, s.AppendLog("runs/w1", "errors", "line two\n"))

	text, err := s.ReadLog("runs/w1", "errors")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", text)
}

func TestReadLogMissingIsEmpty(t *testing.T) {
	s := newTestStore(t)

	text, err := s.ReadLog("runs/w1", "errors")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestListReturnsDocsAndDirs(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("runs/w1", "state", testDoc{}))
	require.NoError(t, s.Save("runs/w2", "state", testDoc{}))
	require.NoError(t, s.Save("tickets", "t1", testDoc{}))

	runs, err := s.List("runs")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, runs)

	tickets, err := s.List("tickets")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tickets)
}

func TestListMissingPrefixIsEmpty(t *testing.T) {
	s := newTestStore(t)

	names, err := s.List("nothing/here")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestExistsAndRemove(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("state", "config", testDoc{}))
	assert.True(t, s.Exists("state", "config"))

	require.NoError(t, s.Remove("state", "config"))
	assert.False(t, s.Exists("state", "config"))

	// Removing again is not an error.
	assert.NoError(t, s.Remove("state", "config"))
}

func TestRemoveDir(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("runs/w1", "state", testDoc{}))
	require.NoError(t, s.AppendLog("runs/w1", "errors", "x"))

	require.NoError(t, s.RemoveDir("runs/w1"))
	assert.False(t, s.Exists("runs/w1", "state"))

	runs, err := s.List("runs")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestPathTraversalRejected(t *testing.T) {
	s := newTestStore(t)

	err := s.Save("..", "escape", testDoc{})
	require.Error(t, err)

	var se *StorageError
	assert.True(t, errors.As(err, &se))

	err = s.RemoveDir("../outside")
	assert.Error(t, err)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Save("runs/w1", "state", testDoc{Name: fmt.Sprintf("writer-%d", n), Count: n})
		}(i)
	}
	wg.Wait()

	// The winner is unspecified, but the document must parse cleanly.
	var out testDoc
	require.NoError(t, s.Load("runs/w1", "state", &out))
	assert.NotEmpty(t, out.Name)
}
