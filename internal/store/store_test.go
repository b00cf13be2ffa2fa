package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordRunAndRecentRuns(t *testing.T) {
	s := openTestStore(t)

	run := &Run{
		Kind:      "process",
		BasePath:  "/data/experiment",
		Keywords:  []string{"axon", "dendrite"},
		Processed: 3,
		Failed:    1,
		Success:   false,
	}
	docs := []RunDocument{
		{Path: "/data/a.tif", Name: "a", MatchedKeyword: "axon", Status: "processed", RowCount: 12},
		{Path: "/data/b.tif", Name: "b", MatchedKeyword: "axon", Status: "failed", Error: "fiji timed out"},
	}
	require.NoError(t, s.RecordRun(run, docs))
	assert.NotEmpty(t, run.ID)

	runs, err := s.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, []string{"axon", "dendrite"}, runs[0].Keywords)
	assert.Equal(t, 3, runs[0].Processed)
	assert.False(t, runs[0].Success)
}

func TestRecentRuns_NewestFirst(t *testing.T) {
	s := openTestStore(t)

	older := &Run{Kind: "process", BasePath: "/a", StartedAt: time.Now().Add(-time.Hour)}
	newer := &Run{Kind: "images", BasePath: "/b", StartedAt: time.Now()}
	require.NoError(t, s.RecordRun(older, nil))
	require.NoError(t, s.RecordRun(newer, nil))

	runs, err := s.RecentRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "images", runs[0].Kind)
}

func TestRunDocuments(t *testing.T) {
	s := openTestStore(t)

	run := &Run{Kind: "process", BasePath: "/data"}
	docs := []RunDocument{
		{Path: "/data/z.tif", Name: "z", MatchedKeyword: "axon", Status: "processed"},
		{Path: "/data/a.tif", Name: "a", MatchedKeyword: "axon", Status: "processed"},
	}
	require.NoError(t, s.RecordRun(run, docs))

	got, err := s.RunDocuments(run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ordered by name.
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "z", got[1].Name)
	assert.Equal(t, run.ID, got[0].RunID)
}

func TestKeywordStats(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordRun(&Run{Kind: "process", BasePath: "/d"}, []RunDocument{
		{Path: "/d/1.tif", Name: "1", MatchedKeyword: "axon", Status: "processed"},
		{Path: "/d/2.tif", Name: "2", MatchedKeyword: "axon", Status: "failed"},
		{Path: "/d/3.tif", Name: "3", MatchedKeyword: "dendrite", Status: "processed"},
	}))

	stats, err := s.KeywordStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, KeywordStat{Keyword: "axon", Documents: 2, Failures: 1}, stats[0])
	assert.Equal(t, KeywordStat{Keyword: "dendrite", Documents: 1, Failures: 0}, stats[1])
}

func TestNewStore_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "history.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())
}
