package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcache/internal/config"
	"taskcache/internal/logging"
	"taskcache/internal/models"
)

func testConfig() config.Config {
	return config.Config{
		Workers:        2,
		MaxAttempts:    2,
		CacheBackend:   "memory",
		FetchTimeout:   2 * time.Second,
		FetchMaxBytes:  1024,
		ThumbnailWidth: 16,
	}
}

func TestCollectURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seed list\nhttps://a.example\n\n  https://b.example  \n"), 0o644))

	urls, err := collectURLs(path, []string{"https://arg.example"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://arg.example", "https://a.example", "https://b.example"}, urls)

	_, err = collectURLs(filepath.Join(t.TempDir(), "missing.txt"), nil)
	assert.Error(t, err)
}

func TestRunWritesReport(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	out := filepath.Join(t.TempDir(), "report.json")
	failed, err := run(testConfig(), options{output: out, kind: "fetch"}, []string{
		upstream.URL + "/a",
		upstream.URL + "/a?utm_campaign=dup",
		upstream.URL + "/broken",
		"not-a-url",
	}, logging.Discard())
	require.NoError(t, err)
	assert.True(t, failed)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var rep report
	require.NoError(t, json.Unmarshal(raw, &rep))

	require.Len(t, rep.Tasks, 3)
	require.Len(t, rep.Rejected, 1)
	assert.Equal(t, "not-a-url", rep.Rejected[0].Input)

	states := map[models.State]int{}
	for _, task := range rep.Tasks {
		states[task.State]++
		assert.Nil(t, task.Result)
	}
	assert.Equal(t, 2, states[models.StateCompleted])
	assert.Equal(t, 1, states[models.StateFailed])
	assert.Equal(t, int64(1), rep.Snapshot.Stats.DeduplicatedTasks)
	assert.Equal(t, int64(1), rep.Snapshot.Stats.RetriedTasks)
}

func TestRunRequiresURLs(t *testing.T) {
	_, err := run(testConfig(), options{}, nil, logging.Discard())
	assert.ErrorContains(t, err, "no urls given")
}
