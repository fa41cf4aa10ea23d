package apify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sequencer/internal/core/job"
	rds "sequencer/internal/platform/redis"
)

func actor(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/acts/"+ProfileActor+"/run-sync-get-dataset-items", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("token"))

		var body struct {
			ProfileURLs []string `json:"profileUrls"`
		}
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set(runIDHeader, "run-42")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"message":"actor failed"}}`)
			return
		}
		out := make([]job.Profile, 0, len(body.ProfileURLs))
		for _, u := range body.ProfileURLs {
			out = append(out, job.Profile{LinkedinURL: u, FirstName: "Ada"})
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func TestScrapeProfilesCachesResults(t *testing.T) {
	var calls atomic.Int32
	srv := actor(t, &calls, http.StatusOK)
	defer srv.Close()

	mr := miniredis.RunT(t)
	cache, err := rds.New(rds.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer cache.Close()

	c := New(Config{Token: "tok", BaseURL: srv.URL, CacheTTL: time.Hour}, cache)
	urls := []string{"https://linkedin.com/in/ada/", "https://linkedin.com/in/bob"}

	res, err := c.ScrapeProfiles(context.Background(), urls)
	require.NoError(t, err)
	assert.Len(t, res.Profiles, 2)
	assert.Equal(t, "run-42", res.RunID)
	assert.True(t, mr.Exists("profile:https://linkedin.com/in/bob"))
	assert.Equal(t, time.Hour, mr.TTL("profile:https://linkedin.com/in/bob"))

	res, err = c.ScrapeProfiles(context.Background(), []string{"https://LinkedIn.com/in/ada", "https://linkedin.com/in/bob"})
	require.NoError(t, err)
	assert.Len(t, res.Profiles, 2)
	assert.Empty(t, res.RunID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestScrapeProfilesKeepsRequestOrderOnPartialCacheHit(t *testing.T) {
	var calls atomic.Int32
	srv := actor(t, &calls, http.StatusOK)
	defer srv.Close()

	mr := miniredis.RunT(t)
	cache, err := rds.New(rds.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	defer cache.Close()

	c := New(Config{Token: "tok", BaseURL: srv.URL, CacheTTL: time.Hour}, cache)
	_, err = c.ScrapeProfiles(context.Background(), []string{"https://linkedin.com/in/bob"})
	require.NoError(t, err)

	urls := []string{"https://linkedin.com/in/ada", "https://linkedin.com/in/bob", "https://linkedin.com/in/cy"}
	res, err := c.ScrapeProfiles(context.Background(), urls)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	got := make([]string, 0, len(res.Profiles))
	for _, p := range res.Profiles {
		got = append(got, p.Identifier())
	}
	assert.Equal(t, urls, got)
}

func TestInRequestOrderKeepsUnmatchedRecords(t *testing.T) {
	profiles := []job.Profile{
		{LinkedinURL: "https://linkedin.com/in/extra"},
		{URL: "https://linkedin.com/in/b"},
		{LinkedinURL: "https://linkedin.com/in/a/"},
	}

	out := inRequestOrder([]string{"https://linkedin.com/in/a", "https://linkedin.com/in/b", "https://linkedin.com/in/a"}, profiles)

	require.Len(t, out, 3)
	assert.Equal(t, "https://linkedin.com/in/a/", out[0].Identifier())
	assert.Equal(t, "https://linkedin.com/in/b", out[1].Identifier())
	assert.Equal(t, "https://linkedin.com/in/extra", out[2].Identifier())
}

func TestScrapeProfilesFailure(t *testing.T) {
	var calls atomic.Int32
	srv := actor(t, &calls, http.StatusBadGateway)
	defer srv.Close()

	res, err := New(Config{Token: "tok", BaseURL: srv.URL}, nil).ScrapeProfiles(context.Background(), []string{"https://linkedin.com/in/ada"})

	assert.ErrorIs(t, err, ErrScrapeFailed)
	assert.Equal(t, "run-42", res.RunID)
}

func TestScrapeProfilesNotConfigured(t *testing.T) {
	_, err := New(Config{}, nil).ScrapeProfiles(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, New(Config{}, nil).Configured())
}
