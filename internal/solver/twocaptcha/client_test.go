package twocaptcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/shopping-lead-harvester/internal/harvest"
)

func newServer(t *testing.T, pendingPolls int32, final apiResponse) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/in.php", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "secret", r.PostForm.Get("key"))
		require.Equal(t, "userrecaptcha", r.PostForm.Get("method"))
		require.Equal(t, "site-key", r.PostForm.Get("googlekey"))
		_ = json.NewEncoder(w).Encode(apiResponse{Status: 1, Request: "task-7"})
	})
	mux.HandleFunc("/res.php", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "task-7", r.URL.Query().Get("id"))
		if polls.Add(1) <= pendingPolls {
			_ = json.NewEncoder(w).Encode(apiResponse{Status: 0, Request: notReady})
			return
		}
		_ = json.NewEncoder(w).Encode(final)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestSolvePollsUntilReady(t *testing.T) {
	t.Parallel()

	srv, polls := newServer(t, 2, apiResponse{Status: 1, Request: "token-abc"})
	c, err := New(Config{APIKey: "secret", BaseURL: srv.URL + "/", PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	resp, err := c.Solve(context.Background(), harvest.SolveRequest{SiteKey: "site-key", PageURL: "https://x", Version: "v2"})
	require.NoError(t, err)
	require.Equal(t, "token-abc", resp.Token)
	require.Equal(t, "task-7", resp.TaskID)
	require.EqualValues(t, 3, polls.Load())
}

func TestSolveReportsServiceFailure(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, 0, apiResponse{Status: 0, Request: "ERROR_CAPTCHA_UNSOLVABLE"})
	c, err := New(Config{APIKey: "secret", BaseURL: srv.URL, PollInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = c.Solve(context.Background(), harvest.SolveRequest{SiteKey: "site-key"})
	require.ErrorContains(t, err, "ERROR_CAPTCHA_UNSOLVABLE")
}

func TestSolveHonoursDeadline(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, 1<<30, apiResponse{})
	c, err := New(Config{APIKey: "secret", BaseURL: srv.URL, PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err = c.Solve(ctx, harvest.SolveRequest{SiteKey: "site-key"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(apiResponse{Status: 0, Request: "ERROR_ZERO_BALANCE"})
	}))
	defer srv.Close()
	c, err := New(Config{APIKey: "secret", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = c.Solve(context.Background(), harvest.SolveRequest{SiteKey: "k"})
	require.ErrorContains(t, err, "ERROR_ZERO_BALANCE")
}

func TestSubmitV3Fields(t *testing.T) {
	t.Parallel()

	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		got <- map[string]string{
			"version":   r.PostForm.Get("version"),
			"action":    r.PostForm.Get("action"),
			"min_score": r.PostForm.Get("min_score"),
			"invisible": r.PostForm.Get("invisible"),
		}
		_ = json.NewEncoder(w).Encode(apiResponse{Status: 1, Request: "id"})
	}))
	defer srv.Close()
	c, err := New(Config{APIKey: "secret", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	id, err := c.submit(context.Background(), harvest.SolveRequest{SiteKey: "k", Version: "v3", Action: "search", MinScore: 0.3, Invisible: true})
	require.NoError(t, err)
	require.Equal(t, "id", id)
	require.Equal(t, map[string]string{"version": "v3", "action": "search", "min_score": "0.3", "invisible": "1"}, <-got)
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := New(Config{APIKey: " "}, nil)
	require.Error(t, err)
}
