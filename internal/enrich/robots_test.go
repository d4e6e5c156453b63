package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, timeoutErr{}
	})
	rt := newRobotsTransport(base, zap.NewNop())
	rt.backoff = []time.Duration{time.Millisecond, time.Millisecond}

	req := httptest.NewRequest(http.MethodGet, "https://shop.example/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.EqualValues(t, 3, calls.Load())
}

func TestRobotsTransportDoesNotRetryHardErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})
	rt := newRobotsTransport(base, zap.NewNop())

	_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.EqualValues(t, 1, calls.Load())
}

func TestRobotsTransportPassesOtherRequests(t *testing.T) {
	t.Parallel()

	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, timeoutErr{}
	})
	rt := newRobotsTransport(base, zap.NewNop())
	_, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://shop.example/contact", nil))
	require.ErrorIs(t, err, timeoutErr{})
}

func TestFindEmailHonoursRobots(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<p>info@shop.example</p>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := New(Config{RespectRobots: true}, nil).FindEmail(context.Background(), srv.URL+"/")
	require.Error(t, err)

	email, err := New(Config{}, nil).FindEmail(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, "info@shop.example", email)
}
