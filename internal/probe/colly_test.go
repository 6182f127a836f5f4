package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeReturnsRenderedStaticPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><a href="mailto:owner@example.com">contact</a></body></html>`))
	}))
	defer srv.Close()

	p := New(Config{UserAgent: "probe-agent", Timeout: 2 * time.Second}, nil)
	page, ok, err := p.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, page.HTML, "owner@example.com")
	require.Equal(t, srv.URL, page.URL)
}

func TestProbeNotUsableOnNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := New(Config{Timeout: 2 * time.Second}, nil)
	_, ok, err := p.Probe(context.Background(), srv.URL)
	require.Error(t, err)
	require.False(t, ok)
}

func TestProbeFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>landed</body></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := New(Config{Timeout: 2 * time.Second}, nil)
	page, ok, err := p.Probe(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, srv.URL+"/final", page.FinalURL)
}

func TestProbeHonorsContextCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		_, _ = w.Write([]byte("slow"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := New(Config{Timeout: 5 * time.Second}, nil)
	_, _, err := p.Probe(ctx, srv.URL)
	require.Error(t, err)
}
