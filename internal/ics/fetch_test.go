package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchAll_IsolatesFailuresAndKeepsOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.ics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	})
	mux.HandleFunc("/broken.ics", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/empty.ics", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := NewFetcher("", WithHTTPClient(srv.Client()))
	sources := []Source{
		{ID: "broken", URL: srv.URL + "/broken.ics"},
		{ID: "ok", URL: srv.URL + "/ok.ics"},
		{ID: "empty", URL: srv.URL + "/empty.ics"},
		{ID: "nourl"},
	}

	results := f.FetchAll(context.Background(), sources)
	require.Len(t, results, 4)

	assert.Equal(t, "broken", results[0].Source.ID)
	assert.Error(t, results[0].Err)
	assert.Equal(t, http.StatusInternalServerError, results[0].Status)

	assert.Equal(t, "ok", results[1].Source.ID)
	assert.True(t, results[1].OK())
	assert.Contains(t, string(results[1].Body), "BEGIN:VCALENDAR")

	assert.Error(t, results[2].Err)
	assert.Error(t, results[3].Err)
}

func TestFetchOne_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher("", WithHTTPClient(srv.Client()), WithTimeout(50*time.Millisecond))

	start := time.Now()
	res := f.FetchOne(context.Background(), Source{ID: "slow", URL: srv.URL})
	require.Error(t, res.Err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchOne_ConditionalGet(t *testing.T) {
	var hits, notModified int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			atomic.AddInt32(&notModified, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(t.TempDir(), WithHTTPClient(srv.Client()))
	src := Source{ID: "cal", URL: srv.URL + "/cal.ics"}

	first := f.FetchOne(context.Background(), src)
	require.NoError(t, first.Err)
	assert.False(t, first.FromCache)

	second := f.FetchOne(context.Background(), src)
	require.NoError(t, second.Err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
	assert.EqualValues(t, 1, atomic.LoadInt32(&notModified))
}

func TestFetchOne_NoStaleFallbackOnError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(t.TempDir(), WithHTTPClient(srv.Client()))
	src := Source{ID: "cal", URL: srv.URL}

	require.NoError(t, f.FetchOne(context.Background(), src).Err)

	fail.Store(true)
	res := f.FetchOne(context.Background(), src)
	assert.Error(t, res.Err)
	assert.Empty(t, res.Body)
}

func TestHTTPURL(t *testing.T) {
	assert.Equal(t, "https://example.com/a.ics", httpURL("webcal://example.com/a.ics"))
	assert.Equal(t, "https://example.com/a.ics", httpURL("WEBCAL://example.com/a.ics"))
	assert.Equal(t, "http://example.com/a.ics", httpURL("http://example.com/a.ics"))
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/path/private.ics?token=abc", "https://example.com/...(redacted)"},
		{"https://example.com", "https://example.com/...(redacted)"},
		{"not a url", "ics://...(redacted)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, redactURL(tt.in), tt.in)
	}
}
