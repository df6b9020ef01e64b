package tmdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{APIKey: "key", BaseURL: server.URL, Client: server.Client()})
}

func TestMovieRuntime(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/movie/603" || r.URL.Query().Get("api_key") != "key" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"id":603,"runtime":136}`))
	})
	minutes, err := client.RuntimeMinutes(context.Background(), "tmdb:603", domain.MediaMovie, 0, 0)
	if err != nil {
		t.Fatalf("RuntimeMinutes: %v", err)
	}
	if minutes != 136 {
		t.Fatalf("expected 136, got %d", minutes)
	}
}

func TestEpisodeRuntimeFallsBackToShow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tv/63639/season/2/episode/5":
			_, _ = w.Write([]byte(`{"runtime":null}`))
		case "/tv/63639":
			_, _ = w.Write([]byte(`{"episode_run_time":[0,44]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	minutes, err := client.RuntimeMinutes(context.Background(), "63639", domain.MediaTV, 2, 5)
	if err != nil {
		t.Fatalf("RuntimeMinutes: %v", err)
	}
	if minutes != 44 {
		t.Fatalf("expected 44, got %d", minutes)
	}
}

func TestIMDbIDIsResolved(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/find/tt0133093":
			if r.URL.Query().Get("external_source") != "imdb_id" {
				t.Errorf("missing external_source")
			}
			_, _ = w.Write([]byte(`{"movie_results":[{"id":603}],"tv_results":[]}`))
		case "/movie/603":
			_, _ = w.Write([]byte(`{"runtime":136}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	minutes, err := client.RuntimeMinutes(context.Background(), "tt0133093", domain.MediaMovie, 0, 0)
	if err != nil || minutes != 136 {
		t.Fatalf("expected 136, got %d (%v)", minutes, err)
	}
}

func TestDisabledWithoutKey(t *testing.T) {
	client := NewClient(Config{})
	if client.Enabled() {
		t.Fatalf("expected disabled client")
	}
	if _, err := client.RuntimeMinutes(context.Background(), "603", domain.MediaMovie, 0, 0); err == nil {
		t.Fatalf("expected error when disabled")
	}
}

func TestMissingRuntimeIsAnError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"runtime":0}`))
	})
	if _, err := client.RuntimeMinutes(context.Background(), "1", domain.MediaMovie, 0, 0); err == nil {
		t.Fatalf("expected error for zero runtime")
	}
}
