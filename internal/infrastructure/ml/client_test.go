package ml

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"MoltbookWatch/internal/ports"
)

func TestScoreSendsBatchAndDecodes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/score" || r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := scoreResponse{}
		for range req.Texts {
			resp.Scores = append(resp.Scores, map[string]float64{req.Categories[0]: 0.9})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret")
	got, err := c.Score(context.Background(), []string{"a", "b"}, []string{"deception"})
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	want := []map[string]float64{{"deception": 0.9}, {"deception": 0.9}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScoreUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "").Score(context.Background(), []string{"a"}, []string{"x"}); !errors.Is(err, ports.ErrScorerUnavailable) {
		t.Fatalf("expected ErrScorerUnavailable for 503, got %v", err)
	}

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := closed.URL
	closed.Close()
	if _, err := NewClient(url, "").Score(context.Background(), []string{"a"}, []string{"x"}); !errors.Is(err, ports.ErrScorerUnavailable) {
		t.Fatalf("expected ErrScorerUnavailable for refused connection, got %v", err)
	}

	if _, err := NewClient("", "").Score(context.Background(), []string{"a"}, []string{"x"}); !errors.Is(err, ports.ErrScorerUnavailable) {
		t.Fatalf("expected ErrScorerUnavailable without endpoint, got %v", err)
	}
}

func TestScoreRejectsShortAnswer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":[{"x":0.5}]}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Score(context.Background(), []string{"a", "b"}, []string{"x"})
	if err == nil || errors.Is(err, ports.ErrScorerUnavailable) {
		t.Fatalf("expected a plain error for a short answer, got %v", err)
	}
}
