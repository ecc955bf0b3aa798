package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"MoltbookWatch/internal/config"
	"MoltbookWatch/internal/ports"
)

func TestScoreParsesModelReply(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string        `json:"model"`
			Messages []chatMessage `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model != "test-model" || len(req.Messages) != 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		reply := "```json\n" + `{"scores":[{"deception":0.8,"made-up":0.9},{"deception":1.7}]}` + "\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": chatMessage{Role: "assistant", Content: reply}}},
		})
	}))
	defer srv.Close()

	s := NewChatGPTScorer(config.ChatGPTConfig{Endpoint: srv.URL, Model: "test-model", APIKey: "k"})
	got, err := s.Score(context.Background(), []string{"one", "two"}, []string{"deception"})
	if err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	want := []map[string]float64{{"deception": 0.8}, {}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScoreSoftFailures(t *testing.T) {
	t.Parallel()

	if _, err := NewChatGPTScorer(config.ChatGPTConfig{}).Score(context.Background(), []string{"x"}, nil); !errors.Is(err, ports.ErrScorerUnavailable) {
		t.Fatalf("expected ErrScorerUnavailable when unconfigured, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewChatGPTScorer(config.ChatGPTConfig{Endpoint: srv.URL, Model: "m", APIKey: "k"})
	if _, err := s.Score(context.Background(), []string{"x"}, []string{"deception"}); !errors.Is(err, ports.ErrScorerUnavailable) {
		t.Fatalf("expected ErrScorerUnavailable for 429, got %v", err)
	}
}

func TestParseScoresRejectsWrongLength(t *testing.T) {
	t.Parallel()

	if _, err := parseScores(`{"scores":[{}]}`, 2, nil); err == nil {
		t.Fatalf("expected error for wrong length")
	}
	if _, err := parseScores(`not json`, 1, nil); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}
