package grading

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chatReply(t *testing.T, content string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestGradeMatchesResultsByLineNumber(t *testing.T) {
	server := httptest.NewServer(chatReply(t,
		`{"results":[{"line":1,"score":5,"feedback":"Great sentence!"},{"line":2,"score":0,"feedback":"Check the grammar"}]}`))
	defer server.Close()

	grader := New("test-key", server.URL, "test-model")
	graded := grader.Grade(context.Background(), "How do you go to school?", "1 point per correct sentence",
		[]string{"I go to school", "I goes to school"})

	if len(graded) != 2 {
		t.Fatalf("expected 2 results, got %d", len(graded))
	}
	if graded[0].Text != "I go to school" || graded[0].Score != 5 || graded[0].Feedback != "Great sentence!" {
		t.Fatalf("unexpected first result %+v", graded[0])
	}
	if graded[1].Score != 0 {
		t.Fatalf("unexpected second result %+v", graded[1])
	}
}

func TestGradeDefaultsMissingLinesToZero(t *testing.T) {
	// grader only returns line 2; line 1 must fall back to score 0
	server := httptest.NewServer(chatReply(t,
		`{"results":[{"line":2,"score":4,"feedback":"Love it!"}]}`))
	defer server.Close()

	grader := New("test-key", server.URL, "")
	graded := grader.Grade(context.Background(), "q", "r", []string{"first answer", "second answer"})

	if graded[0].Score != 0 || graded[0].Feedback == "" {
		t.Fatalf("expected zero-score fallback for unmatched line, got %+v", graded[0])
	}
	if graded[1].Score != 4 || graded[1].Feedback != "Love it!" {
		t.Fatalf("unexpected matched result %+v", graded[1])
	}
}

func TestGradeStripsCodeFences(t *testing.T) {
	server := httptest.NewServer(chatReply(t,
		"```json\n{\"results\":[{\"line\":1,\"score\":2,\"feedback\":\"Nice!\"}]}\n```"))
	defer server.Close()

	grader := New("test-key", server.URL, "")
	graded := grader.Grade(context.Background(), "q", "r", []string{"fenced answer"})
	if graded[0].Score != 2 {
		t.Fatalf("expected fenced JSON to parse, got %+v", graded[0])
	}
}

func TestGradeUnconfiguredNeverCallsOut(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	grader := New("", server.URL, "")
	graded := grader.Grade(context.Background(), "q", "r", []string{"one answer", "two answers"})

	if calls != 0 {
		t.Fatalf("unconfigured grader must not call the API, got %d calls", calls)
	}
	for _, g := range graded {
		if g.Score != 0 || g.Feedback != unavailableFeedback {
			t.Fatalf("expected unavailable fallback, got %+v", g)
		}
	}
}

func TestGradeAPIFailureDegradesToScoreOne(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	grader := New("test-key", server.URL, "")
	graded := grader.Grade(context.Background(), "q", "r", []string{"one answer", "two answers"})

	for _, g := range graded {
		if g.Score != 1 || g.Feedback != apologyFeedback {
			t.Fatalf("expected apologetic score-1 fallback, got %+v", g)
		}
	}
}

func TestGradeMalformedContentDegradesToScoreOne(t *testing.T) {
	server := httptest.NewServer(chatReply(t, "I will not grade today"))
	defer server.Close()

	grader := New("test-key", server.URL, "")
	graded := grader.Grade(context.Background(), "q", "r", []string{"one answer"})
	if graded[0].Score != 1 || graded[0].Feedback != apologyFeedback {
		t.Fatalf("expected parse-failure fallback, got %+v", graded[0])
	}
}

func TestGradeSendsTemperatureZeroAndNumberedLines(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		chatReply(t, `{"results":[]}`).ServeHTTP(w, r)
	}))
	defer server.Close()

	grader := New("test-key", server.URL, "my-model")
	_ = grader.Grade(context.Background(), "q", "r", []string{"an answer"})

	if captured["model"] != "my-model" {
		t.Fatalf("expected model passthrough, got %v", captured["model"])
	}
	if temp, ok := captured["temperature"].(float64); !ok || temp != 0 {
		t.Fatalf("expected temperature 0, got %v", captured["temperature"])
	}
}
