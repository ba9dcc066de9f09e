package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomworks/loom/internals/engine"
	"github.com/loomworks/loom/internals/scheduler"
)

func TestHTTPGeneratorGenerate(t *testing.T) {
	var received generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{
			Text:     "a premise",
			Provider: "anthropic/claude",
			Usage:    engine.Usage{PromptTokens: 120, CompletionTokens: 340, Cost: 0.02},
		})
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "openai/gpt-5.2")
	out, err := gen.Generate(context.Background(), "write a premise", "premise", engine.Sampling{Temperature: 0.8})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if received.Model != "openai/gpt-5.2" || received.Kind != "premise" || received.Temperature != 0.8 {
		t.Fatalf("unexpected request: %+v", received)
	}
	if out.Text != "a premise" || out.Provider != "anthropic/claude" {
		t.Fatalf("unexpected generation: %+v", out)
	}
	if out.Usage.CompletionTokens != 340 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
}

func TestHTTPGeneratorDefaultsProviderToModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Text: "x"})
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "local/test")
	out, err := gen.Generate(context.Background(), "i", "premise", engine.Sampling{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out.Provider != "local/test" {
		t.Fatalf("expected model as provider fallback, got %q", out.Provider)
	}
	if gen.Provider("premise") != "local/test" {
		t.Fatalf("unexpected resolver answer: %q", gen.Provider("premise"))
	}
}

func TestHTTPGeneratorErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gen := NewHTTPGenerator(server.URL, "m")
	_, err := gen.Generate(context.Background(), "i", "premise", engine.Sampling{})
	if err == nil {
		t.Fatalf("expected error on 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "model overloaded") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

func TestHTTPJudgeEvaluate(t *testing.T) {
	var received evaluateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		passed := false
		_ = json.NewEncoder(w).Encode(evaluateResponse{
			Passed: &passed,
			Score:  0.55,
			Issues: []string{"flat dialogue"},
		})
	}))
	defer server.Close()

	judge := NewHTTPJudge(server.URL, 0.7)
	eval, err := judge.Evaluate(context.Background(), "chapter", "text", "context", scheduler.Goal{Title: "Book"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if received.Kind != "chapter" || received.Title != "Book" || received.Threshold != 0.7 {
		t.Fatalf("unexpected request: %+v", received)
	}
	if eval.Passed || eval.Score != 0.55 || len(eval.Issues) != 1 {
		t.Fatalf("unexpected evaluation: %+v", eval)
	}
}

func TestHTTPJudgeThresholdFallback(t *testing.T) {
	score := 0.0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no passed field: the client decides against the threshold
		_ = json.NewEncoder(w).Encode(map[string]any{"score": score})
	}))
	defer server.Close()

	judge := NewHTTPJudge(server.URL, 0.7)

	score = 0.8
	eval, err := judge.Evaluate(context.Background(), "premise", "t", "", scheduler.Goal{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !eval.Passed {
		t.Fatalf("expected pass at 0.8 against threshold 0.7")
	}

	score = 0.6
	eval, err = judge.Evaluate(context.Background(), "premise", "t", "", scheduler.Goal{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Passed {
		t.Fatalf("expected fail at 0.6 against threshold 0.7")
	}
}
