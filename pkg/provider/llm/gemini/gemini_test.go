package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm"
	"github.com/Soolking-cyber/IELTS-TEMPLATE/pkg/provider/llm/gemini"
)

func respond(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			},
			"finishReason": "STOP",
		}},
	})
}

func newProvider(t *testing.T, h http.HandlerFunc) *gemini.Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := gemini.New(context.Background(), "test-key", gemini.WithBaseURL(srv.URL), gemini.WithModel("gemini-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestGenerate_SendsSchemaAndSystemPrompt(t *testing.T) {
	t.Parallel()

	var body map[string]any
	var path string
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		respond(w, `{"topic":"A journey"}`)
	})

	got, err := p.Generate(context.Background(), llm.Request{
		SystemPrompt: "You write IELTS cue cards.",
		Prompt:       "Generate one.",
		Schema: &llm.Schema{
			Type:       llm.TypeObject,
			Properties: map[string]*llm.Schema{"topic": {Type: llm.TypeString}},
			Required:   []string{"topic"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != `{"topic":"A journey"}` {
		t.Errorf("Generate() = %q", got)
	}
	if !strings.Contains(path, "gemini-test:generateContent") {
		t.Errorf("path = %q", path)
	}

	gc, _ := body["generationConfig"].(map[string]any)
	if gc["responseMimeType"] != "application/json" {
		t.Errorf("responseMimeType = %v", gc["responseMimeType"])
	}
	schema, _ := gc["responseSchema"].(map[string]any)
	if schema["type"] != "OBJECT" {
		t.Errorf("schema type = %v", schema["type"])
	}
	si, _ := body["systemInstruction"].(map[string]any)
	raw, _ := json.Marshal(si)
	if !strings.Contains(string(raw), "IELTS cue cards") {
		t.Errorf("systemInstruction = %s", raw)
	}
}

func TestGenerate_EmptyResponse(t *testing.T) {
	t.Parallel()
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) { respond(w, "  ") })

	_, err := p.Generate(context.Background(), llm.Request{Prompt: "hello"})
	if !errors.Is(err, llm.ErrEmptyResponse) {
		t.Fatalf("Generate() = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerate_ServerError(t *testing.T) {
	t.Parallel()
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":400,"message":"boom","status":"INVALID_ARGUMENT"}}`, http.StatusBadRequest)
	})

	if _, err := p.Generate(context.Background(), llm.Request{Prompt: "hello"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenerate_RequiresPrompt(t *testing.T) {
	t.Parallel()
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	if _, err := p.Generate(context.Background(), llm.Request{Prompt: " "}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := gemini.New(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}
