package oracle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestTranslateChunkRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			http.NotFound(w, r)
			return
		}

		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"message":"temporary failure"}}`)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"output_text":"<p>你好</p>","usage":{"input_tokens":12,"output_tokens":3,"total_tokens":15}}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient("test-key", server.URL, &http.Client{Timeout: 3 * time.Second}, 1)

	got, usage, err := client.TranslateChunk(context.Background(), "gpt-5.2", "<p>hello</p>", nil, "Simplified Chinese")
	if err != nil {
		t.Fatalf("TranslateChunk() error = %v", err)
	}
	if got != "<p>你好</p>" {
		t.Fatalf("translated = %q", got)
	}
	if !usage.Available || usage.InputTokens != 12 || usage.OutputTokens != 3 || usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v, want available usage values", usage)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("request calls = %d, want 2", calls)
	}
}

func TestTranslateChunkDoesNotRetryOnBadRequest(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad request"}}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient("test-key", server.URL, &http.Client{Timeout: 2 * time.Second}, 5)

	_, _, err := client.TranslateChunk(context.Background(), "gpt-5.2", "<p>x</p>", nil, "Simplified Chinese")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("request calls = %d, want 1", calls)
	}
}

func TestTranslateChunkExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient("test-key", server.URL, &http.Client{Timeout: 2 * time.Second}, 1)

	_, _, err := client.TranslateChunk(context.Background(), "gpt-5.2", "<p>x</p>", nil, "Simplified Chinese")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("request calls = %d, want 2 (initial + 1 retry)", calls)
	}
}

func TestTranslateChunkSendsPlaceholderInstructions(t *testing.T) {
	t.Parallel()

	var captured string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		captured = string(body)
		_, _ = io.WriteString(w, `{"output_text":"<p>ok</p>"}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient("test-key", server.URL, &http.Client{Timeout: 2 * time.Second}, 0)

	terms := map[string]string{"sharding": "分片"}
	_, _, err := client.TranslateChunk(context.Background(), "gpt-5.2",
		"<p>MATH_PLACEHOLDER_000</p>", terms, "Simplified Chinese")
	if err != nil {
		t.Fatalf("TranslateChunk() error = %v", err)
	}

	if !strings.Contains(captured, "PLACEHOLDER") {
		t.Fatalf("request missing placeholder instruction: %s", captured)
	}
	if !strings.Contains(captured, "sharding => 分片") && !strings.Contains(captured, "sharding => 分片") {
		t.Fatalf("request missing terminology block: %s", captured)
	}
}

func TestTranslateMetadataParsesJSONObject(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output_text":"{\"title\":\"扩展手册\",\"description\":\"如何扩展。\"}"}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient("test-key", server.URL, &http.Client{Timeout: 2 * time.Second}, 0)

	meta, _, err := client.TranslateMetadata(context.Background(), "gpt-5.2",
		"Scaling Handbook", "How to scale.", nil, "Simplified Chinese")
	if err != nil {
		t.Fatalf("TranslateMetadata() error = %v", err)
	}
	if meta.Title != "扩展手册" || meta.Description != "如何扩展。" {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestTranslateMetadataRejectsUnparseableResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output_text":"just some prose"}`)
	}))
	t.Cleanup(server.Close)

	client := NewClient("test-key", server.URL, &http.Client{Timeout: 2 * time.Second}, 0)

	_, _, err := client.TranslateMetadata(context.Background(), "gpt-5.2",
		"Title", "Description", nil, "Simplified Chinese")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestExtractOutputTextFallsBackToOutputArray(t *testing.T) {
	t.Parallel()

	body := []byte(`{"output":[{"content":[{"type":"output_text","text":"first"},{"type":"other","text":"ignored"}]},{"content":[{"type":"output_text","text":"second"}]}]}`)
	got, err := extractOutputText(body)
	if err != nil {
		t.Fatalf("extractOutputText() error = %v", err)
	}
	if got != "first\nsecond" {
		t.Fatalf("extractOutputText() = %q", got)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	if got := parseRetryAfter("2"); got != 2*time.Second {
		t.Fatalf("parseRetryAfter(2) = %v", got)
	}
	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("parseRetryAfter(empty) = %v", got)
	}
	if got := parseRetryAfter("garbage"); got != 0 {
		t.Fatalf("parseRetryAfter(garbage) = %v", got)
	}
}

func TestStripJSONFence(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"{\"a\":1}":                      `{"a":1}`,
		"```json\n{\"a\":1}\n```":        `{"a":1}`,
		"```\n{\"a\":1}\n```":            `{"a":1}`,
		"  \n```json\n{\"a\":1}\n```\n ": `{"a":1}`,
	}
	for input, want := range cases {
		if got := stripJSONFence(input); got != want {
			t.Fatalf("stripJSONFence(%q) = %q, want %q", input, got, want)
		}
	}
}
