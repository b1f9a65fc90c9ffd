package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"transbook/internal/config"
	"transbook/internal/oracle"
	"transbook/internal/pipeline"
	"transbook/internal/state"
	"transbook/internal/terminology"
)

func sampleChapter(title string) string {
	return `<!DOCTYPE html><html lang="en"><head><title>` + title + `</title>` +
		`<meta name="description" content="A chapter about ` + title + `.">` +
		`</head><body><div class="post">` +
		`<h1>` + title + `</h1>` +
		`<p>Consider the formula <mjx-container>\frac{a}{b}</mjx-container> here.</p>` +
		`<p>Run <code>make all</code> and wait.</p>` +
		`<script>analytics()</script>` +
		`<p>See <a href="https://book.example.invalid/next">the next chapter</a>.</p>` +
		`</div></body></html>`
}

// newOracleServer speaks just enough of the responses API: metadata requests
// get a fixed JSON object, chunk requests get the fragment echoed back.
func newOracleServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(calls, 1)

		body, _ := io.ReadAll(r.Body)
		var req struct {
			Input []struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"input"`
		}
		if err := json.Unmarshal(body, &req); err != nil || len(req.Input) < 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		userPrompt := req.Input[1].Content[0].Text

		var output string
		if strings.Contains(userPrompt, "page title and description") {
			output = `{"title":"翻译标题","description":"翻译描述"}`
		} else {
			const marker = "HTML fragment:\n"
			at := strings.Index(userPrompt, marker)
			if at < 0 {
				http.Error(w, "no fragment", http.StatusBadRequest)
				return
			}
			output = userPrompt[at+len(marker):]
		}

		encoded, _ := json.Marshal(output)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"output_text":`+string(encoded)+
			`,"usage":{"input_tokens":5,"output_tokens":5,"total_tokens":10}}`)
	}))
}

func newRun(t *testing.T, oracleURL string, maxRetries int) (config.Config, *state.Store, *pipeline.Pipeline) {
	t.Helper()

	cfg := config.Default()
	cfg.OutDir = filepath.Join(t.TempDir(), "out")
	cfg.StatePath = filepath.Join(cfg.OutDir, "transbook.db")
	cfg.MaxRetries = maxRetries
	cfg.RequestsPerSec = 1000
	cfg.ExportMarkdown = true

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	httpClient := &http.Client{Timeout: 5 * time.Second}
	translator := oracle.NewClient("test-key", oracleURL, httpClient, cfg.MaxRetries)

	terms, err := terminology.Load("")
	if err != nil {
		t.Fatalf("load terminology: %v", err)
	}

	return cfg, store, pipeline.New(cfg, httpClient, translator, store, terms, io.Discard)
}

func TestSingleURLTranslatedEndToEnd(t *testing.T) {
	contentServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(sampleChapter("Rooflines")))
	}))
	t.Cleanup(contentServer.Close)

	var oracleCalls int32
	oracleServer := newOracleServer(t, &oracleCalls)
	t.Cleanup(oracleServer.Close)

	cfg, store, p := newRun(t, oracleServer.URL, 1)

	sourceURL := contentServer.URL + "/rooflines"
	summary := p.Run(context.Background(), []string{sourceURL})

	if summary.Translated != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	outPath := filepath.Join(cfg.OutDir, "rooflines.html")
	content, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	page := string(content)

	for _, want := range []string{
		`lang="zh-CN"`,
		"<title>翻译标题</title>",
		`content="翻译描述"`,
		`<mjx-container>\frac{a}{b}</mjx-container>`,
		"<code>make all</code>",
		"<script>analytics()</script>",
		"translation-info",
		sourceURL,
	} {
		if !strings.Contains(page, want) {
			t.Fatalf("output missing %q:\n%s", want, page)
		}
	}
	if strings.Contains(page, "PLACEHOLDER") {
		t.Fatalf("placeholder token leaked:\n%s", page)
	}

	if _, err := os.Stat(filepath.Join(cfg.OutDir, "rooflines.md")); err != nil {
		t.Fatalf("markdown rendition missing: %v", err)
	}

	persisted, err := store.IsPersisted(context.Background(), sourceURL)
	if err != nil || !persisted {
		t.Fatalf("persisted=%v err=%v", persisted, err)
	}
	if atomic.LoadInt32(&oracleCalls) < 2 {
		t.Fatalf("oracle calls = %d, want metadata + chunk calls", oracleCalls)
	}
}

func TestRetryExhaustionMarksDocumentFailed(t *testing.T) {
	contentServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleChapter("Broken")))
	}))
	t.Cleanup(contentServer.Close)

	var oracleCalls int32
	oracleServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&oracleCalls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	t.Cleanup(oracleServer.Close)

	cfg, store, p := newRun(t, oracleServer.URL, 1)

	sourceURL := contentServer.URL + "/broken"
	summary := p.Run(context.Background(), []string{sourceURL})

	if summary.Failed != 1 || summary.Translated != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	record, ok, err := store.Get(context.Background(), sourceURL)
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if record.Status != state.StatusFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if record.Error == "" {
		t.Fatal("failure reason not recorded")
	}

	matches, err := filepath.Glob(filepath.Join(cfg.OutDir, "*.html"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("failed document produced output files: %v", matches)
	}
	if got := atomic.LoadInt32(&oracleCalls); got < 2 {
		t.Fatalf("oracle calls = %d, want at least initial + retry", got)
	}
}

func TestPersistedURLSkippedOnResume(t *testing.T) {
	var fetchCalls int32
	contentServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetchCalls, 1)
		_, _ = w.Write([]byte(sampleChapter("Done")))
	}))
	t.Cleanup(contentServer.Close)

	var oracleCalls int32
	oracleServer := newOracleServer(t, &oracleCalls)
	t.Cleanup(oracleServer.Close)

	_, store, p := newRun(t, oracleServer.URL, 1)

	sourceURL := contentServer.URL + "/done"
	if err := store.MarkPersisted(context.Background(), sourceURL, "out/done.html"); err != nil {
		t.Fatalf("mark persisted: %v", err)
	}

	summary := p.Run(context.Background(), []string{sourceURL})

	if summary.Skipped != 1 || summary.Translated != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if atomic.LoadInt32(&fetchCalls) != 0 {
		t.Fatalf("fetch calls = %d, want 0", fetchCalls)
	}
	if atomic.LoadInt32(&oracleCalls) != 0 {
		t.Fatalf("oracle calls = %d, want 0", oracleCalls)
	}
}

func TestSecondRunSkipsCompletedWork(t *testing.T) {
	contentServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleChapter("Twice")))
	}))
	t.Cleanup(contentServer.Close)

	var oracleCalls int32
	oracleServer := newOracleServer(t, &oracleCalls)
	t.Cleanup(oracleServer.Close)

	_, _, p := newRun(t, oracleServer.URL, 1)

	sourceURL := contentServer.URL + "/twice"
	first := p.Run(context.Background(), []string{sourceURL})
	if first.Translated != 1 {
		t.Fatalf("first run summary = %+v", first)
	}
	callsAfterFirst := atomic.LoadInt32(&oracleCalls)

	second := p.Run(context.Background(), []string{sourceURL})
	if second.Skipped != 1 || second.Translated != 0 {
		t.Fatalf("second run summary = %+v", second)
	}
	if got := atomic.LoadInt32(&oracleCalls); got != callsAfterFirst {
		t.Fatalf("second run made %d extra oracle calls", got-callsAfterFirst)
	}
}
