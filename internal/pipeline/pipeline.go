// Package pipeline sequences the translation of each document, from fetch
// through segmentation, fragmenting, concurrent chunk translation, and
// reassembly to the persisted output file. Per-URL progress is recorded in
// SQLite so completed documents are skipped on later runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"transbook/internal/assemble"
	"transbook/internal/config"
	"transbook/internal/export"
	"transbook/internal/fetch"
	"transbook/internal/fragment"
	"transbook/internal/header"
	"transbook/internal/localize"
	"transbook/internal/oracle"
	"transbook/internal/placeholder"
	"transbook/internal/segment"
	"transbook/internal/state"
	"transbook/internal/terminology"
)

const (
	errorTypeFetch      = "fetch_failed"
	errorTypeSegment    = "segment_failed"
	errorTypeTranslate  = "translate_failed"
	errorTypeReassemble = "reassemble_failed"
	errorTypeOutput     = "output_failed"
	errorTypeCanceled   = "canceled"
	errorTypeUnknown    = "unknown"
)

// langCode is written into the html lang attribute of every translated page.
const langCode = "zh-CN"

// Translator is the oracle surface the pipeline needs. *oracle.Client
// satisfies it; tests substitute fakes.
type Translator interface {
	TranslateChunk(ctx context.Context, model, chunkHTML string, terms map[string]string, targetLanguage string) (string, oracle.Usage, error)
	TranslateMetadata(ctx context.Context, model, title, description string, terms map[string]string, targetLanguage string) (oracle.Metadata, oracle.Usage, error)
}

// Document carries one URL through the pipeline stages.
type Document struct {
	URL      string
	FinalURL string
	Page     *segment.Page
	Zones    *placeholder.Store
	Body     string
	Chunks   []fragment.Chunk
	Meta     oracle.Metadata
	Final    string
}

// Result is the outcome for one URL.
type Result struct {
	URL        string
	Skipped    bool
	OutputPath string
	ErrorType  string
	Err        error
	Duration   time.Duration
}

// Summary aggregates a run.
type Summary struct {
	Translated int
	Skipped    int
	Failed     int
	Usage      UsageStats
	Results    []Result
}

// UsageStats accumulates oracle token usage across chunks.
type UsageStats struct {
	InputTokens       int64
	OutputTokens      int64
	TotalTokens       int64
	MissingUsageCount int
}

func (u *UsageStats) add(usage oracle.Usage) {
	if usage.Available {
		u.InputTokens += usage.InputTokens
		u.OutputTokens += usage.OutputTokens
		u.TotalTokens += usage.TotalTokens
		return
	}
	u.MissingUsageCount++
}

func (u *UsageStats) merge(other UsageStats) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.MissingUsageCount += other.MissingUsageCount
}

// Pipeline owns the collaborators shared across documents. The terminology
// map is read-only after construction and safe for concurrent reads; the
// rate limiter is shared by every oracle call in the process.
type Pipeline struct {
	cfg        config.Config
	httpClient *http.Client
	translator Translator
	store      *state.Store
	terms      map[string]string
	limiter    *rate.Limiter
	progress   io.Writer
}

func New(
	cfg config.Config,
	httpClient *http.Client,
	translator Translator,
	store *state.Store,
	terms map[string]string,
	progress io.Writer,
) *Pipeline {
	if progress == nil {
		progress = io.Discard
	}
	return &Pipeline{
		cfg:        cfg,
		httpClient: httpClient,
		translator: translator,
		store:      store,
		terms:      terms,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1),
		progress:   progress,
	}
}

// Run processes each URL independently: a failed document is recorded and
// the run continues. Cancellation is honored between documents and between
// chunks, never mid-request.
func (p *Pipeline) Run(ctx context.Context, urls []string) Summary {
	localizer := localize.New(p.cfg.BaseDomain, urls)

	summary := Summary{Results: make([]Result, 0, len(urls))}
	for _, url := range urls {
		if ctx.Err() != nil {
			break
		}

		result, usage := p.processURL(ctx, url, localizer)
		summary.Results = append(summary.Results, result)
		summary.Usage.merge(usage)

		switch {
		case result.Skipped:
			summary.Skipped++
			fmt.Fprintf(p.progress, "Skip (already translated): %s\n", url)
		case result.ErrorType == errorTypeCanceled:
			fmt.Fprintf(p.progress, "Canceled: %s\n", url)
		case result.Err != nil:
			summary.Failed++
			fmt.Fprintf(p.progress, "Failed [%s]: %s (%v)\n", result.ErrorType, url, result.Err)
		default:
			summary.Translated++
			fmt.Fprintf(p.progress, "Output: %s\n", result.OutputPath)
		}
	}

	return summary
}

func (p *Pipeline) processURL(ctx context.Context, url string, localizer *localize.Localizer) (Result, UsageStats) {
	start := time.Now()
	result := Result{URL: url}

	persisted, err := p.store.IsPersisted(ctx, url)
	if err == nil && persisted {
		result.Skipped = true
		result.Duration = time.Since(start)
		return result, UsageStats{}
	}

	doc, usage, procErr := p.translateDocument(ctx, url, localizer)
	summaryUsageLog(p.progress, usage)
	result.Duration = time.Since(start)

	if procErr != nil {
		result.ErrorType, result.Err = errorDetails(procErr)
		// A canceled document is not a failed one: its in-flight status
		// stays as is and the next run picks it up from the start.
		if isCanceled(procErr) {
			result.ErrorType = errorTypeCanceled
			return result, usage
		}
		if markErr := p.store.MarkFailed(ctx, url, result.Err.Error()); markErr != nil {
			fmt.Fprintf(p.progress, "Warning: record failure for %s: %v\n", url, markErr)
		}
		return result, usage
	}

	result.OutputPath = doc.Final
	return result, usage
}

// translateDocument walks one document through every stage. On success the
// returned Document's Final field holds the output path.
func (p *Pipeline) translateDocument(ctx context.Context, url string, localizer *localize.Localizer) (*Document, UsageStats, error) {
	var usage UsageStats

	page, err := fetch.HTML(ctx, p.httpClient, url)
	if err != nil {
		return nil, usage, newStageError(errorTypeFetch, fmt.Errorf("fetch %s: %w", url, err))
	}
	if err := p.store.SetStatus(ctx, url, state.StatusFetched); err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	doc := &Document{URL: url, FinalURL: page.FinalURL, Zones: placeholder.NewStore()}

	doc.Page, err = segment.Segment(page.HTML)
	if err != nil {
		return nil, usage, newStageError(errorTypeSegment, fmt.Errorf("segment %s: %w", url, err))
	}

	zones, err := doc.Zones.Extract(doc.Page.Body)
	if err != nil {
		return nil, usage, newStageError(errorTypeSegment, fmt.Errorf("extract protected zones for %s: %w", url, err))
	}
	doc.Body, err = segment.RenderChildren(doc.Page.Body)
	if err != nil {
		return nil, usage, newStageError(errorTypeSegment, err)
	}
	if err := p.store.SetStatus(ctx, url, state.StatusSegmented); err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	doc.Chunks, err = fragment.Fragment(doc.Body, p.cfg.ChunkChars)
	if err != nil {
		return nil, usage, newStageError(errorTypeSegment, fmt.Errorf("fragment %s: %w", url, err))
	}
	if len(doc.Chunks) == 0 {
		return nil, usage, newStageError(errorTypeSegment, fmt.Errorf("no translatable content in %s", url))
	}
	if err := p.store.SetStatus(ctx, url, state.StatusFragmented); err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	fmt.Fprintf(p.progress, "Translating %s: %d protected zones, %d chunks\n", url, len(zones), len(doc.Chunks))
	if err := p.store.SetStatus(ctx, url, state.StatusTranslating); err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	metaUsage, err := p.translateMetadata(ctx, doc)
	usage.merge(metaUsage)
	if err != nil {
		return nil, usage, newStageError(errorTypeTranslate, err)
	}

	chunkUsage, err := p.translateChunks(ctx, doc)
	usage.merge(chunkUsage)
	if err != nil {
		return nil, usage, newStageError(errorTypeTranslate, err)
	}
	if err := p.store.SetStatus(ctx, url, state.StatusTranslated); err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	finalHTML, err := assemble.Reassemble(doc.Page, doc.Meta.Title, doc.Meta.Description, doc.Chunks, doc.Zones, langCode)
	if err != nil {
		return nil, usage, newStageError(errorTypeReassemble, fmt.Errorf("reassemble %s: %w", url, err))
	}
	if err := p.store.SetStatus(ctx, url, state.StatusReassembled); err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	finalHTML, converted, err := localizer.Rewrite(finalHTML)
	if err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}
	if converted > 0 {
		fmt.Fprintf(p.progress, "Localized %d in-book links for %s\n", converted, url)
	}

	finalHTML, err = header.Inject(finalHTML, doc.FinalURL, p.cfg.TranslatorName)
	if err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	outPath, err := p.persist(url, finalHTML)
	if err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}
	if err := p.store.MarkPersisted(ctx, url, outPath); err != nil {
		return nil, usage, newStageError(errorTypeOutput, err)
	}

	doc.Final = outPath
	return doc, usage, nil
}

// translateMetadata handles title + description as one atomic unit; pages
// with no metadata skip the call entirely.
func (p *Pipeline) translateMetadata(ctx context.Context, doc *Document) (UsageStats, error) {
	var usage UsageStats
	if doc.Page.Title == "" && doc.Page.Description == "" {
		return usage, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return usage, err
	}

	meta, metaUsage, err := p.translator.TranslateMetadata(
		ctx, p.cfg.Model, doc.Page.Title, doc.Page.Description, p.terms, p.cfg.TargetLanguage,
	)
	usage.add(metaUsage)
	if err != nil {
		return usage, fmt.Errorf("translate metadata for %s: %w", doc.URL, err)
	}
	meta.Title = terminology.Apply(meta.Title, p.terms)
	meta.Description = terminology.Apply(meta.Description, p.terms)
	doc.Meta = meta
	return usage, nil
}

type chunkResult struct {
	index      int
	translated string
	usage      oracle.Usage
	err        error
}

// translateChunks runs the per-document worker pool. Chunks have no ordering
// dependency during translation; order is re-imposed by index when results
// land. The first permanent chunk failure cancels remaining work for this
// document.
func (p *Pipeline) translateChunks(ctx context.Context, doc *Document) (UsageStats, error) {
	var usage UsageStats

	workerCount := p.cfg.Workers
	if workerCount > len(doc.Chunks) {
		workerCount = len(doc.Chunks)
	}
	if workerCount < 1 {
		workerCount = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make(chan chunkResult, len(doc.Chunks))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				if runCtx.Err() != nil {
					return
				}

				if err := p.limiter.Wait(runCtx); err != nil {
					return
				}

				translated, chunkUsage, err := p.translator.TranslateChunk(
					runCtx, p.cfg.Model, doc.Chunks[idx].Source, p.terms, p.cfg.TargetLanguage,
				)
				select {
				case results <- chunkResult{index: idx, translated: translated, usage: chunkUsage, err: err}:
				case <-runCtx.Done():
					return
				}
				if err != nil {
					cancel()
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for idx := range doc.Chunks {
			select {
			case <-runCtx.Done():
				return
			case jobs <- idx:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	completed := 0
	var firstErr error
	for result := range results {
		usage.add(result.usage)
		if result.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("translate chunk %d of %s: %w", result.index+1, doc.URL, result.err)
			}
			continue
		}

		doc.Chunks[result.index].Translated = terminology.Apply(result.translated, p.terms)
		completed++
		fmt.Fprintf(p.progress, "[%d/%d] translated chunk %d for %s\n",
			completed, len(doc.Chunks), result.index+1, doc.URL)
	}

	if firstErr != nil {
		return usage, firstErr
	}
	if err := ctx.Err(); err != nil {
		return usage, err
	}
	return usage, nil
}

// persist writes the final page and, when configured, a markdown rendition
// next to it.
func (p *Pipeline) persist(url string, finalHTML string) (string, error) {
	if err := os.MkdirAll(p.cfg.OutDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	filename := localize.FilenameForURL(url)
	outPath := filepath.Join(p.cfg.OutDir, filename)
	if err := os.WriteFile(outPath, []byte(finalHTML), 0o644); err != nil {
		return "", fmt.Errorf("write output file %s: %w", outPath, err)
	}

	if p.cfg.ExportMarkdown {
		markdownText, err := export.Markdown(finalHTML)
		if err != nil {
			return "", fmt.Errorf("export markdown for %s: %w", url, err)
		}
		mdPath := strings.TrimSuffix(outPath, ".html") + ".md"
		if err := os.WriteFile(mdPath, []byte(markdownText), 0o644); err != nil {
			return "", fmt.Errorf("write markdown file %s: %w", mdPath, err)
		}
	}

	return outPath, nil
}

type stageError struct {
	errorType string
	err       error
}

func (e *stageError) Error() string {
	return e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

func newStageError(errorType string, err error) error {
	if err == nil {
		return nil
	}
	return &stageError{errorType: errorType, err: err}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func errorDetails(err error) (string, error) {
	var staged *stageError
	if errors.As(err, &staged) {
		return staged.errorType, staged.err
	}
	return errorTypeUnknown, err
}

func summaryUsageLog(progress io.Writer, usage UsageStats) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.TotalTokens == 0 {
		return
	}
	fmt.Fprintf(progress, "Usage: input=%d output=%d total=%d tokens\n",
		usage.InputTokens, usage.OutputTokens, usage.TotalTokens)
}
