package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"transbook/internal/config"
	"transbook/internal/oracle"
	"transbook/internal/pipeline"
	"transbook/internal/state"
	"transbook/internal/terminology"
)

const (
	defaultConfigPath = "transbook.toml"
	summaryFileName   = "_summary.json"
)

type summaryItem struct {
	SourceURL    string `json:"source_url"`
	Success      bool   `json:"success"`
	Skipped      bool   `json:"skipped,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	OutputPath   string `json:"output_path,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type taskSummary struct {
	GeneratedAt       string        `json:"generated_at"`
	Model             string        `json:"model"`
	TotalURLs         int           `json:"total_urls"`
	TranslatedCount   int           `json:"translated_count"`
	SkippedCount      int           `json:"skipped_count"`
	FailureCount      int           `json:"failure_count"`
	InputTokens       int64         `json:"input_tokens,omitempty"`
	OutputTokens      int64         `json:"output_tokens,omitempty"`
	TotalTokens       int64         `json:"total_tokens,omitempty"`
	MissingUsageCount int           `json:"missing_usage_count,omitempty"`
	Results           []summaryItem `json:"results"`
}

func newRunCommand(configFlag *string) *cobra.Command {
	var (
		modelFlag       string
		outFlag         string
		chunkCharsFlag  int
		workersFlag     int
		maxRetriesFlag  int
		urlsFileFlag    string
		noMarkdownFlag  bool
		terminologyFlag string
	)

	cmd := &cobra.Command{
		Use:   "run [urls...]",
		Short: "Fetch and translate the given URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFlag)
			if err != nil {
				return err
			}

			if modelFlag != "" {
				cfg.Model = modelFlag
			}
			if outFlag != "" {
				cfg.OutDir = outFlag
			}
			if chunkCharsFlag > 0 {
				cfg.ChunkChars = chunkCharsFlag
			}
			if workersFlag > 0 {
				cfg.Workers = workersFlag
			}
			if cmd.Flags().Changed("max-retries") {
				cfg.MaxRetries = maxRetriesFlag
			}
			if terminologyFlag != "" {
				cfg.TerminologyPath = terminologyFlag
			}
			if noMarkdownFlag {
				cfg.ExportMarkdown = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			urls, err := collectURLs(args, urlsFileFlag)
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return errors.New("no URLs given; pass them as arguments or via --urls-file")
			}
			if cfg.Env.APIKey == "" {
				return errors.New("OPENAI_API_KEY is not set")
			}

			terms, err := terminology.Load(cfg.TerminologyPath)
			if err != nil {
				return err
			}

			store, err := state.Open(cfg.StatePath)
			if err != nil {
				return err
			}
			defer store.Close()

			httpClient := &http.Client{Timeout: cfg.Timeout()}
			translator := oracle.NewClient(cfg.Env.APIKey, cfg.Env.BaseURL, httpClient, cfg.MaxRetries)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := pipeline.New(cfg, httpClient, translator, store, terms, cmd.OutOrStdout())
			summary := p.Run(ctx, urls)

			if err := writeSummary(cfg.OutDir, cfg.Model, summary); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: write summary: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Done: %d translated, %d skipped, %d failed\n",
				summary.Translated, summary.Skipped, summary.Failed)

			if err := ctx.Err(); err != nil {
				return context.Canceled
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d documents failed", summary.Failed, len(urls))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelFlag, "model", "", "Model name override")
	cmd.Flags().StringVarP(&outFlag, "out", "o", "", "Output directory override")
	cmd.Flags().IntVar(&chunkCharsFlag, "chunk-chars", 0, "Maximum characters per translation chunk")
	cmd.Flags().IntVar(&workersFlag, "workers", 0, "Concurrent translation workers per document")
	cmd.Flags().IntVar(&maxRetriesFlag, "max-retries", 0, "Retries for transient translation errors")
	cmd.Flags().StringVar(&urlsFileFlag, "urls-file", "", "File with one URL per line")
	cmd.Flags().StringVar(&terminologyFlag, "terminology", "", "JSON file with extra term translations")
	cmd.Flags().BoolVar(&noMarkdownFlag, "no-markdown", false, "Skip the markdown rendition")

	return cmd
}

func loadConfig(configFlag string) (config.Config, error) {
	path := configFlag
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	return config.Load(path, explicit)
}

func collectURLs(args []string, urlsFile string) ([]string, error) {
	urls := make([]string, 0, len(args))
	urls = append(urls, args...)

	if urlsFile != "" {
		content, err := os.ReadFile(urlsFile)
		if err != nil {
			return nil, fmt.Errorf("read urls file: %w", err)
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			urls = append(urls, line)
		}
	}

	seen := make(map[string]bool, len(urls))
	unique := urls[:0]
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid URL: %s", raw)
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		unique = append(unique, raw)
	}
	return unique, nil
}

func writeSummary(outDir string, model string, summary pipeline.Summary) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	task := taskSummary{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Model:             model,
		TotalURLs:         len(summary.Results),
		TranslatedCount:   summary.Translated,
		SkippedCount:      summary.Skipped,
		FailureCount:      summary.Failed,
		InputTokens:       summary.Usage.InputTokens,
		OutputTokens:      summary.Usage.OutputTokens,
		TotalTokens:       summary.Usage.TotalTokens,
		MissingUsageCount: summary.Usage.MissingUsageCount,
		Results:           make([]summaryItem, 0, len(summary.Results)),
	}
	for _, result := range summary.Results {
		item := summaryItem{
			SourceURL:  result.URL,
			Success:    result.Err == nil && !result.Skipped,
			Skipped:    result.Skipped,
			DurationMS: result.Duration.Milliseconds(),
			OutputPath: result.OutputPath,
			ErrorType:  result.ErrorType,
		}
		if result.Err != nil {
			item.ErrorMessage = result.Err.Error()
		}
		task.Results = append(task.Results, item)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, summaryFileName), append(data, '\n'), 0o644)
}
