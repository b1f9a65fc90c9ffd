// Package oracle is the adapter for the external translation service,
// implemented against the OpenAI Responses API. The service is treated as a
// black-box text-to-text function; the only correctness requirement the
// adapter enforces is that placeholder tokens survive verbatim, which every
// request states as a hard instruction.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"transbook/internal/terminology"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	maxErrBody        = 2048
	defaultMaxRetries = 5
)

// ErrUnavailable marks a transient failure (network error, 429, 5xx). The
// client retries these with backoff; once the attempt ceiling is reached the
// error still wraps ErrUnavailable but is permanent for the chunk.
var ErrUnavailable = errors.New("translation service unavailable")

// ErrRejected marks a permanent failure (malformed request, content policy,
// unusable response). Never retried.
var ErrRejected = errors.New("translation request rejected")

type Client struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	maxRetries int
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Available    bool
}

// Metadata is the atomically translated head-level pair.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func NewClient(apiKey string, baseURL string, httpClient *http.Client, maxRetries int) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(baseURL, "/v1") {
		baseURL = strings.TrimSuffix(baseURL, "/v1")
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		apiKey:     apiKey,
		endpoint:   baseURL + "/v1/responses",
		httpClient: httpClient,
		maxRetries: maxRetries,
	}
}

// TranslateChunk translates one body chunk. Repeated calls may yield
// different phrasings; the caller relies only on placeholder preservation.
func (c *Client) TranslateChunk(
	ctx context.Context,
	model string,
	chunkHTML string,
	terms map[string]string,
	targetLanguage string,
) (string, Usage, error) {
	systemPrompt := chunkSystemPrompt(targetLanguage)
	userPrompt := chunkUserPrompt(chunkHTML, terms, targetLanguage)

	text, usage, err := c.generate(ctx, model, systemPrompt, userPrompt)
	if err != nil {
		return "", usage, err
	}
	return text, usage, nil
}

// TranslateMetadata translates title and description as one unit, returned
// as a strict JSON object so neither field can bleed into the other.
func (c *Client) TranslateMetadata(
	ctx context.Context,
	model string,
	title string,
	description string,
	terms map[string]string,
	targetLanguage string,
) (Metadata, Usage, error) {
	systemPrompt := "Translate page metadata for a technical document. " +
		"Respond with only a JSON object {\"title\": ..., \"description\": ...}, no commentary."

	var builder strings.Builder
	builder.WriteString("Translate the following page title and description into ")
	builder.WriteString(targetLanguage)
	builder.WriteString(".\n")
	builder.WriteString("Keep technical terms consistent and the tone professional.\n")
	if prompt := terminology.Prompt(terms); prompt != "" {
		builder.WriteString(prompt)
		builder.WriteString("\n")
	}
	builder.WriteString("\nTitle: ")
	builder.WriteString(title)
	builder.WriteString("\nDescription: ")
	builder.WriteString(description)

	text, usage, err := c.generate(ctx, model, systemPrompt, builder.String())
	if err != nil {
		return Metadata{}, usage, err
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(stripJSONFence(text)), &meta); err != nil {
		return Metadata{}, usage, fmt.Errorf("%w: unparseable metadata response: %v", ErrRejected, err)
	}
	return meta, usage, nil
}

func (c *Client) generate(ctx context.Context, model, systemPrompt, userPrompt string) (string, Usage, error) {
	payload := map[string]any{
		"model": model,
		"input": []map[string]any{
			{
				"type": "message",
				"role": "developer",
				"content": []map[string]any{
					{"type": "input_text", "text": systemPrompt},
				},
			},
			{
				"type": "message",
				"role": "user",
				"content": []map[string]any{
					{"type": "input_text", "text": userPrompt},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal oracle request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		text, usage, err := c.callResponses(ctx, body)
		if err == nil {
			return text, usage, nil
		}

		lastErr = err
		if !errors.Is(err, ErrUnavailable) || attempt == c.maxRetries {
			break
		}

		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: unknown translation error", ErrRejected)
	}
	return "", Usage{}, lastErr
}

func (c *Client) callResponses(ctx context.Context, body []byte) (string, Usage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("%w: read response body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := parseAPIError(respBody)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
				select {
				case <-time.After(retryAfter):
				case <-ctx.Done():
					return "", Usage{}, ctx.Err()
				}
			}
			return "", Usage{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, message)
		}
		return "", Usage{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, message)
	}

	output, err := extractOutputText(respBody)
	if err != nil {
		return "", Usage{}, err
	}
	return output, extractUsage(respBody), nil
}

func chunkSystemPrompt(targetLanguage string) string {
	return strings.Join([]string{
		"Translate English HTML content to " + targetLanguage + ".",
		"Preserve every HTML tag, attribute, class, and id exactly as given.",
		"Translate only the human-readable text between tags.",
		"Any token matching NAME_PLACEHOLDER_123 (for example MATH_PLACEHOLDER_000) must appear in the output verbatim, exactly once, unchanged.",
		"Do not translate URLs, anchors, or attribute values.",
		"Return only the translated HTML with no commentary.",
	}, " ")
}

func chunkUserPrompt(chunkHTML string, terms map[string]string, targetLanguage string) string {
	var builder strings.Builder
	builder.WriteString("Translate the following HTML fragment into ")
	builder.WriteString(targetLanguage)
	builder.WriteString(".\n")
	builder.WriteString("Keep all markup intact and leave placeholder tokens exactly as they are.\n")
	if prompt := terminology.Prompt(terms); prompt != "" {
		builder.WriteString(prompt)
		builder.WriteString("\n")
	}
	builder.WriteString("\nHTML fragment:\n")
	builder.WriteString(chunkHTML)
	return builder.String()
}

func parseAPIError(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return parsed.Error.Message
	}

	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrBody {
		snippet = snippet[:maxErrBody] + "..."
	}
	if snippet == "" {
		return "empty error response"
	}
	return snippet
}

func extractOutputText(body []byte) (string, error) {
	var parsed struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response JSON: %v", ErrRejected, err)
	}

	if text := strings.TrimSpace(parsed.OutputText); text != "" {
		return text, nil
	}

	var builder strings.Builder
	for _, item := range parsed.Output {
		for _, content := range item.Content {
			if content.Type == "output_text" && content.Text != "" {
				if builder.Len() > 0 {
					builder.WriteString("\n")
				}
				builder.WriteString(content.Text)
			}
		}
	}

	if builder.Len() == 0 {
		return "", fmt.Errorf("%w: response missing output_text", ErrRejected)
	}

	return strings.TrimSpace(builder.String()), nil
}

func extractUsage(body []byte) Usage {
	var parsed struct {
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return Usage{}
	}

	if parsed.Usage.InputTokens == 0 && parsed.Usage.OutputTokens == 0 && parsed.Usage.TotalTokens == 0 {
		return Usage{}
	}

	return Usage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		TotalTokens:  parsed.Usage.TotalTokens,
		Available:    true,
	}
}

// stripJSONFence tolerates models that wrap JSON answers in a code fence.
func stripJSONFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if ts, err := http.ParseTime(value); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}

	return 0
}

func backoffDelay(attempt int) time.Duration {
	base := time.Second
	delay := base * time.Duration(1<<attempt)
	jitter := time.Duration(rand.Intn(250)) * time.Millisecond
	max := 30 * time.Second
	if delay+jitter > max {
		return max
	}
	return delay + jitter
}
