// Package fetch downloads source pages. The page is returned verbatim:
// the translation pipeline needs the full markup, including script, style,
// and math containers, exactly as served.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrBody = 1024

// Page is a fetched source document.
type Page struct {
	HTML     string
	FinalURL string
}

func HTML(ctx context.Context, httpClient *http.Client, rawURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", "transbook/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("download URL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errSnippet := strings.TrimSpace(string(body))
		if len(errSnippet) > maxErrBody {
			errSnippet = errSnippet[:maxErrBody] + "..."
		}
		return Page{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, errSnippet)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return Page{
		HTML:     string(body),
		FinalURL: finalURL,
	}, nil
}
