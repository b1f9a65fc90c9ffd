package export

import (
	"strings"
	"testing"
)

func TestMarkdownConvertsHeadingsAndLinks(t *testing.T) {
	got, err := Markdown(`<html><body><h1>标题</h1>` +
		`<p>见 <a href="https://example.com">示例</a>。</p></body></html>`)
	if err != nil {
		t.Fatalf("markdown: %v", err)
	}

	if !strings.Contains(got, "# 标题") {
		t.Fatalf("heading not converted: %q", got)
	}
	if !strings.Contains(got, "[示例](https://example.com)") {
		t.Fatalf("link not converted: %q", got)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Fatalf("missing trailing newline: %q", got)
	}
}

func TestMarkdownNormalizesLineEndings(t *testing.T) {
	got, err := Markdown("<p>one</p>\r\n<p>two</p>")
	if err != nil {
		t.Fatalf("markdown: %v", err)
	}
	if strings.Contains(got, "\r") {
		t.Fatalf("carriage returns survived: %q", got)
	}
}
