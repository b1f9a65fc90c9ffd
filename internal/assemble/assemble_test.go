package assemble

import (
	"errors"
	"strings"
	"testing"

	"transbook/internal/fragment"
	"transbook/internal/placeholder"
	"transbook/internal/segment"
)

func TestReassembleRestoresProtectedMarkup(t *testing.T) {
	page, err := segment.Segment(`<!DOCTYPE html><html lang="en"><head>` +
		`<title>Greeting</title><meta name="description" content="A greeting.">` +
		`</head><body><p>Hello <code>x=1</code> world</p></body></html>`)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}

	store := placeholder.NewStore()
	if _, err := store.Extract(page.Body); err != nil {
		t.Fatalf("extract: %v", err)
	}
	body, err := segment.RenderChildren(page.Body)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	chunks, err := fragment.Fragment(body, 8000)
	if err != nil {
		t.Fatalf("fragment: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	chunks[0].Translated = "<p>你好 CODE_PLACEHOLDER_000 世界</p>"

	doc, err := Reassemble(page, "问候", "一段问候。", chunks, store, "zh-CN")
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}

	for _, want := range []string{
		"<!DOCTYPE html>",
		`lang="zh-CN"`,
		"<title>问候</title>",
		`content="一段问候。"`,
		"<p>你好 <code>x=1</code> 世界</p>",
	} {
		if !strings.Contains(doc, want) {
			t.Fatalf("output missing %q:\n%s", want, doc)
		}
	}
	if strings.Contains(doc, "CODE_PLACEHOLDER_000") {
		t.Fatalf("placeholder token leaked into output:\n%s", doc)
	}
	if strings.Contains(doc, `lang="en"`) {
		t.Fatalf("original lang attribute survived:\n%s", doc)
	}
}

func TestReassembleRejectsMissingTranslation(t *testing.T) {
	page, err := segment.Segment(`<html><body><p>a</p><p>b</p></body></html>`)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}

	chunks := []fragment.Chunk{
		{Index: 0, Source: "<p>a</p>", Translated: "<p>甲</p>"},
		{Index: 1, Source: "<p>b</p>"},
	}
	_, err = Reassemble(page, "", "", chunks, placeholder.NewStore(), "zh-CN")
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestReassembleRejectsDanglingToken(t *testing.T) {
	page, err := segment.Segment(`<html><body><p>a</p></body></html>`)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}

	chunks := []fragment.Chunk{
		{Index: 0, Source: "<p>a</p>", Translated: "<p>MATH_PLACEHOLDER_000</p>"},
	}
	_, err = Reassemble(page, "", "", chunks, placeholder.NewStore(), "zh-CN")
	var dangling *placeholder.DanglingError
	if !errors.As(err, &dangling) {
		t.Fatalf("expected DanglingError, got %v", err)
	}
}

func TestReassembleAddsLangWhenAbsent(t *testing.T) {
	page, err := segment.Segment(`<html><head><title>T</title></head><body><p>a</p></body></html>`)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}

	chunks := []fragment.Chunk{{Index: 0, Source: "<p>a</p>", Translated: "<p>甲</p>"}}
	doc, err := Reassemble(page, "", "", chunks, placeholder.NewStore(), "zh-CN")
	if err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if !strings.Contains(doc, `<html lang="zh-CN">`) {
		t.Fatalf("lang attribute not added:\n%s", doc)
	}
	if !strings.Contains(doc, "<title>T</title>") {
		t.Fatalf("empty metadata translation replaced the original title:\n%s", doc)
	}
}
