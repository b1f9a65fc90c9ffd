// Package terminology provides the fixed domain-term translation table
// injected into every oracle request, plus a post-pass that enforces the
// canonical forms on translated output.
package terminology

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"transbook/internal/placeholder"
)

// builtin covers the scaling/ML vocabulary of the book. Entries mapping a
// term to itself pin down names the translation must not localize.
var builtin = map[string]string{
	"TPU":                   "TPU",
	"TensorCore":            "TensorCore",
	"systolic array":        "脉动阵列",
	"matrix multiplication": "矩阵乘法",
	"HBM":                   "HBM",
	"bandwidth":             "带宽",
	"FLOPs":                 "FLOPs",
	"bfloat16":              "bfloat16",
	"int8":                  "int8",
	"MXU":                   "MXU",
	"VPU":                   "VPU",
	"VMEM":                  "VMEM",
	"ICI":                   "ICI",
	"PCIe":                  "PCIe",
	"DCN":                   "DCN",
	"roofline":              "屋顶线",
	"sharding":              "分片",
	"JAX":                   "JAX",
	"scaling":               "扩展",
	"inference":             "推理",
	"training":              "训练",
	"transformer":           "Transformer",
	"attention":             "注意力",
	"GPU":                   "GPU",
	"CUDA":                  "CUDA",
	"parallelism":           "并行性",
	"Footnotes":             "脚注",
	"References":            "参考文献",
	"Citation":              "引用",
	"Authors":               "作者",
	"Published":             "发布日期",
	"Contents":              "目录",
}

// Load returns the built-in table, overlaid with entries from the JSON map
// at path when path is non-empty. The result is built once per process and
// shared read-only across all translation requests.
func Load(path string) (map[string]string, error) {
	terms := make(map[string]string, len(builtin))
	for k, v := range builtin {
		terms[k] = v
	}

	if strings.TrimSpace(path) == "" {
		return terms, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read terminology file %s: %w", path, err)
	}

	var extra map[string]string
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, fmt.Errorf("parse terminology JSON %s: %w", path, err)
	}

	for k, v := range extra {
		key := strings.TrimSpace(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		terms[key] = val
	}

	return terms, nil
}

// Prompt renders the table as the consistency constraint block embedded in
// every oracle request.
func Prompt(terms map[string]string) string {
	if len(terms) == 0 {
		return ""
	}

	keys := make([]string, 0, len(terms))
	for key := range terms {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString("Terminology (use these exact translations):\n")
	for _, key := range keys {
		builder.WriteString("- ")
		builder.WriteString(key)
		builder.WriteString(" => ")
		builder.WriteString(terms[key])
		builder.WriteString("\n")
	}
	return strings.TrimSuffix(builder.String(), "\n")
}

// Apply enforces the table on translated HTML text. Markup and placeholder
// tokens are left alone: everything between '<' and '>' passes through
// unchanged, token spans pass through unchanged, and only the text in
// between is rewritten.
func Apply(translatedHTML string, terms map[string]string) string {
	if len(terms) == 0 || translatedHTML == "" {
		return translatedHTML
	}

	pattern, values := buildPattern(terms)
	if pattern == nil {
		return translatedHTML
	}

	rewrite := func(text string) string {
		return replaceOutsideTokens(text, pattern, values)
	}

	var out strings.Builder
	var segment strings.Builder
	inTag := false

	for _, r := range translatedHTML {
		switch {
		case r == '<' && !inTag:
			out.WriteString(rewrite(segment.String()))
			segment.Reset()
			out.WriteRune(r)
			inTag = true
		case r == '>' && inTag:
			out.WriteRune(r)
			inTag = false
		case inTag:
			out.WriteRune(r)
		default:
			segment.WriteRune(r)
		}
	}
	out.WriteString(rewrite(segment.String()))

	return out.String()
}

// replaceOutsideTokens rewrites terms in text while leaving placeholder
// token spans byte-identical, so the table can never break restoration.
func replaceOutsideTokens(text string, pattern *regexp.Regexp, values map[string]string) string {
	apply := func(run string) string {
		return pattern.ReplaceAllStringFunc(run, func(match string) string {
			return values[match]
		})
	}

	spans := placeholder.TokenPattern.FindAllStringIndex(text, -1)
	if len(spans) == 0 {
		return apply(text)
	}

	var b strings.Builder
	last := 0
	for _, span := range spans {
		b.WriteString(apply(text[last:span[0]]))
		b.WriteString(text[span[0]:span[1]])
		last = span[1]
	}
	b.WriteString(apply(text[last:]))
	return b.String()
}

// buildPattern compiles the table into one alternation, longest key first so
// "matrix multiplication" wins over any shorter overlapping term. Keys that
// start or end on a word character only match at word boundaries, so
// "training" never rewrites the tail of "pretraining".
func buildPattern(terms map[string]string) (*regexp.Regexp, map[string]string) {
	keys := make([]string, 0, len(terms))
	values := make(map[string]string, len(terms))
	for key, value := range terms {
		if key == "" || key == value {
			continue
		}
		keys = append(keys, key)
		values[key] = value
	}
	if len(keys) == 0 {
		return nil, nil
	}

	sort.SliceStable(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	alternatives := make([]string, 0, len(keys))
	for _, key := range keys {
		alternatives = append(alternatives, boundedQuote(key))
	}

	pattern, err := regexp.Compile(strings.Join(alternatives, "|"))
	if err != nil {
		return nil, nil
	}
	return pattern, values
}

func boundedQuote(term string) string {
	quoted := regexp.QuoteMeta(term)
	if first, _ := utf8.DecodeRuneInString(term); isWordRune(first) {
		quoted = `\b` + quoted
	}
	if last, _ := utf8.DecodeLastRuneInString(term); isWordRune(last) {
		quoted += `\b`
	}
	return quoted
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z')
}
