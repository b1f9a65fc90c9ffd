// Package export produces a markdown rendition of a translated page for
// readers who want the text outside a browser.
package export

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

func Markdown(htmlContent string) (string, error) {
	markdownText, err := htmltomarkdown.ConvertString(htmlContent)
	if err != nil {
		return "", err
	}

	markdownText = strings.ReplaceAll(markdownText, "\r\n", "\n")
	markdownText = strings.TrimSpace(markdownText)

	return markdownText + "\n", nil
}
