package extract

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"github.com/roach88/curator/internal/ingest"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Extractor implements ingest.Extractor.
type Extractor struct {
	html *htmlConverter
}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{html: newHTMLConverter()}
}

// Extract returns the title and plain body of content.
func (e *Extractor) Extract(ctx context.Context, content []byte, mimeType, filename string) (ingest.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return ingest.Extraction{}, err
	}

	content = bytes.TrimPrefix(content, utf8BOM)
	kind := kindOf(mimeType, filename)
	if kind == kindUnsupported {
		return ingest.Extraction{}, ingest.Permanent(ingest.CodeUnsupportedFormat, "cannot extract "+mimeType, nil)
	}
	if !utf8.Valid(content) {
		return ingest.Extraction{}, ingest.Permanent(ingest.CodeCorrupt, "content is not valid UTF-8", nil)
	}

	switch kind {
	case kindHTML:
		res, err := e.html.convert(content)
		if err != nil {
			return ingest.Extraction{}, ingest.Permanent(ingest.CodeCorrupt, "html conversion failed", err)
		}
		return ingest.Extraction{Title: res.title, Body: res.markdown}, nil
	case kindMarkdown:
		body := normalizeNewlines(string(content))
		return ingest.Extraction{Title: markdownTitle(body), Body: strings.TrimSpace(body)}, nil
	default:
		return ingest.Extraction{Body: strings.TrimSpace(normalizeNewlines(string(content)))}, nil
	}
}

type contentKind int

const (
	kindUnsupported contentKind = iota
	kindText
	kindMarkdown
	kindHTML
)

// kindOf decides by media type first, then by extension for generic types.
func kindOf(mimeType, filename string) contentKind {
	switch mimeType {
	case "text/html", "application/xhtml+xml":
		return kindHTML
	case "text/markdown", "text/x-markdown":
		return kindMarkdown
	case "text/plain":
		if isMarkdownName(filename) {
			return kindMarkdown
		}
		return kindText
	case "", "application/octet-stream":
		switch {
		case isMarkdownName(filename):
			return kindMarkdown
		case hasExt(filename, ".txt", ".text", ".log"):
			return kindText
		case hasExt(filename, ".html", ".htm"):
			return kindHTML
		}
		return kindUnsupported
	}
	if strings.HasPrefix(mimeType, "text/") {
		return kindText
	}
	return kindUnsupported
}

func isMarkdownName(filename string) bool {
	return hasExt(filename, ".md", ".markdown")
}

func hasExt(filename string, exts ...string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// markdownTitle returns the first level-one heading.
func markdownTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
