package rag

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/microcosm-cc/bluemonday"
)

// SupportedExtensions are the document types a corpus can ingest.
var SupportedExtensions = []string{".txt", ".md", ".html", ".htm", ".pdf"}

// Supported reports whether name has an ingestible extension.
func Supported(name string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(name)))
}

var (
	stripTags  = bluemonday.StrictPolicy()
	blankLines = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
)

// ExtractText turns a document into plain text. PDF pages are read for
// their text layer and HTML goes through readability first; every format
// has remaining markup stripped.
func ExtractText(name string, data []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(SupportedExtensions, ext) {
		return "", fmt.Errorf("unsupported document type %q", ext)
	}
	if ext == ".pdf" {
		text, err := pdfText(data)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		return normalizeText(text), nil
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s is not valid UTF-8 text", name)
	}
	text := string(data)
	if ext == ".html" || ext == ".htm" {
		article, err := readability.FromReader(bytes.NewReader(data), &url.URL{Scheme: "file", Path: "/" + filepath.Base(name)})
		if err == nil && strings.TrimSpace(article.TextContent) != "" {
			text = article.TextContent
		}
	}
	return normalizeText(html.UnescapeString(stripTags.Sanitize(text))), nil
}

func pdfText(data []byte) (text string, err error) {
	// the parser panics on some malformed input
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		pageText, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		b.WriteString(pageText)
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("no text layer")
	}
	return b.String(), nil
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLines.ReplaceAllString(s, "\n\n"))
}

// makeChunks splits text into windows of approx runes overlapping by overlap.
func makeChunks(text string, approx, overlap int) []string {
	r := []rune(strings.TrimSpace(text))
	if len(r) == 0 {
		return nil
	}
	if len(r) <= approx {
		return []string{string(r)}
	}
	if overlap >= approx {
		overlap = 0
	}
	var chunks []string
	for start := 0; start < len(r); {
		end := start + approx
		if end > len(r) {
			end = len(r)
		}
		chunks = append(chunks, string(r[start:end]))
		if end == len(r) {
			break
		}
		start = end - overlap
	}
	return chunks
}
