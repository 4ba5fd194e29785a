package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
)

// TextExtractor turns raw HTML bytes or a downloaded PDF into plain text.
type TextExtractor interface {
	HTMLText(body []byte) (string, error)
	PDFText(path string) (string, error)
}

// DefaultExtractor uses goquery for HTML and ledongthuc/pdf for PDFs.
type DefaultExtractor struct{}

const droppedSelectors = "script,style,noscript,iframe,svg,nav,footer,header"

// HTMLText returns whitespace-collapsed visible text.
func (DefaultExtractor) HTMLText(body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("html body empty")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(droppedSelectors).Remove()

	var parts []string
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		parts = append(parts, title)
	}
	parts = append(parts, doc.Find("body").Text())
	return CollapseWhitespace(strings.Join(parts, " ")), nil
}

// PDFText extracts the plain text layer of the PDF at path.
func (DefaultExtractor) PDFText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return CollapseWhitespace(buf.String()), nil
}

// CollapseWhitespace trims s and folds internal whitespace runs to one space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
