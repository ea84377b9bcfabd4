package services

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/lessonforge/api/utils"
)

var (
	// ErrUnsupportedFormat means the declared or detected format is not
	// one of txt, pdf, doc, docx.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrExtractionFailed means the format was recognized but no usable
	// text could be pulled out of the bytes.
	ErrExtractionFailed = errors.New("text extraction failed")
	// ErrSectionNotFound is returned by ExtractSection when no heading matches.
	ErrSectionNotFound = errors.New("section not found in document")
)

// DocumentLoader turns uploaded lesson source files into plain text.
// Format is detected from content magic bytes first, with the file
// extension as fallback, so a mislabelled upload still loads.
type DocumentLoader struct {
	logger *utils.Logger
}

// NewDocumentLoader creates a new document loader
func NewDocumentLoader() *DocumentLoader {
	return &DocumentLoader{
		logger: utils.NewLogger("document_loader"),
	}
}

// LoadedDocument is the result of loading a source file
type LoadedDocument struct {
	Text     string
	Format   string
	Filename string
}

// DetectFormat inspects content magic bytes, falling back to the file
// extension when the bytes are ambiguous.
func DetectFormat(content []byte, filename string) string {
	if bytes.HasPrefix(content, []byte("%PDF-")) {
		return "pdf"
	}
	// DOCX is a ZIP container
	if bytes.HasPrefix(content, []byte("PK\x03\x04")) {
		return "docx"
	}
	// Legacy DOC uses the OLE compound file header
	if bytes.HasPrefix(content, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}) {
		return "doc"
	}

	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "pdf":
		return "pdf"
	case "docx":
		return "docx"
	case "doc":
		return "doc"
	case "txt", "text", "md":
		return "txt"
	}
	return ""
}

// Load extracts plain text from a source document. The declaredType, if
// non-empty, is only used when detection finds nothing.
func (l *DocumentLoader) Load(content []byte, filename, declaredType string) (*LoadedDocument, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrExtractionFailed)
	}

	format := DetectFormat(content, filename)
	if format == "" {
		format = strings.ToLower(strings.TrimPrefix(declaredType, "."))
	}

	var (
		text string
		err  error
	)
	switch format {
	case "txt":
		text, err = l.extractPlainText(content)
	case "pdf":
		text, err = l.extractPDF(content)
	case "docx":
		text, err = l.extractDOCX(content)
	case "doc":
		text, err = l.extractDOC(content)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: document contains no text", ErrExtractionFailed)
	}

	l.logger.Printf("Loaded %s (%s): %d characters", filename, format, len(text))

	return &LoadedDocument{
		Text:     text,
		Format:   format,
		Filename: filename,
	}, nil
}

// extractPlainText validates UTF-8-ish text and strips control characters
// that confuse downstream prompts.
func (l *DocumentLoader) extractPlainText(content []byte) (string, error) {
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range string(content) {
		if r == unicode.ReplacementChar {
			continue
		}
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// sanitizePDF truncates trailing garbage after the last %%EOF marker.
// PDFs downloaded from the web often have HTML or tracking data appended.
func sanitizePDF(content []byte) []byte {
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return content
	}

	eofMarker := []byte("%%EOF")
	lastEOF := bytes.LastIndex(content, eofMarker)
	if lastEOF == -1 {
		return content
	}

	pdfEnd := lastEOF + len(eofMarker)
	for pdfEnd < len(content) && (content[pdfEnd] == '\n' || content[pdfEnd] == '\r') {
		pdfEnd++
	}

	if len(content)-pdfEnd > 10 {
		return content[:pdfEnd]
	}
	return content
}

func (l *DocumentLoader) extractPDF(content []byte) (string, error) {
	content = sanitizePDF(content)

	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: parsing PDF: %v", ErrExtractionFailed, err)
	}

	numPages := pdfReader.NumPage()
	if numPages == 0 {
		return "", fmt.Errorf("%w: PDF has no pages", ErrExtractionFailed)
	}

	var textBuilder strings.Builder

	for i := 1; i <= numPages; i++ {
		page := pdfReader.Page(i)
		if page.V.IsNull() {
			continue
		}

		// Row extraction preserves document structure better than
		// plain text, which collapses columns.
		rows, err := page.GetTextByRow()
		if err != nil {
			text, plainErr := page.GetPlainText(nil)
			if plainErr != nil {
				l.logger.Printf("Page %d extraction failed: %v", i, plainErr)
				continue
			}
			textBuilder.WriteString(text)
			textBuilder.WriteString("\n")
			continue
		}

		for _, row := range rows {
			var rowText strings.Builder
			for _, word := range row.Content {
				rowText.WriteString(word.S)
			}
			line := strings.TrimSpace(rowText.String())
			if line != "" {
				textBuilder.WriteString(line)
				textBuilder.WriteString("\n")
			}
		}
		textBuilder.WriteString("\n")
	}

	extracted := strings.TrimSpace(textBuilder.String())
	if len(extracted) < 50 {
		return "", fmt.Errorf("%w: only %d characters extracted, PDF may be scanned and require OCR",
			ErrExtractionFailed, len(extracted))
	}

	return extracted, nil
}

// docxDocument models the minimal subset of WordprocessingML we need:
// paragraphs containing text runs.
type docxDocument struct {
	Body struct {
		Paragraphs []struct {
			Runs []struct {
				Text string `xml:"t"`
			} `xml:"r"`
		} `xml:"p"`
	} `xml:"body"`
}

func (l *DocumentLoader) extractDOCX(content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("%w: opening docx container: %v", ErrExtractionFailed, err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("%w: word/document.xml missing", ErrExtractionFailed)
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("%w: reading word/document.xml: %v", ErrExtractionFailed, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("%w: reading word/document.xml: %v", ErrExtractionFailed, err)
	}

	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("%w: parsing word/document.xml: %v", ErrExtractionFailed, err)
	}

	var b strings.Builder
	for _, p := range doc.Body.Paragraphs {
		var line strings.Builder
		for _, r := range p.Runs {
			line.WriteString(r.Text)
		}
		if s := strings.TrimSpace(line.String()); s != "" {
			b.WriteString(s)
			b.WriteString("\n")
		}
	}

	return b.String(), nil
}

// extractDOC salvages readable text from legacy OLE documents without a
// full binary parser: printable ASCII runs of a minimum length survive.
func (l *DocumentLoader) extractDOC(content []byte) (string, error) {
	const minRun = 4

	var b strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= minRun {
			b.Write(run)
			b.WriteString("\n")
		}
		run = run[:0]
	}

	for _, c := range content {
		if c >= 0x20 && c < 0x7F {
			run = append(run, c)
		} else {
			flush()
		}
	}
	flush()

	text := b.String()
	if len(strings.TrimSpace(text)) < 50 {
		return "", fmt.Errorf("%w: could not salvage text from legacy doc file", ErrExtractionFailed)
	}
	return text, nil
}

// ExtractSection returns the text under the first heading containing the
// given name (case-insensitive), up to the next heading-looking line.
func ExtractSection(text, sectionName string) (string, error) {
	lines := strings.Split(text, "\n")
	needle := strings.ToLower(strings.TrimSpace(sectionName))
	if needle == "" {
		return "", ErrSectionNotFound
	}

	start := -1
	for i, line := range lines {
		if isHeadingLine(line) && strings.Contains(strings.ToLower(line), needle) {
			start = i + 1
			break
		}
	}
	if start == -1 {
		return "", fmt.Errorf("%w: %q", ErrSectionNotFound, sectionName)
	}

	var b strings.Builder
	for i := start; i < len(lines); i++ {
		if isHeadingLine(lines[i]) {
			break
		}
		b.WriteString(lines[i])
		b.WriteString("\n")
	}

	section := strings.TrimSpace(b.String())
	if section == "" {
		return "", fmt.Errorf("%w: %q has no content", ErrSectionNotFound, sectionName)
	}
	return section, nil
}

// isHeadingLine applies cheap heuristics: short lines that end without
// sentence punctuation, markdown headings, or numbered headings.
func isHeadingLine(line string) bool {
	s := strings.TrimSpace(line)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "#") {
		return true
	}
	if len(s) > 80 {
		return false
	}
	if strings.HasSuffix(s, ".") || strings.HasSuffix(s, ",") || strings.HasSuffix(s, ";") {
		return false
	}
	// "1. Introduction", "2.3 Photosynthesis"
	if len(s) > 2 && s[0] >= '0' && s[0] <= '9' && (s[1] == '.' || s[1] == ')') {
		return true
	}
	// ALL CAPS or Title Case without trailing punctuation
	words := strings.Fields(s)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	upper := 0
	for _, w := range words {
		r := []rune(w)
		if unicode.IsUpper(r[0]) {
			upper++
		}
	}
	return upper == len(words)
}
