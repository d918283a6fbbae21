package docstore

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF-")

// ExtractText turns raw source bytes into plain text. PDF files are detected
// by magic number and parsed page by page; anything else is treated as UTF-8
// plain text. A source that yields no text returns ErrUnreadableDocument.
func ExtractText(name string, data []byte) (string, error) {
	var text string
	if bytes.HasPrefix(data, pdfMagic) {
		var err error
		text, err = extractPDF(data)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrUnreadableDocument, name, err)
		}
	} else {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %s: not valid UTF-8 text", ErrUnreadableDocument, name)
		}
		text = string(data)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrUnreadableDocument, name)
	}
	return text, nil
}

// extractPDF concatenates the text layer of every page, joined with newlines.
func extractPDF(data []byte) (text string, err error) {
	// The pdf package panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		s, err := p.GetPlainText(nil)
		if err != nil {
			continue
		}
		pages = append(pages, s)
	}
	return strings.Join(pages, "\n"), nil
}
