// Package extract turns downloaded PDF and Word documents into ordered text
// chunks sized for provider requests.
package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrExtraction marks a malformed or unsupported document. Extraction errors
// are contained per-document; the run continues.
var ErrExtraction = errors.New("extraction failed")

// ErrUnsupportedFormat is wrapped into ErrExtraction for formats the
// extractor cannot read, like legacy binary .doc.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document extracts the plain text of a document file based on its extension.
func Document(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return PDF(path)
	case ".docx":
		return DOCX(path)
	default:
		return "", fmt.Errorf("%w: %w: %s", ErrExtraction, ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// PDF extracts the text of every page in order.
func PDF(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open pdf %s: %w", ErrExtraction, filepath.Base(path), err)
	}
	defer f.Close()

	var sb strings.Builder
	textReader, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: read pdf %s: %w", ErrExtraction, filepath.Base(path), err)
	}
	if _, err := io.Copy(&sb, textReader); err != nil {
		return "", fmt.Errorf("%w: read pdf %s: %w", ErrExtraction, filepath.Base(path), err)
	}

	return strings.TrimSpace(sb.String()), nil
}

// docx XML shapes: paragraphs hold runs, runs hold text nodes.
type docxDocument struct {
	Body docxBody `xml:"body"`
}

type docxBody struct {
	Paragraphs []docxParagraph `xml:"p"`
}

type docxParagraph struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Texts []string `xml:"t"`
}

// DOCX extracts paragraph text from the main document part of a .docx
// archive, one line per paragraph.
func DOCX(path string) (string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("%w: open docx %s: %w", ErrExtraction, filepath.Base(path), err)
	}
	defer archive.Close()

	var docXML []byte
	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, openErr := file.Open()
		if openErr != nil {
			return "", fmt.Errorf("%w: read docx %s: %w", ErrExtraction, filepath.Base(path), openErr)
		}
		docXML, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("%w: read docx %s: %w", ErrExtraction, filepath.Base(path), err)
		}
		break
	}
	if docXML == nil {
		return "", fmt.Errorf("%w: %s has no word/document.xml", ErrExtraction, filepath.Base(path))
	}

	var doc docxDocument
	if err := xml.NewDecoder(bytes.NewReader(docXML)).Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: parse docx %s: %w", ErrExtraction, filepath.Base(path), err)
	}

	lines := make([]string, 0, len(doc.Body.Paragraphs))
	for _, para := range doc.Body.Paragraphs {
		var sb strings.Builder
		for _, run := range para.Runs {
			for _, text := range run.Texts {
				sb.WriteString(text)
			}
		}
		if line := strings.TrimSpace(sb.String()); line != "" {
			lines = append(lines, line)
		}
	}

	return strings.Join(lines, "\n"), nil
}
