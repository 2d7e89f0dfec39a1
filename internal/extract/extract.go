// Package extract turns supported document files into text sections ready
// to be chunked.
package extract

import (
	"archive/zip"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/context-engine/backend/internal/storage/models"
)

// Section is a run of text from one page. Page is 0 for formats without
// pages.
type Section struct {
	Page int
	Text string
	// Rows, when set, are kept whole instead of being split into sentences.
	Rows []string
}

type Document struct {
	Type     models.FileType
	Title    string
	Sections []Section
}

// File reads the document at path, choosing the extractor by extension.
// Images yield a Document with no sections.
func File(path string) (*Document, error) {
	ft, err := models.FileTypeFromName(path)
	if err != nil {
		return nil, err
	}
	doc := &Document{Type: ft}
	if ft.IsImage() {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		return doc, nil
	}

	switch ft {
	case models.FileTypePDF:
		doc.Sections, err = pdfSections(path)
	case models.FileTypeDOCX:
		doc.Sections, err = docxSections(path)
	default:
		var raw []byte
		raw, err = os.ReadFile(path)
		if err != nil {
			break
		}
		switch ft {
		case models.FileTypeHTML:
			doc.Title, doc.Sections, err = htmlSections(string(raw))
		case models.FileTypeCSV:
			doc.Sections, err = csvSections(string(raw))
		default:
			doc.Sections = []Section{{Text: string(raw)}}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", ft, err)
	}
	return doc, nil
}

func pdfSections(path string) ([]Section, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var out []Section
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if strings.TrimSpace(text) != "" {
			out = append(out, Section{Page: i, Text: text})
		}
	}
	return out, nil
}

// htmlSections drops page chrome and scripts and returns the visible text.
func htmlSections(html string) (string, []Section, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil, err
	}

	title := collapse(doc.Find("title").First().Text())
	if title == "" {
		title = collapse(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, noscript, nav, footer, header, aside").Remove()
	// Block boundaries become paragraph breaks so sentences do not run
	// together.
	doc.Find("p, div, li, tr, br, h1, h2, h3, h4, h5, h6, pre, blockquote").AfterHtml("\n\n")

	body := doc.Find("body")
	text := body.Text()
	if body.Length() == 0 {
		text = doc.Text()
	}
	return title, []Section{{Text: text}}, nil
}

// csvSections renders each record as "header: value" pairs.
func csvSections(raw string) ([]Section, error) {
	r := csv.NewReader(strings.NewReader(raw))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	rows := make([]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		pairs := make([]string, 0, len(rec))
		for i, v := range rec {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			name := fmt.Sprintf("column %d", i+1)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				name = strings.TrimSpace(header[i])
			}
			pairs = append(pairs, name+": "+v)
		}
		if len(pairs) > 0 {
			rows = append(rows, strings.Join(pairs, ", "))
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return []Section{{Rows: rows}}, nil
}

// docxSections reads paragraph text from word/document.xml.
func docxSections(path string) ([]Section, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		text, err := wordText(rc)
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}
		return []Section{{Text: text}}, nil
	}
	return nil, errors.New("docx has no word/document.xml")
}

func wordText(r io.Reader) (string, error) {
	var (
		b      strings.Builder
		inText bool
	)
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
}
