package parser

import (
	"archive/zip"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var ErrUnsupportedFormat = errors.New("unsupported file format")

// PageSource returns the text of a document one entry per page, in physical
// order starting at page 1. An unreadable page is returned as "".
type PageSource interface {
	Pages(path string) ([]string, error)
}

// FilePages picks an extractor from the file extension.
type FilePages struct{}

var supportedExtensions = []string{".pdf", ".docx", ".pptx", ".xlsx", ".xlsm", ".md", ".txt"}

// SupportedExtensions lists the extensions FilePages can read.
func SupportedExtensions() []string {
	return append([]string(nil), supportedExtensions...)
}

func (FilePages) Pages(path string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return parsePDF(path)
	case ".docx":
		return parseDOCX(path)
	case ".pptx":
		return parsePPTX(path)
	case ".xlsx":
		return parseXLSX(path)
	case ".xlsm":
		return parseXLSM(path)
	case ".md":
		return parseMarkdown(path)
	case ".txt":
		return parseText(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parsePDF(filePath string) (pages []string, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// the pdf reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("malformed pdf %s: %v", filePath, r)
		}
	}()

	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return nil, err
	}

	numPages := reader.NumPage()
	pages = make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			log.Debug().Err(err).Str("file", filePath).Int("page", i).Msg("unreadable page")
			pageText = ""
		}
		pages = append(pages, pageText)
	}
	return pages, nil
}

// parseDOCX returns the whole document as a single page, DOCX has no fixed
// pagination.
func parseDOCX(filePath string) ([]string, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	content := r.Editable().GetContent()
	var paragraphs []string
	for _, p := range strings.Split(content, "</w:p>") {
		if t := strings.TrimSpace(extractTextFromXML(p, "w:t", "")); t != "" {
			paragraphs = append(paragraphs, t)
		}
	}
	return []string{strings.Join(paragraphs, "\n\n")}, nil
}

// parsePPTX returns one page per slide, ordered by slide number.
func parsePPTX(filePath string) ([]string, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	slides := map[int]string{}
	for _, file := range f.File {
		num, ok := slideNumber(file.Name)
		if !ok {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			slides[num] = ""
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			slides[num] = ""
			continue
		}
		var paragraphs []string
		for _, p := range strings.Split(string(data), "</a:p>") {
			if t := strings.TrimSpace(extractTextFromXML(p, "a:t", " ")); t != "" {
				paragraphs = append(paragraphs, t)
			}
		}
		slides[num] = strings.Join(paragraphs, "\n")
	}

	nums := make([]int, 0, len(slides))
	for n := range slides {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	pages := make([]string, 0, len(nums))
	for _, n := range nums {
		pages = append(pages, slides[n])
	}
	return pages, nil
}

func slideNumber(name string) (int, bool) {
	const prefix = "ppt/slides/slide"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".xml") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".xml"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseXLSX returns one page per sheet.
func parseXLSX(filePath string) ([]string, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	pages := make([]string, 0, len(f.Sheets))
	for _, sheet := range f.Sheets {
		var rows [][]string
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		pages = append(pages, sheetText(sheet.Name, rows))
	}
	return pages, nil
}

// parseXLSM handles macro-enabled workbooks, which tealeg/xlsx refuses.
func parseXLSM(filePath string) ([]string, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]string, 0, len(sheets))
	for _, sheetName := range sheets {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, sheetText(sheetName, rows))
	}
	return pages, nil
}

func sheetText(name string, rows [][]string) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteString("\n")
	}
	return b.String()
}

// parseMarkdown renders markdown to plain text, the whole file being one page.
func parseMarkdown(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return []string{markdownToText(data)}, nil
}

// parseText splits on form feeds, which pdftotext and friends emit between
// pages.
func parseText(filePath string) ([]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\f"), nil
}

func markdownToText(src []byte) string {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteByte('\n')
				}
			}
			return ast.WalkContinue, nil
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
			return ast.WalkContinue, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
			}
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			b.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// extractTextFromXML concatenates the character data of every <tag> element
// in an OOXML fragment, joined by sep.
func extractTextFromXML(xmlContent, tag, sep string) string {
	var b strings.Builder
	open := "<" + tag
	closing := "</" + tag + ">"
	rest := xmlContent
	for {
		i := strings.Index(rest, open)
		if i < 0 {
			break
		}
		rest = rest[i+len(open):]
		// skip longer tag names sharing the prefix, e.g. <w:tab> or <w:tbl>
		if rest == "" || (rest[0] != '>' && rest[0] != ' ') {
			continue
		}
		gt := strings.IndexByte(rest, '>')
		if gt < 0 {
			break
		}
		if gt > 0 && rest[gt-1] == '/' {
			rest = rest[gt+1:]
			continue
		}
		rest = rest[gt+1:]
		end := strings.Index(rest, closing)
		if end < 0 {
			break
		}
		b.WriteString(html.UnescapeString(rest[:end]))
		b.WriteString(sep)
		rest = rest[end+len(closing):]
	}
	return b.String()
}
