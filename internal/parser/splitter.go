package parser

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"kb-ingest/internal/config"
)

// Mode selects the splitting profile for a whole document.
type Mode int

const (
	// ModeBook suits long-form prose: large chunks, generous overlap.
	ModeBook Mode = iota
	// ModeWorkbook keeps question and answer units apart: small chunks,
	// minimal overlap, question marks as a boundary.
	ModeWorkbook
)

func (m Mode) String() string {
	if m == ModeWorkbook {
		return "workbook"
	}
	return "book"
}

var (
	bookSeparators     = []string{"\n\n\n", "\n\n", "\n", ". ", " ", ""}
	workbookSeparators = []string{"\n\n", "\n", "? ", ". ", " ", ""}
)

// SelectMode picks workbook mode when the filename says so or when the
// document is sparse (mean page length below threshold), book mode otherwise.
func SelectMode(filename string, pages []string, threshold int) Mode {
	if strings.Contains(strings.ToLower(filepath.Base(filename)), "workbook") {
		return ModeWorkbook
	}
	if len(pages) == 0 {
		return ModeWorkbook
	}
	total := 0
	for _, p := range pages {
		total += utf8.RuneCountInString(p)
	}
	if total/len(pages) < threshold {
		return ModeWorkbook
	}
	return ModeBook
}

// NewSplitter returns the recursive character splitter for a mode. Separators
// are kept, so cutting at "? " leaves the question mark in the text.
func NewSplitter(mode Mode, cfg config.ChunkingConfig) textsplitter.TextSplitter {
	size, overlap, seps := cfg.BookChunkSize, cfg.BookChunkOverlap, bookSeparators
	if mode == ModeWorkbook {
		size, overlap, seps = cfg.WorkbookChunkSize, cfg.WorkbookOverlap, workbookSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators(seps),
		textsplitter.WithKeepSeparator(true),
	)
}
