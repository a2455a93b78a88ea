package models

import "strconv"

// FileMetadata is derived from a document's filename alone.
type FileMetadata struct {
	Stage         string
	WorkbookTitle string
}

// Metadata travels with every chunk into the store.
type Metadata struct {
	Stage         string `json:"stage"`
	WorkbookTitle string `json:"workbookTitle"`
	PageNumber    int    `json:"pageNumber"`
}

// ToMap returns the metadata keyed by the persisted key names.
func (m Metadata) ToMap() map[string]any {
	return map[string]any{
		MetaKeyStage:         m.Stage,
		MetaKeyWorkbookTitle: m.WorkbookTitle,
		MetaKeyPageNumber:    m.PageNumber,
	}
}

// Chunk represents a parsed chunk with metadata.
// Embedding stays nil until the embedding generator assigns it.
type Chunk struct {
	Content    string
	Metadata   Metadata
	ChunkIndex int
	SourcePDF  string
	Embedding  []float32
}

func (c Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// ChunkRow is the storage shape of a chunk. Embedding holds the textual
// vector form, e.g. "[0.1,0.2]".
type ChunkRow struct {
	SourcePDF  string
	ChunkIndex int
	Content    string
	Embedding  string
	Metadata   map[string]any
}

// Match is a similarity search hit.
type Match struct {
	SourcePDF  string
	ChunkIndex int
	Content    string
	Metadata   map[string]any
	Similarity float64
}

// PageNumber reads the page number back out of the metadata map, which may
// hold it as an int, a float (decoded JSON) or a string (chromem).
func (m Match) PageNumber() int {
	switch v := m.Metadata[MetaKeyPageNumber].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
