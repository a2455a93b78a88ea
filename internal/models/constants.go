package models

// Coaching stages a source document can belong to.
const (
	StageCelebration = "celebration"
	StageConnection  = "connection"
	StageSpark       = "spark"
	StagePayOff      = "payOff"
	StageSpiral      = "spiral"
	StageGeneral     = "general"
)

// Metadata keys persisted with every chunk. Query-time filtering depends on
// these exact names.
const (
	MetaKeyStage         = "stage"
	MetaKeyWorkbookTitle = "workbookTitle"
	MetaKeyPageNumber    = "pageNumber"
)

const (
	// EmbeddingDimensions is the vector size of text-embedding-3-small.
	EmbeddingDimensions = 1536
	// MinChunkChars drops normalized chunks shorter than this.
	MinChunkChars = 100
)

// Stages lists the known stages in table order, without the fallback.
var Stages = []string{StageCelebration, StageConnection, StageSpark, StagePayOff, StageSpiral}
