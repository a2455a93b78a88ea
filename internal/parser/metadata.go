package parser

import (
	"path/filepath"
	"regexp"
	"strings"

	"kb-ingest/internal/models"
)

type stagePattern struct {
	stage   string
	pattern *regexp.Regexp
}

// stagePatterns is checked in order, the first match wins.
var stagePatterns = []stagePattern{
	{models.StageCelebration, regexp.MustCompile(`(?i)celebration`)},
	{models.StageConnection, regexp.MustCompile(`(?i)(connection|vital connection)`)},
	{models.StageSpark, regexp.MustCompile(`(?i)(spark|love-spark)`)},
	{models.StagePayOff, regexp.MustCompile(`(?i)(pay-off|payoff|big pay-off)`)},
	{models.StageSpiral, regexp.MustCompile(`(?i)(spiral|spiral effect)`)},
}

// ExtractMetadata derives the workbook title and stage from a filename.
// A filename matching no stage pattern gets the general stage.
func ExtractMetadata(filename string) models.FileMetadata {
	base := filepath.Base(filename)
	title := strings.TrimSuffix(base, filepath.Ext(base))

	meta := models.FileMetadata{
		Stage:         models.StageGeneral,
		WorkbookTitle: title,
	}
	for _, sp := range stagePatterns {
		if sp.pattern.MatchString(title) {
			meta.Stage = sp.stage
			break
		}
	}
	return meta
}
