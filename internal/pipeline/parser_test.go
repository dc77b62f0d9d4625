package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserMarkers(t *testing.T) {
	p := NewParser(DefaultDefinition())

	tests := []struct {
		name     string
		line     string
		stage    Stage
		unit     string
		status   MarkerStatus
		progress *int
		units    int
		file     string
	}{
		{name: "plain running", line: "Browser: searching the web", stage: StageBrowser, status: MarkerRunning},
		{name: "timestamp prefix", line: "[12:00:01] Browser: searching", stage: StageBrowser, status: MarkerRunning},
		{name: "alias with percent", line: "Research Agent: gathering sources 40%", stage: StageResearcher, status: MarkerRunning, progress: intp(40)},
		{name: "progress key", line: "WRITER: progress=75", stage: StageWriter, status: MarkerRunning, progress: intp(75)},
		{name: "out of range progress", line: "Writer: 150%", stage: StageWriter, status: MarkerRunning},
		{name: "unit completed", line: "Researcher#2: completed subtopic", stage: StageResearcher, unit: "2", status: MarkerCompleted},
		{name: "unit error", line: "Researcher#ai-safety: error: timeout", stage: StageResearcher, unit: "ai-safety", status: MarkerError},
		{name: "error beats done", line: "Reviewer: finished with exception", stage: StageReviewer, status: MarkerError},
		{name: "fan-out width", line: "Researcher: starting units=4", stage: StageResearcher, status: MarkerRunning, units: 4},
		{name: "saved file", line: "Publisher: saved to outputs/report.md.", stage: StagePublisher, status: MarkerRunning, file: "outputs/report.md"},
		{name: "file key", line: `Publisher: done file="out/final report.pdf"`, stage: StagePublisher, status: MarkerCompleted, file: "out/final report.pdf"},
		{name: "wrote file", line: "Writer: wrote draft.md", stage: StageWriter, status: MarkerRunning, file: "draft.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := p.Parse(tt.line)
			require.True(t, ok)
			assert.Equal(t, tt.stage, m.Stage)
			assert.Equal(t, tt.unit, m.Unit)
			assert.Equal(t, tt.status, m.Status)
			assert.Equal(t, tt.progress, m.Progress)
			assert.Equal(t, tt.units, m.Units)
			assert.Equal(t, tt.file, m.File)
		})
	}
}

func TestParserIgnoresNonMarkers(t *testing.T) {
	p := NewParser(DefaultDefinition())

	for _, line := range []string{
		"",
		"just some output",
		"Translator: not a stage",
		"http://example.com: fetched",
		"   : empty label",
	} {
		_, ok := p.Parse(line)
		assert.False(t, ok, line)
	}
}

func intp(v int) *int { return &v }
