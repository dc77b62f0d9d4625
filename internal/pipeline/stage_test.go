package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDefinitionResolvesAliases(t *testing.T) {
	d := DefaultDefinition()

	tests := []struct {
		label string
		want  Stage
	}{
		{"browser", StageBrowser},
		{"Browser", StageBrowser},
		{"Initial Research", StageBrowser},
		{"EDITOR", StageEditor},
		{"Research Agent", StageResearcher},
		{"research_agent", StageResearcher},
		{"deep-researcher", StageResearcher},
		{"Revisor", StageReviser},
		{"report writer", StageWriter},
		{"Publisher", StagePublisher},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, ok := d.Resolve(tt.label)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := d.Resolve("Translator")
	assert.False(t, ok, "unknown labels must not become stages")
	_, ok = d.Resolve("")
	assert.False(t, ok)
}

func TestDefaultDefinitionShape(t *testing.T) {
	d := DefaultDefinition()

	assert.Equal(t, []string{"browser", "editor", "researcher", "reviewer", "reviser", "writer", "publisher"}, d.IDs())
	fan, ok := d.FanOutStage()
	require.True(t, ok)
	assert.Equal(t, StageResearcher, fan)
	assert.Equal(t, StagePublisher, d.TerminalStage())
	assert.Equal(t, 2, d.Index(StageResearcher))
	assert.Equal(t, -1, d.Index("translator"))

	spec, ok := d.Spec(StageWriter)
	require.True(t, ok)
	assert.Equal(t, "Writer", spec.Name)
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - id: plan
    aliases: [planner]
  - id: gather
    fanOut: true
  - id: report
    name: Report
`), 0o644))

	d, err := LoadDefinition(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"plan", "gather", "report"}, d.IDs())
	assert.Equal(t, Stage("report"), d.TerminalStage(), "last stage is terminal by default")
	got, ok := d.Resolve("Planner")
	require.True(t, ok)
	assert.Equal(t, Stage("plan"), got)

	spec, _ := d.Spec("plan")
	assert.Equal(t, "plan", spec.Name)
}

func TestLoadDefinitionRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "stages: []"},
		{"missing id", "stages:\n  - name: Foo"},
		{"duplicate", "stages:\n  - id: a\n  - id: a"},
		{"two fan-outs", "stages:\n  - id: a\n    fanOut: true\n  - id: b\n    fanOut: true"},
		{"two terminals", "stages:\n  - id: a\n    terminal: true\n  - id: b\n    terminal: true"},
		{"ambiguous alias", "stages:\n  - id: a\n    aliases: [x]\n  - id: b\n    aliases: [X]"},
		{"bad yaml", "stages: [:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "stages.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := LoadDefinition(path)
			assert.Error(t, err)
		})
	}

	_, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
