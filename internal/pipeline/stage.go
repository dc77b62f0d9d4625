// Package pipeline drives a research run: it launches the child process,
// frames its output, recognises stage markers and turns them into session
// events.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Stage is a canonical stage identifier.
type Stage string

// Stages of the default research pipeline, in execution order.
const (
	StageBrowser    Stage = "browser"
	StageEditor     Stage = "editor"
	StageResearcher Stage = "researcher"
	StageReviewer   Stage = "reviewer"
	StageReviser    Stage = "reviser"
	StageWriter     Stage = "writer"
	StagePublisher  Stage = "publisher"
)

// StageSpec declares one stage of a pipeline.
type StageSpec struct {
	ID       Stage    `yaml:"id"`
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
	FanOut   bool     `yaml:"fanOut"`
	Terminal bool     `yaml:"terminal"`
}

// Definition is the ordered stage table of a pipeline together with the
// lookup from raw output labels to canonical stages.
type Definition struct {
	Stages []StageSpec `yaml:"stages"`

	index  map[string]Stage
	order  map[Stage]int
	fanOut Stage
	term   Stage
}

// DefaultDefinition returns the built-in multi-agent research pipeline.
func DefaultDefinition() *Definition {
	d := &Definition{Stages: []StageSpec{
		{ID: StageBrowser, Name: "Browser", Aliases: []string{"browsing", "initial research", "master", "search"}},
		{ID: StageEditor, Name: "Editor", Aliases: []string{"planner", "editor agent", "outline"}},
		{ID: StageResearcher, Name: "Researcher", Aliases: []string{"research", "research agent", "deep researcher", "subtopic"}, FanOut: true},
		{ID: StageReviewer, Name: "Reviewer", Aliases: []string{"review", "reviewer agent"}},
		{ID: StageReviser, Name: "Reviser", Aliases: []string{"revisor", "revision", "reviser agent"}},
		{ID: StageWriter, Name: "Writer", Aliases: []string{"writing", "report writer", "writer agent"}},
		{ID: StagePublisher, Name: "Publisher", Aliases: []string{"publishing", "publish", "publisher agent"}, Terminal: true},
	}}
	if err := d.compile(); err != nil {
		panic(err)
	}
	return d
}

// LoadDefinition reads a stage table from a YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stage table: %w", err)
	}
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse stage table %s: %w", path, err)
	}
	if err := d.compile(); err != nil {
		return nil, fmt.Errorf("stage table %s: %w", path, err)
	}
	return &d, nil
}

// compile validates the table and builds the alias index. When no stage is
// marked terminal the last one is.
func (d *Definition) compile() error {
	if len(d.Stages) == 0 {
		return errors.New("no stages declared")
	}
	d.index = make(map[string]Stage)
	d.order = make(map[Stage]int)
	d.fanOut, d.term = "", ""

	for i := range d.Stages {
		s := &d.Stages[i]
		if s.ID == "" {
			return fmt.Errorf("stage %d has no id", i)
		}
		if _, dup := d.order[s.ID]; dup {
			return fmt.Errorf("duplicate stage %q", s.ID)
		}
		if s.Name == "" {
			s.Name = string(s.ID)
		}
		d.order[s.ID] = i

		if s.FanOut {
			if d.fanOut != "" {
				return fmt.Errorf("stages %q and %q are both fan-out", d.fanOut, s.ID)
			}
			d.fanOut = s.ID
		}
		if s.Terminal {
			if d.term != "" {
				return fmt.Errorf("stages %q and %q are both terminal", d.term, s.ID)
			}
			d.term = s.ID
		}

		for _, label := range append([]string{string(s.ID), s.Name}, s.Aliases...) {
			key := normalizeLabel(label)
			if key == "" {
				continue
			}
			if other, ok := d.index[key]; ok && other != s.ID {
				return fmt.Errorf("label %q maps to both %q and %q", label, other, s.ID)
			}
			d.index[key] = s.ID
		}
	}
	if d.term == "" {
		last := &d.Stages[len(d.Stages)-1]
		last.Terminal = true
		d.term = last.ID
	}
	return nil
}

// Resolve maps a raw label to its canonical stage. Matching ignores case,
// spaces, hyphens and underscores. Unknown labels are not stages.
func (d *Definition) Resolve(label string) (Stage, bool) {
	s, ok := d.index[normalizeLabel(label)]
	return s, ok
}

// Spec returns the declaration of a stage.
func (d *Definition) Spec(id Stage) (StageSpec, bool) {
	i, ok := d.order[id]
	if !ok {
		return StageSpec{}, false
	}
	return d.Stages[i], true
}

// Index returns the position of a stage, or -1.
func (d *Definition) Index(id Stage) int {
	if i, ok := d.order[id]; ok {
		return i
	}
	return -1
}

// IDs returns the canonical stage identifiers in order.
func (d *Definition) IDs() []string {
	out := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		out[i] = string(s.ID)
	}
	return out
}

// FanOutStage returns the fan-out stage, if any.
func (d *Definition) FanOutStage() (Stage, bool) {
	return d.fanOut, d.fanOut != ""
}

// TerminalStage returns the stage whose failure fails the session.
func (d *Definition) TerminalStage() Stage {
	return d.term
}

func normalizeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch r {
		case ' ', '_', '-', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
