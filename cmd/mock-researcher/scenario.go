package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	bold  = "\x1b[1m"
	blue  = "\x1b[34m"
	green = "\x1b[32m"
	red   = "\x1b[31m"
	reset = "\x1b[0m"
)

var errSimulated = errors.New("simulated failure")

type scenario struct {
	query     string
	outputDir string
	units     int
	delay     time.Duration
	failAt    string
	failUnit  int
	longLine  int
	sleep     func(time.Duration)
}

type step struct {
	label string
	work  []string
}

var sequentialBefore = []step{
	{label: "Browser", work: []string{"searching the web", "reading sources"}},
	{label: "Editor", work: []string{"planning outline"}},
}

var sequentialAfter = []step{
	{label: "Reviewer", work: []string{"reviewing draft"}},
	{label: "Reviser", work: []string{"applying review notes"}},
	{label: "Writer", work: []string{"writing report"}},
}

func (s *scenario) pause() {
	if s.sleep != nil && s.delay > 0 {
		s.sleep(s.delay)
	}
}

func marker(label, color, text string) string {
	return fmt.Sprintf("%s%s%s:%s %s", bold, color, label, reset, text)
}

func (s *scenario) fails(label string) bool {
	return strings.EqualFold(s.failAt, label)
}

// runStep prints a stage's markers, redrawing its progress in place with
// carriage returns the way terminal progress bars do.
func (s *scenario) runStep(out io.Writer, st step) error {
	for _, w := range st.work {
		fmt.Fprintln(out, marker(st.label, blue, w))
		s.pause()
	}
	if s.fails(st.label) {
		fmt.Fprintln(out, marker(st.label, red, "error: "+errSimulated.Error()))
		return fmt.Errorf("%s: %w", strings.ToLower(st.label), errSimulated)
	}
	for p := 20; p <= 80; p += 30 {
		fmt.Fprintf(out, "\r%s %d%%", marker(st.label, blue, "progress"), p)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, marker(st.label, green, "completed"))
	s.pause()
	return nil
}

func (s *scenario) research(out io.Writer) error {
	fmt.Fprintln(out, marker("Researcher", blue, fmt.Sprintf("starting units=%d", s.units)))
	for i := 1; i <= s.units; i++ {
		fmt.Fprintln(out, marker(fmt.Sprintf("Researcher#%d", i), blue, fmt.Sprintf("researching subtopic %d of %q", i, s.query)))
	}
	s.pause()
	for i := 1; i <= s.units; i++ {
		if i == s.failUnit {
			fmt.Fprintln(out, marker(fmt.Sprintf("Researcher#%d", i), red, "error: source unavailable"))
			continue
		}
		fmt.Fprintln(out, marker(fmt.Sprintf("Researcher#%d", i), green, "completed"))
		s.pause()
	}
	if s.fails("Researcher") {
		fmt.Fprintln(out, marker("Researcher", red, "error: "+errSimulated.Error()))
		return fmt.Errorf("researcher: %w", errSimulated)
	}
	return nil
}

func (s *scenario) publish(out io.Writer) error {
	fmt.Fprintln(out, marker("Publisher", blue, "publishing"))
	if s.fails("Publisher") {
		fmt.Fprintln(out, marker("Publisher", red, "error: "+errSimulated.Error()))
		return fmt.Errorf("publisher: %w", errSimulated)
	}
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return err
	}
	path, err := filepath.Abs(filepath.Join(s.outputDir, "report.md"))
	if err != nil {
		return err
	}
	report := fmt.Sprintf("# %s\n\nA simulated research report.\n", s.query)
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return err
	}
	fmt.Fprintln(out, marker("Publisher", blue, "saved to "+path))
	fmt.Fprintln(out, marker("Publisher", green, "completed"))
	return nil
}

// run plays the whole pipeline. Diagnostics go to errOut.
func (s *scenario) run(out, errOut io.Writer) error {
	fmt.Fprintf(out, "Starting research on %q\n", s.query)
	for _, st := range sequentialBefore {
		if err := s.runStep(out, st); err != nil {
			return err
		}
	}
	if err := s.research(out); err != nil {
		return err
	}

	fmt.Fprintln(errOut, "warning: rate limited by search provider, retrying")
	if s.longLine > 0 {
		fmt.Fprintf(out, "context dump: %s\n", strings.Repeat("x", s.longLine))
	}

	for _, st := range sequentialAfter {
		if err := s.runStep(out, st); err != nil {
			return err
		}
	}
	return s.publish(out)
}
