package pipeline

import (
	"regexp"
	"strconv"
	"strings"
)

// MarkerStatus is the status a marker line reports for its stage or unit.
type MarkerStatus string

const (
	MarkerRunning   MarkerStatus = "running"
	MarkerCompleted MarkerStatus = "completed"
	MarkerError     MarkerStatus = "error"
)

// Marker is a recognised stage marker: LABEL[#UNIT]: message.
type Marker struct {
	Stage    Stage
	Unit     string
	Status   MarkerStatus
	Progress *int // nil unless the line carried an explicit value
	Units    int  // announced fan-out width, 0 if absent
	File     string
	Message  string
}

var (
	markerPattern   = regexp.MustCompile(`^\s*(?:\[[^\]]*\]\s*)?([A-Za-z][A-Za-z _-]{0,39}?)\s*(?:#([A-Za-z0-9_.-]{1,64}))?\s*:\s*(.*)$`)
	errorPattern    = regexp.MustCompile(`(?i)\b(error|errors|failed|failure|exception)\b`)
	donePattern     = regexp.MustCompile(`(?i)\b(completed|complete|finished|done)\b`)
	percentPattern  = regexp.MustCompile(`\b(\d{1,3})\s*%`)
	progressPattern = regexp.MustCompile(`(?i)\bprogress\s*[=:]\s*(\d{1,3})\b`)
	unitsPattern    = regexp.MustCompile(`(?i)\bunits\s*=\s*(\d{1,4})\b`)
	filePattern     = regexp.MustCompile(`(?i)(?:\b(?:saved|wrote)\s+(?:to\s+)?|\bfile=)("[^"]+"|'[^']+'|\S+)`)
)

// Parser recognises stage markers in framed output lines.
type Parser struct {
	def *Definition
}

// NewParser creates a Parser over a stage table.
func NewParser(def *Definition) *Parser {
	return &Parser{def: def}
}

// Parse returns the marker carried by line. Lines whose label is not a
// known stage are not markers.
func (p *Parser) Parse(line string) (Marker, bool) {
	m := markerPattern.FindStringSubmatch(line)
	if m == nil {
		return Marker{}, false
	}
	stage, ok := p.def.Resolve(m[1])
	if !ok {
		return Marker{}, false
	}

	msg := strings.TrimSpace(m[3])
	marker := Marker{
		Stage:    stage,
		Unit:     m[2],
		Status:   classify(msg),
		Progress: parseProgress(msg),
		Message:  msg,
	}
	if u := unitsPattern.FindStringSubmatch(msg); u != nil {
		marker.Units, _ = strconv.Atoi(u[1])
	}
	if f := filePattern.FindStringSubmatch(msg); f != nil {
		marker.File = cleanPath(f[1])
	}
	return marker, true
}

func classify(msg string) MarkerStatus {
	switch {
	case errorPattern.MatchString(msg):
		return MarkerError
	case donePattern.MatchString(msg):
		return MarkerCompleted
	default:
		return MarkerRunning
	}
}

func parseProgress(msg string) *int {
	var raw string
	if m := progressPattern.FindStringSubmatch(msg); m != nil {
		raw = m[1]
	} else if m := percentPattern.FindStringSubmatch(msg); m != nil {
		raw = m[1]
	} else {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > 100 {
		return nil
	}
	return &v
}

func cleanPath(raw string) string {
	raw = strings.Trim(raw, `"'`)
	return strings.TrimRight(raw, ".,;:)]}")
}
