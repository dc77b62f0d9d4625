package pipeline

// UnitOutcome is the reported state of one fan-out unit.
type UnitOutcome int

const (
	UnitRunning UnitOutcome = iota
	UnitCompleted
	UnitError
)

// UnitResult is one report from a fan-out unit.
type UnitResult struct {
	Unit    string
	Outcome UnitOutcome
	Message string
}

// JoinState is the state of a fan-out join.
type JoinState int

const (
	JoinOpen JoinState = iota
	JoinCompleted
	JoinFailed
)

// FanOut joins the results of the units of a fan-out stage. The join
// completes once every expected unit completed, or fails on the first unit
// error. Once decided, later results are ignored; units are never
// cancelled.
type FanOut struct {
	width    int
	outcomes map[string]UnitOutcome
	order    []string
	state    JoinState
	cause    UnitResult
}

// NewFanOut creates an open join with no known width.
func NewFanOut() *FanOut {
	return &FanOut{outcomes: make(map[string]UnitOutcome)}
}

// Expect fixes the number of units. The first announced width wins.
func (f *FanOut) Expect(width int) {
	if f.width == 0 && width > 0 && f.state == JoinOpen {
		f.width = width
		f.evaluate()
	}
}

// Record applies one unit result and returns the join state and whether
// the result was accepted.
func (f *FanOut) Record(r UnitResult) (JoinState, bool) {
	if f.state != JoinOpen {
		return f.state, false
	}
	if _, ok := f.outcomes[r.Unit]; !ok {
		f.order = append(f.order, r.Unit)
	}
	if f.outcomes[r.Unit] == UnitCompleted && r.Outcome == UnitRunning {
		// a completed unit does not go back to running
		return f.state, true
	}
	f.outcomes[r.Unit] = r.Outcome

	if r.Outcome == UnitError {
		f.state = JoinFailed
		f.cause = r
		return f.state, true
	}
	f.evaluate()
	return f.state, true
}

// Close is called when a later stage starts. Without an announced width
// the set of units seen so far becomes the expected set. A fan-out stage
// that never reported units is treated as a single completed unit.
func (f *FanOut) Close() JoinState {
	if f.state != JoinOpen {
		return f.state
	}
	if f.width == 0 {
		f.width = len(f.order)
		if f.width == 0 {
			f.state = JoinCompleted
			return f.state
		}
	}
	f.evaluate()
	return f.state
}

// Force decides the join as completed regardless of unit results.
func (f *FanOut) Force() {
	if f.state == JoinOpen {
		f.state = JoinCompleted
	}
}

func (f *FanOut) evaluate() {
	if f.width == 0 {
		return
	}
	if f.Completed() >= f.width {
		f.state = JoinCompleted
	}
}

// State returns the current join state.
func (f *FanOut) State() JoinState {
	return f.state
}

// Width returns the expected number of units, 0 while unknown.
func (f *FanOut) Width() int {
	return f.width
}

// Completed returns how many units completed.
func (f *FanOut) Completed() int {
	n := 0
	for _, o := range f.outcomes {
		if o == UnitCompleted {
			n++
		}
	}
	return n
}

// Cause returns the unit result that failed the join.
func (f *FanOut) Cause() (UnitResult, bool) {
	return f.cause, f.state == JoinFailed
}

// Units returns the unit names in first-seen order.
func (f *FanOut) Units() []string {
	return append([]string(nil), f.order...)
}
