// Package multiline implements the Multiline Assembler (C5): a regex or
// flag-driven state machine that merges logical lines from the Line
// Splitter into complete records.
package multiline

import (
	"regexp"
	"time"
)

// Mode selects one of the six merge protocols.
type Mode string

const (
	ModeSingle         Mode = "single"
	ModeStart          Mode = "start"
	ModeStartContinue  Mode = "start_continue"
	ModeStartEnd       Mode = "start_end"
	ModeContinueEnd    Mode = "continue_end"
	ModeFlag           Mode = "flag"
)

// UnmatchedPolicy controls orphan-line handling.
type UnmatchedPolicy string

const (
	PolicyKeep    UnmatchedPolicy = "keep"
	PolicyDiscard UnmatchedPolicy = "discard"
)

// Line is one logical line handed to the assembler. Partial is only
// consulted in ModeFlag.
type Line struct {
	Bytes     []byte
	Partial   bool
	Timestamp time.Time
}

// Record is one merged, emitted record.
type Record struct {
	Bytes     []byte
	Timestamp time.Time
}

// state is the assembler's internal machine state.
type state int

const (
	stateIdle state = iota
	stateInRecord
)

// Config configures an Assembler.
type Config struct {
	Mode            Mode
	StartPattern    string
	ContinuePattern string
	EndPattern      string
	UnmatchedPolicy UnmatchedPolicy
	// Timeout is used by FlushTimeout: an open record is force-emitted once
	// this long has passed since its first line's timestamp. File idleness
	// is not tracked.
	Timeout time.Duration
}

// Assembler runs the merge state machine for one file. It is not safe for
// concurrent use; one instance is owned by one Reader.
type Assembler struct {
	cfg Config

	start    *regexp.Regexp
	cont     *regexp.Regexp
	end      *regexp.Regexp

	st      state
	current [][]byte
	openAt  time.Time

	// UnmatchedCount tracks orphan lines dropped under PolicyDiscard.
	UnmatchedCount int
}

// New compiles cfg's regexes and returns a ready Assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.UnmatchedPolicy == "" {
		cfg.UnmatchedPolicy = PolicyKeep
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	a := &Assembler{cfg: cfg}
	var err error
	if cfg.StartPattern != "" {
		if a.start, err = regexp.Compile(cfg.StartPattern); err != nil {
			return nil, err
		}
	}
	if cfg.ContinuePattern != "" {
		if a.cont, err = regexp.Compile(cfg.ContinuePattern); err != nil {
			return nil, err
		}
	}
	if cfg.EndPattern != "" {
		if a.end, err = regexp.Compile(cfg.EndPattern); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Feed processes one logical line and returns zero or more records emitted
// as a result (a mid-stream close can both emit the previous record and
// open a new one on the same input line, per the `InRecord, matches start`
// transition).
func (a *Assembler) Feed(l Line) []Record {
	if a.cfg.Mode == ModeSingle {
		return []Record{{Bytes: l.Bytes, Timestamp: l.Timestamp}}
	}
	if a.cfg.Mode == ModeFlag {
		return a.feedFlag(l)
	}
	return a.feedRegex(l)
}

func (a *Assembler) feedFlag(l Line) []Record {
	a.current = append(a.current, l.Bytes)
	if a.st == stateIdle {
		a.openAt = l.Timestamp
		a.st = stateInRecord
	}
	if l.Partial {
		return nil
	}
	rec := a.seal(l.Timestamp)
	a.st = stateIdle
	return []Record{rec}
}

func (a *Assembler) feedRegex(l Line) []Record {
	matchesStart := a.start != nil && a.start.Match(l.Bytes)
	matchesCont := a.cont != nil && a.cont.Match(l.Bytes)
	matchesEnd := a.end != nil && a.end.Match(l.Bytes)

	switch a.cfg.Mode {
	case ModeStart:
		return a.stepStart(l, matchesStart)
	case ModeStartContinue:
		return a.stepStartContinue(l, matchesStart, matchesCont)
	case ModeStartEnd:
		return a.stepStartEnd(l, matchesStart, matchesEnd)
	case ModeContinueEnd:
		return a.stepContinueEnd(l, matchesCont, matchesEnd)
	default:
		return []Record{{Bytes: l.Bytes, Timestamp: l.Timestamp}}
	}
}

func (a *Assembler) stepStart(l Line, isStart bool) []Record {
	switch a.st {
	case stateIdle:
		if isStart {
			a.open(l)
			return nil
		}
		return a.unmatched(l)
	default: // stateInRecord
		if isStart {
			rec := a.seal(l.Timestamp)
			a.open(l)
			return []Record{rec}
		}
		a.current = append(a.current, l.Bytes)
		return nil
	}
}

func (a *Assembler) stepStartContinue(l Line, isStart, isCont bool) []Record {
	switch a.st {
	case stateIdle:
		if isStart {
			a.open(l)
			return nil
		}
		return a.unmatched(l)
	default:
		if isCont {
			a.current = append(a.current, l.Bytes)
			return nil
		}
		rec := a.seal(l.Timestamp)
		a.st = stateIdle
		if isStart {
			a.open(l)
			return []Record{rec}
		}
		return append([]Record{rec}, a.unmatched(l)...)
	}
}

func (a *Assembler) stepStartEnd(l Line, isStart, isEnd bool) []Record {
	switch a.st {
	case stateIdle:
		if isStart {
			a.open(l)
			return nil
		}
		if isEnd {
			// A stray end with no open record: emit or discard per policy.
			return a.unmatched(l)
		}
		return a.unmatched(l)
	default:
		a.current = append(a.current, l.Bytes)
		if isEnd {
			rec := a.seal(l.Timestamp)
			a.st = stateIdle
			return []Record{rec}
		}
		if isStart {
			// A new start inside an open record: per the generic state
			// table this closes the current record and opens a new one.
			a.current = a.current[:len(a.current)-1]
			rec := a.seal(l.Timestamp)
			a.open(l)
			return []Record{rec}
		}
		return nil
	}
}

func (a *Assembler) stepContinueEnd(l Line, isCont, isEnd bool) []Record {
	switch a.st {
	case stateIdle:
		if isEnd {
			return []Record{{Bytes: l.Bytes, Timestamp: l.Timestamp}}
		}
		if isCont {
			a.open(l)
			return nil
		}
		return a.unmatched(l)
	default:
		if isEnd {
			a.current = append(a.current, l.Bytes)
			rec := a.seal(l.Timestamp)
			a.st = stateIdle
			return []Record{rec}
		}
		if isCont {
			a.current = append(a.current, l.Bytes)
			return nil
		}
		rec := a.seal(l.Timestamp)
		a.st = stateIdle
		return append([]Record{rec}, a.unmatched(l)...)
	}
}

func (a *Assembler) open(l Line) {
	a.current = [][]byte{l.Bytes}
	a.openAt = l.Timestamp
	a.st = stateInRecord
}

func (a *Assembler) unmatched(l Line) []Record {
	if a.cfg.UnmatchedPolicy == PolicyDiscard {
		a.UnmatchedCount++
		return nil
	}
	return []Record{{Bytes: l.Bytes, Timestamp: l.Timestamp}}
}

func (a *Assembler) seal(ts time.Time) Record {
	rec := Record{Bytes: joinLines(a.current), Timestamp: a.openAt}
	a.current = nil
	if ts.After(a.openAt) {
		rec.Timestamp = a.openAt
	}
	return rec
}

// FlushTimeout force-emits the currently open record if it has been open
// longer than cfg.Timeout relative to now. It returns the zero Record and
// ok=false when there is nothing open or the timeout has not elapsed.
func (a *Assembler) FlushTimeout(now time.Time) (Record, bool) {
	if a.st != stateInRecord || len(a.current) == 0 {
		return Record{}, false
	}
	if now.Sub(a.openAt) < a.cfg.Timeout {
		return Record{}, false
	}
	rec := a.seal(now)
	a.st = stateIdle
	return rec, true
}

// FlushEOF force-emits whatever is currently open; a file-boundary flush
// closes the last record.
func (a *Assembler) FlushEOF() (Record, bool) {
	if a.st != stateInRecord || len(a.current) == 0 {
		return Record{}, false
	}
	rec := a.seal(a.openAt)
	a.st = stateIdle
	return rec, true
}

func joinLines(lines [][]byte) []byte {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	out := make([]byte, 0, n)
	for i, l := range lines {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, l...)
	}
	return out
}
