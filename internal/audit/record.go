package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Steps of the transfer pipeline. Step 0 is the idle marker written by a
// pass that moved nothing.
const (
	StepIdle       = 0
	StepClaim      = 1
	StepPut        = 2
	StepVerify     = 3
	StepPromote    = 4
	StepDestPost   = 5
	StepSourcePost = 6

	LastStep = StepSourcePost
)

// Substeps label the audit checkpoints within a step: a start-record,
// b precondition, c side-effect, d verify, e stop-record.
const (
	SubstepA = "a"
	SubstepB = "b"
	SubstepC = "c"
	SubstepD = "d"
	SubstepE = "e"
)

const (
	StatusStart = "start"
	StatusStop  = "stop"

	ResultTBD  = "tbd"
	ResultPass = "pass"
	ResultFail = "fail"
)

// Record is one journal row.
type Record struct {
	Time    time.Time
	Feed    string
	FN      string
	Step    int
	Substep string
	Status  string
	Result  string
	Bytes   int64
	Error   string
}

const (
	fieldSep   = "|"
	timeLayout = time.RFC3339Nano
)

func (self *Record) line() string {
	fields := []string{
		self.Time.Format(timeLayout),
		self.Feed,
		self.FN,
		strconv.Itoa(self.Step),
		self.Substep,
		self.Status,
		self.Result,
		strconv.FormatInt(self.Bytes, 10),
		strings.ReplaceAll(self.Error, "\n", " "),
	}
	return strings.Join(fields, fieldSep) + "\n"
}

// parseRecord reads one journal line. Records written by newer versions may
// carry extra fields at the end; they are ignored.
func parseRecord(line string) (*Record, error) {
	fields := strings.Split(strings.TrimRight(line, "\n"), fieldSep)
	if len(fields) < 7 {
		return nil, fmt.Errorf("audit: short record %q", line)
	}

	ts, err := time.Parse(timeLayout, fields[0])
	if err != nil {
		return nil, fmt.Errorf("audit: bad timestamp in %q: %w", line, err)
	}
	step, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("audit: bad step in %q: %w", line, err)
	}

	r := &Record{
		Time:    ts,
		Feed:    fields[1],
		FN:      fields[2],
		Step:    step,
		Substep: fields[4],
		Status:  fields[5],
		Result:  fields[6],
	}
	if len(fields) > 7 {
		r.Bytes, _ = strconv.ParseInt(fields[7], 10, 64)
	}
	if len(fields) > 8 {
		r.Error = fields[8]
	}
	return r, nil
}

// Status is the resume pointer: the relevant fields of the journal tail.
type Status struct {
	Step    int
	Substep string
	Status  string
	Result  string
	FN      string
}

// cleanStatus is the status of an empty journal.
func cleanStatus() Status {
	return Status{Step: 0, Substep: SubstepE, Status: StatusStop, Result: ResultPass}
}

func statusFromRecord(r *Record) Status {
	if r == nil {
		return cleanStatus()
	}
	return Status{
		Step:    r.Step,
		Substep: r.Substep,
		Status:  r.Status,
		Result:  r.Result,
		FN:      r.FN,
	}
}

// InRecovery reports whether the journal tail points at an unfinished file:
// a dangling start (the process died mid-step), a caught failure, or a step
// that stopped cleanly short of the last one.
func (self Status) InRecovery() bool {
	switch {
	case self.Step == 0:
		return false
	case self.Status == StatusStart:
		return true
	case self.Result == ResultFail:
		return true
	case self.Result == ResultPass && self.Step < LastStep:
		return true
	}
	return false
}

// ResumeStep returns the step at which the interrupted file must resume.
// Only meaningful when InRecovery.
func (self Status) ResumeStep() int {
	if self.Status == StatusStop && self.Result == ResultPass {
		return self.Step + 1
	}
	return self.Step
}
