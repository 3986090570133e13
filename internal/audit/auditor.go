// Package audit maintains the per-feed append-only journal. The journal is
// the sole source of truth for crash recovery: a start record is durable
// before the step's side effect begins, a stop record follows it.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteError means a journal append did not reach disk. The write-ahead
// invariant is broken; callers must treat it as fatal.
type WriteError struct {
	Path string
	Err  error
}

func (self *WriteError) Error() string {
	return fmt.Sprintf("audit journal %s: %v", self.Path, self.Err)
}

func (self *WriteError) Unwrap() error { return self.Err }

// Auditor owns one feed's journal. Exactly one process writes it at a time;
// the feed runner's lock guarantees that.
type Auditor struct {
	feed string
	path string
	f    *os.File
	last *Record
	now  func() time.Time
}

// Entry is one checkpoint to append.
type Entry struct {
	Step    int
	Substep string
	Status  string
	Result  string
	FN      string
	Bytes   int64
	Err     error
}

// Open reads the journal tail for feed under dir and opens the journal for
// appending. An oversized journal whose tail is clean is rotated first.
func Open(feed, dir string) (*Auditor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}

	self := &Auditor{
		feed: feed,
		path: filepath.Join(dir, feed+".audit"),
		now:  time.Now,
	}

	last, err := tailRecord(self.path)
	if err != nil {
		return nil, err
	}
	self.last = last

	if !self.Status().InRecovery() {
		if err := maybeRotate(self.path); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(self.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	self.f = f
	return self, nil
}

// tailRecord returns the last parseable record of the journal, or nil for a
// missing or empty journal.
func tailRecord(path string) (*Record, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read audit journal: %w", err)
	}

	lines := strings.Split(string(b), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		r, err := parseRecord(lines[i])
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, nil
}

// ReadStatus derives the resume pointer without opening the journal for
// writing. Health checks use it so they never touch the feed's journal.
func ReadStatus(feed, dir string) (Status, *Record, error) {
	last, err := tailRecord(filepath.Join(dir, feed+".audit"))
	if err != nil {
		return Status{}, nil, err
	}
	return statusFromRecord(last), last, nil
}

// Record appends one checkpoint. The line is flushed to disk before Record
// returns; a failure here is a WriteError and fatal to the feed.
func (self *Auditor) Record(e Entry) error {
	r := &Record{
		Time:    self.now(),
		Feed:    self.feed,
		FN:      e.FN,
		Step:    e.Step,
		Substep: e.Substep,
		Status:  e.Status,
		Result:  e.Result,
		Bytes:   e.Bytes,
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}

	if _, err := self.f.WriteString(r.line()); err != nil {
		return &WriteError{Path: self.path, Err: err}
	}
	if err := self.f.Sync(); err != nil {
		return &WriteError{Path: self.path, Err: err}
	}
	self.last = r
	return nil
}

// LastRecord returns the most recent record, or nil for a fresh journal.
func (self *Auditor) LastRecord() *Record { return self.last }

// Status derives the resume pointer from the journal tail.
func (self *Auditor) Status() Status { return statusFromRecord(self.last) }

func (self *Auditor) InRecovery() bool { return self.Status().InRecovery() }

// RecoveryTarget returns the basename of the interrupted file, or "".
func (self *Auditor) RecoveryTarget() string {
	if !self.InRecovery() {
		return ""
	}
	return self.Status().FN
}

func (self *Auditor) Path() string { return self.path }

func (self *Auditor) Close() error {
	if self.f == nil {
		return nil
	}
	err := self.f.Close()
	self.f = nil
	return err
}
