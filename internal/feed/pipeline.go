// Package feed moves files for one configured feed: candidate selection,
// the six-step audited transfer pipeline, and the per-pass runner.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/kenfar/buffalofq/config"
	"github.com/kenfar/buffalofq/internal/audit"
	"github.com/kenfar/buffalofq/internal/logging"
	"github.com/kenfar/buffalofq/internal/transport"
)

// VerifyError means the destination temp file does not match the source.
type VerifyError struct {
	FN   string
	Want int64
	Got  int64
}

func (self *VerifyError) Error() string {
	return fmt.Sprintf("verify failed for %s: want %d bytes, got %d",
		self.FN, self.Want, self.Got)
}

// FaultHook aborts the pipeline at a chosen audit checkpoint. Tests inject
// it to drive the crash/recovery matrix; production wiring passes nil.
type FaultHook interface {
	Check(step int, substep string) error
}

// Fault fires at exactly one (Step, Substep) checkpoint. With Catch the
// pipeline records a failed stop and surfaces the error; without it the
// returned KillError simulates a process death: the pipeline surfaces it
// without writing any further journal records.
type Fault struct {
	Step    int
	Substep string
	Catch   bool
}

func (self *Fault) Check(step int, substep string) error {
	if self == nil || step != self.Step || substep != self.Substep {
		return nil
	}
	err := fmt.Errorf("fault injected at step %d%s", step, substep)
	if self.Catch {
		return err
	}
	return &KillError{Err: err}
}

// KillError simulates an uncaught process death at a checkpoint.
type KillError struct{ Err error }

func (self *KillError) Error() string { return "killed: " + self.Err.Error() }
func (self *KillError) Unwrap() error { return self.Err }

// Pipeline executes the six-step state machine for exactly one file per
// Run. Every step is idempotent, so a file can restart at the step named
// by the resume pointer no matter where the previous run died.
type Pipeline struct {
	feed    *config.Feed
	src     transport.Endpoint
	dst     transport.Endpoint
	auditor *audit.Auditor
	hook    FaultHook
	workDir string
}

func NewPipeline(feed *config.Feed, src, dst transport.Endpoint,
	auditor *audit.Auditor, workDir string,
) *Pipeline {
	return &Pipeline{
		feed:    feed,
		src:     src,
		dst:     dst,
		auditor: auditor,
		workDir: workDir,
	}
}

// WithFaultHook installs the test-only fault injection hook.
func (self *Pipeline) WithFaultHook(h FaultHook) *Pipeline {
	self.hook = h
	return self
}

// xfer is the in-flight state of one file.
type xfer struct {
	fn        string
	srcPath   string
	tempPath  string
	finalPath string
	srcSize   int64
	bytes     int64
	promoted  bool // step 4 found the rename already done
}

// Run moves fn through steps startStep..6. A clean pass starts every file
// at step 1; a recovery pass resumes the interrupted file at the step from
// the resume pointer. Returns the bytes copied by step 2, if it ran.
func (self *Pipeline) Run(ctx context.Context, fn string, startStep int) (int64, error) {
	destName := self.feed.DestName(fn)
	st := &xfer{
		fn:        fn,
		srcPath:   path.Join(self.feed.SourceDir, fn),
		tempPath:  path.Join(self.feed.DestDir, destName+tempSuffix),
		finalPath: path.Join(self.feed.DestDir, destName),
		srcSize:   -1,
	}

	log := logging.FromContext(ctx).With(slog.String("fn", fn))
	for step := startStep; step <= audit.LastStep; step++ {
		// cancellation point: between steps only, never inside one
		if err := ctx.Err(); err != nil {
			return st.bytes, err
		}
		log.Debug("step", slog.Int("step", step))
		// once started, a step runs to completion: its transport calls do
		// not see the cancellation
		if err := self.runStep(context.WithoutCancel(ctx), step, st); err != nil {
			return st.bytes, err
		}
	}
	log.Info("file moved", slog.Int64("bytes", st.bytes))
	return st.bytes, nil
}

// runStep drives one step through its five audit checkpoints:
//
//	fault(a) -> preconditions -> fault(b) -> start record
//	-> fault(c) -> side effect -> fault(d) -> verify
//	-> stop record -> fault(e)
//
// A death at a/b leaves the previous stop as the journal tail, at c/d a
// dangling start, at e a clean stop. All three are valid resume pointers.
func (self *Pipeline) runStep(ctx context.Context, step int, st *xfer) error {
	if err := self.fault(step, audit.SubstepA); err != nil {
		return self.fail(step, st, err)
	}
	if err := self.precondition(ctx, step, st); err != nil {
		return self.fail(step, st, err)
	}
	if err := self.fault(step, audit.SubstepB); err != nil {
		return self.fail(step, st, err)
	}

	if err := self.auditor.Record(audit.Entry{
		Step: step, Substep: audit.SubstepA,
		Status: audit.StatusStart, Result: audit.ResultTBD, FN: st.fn,
	}); err != nil {
		return err
	}

	if err := self.fault(step, audit.SubstepC); err != nil {
		return self.fail(step, st, err)
	}
	if err := self.action(ctx, step, st); err != nil {
		return self.fail(step, st, err)
	}
	if err := self.fault(step, audit.SubstepD); err != nil {
		return self.fail(step, st, err)
	}
	if err := self.verify(ctx, step, st); err != nil {
		return self.fail(step, st, err)
	}

	e := audit.Entry{
		Step: step, Substep: audit.SubstepE,
		Status: audit.StatusStop, Result: audit.ResultPass, FN: st.fn,
	}
	if step == audit.StepPut {
		e.Bytes = st.bytes
	}
	if err := self.auditor.Record(e); err != nil {
		return err
	}

	if err := self.fault(step, audit.SubstepE); err != nil {
		return self.fail(step, st, err)
	}
	return nil
}

func (self *Pipeline) fault(step int, substep string) error {
	if self.hook == nil {
		return nil
	}
	return self.hook.Check(step, substep)
}

// fail records a caught failure as a stopped step. Simulated kills and
// journal write errors pass through untouched: the former must leave the
// journal exactly as a real death would, the latter is already fatal.
func (self *Pipeline) fail(step int, st *xfer, err error) error {
	var kill *KillError
	if errors.As(err, &kill) {
		return err
	}
	var werr *audit.WriteError
	if errors.As(err, &werr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	if rerr := self.auditor.Record(audit.Entry{
		Step: step, Substep: audit.SubstepD,
		Status: audit.StatusStop, Result: audit.ResultFail, FN: st.fn, Err: err,
	}); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

func (self *Pipeline) precondition(ctx context.Context, step int, st *xfer) error {
	switch step {
	case audit.StepClaim:
		if st.fn == "" {
			return errors.New("no file to claim")
		}

	case audit.StepPut:
		if err := self.dst.MkdirAll(ctx, self.feed.DestDir); err != nil {
			return err
		}
		if st.srcSize < 0 {
			fi, err := self.src.Stat(ctx, st.srcPath)
			if err != nil {
				return err
			}
			if !fi.Exists {
				return fmt.Errorf("source file %s vanished", st.srcPath)
			}
			st.srcSize = fi.Size
		}

	case audit.StepVerify:
		fi, err := self.src.Stat(ctx, st.srcPath)
		if err != nil {
			return err
		}
		if !fi.Exists {
			return fmt.Errorf("source file %s vanished", st.srcPath)
		}
		st.srcSize = fi.Size

	case audit.StepPromote:
		temp, err := self.dst.Stat(ctx, st.tempPath)
		if err != nil {
			return err
		}
		if !temp.Exists {
			final, err := self.dst.Stat(ctx, st.finalPath)
			if err != nil {
				return err
			}
			if final.Exists {
				// a prior run promoted and died before its stop record
				st.promoted = true
				return nil
			}
			return fmt.Errorf("temp file %s missing", st.tempPath)
		}

	case audit.StepDestPost:
		switch self.feed.DestPost() {
		case config.DestPostSymlink, config.DestPostMove:
			return self.dst.MkdirAll(ctx, self.feed.DestPostDir)
		}

	case audit.StepSourcePost:
		if self.feed.SourcePost() == config.PostMove {
			return self.src.MkdirAll(ctx, self.feed.SourcePostDir)
		}
	}
	return nil
}

func (self *Pipeline) action(ctx context.Context, step int, st *xfer) error {
	switch step {
	case audit.StepClaim:
		fi, err := self.src.Stat(ctx, st.srcPath)
		if err != nil {
			return err
		}
		if !fi.Exists {
			return fmt.Errorf("source file %s missing", st.srcPath)
		}
		st.srcSize = fi.Size

	case audit.StepPut:
		return self.put(ctx, st)

	case audit.StepVerify:
		// the comparison runs at the verify checkpoint

	case audit.StepPromote:
		if st.promoted {
			return nil
		}
		return self.dst.Rename(ctx, st.tempPath, st.finalPath)

	case audit.StepDestPost:
		return self.destPost(ctx, st)

	case audit.StepSourcePost:
		return self.sourcePost(ctx, st)
	}
	return nil
}

func (self *Pipeline) verify(ctx context.Context, step int, st *xfer) error {
	switch step {
	case audit.StepClaim:
		fi, err := self.src.Stat(ctx, st.srcPath)
		if err != nil {
			return err
		}
		if !fi.Regular {
			return fmt.Errorf("source %s is not a regular file", st.srcPath)
		}

	case audit.StepPut:
		fi, err := self.dst.Stat(ctx, st.tempPath)
		if err != nil {
			return err
		}
		if !fi.Exists {
			return fmt.Errorf("temp file %s missing after put", st.tempPath)
		}

	case audit.StepVerify:
		fi, err := self.dst.Stat(ctx, st.tempPath)
		if err != nil {
			return err
		}
		if !fi.Exists {
			return fmt.Errorf("temp file %s missing", st.tempPath)
		}
		if fi.Size != st.srcSize {
			return &VerifyError{FN: st.fn, Want: st.srcSize, Got: fi.Size}
		}

	case audit.StepPromote:
		fi, err := self.dst.Stat(ctx, st.finalPath)
		if err != nil {
			return err
		}
		if !fi.Exists {
			return fmt.Errorf("promoted file %s missing", st.finalPath)
		}

	case audit.StepDestPost:
		return self.destPostVerify(ctx, st)

	case audit.StepSourcePost:
		return self.sourcePostVerify(ctx, st)
	}
	return nil
}

// put copies the source file to the destination temp name. An existing
// temp is overwritten, so a replay after a mid-copy death converges.
func (self *Pipeline) put(ctx context.Context, st *xfer) error {
	var n int64
	var err error
	switch {
	case self.src.Local():
		n, err = self.dst.Put(ctx, st.srcPath, st.tempPath)
	case self.dst.Local():
		n, err = self.src.Get(ctx, st.srcPath, st.tempPath)
	default:
		n, err = self.relay(ctx, st)
	}
	if err != nil {
		return err
	}
	st.bytes = n
	return nil
}

// relay stages a remote->remote transfer through the local work dir.
func (self *Pipeline) relay(ctx context.Context, st *xfer) (int64, error) {
	stage := path.Join(self.workDir, st.fn+".stage")
	defer os.Remove(stage)

	if _, err := self.src.Get(ctx, st.srcPath, stage); err != nil {
		return 0, err
	}
	return self.dst.Put(ctx, stage, st.tempPath)
}

func (self *Pipeline) destPost(ctx context.Context, st *xfer) error {
	name := self.feed.DestPostFn
	if name == "" {
		name = path.Base(st.finalPath)
	}
	target := path.Join(self.feed.DestPostDir, name)

	switch self.feed.DestPost() {
	case config.DestPostNone:
		return nil

	case config.DestPostSymlink:
		return self.dst.Symlink(ctx, st.finalPath, target)

	case config.DestPostMove:
		final, err := self.dst.Stat(ctx, st.finalPath)
		if err != nil {
			return err
		}
		if !final.Exists {
			moved, err := self.dst.Stat(ctx, target)
			if err != nil {
				return err
			}
			if moved.Exists {
				return nil // replay after the move already ran
			}
			return fmt.Errorf("dest file %s missing before move", st.finalPath)
		}
		return self.dst.Rename(ctx, st.finalPath, target)
	}
	return fmt.Errorf("unknown dest_post_action %q", self.feed.DestPostAction)
}

func (self *Pipeline) destPostVerify(ctx context.Context, st *xfer) error {
	name := self.feed.DestPostFn
	if name == "" {
		name = path.Base(st.finalPath)
	}
	target := path.Join(self.feed.DestPostDir, name)

	switch self.feed.DestPost() {
	case config.DestPostNone:
		return nil

	case config.DestPostSymlink:
		fi, err := self.dst.Stat(ctx, target)
		if err != nil {
			return err
		}
		if !fi.Symlink {
			return fmt.Errorf("dest link %s missing", target)
		}
		return nil

	case config.DestPostMove:
		fi, err := self.dst.Stat(ctx, target)
		if err != nil {
			return err
		}
		if !fi.Exists {
			return fmt.Errorf("dest file %s missing after move", target)
		}
		return nil
	}
	return nil
}

func (self *Pipeline) sourcePost(ctx context.Context, st *xfer) error {
	switch self.feed.SourcePost() {
	case config.PostNone:
		return nil

	case config.PostDelete:
		err := self.src.Remove(ctx, st.srcPath)
		if err != nil && !transport.IsNotFound(err) {
			return err
		}
		return nil

	case config.PostMove:
		target := path.Join(self.feed.SourcePostDir, st.fn)
		fi, err := self.src.Stat(ctx, st.srcPath)
		if err != nil {
			return err
		}
		if !fi.Exists {
			moved, err := self.src.Stat(ctx, target)
			if err != nil {
				return err
			}
			if moved.Exists {
				return nil // replay after the move already ran
			}
			return fmt.Errorf("source file %s missing before move", st.srcPath)
		}
		return self.src.Rename(ctx, st.srcPath, target)
	}
	return fmt.Errorf("unknown source_post_action %q", self.feed.SourcePostAction)
}

func (self *Pipeline) sourcePostVerify(ctx context.Context, st *xfer) error {
	switch self.feed.SourcePost() {
	case config.PostDelete, config.PostMove:
		fi, err := self.src.Stat(ctx, st.srcPath)
		if err != nil {
			return err
		}
		if fi.Exists {
			return fmt.Errorf("source file %s still present", st.srcPath)
		}
	}
	return nil
}
