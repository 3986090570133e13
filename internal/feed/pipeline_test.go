package feed

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenfar/buffalofq/internal/audit"
)

// journalTail reopens the journal and returns the resume pointer plus the
// raw last record, the way a fresh process would see it.
func journalTail(t *testing.T, fx *fixture) (audit.Status, *audit.Record) {
	t.Helper()
	a, err := audit.Open("source_2_dest", fx.auditDir)
	require.NoError(t, err)
	defer a.Close()
	return a.Status(), a.LastRecord()
}

// matrixCase is one cell of the FAIL_STEP x FAIL_SUBSTEP x FAIL_CATCH
// matrix.
type matrixCase struct {
	step    int
	substep string
	catch   bool
}

func (self matrixCase) name() string {
	n := fmt.Sprintf("step%d%s", self.step, self.substep)
	if self.catch {
		n += "_caught"
	}
	return n
}

// recoveryExpected reports whether the second run must be a single-file
// recovery run: deaths at 1a/1b happen
// before anything was journaled, and 6e after the file fully completed.
func (self matrixCase) recoveryExpected() bool {
	if self.step == 1 && (self.substep == "a" || self.substep == "b") {
		return false
	}
	if self.step == 6 && self.substep == "e" {
		return false
	}
	return true
}

// runBroken runs one pass that dies (or catches) at the case's checkpoint
// and returns the basename of the interrupted file.
func runBroken(t *testing.T, fx *fixture, mc matrixCase) string {
	t.Helper()

	feed := fx.newFeed()
	feed.SourcePostAction = "move"
	feed.SourcePostDir = fx.sourceArc

	runner := NewRunner(feed, testEnv(t)).
		WithFaultHook(&Fault{Step: mc.step, Substep: mc.substep, Catch: mc.catch})
	_, err := runner.RunOnce(context.Background())
	require.Error(t, err)

	st, _ := journalTail(t, fx)
	broken := st.FN

	// filesystem state after the death
	switch {
	case mc.step == 6 && (mc.substep == "d" || mc.substep == "e"):
		// source move already performed
		assert.Equal(t, 2, count(t, fx.sourceData, "good*"))
		assert.Equal(t, 1, count(t, fx.sourceArc, "good*"))
		assert.Equal(t, 0, count(t, fx.sourceData, broken))
	case mc.step == 1 && (mc.substep == "a" || mc.substep == "b"):
		// nothing happened yet
		assert.Equal(t, 3, count(t, fx.sourceData, "good*"))
		assert.Equal(t, 0, count(t, fx.sourceArc, "good*"))
		assert.Empty(t, broken)
	default:
		assert.Equal(t, 3, count(t, fx.sourceData, "good*"))
		assert.Equal(t, 0, count(t, fx.sourceArc, "good*"))
		assert.Equal(t, 1, count(t, fx.sourceData, broken))
	}

	if mc.step < 4 {
		// nothing may be visible under a final name yet
		matches, err := filepath.Glob(filepath.Join(fx.destData, "good*"))
		require.NoError(t, err)
		for _, m := range matches {
			assert.True(t, strings.HasSuffix(m, ".temp"),
				"partial write visible under final name: %s", m)
		}
	}

	// journal state after the death
	switch {
	case mc.substep == "a" || mc.substep == "b":
		assert.Equal(t, mc.step-1, st.Step)
		assert.Equal(t, audit.StatusStop, st.Status)
		assert.Equal(t, audit.ResultPass, st.Result)
	case mc.substep == "e":
		assert.Equal(t, mc.step, st.Step)
		assert.Equal(t, audit.StatusStop, st.Status)
		assert.Equal(t, audit.ResultPass, st.Result)
	case mc.catch:
		assert.Equal(t, mc.step, st.Step)
		assert.Equal(t, audit.StatusStop, st.Status)
		assert.Equal(t, audit.ResultFail, st.Result)
	default:
		assert.Equal(t, mc.step, st.Step)
		assert.Equal(t, audit.StatusStart, st.Status)
		assert.Equal(t, audit.ResultTBD, st.Result)
	}

	return broken
}

// runRecovered runs the follow-up pass with no faults and checks it
// converged: a recovery pass moves exactly the broken file, a clean pass
// moves everything.
func runRecovered(t *testing.T, fx *fixture, mc matrixCase, broken string) {
	t.Helper()

	feed := fx.newFeed()
	feed.SourcePostAction = "move"
	feed.SourcePostDir = fx.sourceArc

	runner := NewRunner(feed, testEnv(t))
	report, err := runner.RunOnce(context.Background())
	require.NoError(t, err)

	if mc.recoveryExpected() {
		assert.True(t, report.Recovered)
		assert.Equal(t, 1, report.Moved, "recovery pass must move exactly one file")
		assert.Equal(t, 2, count(t, fx.sourceData, "good*"))
		assert.Equal(t, 0, count(t, fx.sourceData, broken))
		assert.Equal(t, 1, count(t, fx.sourceArc, "good*"))
		assert.Equal(t, 1, count(t, fx.destData, "good*"))
	} else {
		assert.False(t, report.Recovered)
		assert.Equal(t, 0, count(t, fx.sourceData, "good*"))
		if broken != "" {
			assert.Equal(t, 0, count(t, fx.sourceData, broken))
		}
		assert.Equal(t, 3, count(t, fx.sourceArc, "good*"))
		assert.Equal(t, 3, count(t, fx.destData, "good*"))
	}

	assert.Equal(t, 0, count(t, fx.destData, "*.temp"))

	st, _ := journalTail(t, fx)
	assert.Equal(t, audit.LastStep, st.Step)
	assert.Equal(t, audit.StatusStop, st.Status)
	assert.Equal(t, audit.ResultPass, st.Result)
}

func TestRecoveryMatrix(t *testing.T) {
	var cases []matrixCase
	for step := 1; step <= 6; step++ {
		for _, substep := range []string{"a", "b", "c", "d", "e"} {
			cases = append(cases, matrixCase{step: step, substep: substep})
			if substep == "d" {
				cases = append(cases, matrixCase{step: step, substep: substep, catch: true})
			}
		}
	}

	for _, mc := range cases {
		t.Run(mc.name(), func(t *testing.T) {
			fx := makeFixture(t)
			broken := runBroken(t, fx, mc)
			runRecovered(t, fx, mc, broken)
		})
	}
}

func TestRecoveryNoFailure(t *testing.T) {
	fx := makeFixture(t)

	feed := fx.newFeed()
	feed.SourcePostAction = "move"
	feed.SourcePostDir = fx.sourceArc

	report, err := NewRunner(feed, testEnv(t)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Moved)
	assert.Equal(t, int64(3*len(fileContent)), report.Bytes)

	// second pass has nothing to do and writes the idle marker
	report, err = NewRunner(feed, testEnv(t)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Recovered)
	assert.Zero(t, report.Moved)

	st, _ := journalTail(t, fx)
	assert.Equal(t, 0, st.Step)
	assert.Equal(t, audit.StatusStop, st.Status)
	assert.Equal(t, audit.ResultPass, st.Result)
}

// TestJournalWriteAhead replays one clean file and checks the journal shape:
// for every step a start precedes its stop, steps strictly ascend, and the
// tail is the terminal stop.
func TestJournalWriteAhead(t *testing.T) {
	fx := makeFixture(t)
	feed := fx.newFeed()
	feed.LimitTotal = 1

	_, err := NewRunner(feed, testEnv(t)).RunOnce(context.Background())
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(fx.auditDir, "source_2_dest.audit"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 12, "one start and one stop per step")

	for i, line := range lines {
		step := i/2 + 1
		assert.Contains(t, line, "|good_1.dat|")
		if i%2 == 0 {
			assert.Contains(t, line, fmt.Sprintf("|%d|a|start|tbd|", step))
		} else {
			assert.Contains(t, line, fmt.Sprintf("|%d|e|stop|pass|", step))
		}
	}

	st, last := journalTail(t, fx)
	require.NotNil(t, last)
	assert.Equal(t, audit.LastStep, st.Step)
	assert.Equal(t, "good_1.dat", st.FN)
}

func TestPipelineBytesRecorded(t *testing.T) {
	fx := makeFixture(t)
	feed := fx.newFeed()
	feed.LimitTotal = 1

	report, err := NewRunner(feed, testEnv(t)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(fileContent)), report.Bytes)
}

// TestRunOnceCancelledBeforeStart cancels the context before the pass
// begins: listing the source fails and no step is started.
func TestRunOnceCancelledBeforeStart(t *testing.T) {
	fx := makeFixture(t)
	feed := fx.newFeed()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRunner(feed, testEnv(t)).RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// a cancellation leaves no dangling start record
	st, last := journalTail(t, fx)
	if last != nil {
		assert.NotEqual(t, audit.StatusStart, st.Status)
	}
}
