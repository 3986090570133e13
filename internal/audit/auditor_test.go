package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestAuditor(t *testing.T, dir string) *Auditor {
	t.Helper()
	a, err := Open("test", dir)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestFreshJournalStatus(t *testing.T) {
	a := openTestAuditor(t, t.TempDir())

	st := a.Status()
	assert.Equal(t, 0, st.Step)
	assert.Equal(t, StatusStop, st.Status)
	assert.Equal(t, ResultPass, st.Result)
	assert.False(t, a.InRecovery())
	assert.Empty(t, a.RecoveryTarget())
	assert.Nil(t, a.LastRecord())
}

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)

	require.NoError(t, a.Record(Entry{
		Step: StepPut, Substep: SubstepA, Status: StatusStart,
		Result: ResultTBD, FN: "good_1.dat",
	}))
	require.NoError(t, a.Record(Entry{
		Step: StepPut, Substep: SubstepE, Status: StatusStop,
		Result: ResultPass, FN: "good_1.dat", Bytes: 45,
	}))
	require.NoError(t, a.Close())

	// a second open must see the same tail
	b := openTestAuditor(t, dir)
	last := b.LastRecord()
	require.NotNil(t, last)
	assert.Equal(t, "good_1.dat", last.FN)
	assert.Equal(t, StepPut, last.Step)
	assert.Equal(t, SubstepE, last.Substep)
	assert.Equal(t, StatusStop, last.Status)
	assert.Equal(t, ResultPass, last.Result)
	assert.Equal(t, int64(45), last.Bytes)
}

func TestRecordIsDurableBeforeReturn(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)

	require.NoError(t, a.Record(Entry{
		Step: StepClaim, Substep: SubstepA, Status: StatusStart,
		Result: ResultTBD, FN: "good_1.dat",
	}))

	// read the file without closing the auditor: the line must be there
	b, err := os.ReadFile(a.Path())
	require.NoError(t, err)
	assert.Contains(t, string(b), "good_1.dat")
	assert.Contains(t, string(b), "|1|a|start|tbd|")
}

func TestDanglingStartIsRecovery(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)
	require.NoError(t, a.Record(Entry{
		Step: StepPut, Substep: SubstepA, Status: StatusStart,
		Result: ResultTBD, FN: "good_1.dat",
	}))
	require.NoError(t, a.Close())

	b := openTestAuditor(t, dir)
	require.True(t, b.InRecovery())
	assert.Equal(t, "good_1.dat", b.RecoveryTarget())
	assert.Equal(t, StepPut, b.Status().ResumeStep())
}

func TestCaughtFailureIsRecovery(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)
	require.NoError(t, a.Record(Entry{
		Step: StepVerify, Substep: SubstepD, Status: StatusStop,
		Result: ResultFail, FN: "good_1.dat", Err: errors.New("size mismatch"),
	}))
	require.NoError(t, a.Close())

	b := openTestAuditor(t, dir)
	require.True(t, b.InRecovery())
	assert.Equal(t, "good_1.dat", b.RecoveryTarget())
	assert.Equal(t, StepVerify, b.Status().ResumeStep())
}

func TestMidPipelineStopResumesNextStep(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)
	require.NoError(t, a.Record(Entry{
		Step: StepPromote, Substep: SubstepE, Status: StatusStop,
		Result: ResultPass, FN: "good_1.dat",
	}))
	require.NoError(t, a.Close())

	b := openTestAuditor(t, dir)
	require.True(t, b.InRecovery())
	assert.Equal(t, StepDestPost, b.Status().ResumeStep())
}

func TestTerminalStopIsClean(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)
	require.NoError(t, a.Record(Entry{
		Step: StepSourcePost, Substep: SubstepE, Status: StatusStop,
		Result: ResultPass, FN: "good_1.dat",
	}))
	require.NoError(t, a.Close())

	b := openTestAuditor(t, dir)
	assert.False(t, b.InRecovery())
	assert.Empty(t, b.RecoveryTarget())
}

func TestIdleMarkerIsClean(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)
	require.NoError(t, a.Record(Entry{
		Step: StepIdle, Substep: SubstepE, Status: StatusStop, Result: ResultPass,
	}))
	require.NoError(t, a.Close())

	b := openTestAuditor(t, dir)
	assert.False(t, b.InRecovery())
	assert.Equal(t, 0, b.Status().Step)
}

func TestReaderToleratesExtraFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.audit")
	line := "2026-08-01T10:00:00Z|test|good_1.dat|6|e|stop|pass|45||future|fields\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

	a := openTestAuditor(t, dir)
	last := a.LastRecord()
	require.NotNil(t, last)
	assert.Equal(t, "good_1.dat", last.FN)
	assert.Equal(t, 6, last.Step)
	assert.False(t, a.InRecovery())
}

func TestErrorNewlinesFlattened(t *testing.T) {
	dir := t.TempDir()
	a := openTestAuditor(t, dir)
	require.NoError(t, a.Record(Entry{
		Step: StepPut, Substep: SubstepD, Status: StatusStop,
		Result: ResultFail, FN: "good_1.dat",
		Err: errors.New("line one\nline two"),
	}))

	b, err := os.ReadFile(a.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "\n"))
}

func TestRotationCleanTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.audit")

	var sb strings.Builder
	line := "2026-08-01T10:00:00Z|test|good_1.dat|6|e|stop|pass|45|\n"
	for sb.Len() < rotateSize {
		sb.WriteString(line)
	}
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	a := openTestAuditor(t, dir)
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, st.Size(), "journal must restart empty after rotation")
	assert.False(t, a.InRecovery())

	segments, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, segments)
}

func TestNoRotationWhileInFlight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.audit")

	var sb strings.Builder
	line := "2026-08-01T10:00:00Z|test|good_1.dat|6|e|stop|pass|45|\n"
	for sb.Len() < rotateSize {
		sb.WriteString(line)
	}
	sb.WriteString("2026-08-01T10:00:01Z|test|good_2.dat|2|a|start|tbd|0|\n")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	a := openTestAuditor(t, dir)
	require.True(t, a.InRecovery())
	assert.Equal(t, "good_2.dat", a.RecoveryTarget())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(rotateSize), "in-flight journal must not rotate")
}
