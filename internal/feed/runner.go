package feed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"github.com/kenfar/buffalofq/config"
	"github.com/kenfar/buffalofq/internal/audit"
	"github.com/kenfar/buffalofq/internal/logging"
	"github.com/kenfar/buffalofq/internal/transport"
	"github.com/kenfar/buffalofq/internal/util/lockfile"
)

// Runner owns one feed for one pass: the single-instance lock, the
// endpoints, the auditor, and the recover-one vs process-many decision.
type Runner struct {
	feed *config.Feed
	env  *config.Env
	hook FaultHook
}

func NewRunner(feed *config.Feed, env *config.Env) *Runner {
	return &Runner{feed: feed, env: env}
}

// WithFaultHook threads the test-only fault hook through to the pipeline.
func (self *Runner) WithFaultHook(h FaultHook) *Runner {
	self.hook = h
	return self
}

// PassReport summarizes one feed pass.
type PassReport struct {
	RunID     string
	Recovered bool
	Moved     int
	Bytes     int64
}

// RunOnce executes one feed pass. In recovery it moves exactly the one
// interrupted file; otherwise it walks the candidate list. Resources are
// released on every exit path.
func (self *Runner) RunOnce(ctx context.Context) (report *PassReport, err error) {
	feed := self.feed
	report = &PassReport{RunID: shortID()}

	ctx = logging.With(ctx,
		slog.String("feed", feed.Name), slog.String("run_id", report.RunID))
	log := logging.FromContext(ctx)

	if !feed.Enabled() {
		log.Info("feed disabled, skipping")
		return report, nil
	}
	if feed.SourcePostAction == config.PostPass {
		log.Warn("source_post_action 'pass' treated as 'none'")
	}

	if err := os.MkdirAll(feed.FeedAuditDir, 0o755); err != nil {
		return report, fmt.Errorf("audit dir: %w", err)
	}
	lock, err := lockfile.Acquire(filepath.Join(feed.FeedAuditDir, feed.Name+".lock"))
	if err != nil {
		return report, err
	}
	defer lock.Release()

	auditor, err := audit.Open(feed.Name, feed.FeedAuditDir)
	if err != nil {
		return report, err
	}
	defer auditor.Close()

	src := transport.New(feed, transport.Source, self.env)
	defer src.Close()
	dst := transport.New(feed, transport.Dest, self.env)
	defer dst.Close()

	workDir := filepath.Join(feed.FeedAuditDir, ".work")
	if !src.Local() && !dst.Local() {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return report, fmt.Errorf("work dir: %w", err)
		}
	}

	pipe := NewPipeline(feed, src, dst, auditor, workDir).WithFaultHook(self.hook)

	started := time.Now()
	defer func() {
		promPassSeconds.WithLabelValues(feed.Name).Observe(time.Since(started).Seconds())
		if err != nil {
			promFailures.WithLabelValues(feed.Name).Inc()
		}
	}()

	if auditor.InRecovery() {
		return report, self.recoverOne(ctx, pipe, auditor, report)
	}
	return report, self.processMany(ctx, pipe, auditor, src, report)
}

// recoverOne replays exactly the interrupted file, then returns without
// touching the remaining candidates.
func (self *Runner) recoverOne(ctx context.Context, pipe *Pipeline,
	auditor *audit.Auditor, report *PassReport,
) error {
	st := auditor.Status()
	report.Recovered = true

	log := logging.FromContext(ctx)
	log.Info("recovery run",
		slog.String("fn", st.FN),
		slog.Int("step", st.ResumeStep()),
		slog.String("last_status", st.Status),
		slog.String("last_result", st.Result))

	n, err := pipe.Run(ctx, st.FN, st.ResumeStep())
	if err != nil {
		return err
	}
	report.Moved, report.Bytes = 1, n
	promFilesMoved.WithLabelValues(self.feed.Name).Inc()
	promBytesMoved.WithLabelValues(self.feed.Name).Add(float64(n))
	log.Info("recovery complete", slog.String("fn", st.FN))
	return nil
}

func (self *Runner) processMany(ctx context.Context, pipe *Pipeline,
	auditor *audit.Auditor, src transport.Endpoint, report *PassReport,
) error {
	feed := self.feed
	log := logging.FromContext(ctx)

	names, err := Candidates(ctx, feed, src)
	if err != nil {
		return err
	}

	durations := make([]float64, 0, len(names))
	for _, fn := range names {
		t0 := time.Now()
		n, err := pipe.Run(ctx, fn, audit.StepClaim)
		if err != nil {
			return err
		}
		report.Moved++
		report.Bytes += n
		durations = append(durations, time.Since(t0).Seconds())
		promFilesMoved.WithLabelValues(feed.Name).Inc()
		promBytesMoved.WithLabelValues(feed.Name).Add(float64(n))
	}

	if report.Moved == 0 {
		// idle marker: resets the feed status to step 0 between passes
		return auditor.Record(audit.Entry{
			Step: audit.StepIdle, Substep: audit.SubstepE,
			Status: audit.StatusStop, Result: audit.ResultPass,
		})
	}

	log.Info("pass complete", passSummary(report, durations)...)
	return nil
}

// passSummary builds the end-of-pass log attrs, including duration
// statistics over the files moved.
func passSummary(report *PassReport, durations []float64) []any {
	attrs := []any{
		slog.Int("moved", report.Moved),
		slog.Int64("bytes", report.Bytes),
	}
	if len(durations) == 0 {
		return attrs
	}

	mean, _ := stats.Mean(durations)
	median, _ := stats.Median(durations)
	p95, _ := stats.Percentile(durations, 95)
	return append(attrs,
		slog.Duration("mean", secs(mean)),
		slog.Duration("median", secs(median)),
		slog.Duration("p95", secs(p95)))
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Microsecond)
}

func shortID() string {
	return uuid.NewString()[:8]
}
