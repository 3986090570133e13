// Package monitor implements the nagios-style health check over a feed's
// audit journal.
package monitor

import (
	"fmt"
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"

	"github.com/kenfar/buffalofq/config"
	"github.com/kenfar/buffalofq/internal/audit"
)

func NewFeedCheck(resp *monitoringplugin.Response) *FeedCheck {
	return &FeedCheck{resp: resp}
}

// FeedCheck inspects the journal tail: CRITICAL on a failed or long-dangling
// pass or on staleness beyond the critical age, WARNING on staleness beyond
// the warning age, OK otherwise.
type FeedCheck struct {
	warn time.Duration
	crit time.Duration

	resp   *monitoringplugin.Response
	failed bool
}

func (self *FeedCheck) WithThresholds(warn, crit time.Duration) *FeedCheck {
	self.warn = warn
	self.crit = crit
	return self
}

func (self *FeedCheck) UpdateStatus(feed *config.Feed) error {
	st, last, err := audit.ReadStatus(feed.Name, feed.FeedAuditDir)
	if err != nil {
		return fmt.Errorf("read audit journal: %w", err)
	}

	if last == nil {
		self.updateStatus(monitoringplugin.OK, feed.Name, "no passes recorded yet")
		return nil
	}

	age := time.Since(last.Time).Truncate(time.Second)
	switch {
	case st.Result == audit.ResultFail:
		self.updateStatus(monitoringplugin.CRITICAL,
			feed.Name, "last pass failed at step %d (%s): %s", st.Step, st.FN, last.Error)

	case st.Status == audit.StatusStart && self.crit > 0 && age >= self.crit:
		self.updateStatus(monitoringplugin.CRITICAL,
			feed.Name, "file %q in flight at step %d for %v", st.FN, st.Step, age)

	case self.crit > 0 && age >= self.crit:
		self.updateStatus(monitoringplugin.CRITICAL,
			feed.Name, "journal stale: %v > %v", age, self.crit)

	case self.warn > 0 && age >= self.warn:
		self.updateStatus(monitoringplugin.WARNING,
			feed.Name, "journal stale: %v > %v", age, self.warn)
	}

	if !self.failed {
		self.updateStatus(monitoringplugin.OK,
			feed.Name, "last record %v ago at step %d", age, st.Step)
	}
	return nil
}

func (self *FeedCheck) updateStatus(statusCode int, feedName, format string,
	a ...any,
) {
	self.failed = self.failed || statusCode != monitoringplugin.OK
	statusMessage := fmt.Sprintf("feed %q: ", feedName) + fmt.Sprintf(format, a...)
	self.resp.UpdateStatus(statusCode, statusMessage)
}
