package appenderator

import (
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// Alert describes a fatal condition worth paging someone about: the heap
// usage limit being exceeded, or an on-disk invariant violation discovered
// during merge. It carries the same facts the log line for the same
// condition carries, so the alert and the log message never drift apart.
type Alert struct {
	Message string
	Fields  map[string]interface{}
}

// Alerter is notified of fatal, non-recoverable conditions. Unlike the
// structured logger, which records everything, an Alerter is expected to
// page a human or otherwise escalate, so only the conditions in §7 of the
// design (heap limit, invariant violations) are ever sent here.
type Alerter interface {
	Alert(a Alert)
}

// SentryAlerter reports alerts to Sentry. It is the production Alerter
// implementation; construction is the caller's responsibility (via
// sentry.Init) so that DSN configuration stays outside this package.
type SentryAlerter struct {
	hub *sentry.Hub
}

// NewSentryAlerter wraps the current Sentry hub. Call sentry.Init before
// constructing one.
func NewSentryAlerter() *SentryAlerter {
	return &SentryAlerter{hub: sentry.CurrentHub()}
}

func (s *SentryAlerter) Alert(a Alert) {
	s.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range a.Fields {
			scope.SetExtra(k, v)
		}
		scope.SetLevel(sentry.LevelFatal)
		s.hub.CaptureMessage(a.Message)
	})
	s.hub.Flush(2 * time.Second)
}

// NoopAlerter discards every alert. It is the default for callers that
// have not configured an Alerter, and is also useful in tests that want to
// assert a fatal condition was detected without standing up Sentry.
type NoopAlerter struct{}

// NewNoopAlerter returns an Alerter that discards everything.
func NewNoopAlerter() *NoopAlerter { return &NoopAlerter{} }

func (*NoopAlerter) Alert(Alert) {}

// RecordingAlerter remembers every alert it receives, for test assertions.
type RecordingAlerter struct {
	mu     sync.Mutex
	Alerts []Alert
}

// NewRecordingAlerter returns an Alerter suitable for tests that need to
// assert a fatal alert was raised.
func NewRecordingAlerter() *RecordingAlerter {
	return &RecordingAlerter{}
}

func (r *RecordingAlerter) Alert(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, a)
}

// Count returns the number of alerts recorded so far.
func (r *RecordingAlerter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Alerts)
}
