package notify

import (
	"context"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

// Sentry reports stage failures and failed submissions as Sentry events. Other events are ignored.
type Sentry struct {
	hub *sentry.Hub
}

// NewSentry reports through hub, or the current hub when nil.
func NewSentry(hub *sentry.Hub) *Sentry {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &Sentry{hub: hub}
}

func (s *Sentry) NotifyError(_ context.Context, stage string, err error) error {
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("stage", stage)
		s.hub.CaptureException(err)
	})
	return nil
}

// NotifyReclaim reports close submissions that failed after retries. Ineligible accounts and
// failed reads are skipped; the next cycle retries them.
func (s *Sentry) NotifyReclaim(_ context.Context, summary reclaim.Summary) error {
	for _, o := range summary.Results {
		if !reclaim.IsSubmitError(o.Err) {
			continue
		}
		s.hub.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("stage", "reclaim")
			scope.SetTag("account", o.Address.String())
			s.hub.CaptureException(o.Err)
		})
	}
	return nil
}

func (s *Sentry) NotifyScan(context.Context, int, int) error { return nil }

func (s *Sentry) NotifyPassive(context.Context, []store.PassiveReclaim) error { return nil }

func (s *Sentry) NotifyDailySummary(context.Context, store.Stats) error { return nil }
