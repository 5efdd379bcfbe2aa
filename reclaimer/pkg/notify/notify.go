// Package notify delivers operator alerts to Slack and error reports to Sentry.
package notify

import (
	"context"
	"errors"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

type Notifier interface {
	NotifyReclaim(ctx context.Context, summary reclaim.Summary) error
	NotifyScan(ctx context.Context, inserted, eligible int) error
	NotifyPassive(ctx context.Context, records []store.PassiveReclaim) error
	NotifyError(ctx context.Context, stage string, err error) error
	NotifyDailySummary(ctx context.Context, stats store.Stats) error
}

// Multi fans every event out to each notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyReclaim(ctx context.Context, summary reclaim.Summary) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyReclaim(ctx, summary))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyScan(ctx context.Context, inserted, eligible int) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyScan(ctx, inserted, eligible))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyPassive(ctx context.Context, records []store.PassiveReclaim) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyPassive(ctx, records))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyError(ctx context.Context, stage string, err error) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyError(ctx, stage, err))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyDailySummary(ctx context.Context, stats store.Stats) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.NotifyDailySummary(ctx, stats))
	}
	return errors.Join(errs...)
}
