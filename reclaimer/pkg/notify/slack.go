package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
	"github.com/malbeclabs/reclaimer/utils/pkg/retry"
)

// Poster is the slack client surface used to post messages.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type SlackConfig struct {
	Logger  *slog.Logger
	Client  Poster
	Channel string
	Retry   retry.Config
	// AlertThreshold, in lamports, posts a separate alert for each close at or above it. Zero disables.
	AlertThreshold uint64
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("slack client is required")
	}
	if cfg.Channel == "" {
		return errors.New("slack channel is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Slack posts alerts to a single channel.
type Slack struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

// NewSlackFromToken builds a Slack notifier backed by the slack-go client.
func NewSlackFromToken(log *slog.Logger, token, channel string, alertThreshold uint64) (*Slack, error) {
	return NewSlack(SlackConfig{Logger: log, Client: slack.New(token), Channel: channel, AlertThreshold: alertThreshold})
}

// NotifyReclaim posts the batch summary, then one alert per confirmed close at or above the
// alert threshold.
func (s *Slack) NotifyReclaim(ctx context.Context, summary reclaim.Summary) error {
	text, blocks := reclaimBlocks(summary)
	errs := []error{s.post(ctx, text, blocks)}
	if s.cfg.AlertThreshold == 0 {
		return errs[0]
	}
	for _, o := range summary.Results {
		if o.Err != nil || o.Result == nil || !o.Result.Submitted() || o.Result.Amount < s.cfg.AlertThreshold {
			continue
		}
		text, blocks := highValueBlocks(*o.Result, s.cfg.AlertThreshold)
		errs = append(errs, s.post(ctx, text, blocks))
	}
	return errors.Join(errs...)
}

func (s *Slack) NotifyScan(ctx context.Context, inserted, eligible int) error {
	text, blocks := scanBlocks(inserted, eligible)
	return s.post(ctx, text, blocks)
}

func (s *Slack) NotifyPassive(ctx context.Context, records []store.PassiveReclaim) error {
	if len(records) == 0 {
		return nil
	}
	text, blocks := passiveBlocks(records)
	return s.post(ctx, text, blocks)
}

func (s *Slack) NotifyError(ctx context.Context, stage string, err error) error {
	text, blocks := errorBlocks(stage, err)
	return s.post(ctx, text, blocks)
}

func (s *Slack) NotifyDailySummary(ctx context.Context, stats store.Stats) error {
	text, blocks := summaryBlocks(stats)
	return s.post(ctx, text, blocks)
}

func (s *Slack) post(ctx context.Context, text string, blocks []slack.Block) error {
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		_, _, err := s.cfg.Client.PostMessageContext(ctx, s.cfg.Channel,
			slack.MsgOptionText(text, false),
			slack.MsgOptionBlocks(blocks...),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: failed to post to slack: %w", err)
	}
	s.log.Debug("notify: posted to slack", "channel", s.cfg.Channel, "text", text)
	return nil
}
