package reclaim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/ratelimit"
)

const DefaultChunkSize = 10

// Reclaimer is the engine surface used by the batch processor.
type Reclaimer interface {
	ReclaimAccount(ctx context.Context, t Target) (*Result, error)
	BatchReclaim(ctx context.Context, targets []Target) ([]Outcome, error)
}

type BatchConfig struct {
	Logger    *slog.Logger
	Engine    Reclaimer
	Limiter   *ratelimit.Limiter
	ChunkSize int
	// Delay is the pause between consecutive chunks.
	Delay time.Duration
	Clock clockwork.Clock
}

func (cfg *BatchConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ChunkSize < 0 {
		return errors.New("chunk size must be non-negative")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Delay < 0 {
		return errors.New("delay must be non-negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(0, cfg.Clock)
	}
	return nil
}

// Summary aggregates a batch run. Successful + Failed == TotalAccounts.
type Summary struct {
	TotalAccounts  int
	Successful     int
	Failed         int
	TotalReclaimed uint64
	Results        []Outcome
}

type BatchProcessor struct {
	log *slog.Logger
	cfg BatchConfig
}

func NewBatchProcessor(cfg BatchConfig) (*BatchProcessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BatchProcessor{log: cfg.Logger, cfg: cfg}, nil
}

// ReclaimAllEligible reclaims targets in chunks, pacing chunks through the limiter and the
// inter-chunk delay. A chunk that fails as a whole is retried one account at a time. It never
// returns an error; every failure is recorded in the summary.
func (b *BatchProcessor) ReclaimAllEligible(ctx context.Context, targets []Target) Summary {
	summary := Summary{TotalAccounts: len(targets), Results: make([]Outcome, 0, len(targets))}
	if len(targets) == 0 {
		return summary
	}

	chunks := chunk(targets, b.cfg.ChunkSize)
	b.log.Info("reclaim: starting batch", "accounts", len(targets), "chunks", len(chunks), "chunkSize", b.cfg.ChunkSize)

	for i, c := range chunks {
		if i > 0 && b.cfg.Delay > 0 {
			if err := b.sleep(ctx, b.cfg.Delay); err != nil {
				b.abandon(&summary, chunks[i:], err)
				break
			}
		}
		if err := b.cfg.Limiter.Wait(ctx); err != nil {
			b.abandon(&summary, chunks[i:], err)
			break
		}

		outcomes, err := b.cfg.Engine.BatchReclaim(ctx, c)
		if err != nil {
			b.log.Warn("reclaim: chunk failed, retrying accounts individually", "chunk", i, "size", len(c), "error", err)
			outcomes = make([]Outcome, 0, len(c))
			for _, t := range c {
				res, err := b.cfg.Engine.ReclaimAccount(ctx, t)
				outcomes = append(outcomes, Outcome{Address: t.Address, Result: res, Err: err})
			}
		}
		for _, o := range outcomes {
			b.record(&summary, o)
		}
	}

	b.log.Info("reclaim: batch complete",
		"total", summary.TotalAccounts, "successful", summary.Successful, "failed", summary.Failed,
		"reclaimedLamports", summary.TotalReclaimed)
	return summary
}

func (b *BatchProcessor) record(s *Summary, o Outcome) {
	s.Results = append(s.Results, o)
	if o.Err != nil {
		s.Failed++
		b.log.Warn("reclaim: account failed", "address", o.Address, "error", o.Err)
		return
	}
	s.Successful++
	if o.Result != nil {
		s.TotalReclaimed += o.Result.Amount
	}
}

// abandon records every remaining target as failed with err.
func (b *BatchProcessor) abandon(s *Summary, rest [][]Target, err error) {
	for _, c := range rest {
		for _, t := range c {
			b.record(s, Outcome{Address: t.Address, Err: err})
		}
	}
}

func (b *BatchProcessor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.cfg.Clock.After(d):
		return nil
	}
}

func chunk(targets []Target, size int) [][]Target {
	var out [][]Target
	for start := 0; start < len(targets); start += size {
		end := min(start+size, len(targets))
		out = append(out, targets[start:end])
	}
	return out
}
