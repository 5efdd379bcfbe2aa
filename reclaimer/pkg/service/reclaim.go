package service

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

// Reclaim closes every eligible ActiveReclaim account and records confirmed reclaims. Accounts
// that turn out to be gone already are marked Closed. Dry runs persist nothing. After confirmed
// closes the treasury baseline is shifted by the batch's net effect so reconciliation does not
// count the returned rent as passive.
func (s *Service) Reclaim(ctx context.Context) (reclaim.Summary, error) {
	accounts, err := s.cfg.Store.ListAccounts(ctx, store.AccountFilter{
		Status:   store.StatusActive,
		Strategy: sol.StrategyActiveReclaim,
	})
	if err != nil {
		return reclaim.Summary{}, err
	}

	reasons := make(map[solana.PublicKey]string)
	var targets []reclaim.Target
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return reclaim.Summary{}, err
		}
		d, err := s.cfg.Eligibility.Evaluate(ctx, acct)
		if err != nil {
			s.log.Warn("service: eligibility check failed", "address", acct.Address, "error", err)
			continue
		}
		if !d.Eligible {
			s.log.Debug("service: account not eligible", "address", acct.Address, "reason", d.Reason)
			continue
		}
		accountType := acct.AccountType
		if d.LiveType.Kind != 0 {
			accountType = d.LiveType
		}
		targets = append(targets, reclaim.Target{Address: acct.Address, AccountType: accountType})
		reasons[acct.Address] = d.Reason
	}
	s.log.Info("service: eligible accounts", "candidates", len(accounts), "eligible", len(targets), "dryRun", s.cfg.DryRun)
	if len(targets) == 0 {
		return reclaim.Summary{}, nil
	}

	var (
		before    uint64
		hasBefore bool
	)
	if !s.cfg.DryRun {
		if before, err = s.cfg.RPC.GetBalance(ctx, s.cfg.Treasury); err != nil {
			s.log.Warn("service: failed to read treasury balance before reclaim", "error", err)
		} else {
			hasBefore = true
		}
	}

	summary := s.cfg.Batch.ReclaimAllEligible(ctx, targets)
	if !s.cfg.DryRun {
		submitted := 0
		for _, o := range summary.Results {
			if o.Err != nil || o.Result == nil {
				continue
			}
			if err := s.persistOutcome(ctx, o, reasons[o.Address]); err != nil {
				return summary, err
			}
			if o.Result.Submitted() {
				submitted++
			}
		}
		if submitted > 0 {
			s.rebaseTreasury(ctx, before, hasBefore)
		}
	}

	if summary.Successful > 0 || summary.Failed > 0 {
		if err := s.cfg.Notifier.NotifyReclaim(ctx, summary); err != nil {
			s.log.Warn("service: failed to send reclaim notification", "error", err)
		}
	}
	return summary, nil
}

func (s *Service) persistOutcome(ctx context.Context, o reclaim.Outcome, reason string) error {
	if !o.Result.Submitted() {
		return s.cfg.Store.UpdateStatus(ctx, o.Address, store.StatusClosed)
	}
	if _, err := s.cfg.Store.SaveReclaimOperation(ctx, store.ReclaimOperation{
		Address:   o.Address,
		Amount:    o.Result.Amount,
		Signature: o.Result.Signature.String(),
		Reason:    reason,
	}); err != nil {
		return err
	}
	return s.cfg.Store.UpdateStatus(ctx, o.Address, store.StatusReclaimed)
}

// rebaseTreasury moves the stored treasury baseline by the balance change observed across a
// reclaim batch. Increases that landed before the batch stay visible to the next reconciliation.
// Without a pre-batch reading or a stored baseline the current balance becomes the baseline.
func (s *Service) rebaseTreasury(ctx context.Context, before uint64, hasBefore bool) {
	after, err := s.cfg.RPC.GetBalance(ctx, s.cfg.Treasury)
	if err != nil {
		s.log.Warn("service: failed to read treasury balance after reclaim, baseline not adjusted", "error", err)
		return
	}
	cp, err := s.cfg.Store.GetCheckpoint(ctx)
	if err != nil {
		s.log.Warn("service: failed to read treasury baseline", "error", err)
		return
	}
	baseline := after
	if hasBefore && cp.TreasuryBalance != nil {
		shifted := int64(*cp.TreasuryBalance) + int64(after) - int64(before)
		baseline = uint64(max(shifted, 0))
	}
	if err := s.cfg.Store.SetTreasuryBalance(ctx, baseline); err != nil {
		s.log.Warn("service: failed to record treasury baseline", "error", err)
		return
	}
	s.log.Debug("service: treasury baseline adjusted after reclaim", "before", before, "after", after, "baseline", baseline)
}
