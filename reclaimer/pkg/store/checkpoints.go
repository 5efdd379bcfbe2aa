package store

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
)

const (
	checkpointLastSignature   = "last_signature"
	checkpointLastSlot        = "last_slot"
	checkpointTreasuryBalance = "treasury_balance"
	checkpointResumeBefore    = "resume_before"
	checkpointResumeSignature = "resume_signature"
	checkpointResumeSlot      = "resume_slot"
)

// GetCheckpoint returns the scan cursor and last treasury balance. Missing keys are zero.
func (s *Store) GetCheckpoint(ctx context.Context) (Checkpoint, error) {
	entries, err := s.ListCheckpoints(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	for _, e := range entries {
		switch e.Key {
		case checkpointLastSignature:
			cp.LastSignature = e.Value
		case checkpointLastSlot:
			slot, err := strconv.ParseUint(e.Value, 10, 64)
			if err != nil {
				return Checkpoint{}, wrap("get checkpoint", err)
			}
			cp.LastSlot = slot
		case checkpointTreasuryBalance:
			bal, err := strconv.ParseUint(e.Value, 10, 64)
			if err != nil {
				return Checkpoint{}, wrap("get checkpoint", err)
			}
			cp.TreasuryBalance = &bal
		case checkpointResumeBefore:
			cp.ResumeBefore = e.Value
		case checkpointResumeSignature:
			cp.ResumeSignature = e.Value
		case checkpointResumeSlot:
			slot, err := strconv.ParseUint(e.Value, 10, 64)
			if err != nil {
				return Checkpoint{}, wrap("get checkpoint", err)
			}
			cp.ResumeSlot = slot
		}
		if e.UpdatedAt.After(cp.UpdatedAt) {
			cp.UpdatedAt = e.UpdatedAt
		}
	}
	return cp, nil
}

// SetCheckpoint advances the scan cursor and drops any pending resume point.
func (s *Store) SetCheckpoint(ctx context.Context, lastSignature string, lastSlot uint64) error {
	return s.setCheckpointValues(ctx, "set checkpoint", map[string]string{
		checkpointLastSignature: lastSignature,
		checkpointLastSlot:      strconv.FormatUint(lastSlot, 10),
	}, checkpointResumeBefore, checkpointResumeSignature, checkpointResumeSlot)
}

// SetScanResume records an unfinished incremental window without moving the cursor.
func (s *Store) SetScanResume(ctx context.Context, before, signature string, slot uint64) error {
	return s.setCheckpointValues(ctx, "set scan resume", map[string]string{
		checkpointResumeBefore:    before,
		checkpointResumeSignature: signature,
		checkpointResumeSlot:      strconv.FormatUint(slot, 10),
	})
}

// SetTreasuryBalance records the last observed treasury balance.
func (s *Store) SetTreasuryBalance(ctx context.Context, lamports uint64) error {
	return s.setCheckpointValues(ctx, "set treasury balance", map[string]string{
		checkpointTreasuryBalance: strconv.FormatUint(lamports, 10),
	})
}

func (s *Store) setCheckpointValues(ctx context.Context, op string, values map[string]string, drop ...string) error {
	now := s.now()
	batch := &pgx.Batch{}
	if len(drop) > 0 {
		batch.Queue(`DELETE FROM checkpoints WHERE key = ANY($1)`, drop)
	}
	for k, v := range values {
		batch.Queue(`
			INSERT INTO checkpoints (key, value, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			k, v, now)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrap(op, err)
	}
	return wrap(op, tx.Commit(ctx))
}

// ListCheckpoints returns every raw checkpoint row ordered by key.
func (s *Store) ListCheckpoints(ctx context.Context) ([]CheckpointEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, updated_at FROM checkpoints ORDER BY key`)
	if err != nil {
		return nil, wrap("list checkpoints", err)
	}
	defer rows.Close()

	var entries []CheckpointEntry
	for rows.Next() {
		var e CheckpointEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, wrap("list checkpoints", err)
		}
		e.UpdatedAt = e.UpdatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, wrap("list checkpoints", rows.Err())
}

// ClearCheckpoints removes every checkpoint, forcing a full re-scan and a new treasury baseline.
func (s *Store) ClearCheckpoints(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints`)
	if err != nil {
		return 0, wrap("clear checkpoints", err)
	}
	return tag.RowsAffected(), nil
}
