package store

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
)

// SaveReclaimOperation records a confirmed active reclaim.
func (s *Store) SaveReclaimOperation(ctx context.Context, op ReclaimOperation) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reclaim_operations (account_address, reclaimed_amount, tx_signature, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		op.Address.String(), int64(op.Amount), op.Signature, op.Reason, s.now(),
	).Scan(&id)
	if err != nil {
		return 0, wrap("save reclaim operation", err)
	}
	return id, nil
}

// ListReclaimOperations returns the most recent reclaim operations.
func (s *Store) ListReclaimOperations(ctx context.Context, limit int) ([]ReclaimOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_address, reclaimed_amount, tx_signature, reason, created_at
		FROM reclaim_operations
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, wrap("list reclaim operations", err)
	}
	defer rows.Close()

	var ops []ReclaimOperation
	for rows.Next() {
		var (
			op      ReclaimOperation
			address string
			amount  int64
		)
		if err := rows.Scan(&op.ID, &address, &amount, &op.Signature, &op.Reason, &op.CreatedAt); err != nil {
			return nil, wrap("list reclaim operations", err)
		}
		pk, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return nil, wrap("list reclaim operations", &sol.ParseError{Input: address, Err: err})
		}
		op.Address = pk
		op.Amount = uint64(amount)
		op.CreatedAt = op.CreatedAt.UTC()
		ops = append(ops, op)
	}
	return ops, wrap("list reclaim operations", rows.Err())
}

// SavePassiveReclaim appends a passive reclaim observation. Records are never updated.
func (s *Store) SavePassiveReclaim(ctx context.Context, r PassiveReclaim) (PassiveReclaim, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	addrs := make([]string, len(r.AttributedAccounts))
	for i, a := range r.AttributedAccounts {
		addrs[i] = a.String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO passive_reclaims (id, amount, attributed_accounts, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, int64(r.Amount), addrs, string(r.Confidence), r.CreatedAt.UTC(),
	)
	if err != nil {
		return PassiveReclaim{}, wrap("save passive reclaim", err)
	}
	return r, nil
}

// ListPassiveReclaims returns the most recent passive reclaim observations.
func (s *Store) ListPassiveReclaims(ctx context.Context, limit int) ([]PassiveReclaim, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, amount, attributed_accounts, confidence, created_at
		FROM passive_reclaims
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, wrap("list passive reclaims", err)
	}
	defer rows.Close()

	var records []PassiveReclaim
	for rows.Next() {
		var (
			r          PassiveReclaim
			amount     int64
			addrs      []string
			confidence string
			createdAt  time.Time
		)
		if err := rows.Scan(&r.ID, &amount, &addrs, &confidence, &createdAt); err != nil {
			return nil, wrap("list passive reclaims", err)
		}
		for _, a := range addrs {
			pk, err := solana.PublicKeyFromBase58(a)
			if err != nil {
				return nil, wrap("list passive reclaims", &sol.ParseError{Input: a, Err: err})
			}
			r.AttributedAccounts = append(r.AttributedAccounts, pk)
		}
		r.Amount = uint64(amount)
		r.Confidence = Confidence(confidence)
		r.CreatedAt = createdAt.UTC()
		records = append(records, r)
	}
	return records, wrap("list passive reclaims", rows.Err())
}
