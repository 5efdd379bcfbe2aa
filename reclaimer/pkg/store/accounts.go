package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
)

const accountColumns = `address, account_type, created_at, closed_at, rent_lamports, data_size, status,
	creation_signature, creation_slot, close_authority, reclaim_strategy`

// UpsertAccount inserts a newly discovered account. The first discovery of an address wins;
// it reports whether a row was inserted.
func (s *Store) UpsertAccount(ctx context.Context, a Account) (bool, error) {
	if a.Status == "" {
		a.Status = StatusActive
	}
	var creationSig *string
	if a.CreationSignature != "" {
		creationSig = &a.CreationSignature
	}
	var creationSlot *int64
	if a.CreationSlot != nil {
		v := int64(*a.CreationSlot)
		creationSlot = &v
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sponsored_accounts (`+accountColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (address) DO NOTHING`,
		a.Address.String(), a.AccountType.String(), a.CreatedAt.UTC(), a.ClosedAt,
		int64(a.RentLamports), int64(a.DataSize), string(a.Status),
		creationSig, creationSlot, pubkeyString(a.CloseAuthority), strategyString(a.ReclaimStrategy),
		s.now(),
	)
	if err != nil {
		return false, wrap("upsert account", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetAccount returns the account with the given address or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM sponsored_accounts WHERE address = $1`, address.String())
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get account", err)
	}
	return a, nil
}

// ListAccounts returns accounts matching the filter, most recently closed first, then oldest created.
func (s *Store) ListAccounts(ctx context.Context, f AccountFilter) ([]Account, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Strategy != "" {
		add("reclaim_strategy = $%d", string(f.Strategy))
	}
	if f.ClosedSince != nil {
		add("closed_at >= $%d", f.ClosedSince.UTC())
	}
	if f.MinRent > 0 {
		add("rent_lamports >= $%d", int64(f.MinRent))
	}
	if f.MaxRent > 0 {
		add("rent_lamports <= $%d", int64(f.MaxRent))
	}

	query := `SELECT ` + accountColumns + ` FROM sponsored_accounts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY closed_at DESC NULLS LAST, created_at ASC, address ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, wrap("list accounts", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list accounts", err)
	}
	return accounts, nil
}

// UpdateStatus sets an account's lifecycle status. Closed and Reclaimed stamp closed_at once.
func (s *Store) UpdateStatus(ctx context.Context, address solana.PublicKey, status Status) error {
	if !status.Valid() {
		return wrap("update status", fmt.Errorf("invalid status %q", status))
	}
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sponsored_accounts
		SET status = $2,
			closed_at = CASE WHEN $2 = 'Active' THEN NULL ELSE COALESCE(closed_at, $3) END,
			updated_at = $3
		WHERE address = $1`,
		address.String(), string(status), now,
	)
	if err != nil {
		return wrap("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRent records the observed balance of an account whose rent was unknown at discovery.
func (s *Store) UpdateRent(ctx context.Context, address solana.PublicKey, lamports uint64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sponsored_accounts SET rent_lamports = $2, updated_at = $3 WHERE address = $1`,
		address.String(), int64(lamports), s.now(),
	)
	if err != nil {
		return wrap("update rent", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAuthority records the parsed close authority and the derived strategy.
func (s *Store) UpdateAuthority(ctx context.Context, address solana.PublicKey, closeAuthority *solana.PublicKey, strategy sol.ReclaimStrategy) error {
	if !strategy.Valid() {
		return wrap("update authority", fmt.Errorf("invalid strategy %q", strategy))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sponsored_accounts
		SET close_authority = $2, reclaim_strategy = $3, updated_at = $4
		WHERE address = $1`,
		address.String(), pubkeyString(closeAuthority), string(strategy), s.now(),
	)
	if err != nil {
		return wrap("update authority", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var (
		address, accountType, status string
		createdAt                    time.Time
		closedAt                     *time.Time
		rent, size                   int64
		creationSig                  *string
		creationSlot                 *int64
		closeAuthority, strategy     *string
	)
	if err := row.Scan(&address, &accountType, &createdAt, &closedAt, &rent, &size, &status,
		&creationSig, &creationSlot, &closeAuthority, &strategy); err != nil {
		return nil, err
	}

	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, &sol.ParseError{Input: address, Err: err}
	}
	at, err := sol.ParseAccountType(accountType)
	if err != nil {
		return nil, err
	}
	a := &Account{
		Address:      pk,
		AccountType:  at,
		CreatedAt:    createdAt.UTC(),
		RentLamports: uint64(rent),
		DataSize:     uint64(size),
		Status:       Status(status),
	}
	if closedAt != nil {
		t := closedAt.UTC()
		a.ClosedAt = &t
	}
	if creationSig != nil {
		a.CreationSignature = *creationSig
	}
	if creationSlot != nil {
		v := uint64(*creationSlot)
		a.CreationSlot = &v
	}
	if closeAuthority != nil {
		ca, err := solana.PublicKeyFromBase58(*closeAuthority)
		if err != nil {
			return nil, &sol.ParseError{Input: *closeAuthority, Err: err}
		}
		a.CloseAuthority = &ca
	}
	if strategy != nil {
		st := sol.ReclaimStrategy(*strategy)
		a.ReclaimStrategy = &st
	}
	return a, nil
}

func pubkeyString(pk *solana.PublicKey) *string {
	if pk == nil {
		return nil
	}
	s := pk.String()
	return &s
}

func strategyString(st *sol.ReclaimStrategy) *string {
	if st == nil {
		return nil
	}
	s := string(*st)
	return &s
}
