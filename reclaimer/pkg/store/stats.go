package store

import (
	"context"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
)

// Stats aggregates account counts and reclaim totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st             Stats
		lockedRent     int64
		totalReclaimed int64
		averageReclaim float64
		totalPassive   int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'Active'),
			COUNT(*) FILTER (WHERE status = 'Closed'),
			COUNT(*) FILTER (WHERE status = 'Reclaimed'),
			COALESCE(SUM(rent_lamports) FILTER (WHERE status = 'Active'), 0)::bigint
		FROM sponsored_accounts`,
	).Scan(&st.TotalAccounts, &st.ActiveAccounts, &st.ClosedAccounts, &st.ReclaimedAccounts, &lockedRent)
	if err != nil {
		return Stats{}, wrap("stats", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(reclaimed_amount), 0)::bigint, COALESCE(AVG(reclaimed_amount), 0)::float8
		FROM reclaim_operations`,
	).Scan(&st.TotalOperations, &totalReclaimed, &averageReclaim)
	if err != nil {
		return Stats{}, wrap("stats", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)::bigint FROM passive_reclaims`,
	).Scan(&st.PassiveReclaimRecords, &totalPassive)
	if err != nil {
		return Stats{}, wrap("stats", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(reclaim_strategy, 'Unknown'), COUNT(*)
		FROM sponsored_accounts
		GROUP BY 1`)
	if err != nil {
		return Stats{}, wrap("stats", err)
	}
	defer rows.Close()
	st.AccountsByStrategy = make(map[sol.ReclaimStrategy]int64)
	for rows.Next() {
		var (
			strategy string
			count    int64
		)
		if err := rows.Scan(&strategy, &count); err != nil {
			return Stats{}, wrap("stats", err)
		}
		st.AccountsByStrategy[sol.ReclaimStrategy(strategy)] += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, wrap("stats", err)
	}

	st.LockedRentActive = uint64(lockedRent)
	st.TotalReclaimed = uint64(totalReclaimed)
	st.AverageReclaim = uint64(averageReclaim)
	st.TotalPassiveReclaimed = uint64(totalPassive)
	return st, nil
}
