package treasury

import (
	"cmp"
	"slices"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
)

const (
	// DefaultTolerance absorbs transaction fees between the closed rent and the observed increase.
	DefaultTolerance uint64 = 5_000

	// maxFallbackAccounts bounds the best-guess attribution when nothing matches.
	maxFallbackAccounts = 5

	// maxCombinationCandidates bounds the pair and triple search.
	maxCombinationCandidates = 64
)

// Match is an attribution of a balance increase to closed accounts.
type Match struct {
	Confidence store.Confidence
	Accounts   []solana.PublicKey
}

func distance(a, b uint64) uint64 {
	return max(a, b) - min(a, b)
}

func within(a, b, tolerance uint64) bool {
	return distance(a, b) <= tolerance
}

// matchExact returns the closed account whose rent is nearest delta, if within tolerance.
func matchExact(delta uint64, closed []store.Account, tolerance uint64) (Match, bool) {
	best := -1
	var bestDiff uint64
	for i, a := range closed {
		if !within(a.RentLamports, delta, tolerance) {
			continue
		}
		diff := distance(a.RentLamports, delta)
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best < 0 {
		return Match{}, false
	}
	return Match{Confidence: store.ConfidenceHigh, Accounts: []solana.PublicKey{closed[best].Address}}, true
}

// matchCombination looks for a pair, then a triple, of closed accounts summing to delta.
func matchCombination(delta uint64, closed []store.Account, tolerance uint64) (Match, bool) {
	closed = combinationCandidates(delta, closed, tolerance)
	n := len(closed)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if within(closed[i].RentLamports+closed[j].RentLamports, delta, tolerance) {
				return Match{
					Confidence: store.ConfidenceMedium,
					Accounts:   []solana.PublicKey{closed[i].Address, closed[j].Address},
				}, true
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			for k := j + 1; k < n; k++ {
				sum := closed[i].RentLamports + closed[j].RentLamports + closed[k].RentLamports
				if within(sum, delta, tolerance) {
					return Match{
						Confidence: store.ConfidenceMedium,
						Accounts:   []solana.PublicKey{closed[i].Address, closed[j].Address, closed[k].Address},
					}, true
				}
			}
		}
	}
	return Match{}, false
}

// combinationCandidates drops accounts that cannot be part of a sum equal to delta and, past the
// search bound, keeps those whose rent is nearest delta. Order is otherwise preserved.
func combinationCandidates(delta uint64, closed []store.Account, tolerance uint64) []store.Account {
	out := make([]store.Account, 0, len(closed))
	for _, a := range closed {
		if a.RentLamports == 0 || a.RentLamports > delta+tolerance {
			continue
		}
		out = append(out, a)
	}
	if len(out) <= maxCombinationCandidates {
		return out
	}
	slices.SortStableFunc(out, func(a, b store.Account) int {
		return cmp.Compare(distance(a.RentLamports, delta), distance(b.RentLamports, delta))
	})
	return out[:maxCombinationCandidates]
}

func matchAmount(delta uint64, closed []store.Account, tolerance uint64) (Match, bool) {
	if m, ok := matchExact(delta, closed, tolerance); ok {
		return m, true
	}
	return matchCombination(delta, closed, tolerance)
}

// fallback attributes delta to the most recently closed accounts as a best guess.
func fallback(closed []store.Account) Match {
	if len(closed) == 0 {
		return Match{Confidence: store.ConfidenceUnknown}
	}
	n := min(len(closed), maxFallbackAccounts)
	accounts := make([]solana.PublicKey, 0, n)
	for _, a := range closed[:n] {
		accounts = append(accounts, a.Address)
	}
	return Match{Confidence: store.ConfidenceLow, Accounts: accounts}
}
