// Package discovery replays an operator's transaction history to find the accounts it sponsored.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/metrics"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
)

// DefaultMaxSignatures bounds a scan when the caller does not.
const DefaultMaxSignatures = 5000

// SponsoredAccount is an account creation observed in the operator's history.
type SponsoredAccount struct {
	Address           solana.PublicKey
	CreationSignature solana.Signature
	CreationSlot      uint64
	CreationTime      time.Time
	// InitialBalance is nil when the creating instruction carries no lamports.
	InitialBalance *uint64
	DataSize       uint64
	AccountType    sol.AccountType
	// TimeEstimated is set when CreationTime was derived from the slot.
	TimeEstimated bool
}

// Result is the outcome of one discovery run.
type Result struct {
	Accounts            []SponsoredAccount
	SignaturesScanned   int
	TransactionsSkipped int
	// NewestSignature is the most recent signature seen, zero if none. It is the next incremental cursor.
	NewestSignature solana.Signature
	NewestSlot      uint64
	// OldestSignature is the last signature scanned, the resume point when Truncated.
	OldestSignature solana.Signature
	// Truncated is set when the signature budget ran out before the window was exhausted.
	Truncated bool
}

// Window bounds a scan: signatures strictly older than Before and strictly newer than Until.
// Zero values leave that side open.
type Window struct {
	Before solana.Signature
	Until  solana.Signature
}

type Config struct {
	Logger   *slog.Logger
	RPC      sol.RPC
	Operator solana.PublicKey
	PageSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Operator.IsZero() {
		return errors.New("operator is required")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > sol.MaxSignaturesPage {
		cfg.PageSize = sol.MaxSignaturesPage
	}
	return nil
}

type Discoverer struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Discoverer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Discoverer{log: cfg.Logger, cfg: cfg}, nil
}

// DiscoverFromSignatures scans up to maxSignatures of the operator's most recent history.
func (d *Discoverer) DiscoverFromSignatures(ctx context.Context, maxSignatures int) ([]SponsoredAccount, error) {
	res, err := d.Discover(ctx, Window{}, maxSignatures)
	return res.Accounts, err
}

// DiscoverIncremental scans only transactions newer than sinceSignature.
func (d *Discoverer) DiscoverIncremental(ctx context.Context, sinceSignature solana.Signature, maxSignatures int) ([]SponsoredAccount, error) {
	res, err := d.Discover(ctx, Window{Until: sinceSignature}, maxSignatures)
	return res.Accounts, err
}

// Discover pages backward through the operator's signatures within w, newest first.
// maxSignatures bounds signatures fetched, not accounts found. On a remote failure the partial
// result is returned alongside the error.
func (d *Discoverer) Discover(ctx context.Context, w Window, maxSignatures int) (*Result, error) {
	if maxSignatures <= 0 {
		maxSignatures = DefaultMaxSignatures
	}
	start := time.Now()
	res := &Result{}
	seen := make(map[solana.PublicKey]struct{})

	d.log.Info("discovery: scanning operator history", "operator", d.cfg.Operator, "incremental", !w.Until.IsZero(), "resuming", !w.Before.IsZero(), "max_signatures", maxSignatures)

	before := w.Before
	for {
		if res.SignaturesScanned >= maxSignatures {
			res.Truncated = true
			break
		}
		limit := min(d.cfg.PageSize, maxSignatures-res.SignaturesScanned)
		page, err := d.cfg.RPC.GetSignatures(ctx, d.cfg.Operator, sol.SignaturesOpts{
			Before: before,
			Until:  w.Until,
			Limit:  limit,
		})
		if err != nil {
			metrics.DiscoveryErrorsTotal.WithLabelValues("signatures").Inc()
			return res, fmt.Errorf("discovery: failed to list signatures: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if res.NewestSignature.IsZero() {
			res.NewestSignature = page[0].Signature
			res.NewestSlot = page[0].Slot
		}
		res.SignaturesScanned += len(page)

		if err := d.processPage(ctx, page, seen, res); err != nil {
			metrics.DiscoveryErrorsTotal.WithLabelValues("transaction").Inc()
			return res, err
		}

		before = page[len(page)-1].Signature
		res.OldestSignature = before
		if len(page) < limit {
			break
		}
	}

	metrics.DiscoverySignaturesScanned.Add(float64(res.SignaturesScanned))
	metrics.DiscoveryAccountsFound.Add(float64(len(res.Accounts)))
	d.log.Info("discovery: scan complete",
		"signatures", res.SignaturesScanned,
		"accounts", len(res.Accounts),
		"skipped", res.TransactionsSkipped,
		"truncated", res.Truncated,
		"duration", time.Since(start))
	return res, nil
}

func (d *Discoverer) processPage(ctx context.Context, page []sol.SignatureInfo, seen map[solana.PublicKey]struct{}, res *Result) error {
	for _, sig := range page {
		if sig.Failed {
			continue
		}
		tx, err := d.cfg.RPC.GetTransaction(ctx, sig.Signature)
		if err != nil {
			if errors.Is(err, sol.ErrUnsupportedEncoding) || errors.Is(err, sol.ErrNotFound) || sol.IsParseError(err) {
				d.log.Debug("discovery: skipping transaction", "signature", sig.Signature, "error", err)
				res.TransactionsSkipped++
				continue
			}
			return fmt.Errorf("discovery: page aborted at %s: %w", sig.Signature, err)
		}
		if tx.Failed {
			continue
		}
		for _, acct := range d.extractAccounts(tx) {
			if _, ok := seen[acct.Address]; ok {
				continue
			}
			seen[acct.Address] = struct{}{}
			res.Accounts = append(res.Accounts, acct)
		}
	}
	return nil
}

func (d *Discoverer) extractAccounts(tx *sol.Transaction) []SponsoredAccount {
	var (
		createdAt time.Time
		estimated bool
	)
	if tx.BlockTime != nil {
		createdAt = tx.BlockTime.UTC()
	} else {
		createdAt = sol.EstimateSlotTime(tx.Slot)
		estimated = true
		d.log.Warn("discovery: transaction has no block time, estimating from slot",
			"signature", tx.Signature, "slot", tx.Slot, "estimated", createdAt)
	}

	var out []SponsoredAccount
	for _, ix := range tx.Instructions {
		c, ok := matchCreation(ix)
		if !ok {
			continue
		}
		addr, err := solana.PublicKeyFromBase58(c.address)
		if err != nil {
			d.log.Warn("discovery: skipping instruction with malformed address",
				"signature", tx.Signature, "program", ix.Program, "error", &sol.ParseError{Input: c.address, Err: err})
			continue
		}
		out = append(out, SponsoredAccount{
			Address:           addr,
			CreationSignature: tx.Signature,
			CreationSlot:      tx.Slot,
			CreationTime:      createdAt,
			InitialBalance:    c.balance,
			DataSize:          c.size,
			AccountType:       c.accountType,
			TimeEstimated:     estimated,
		})
	}
	return out
}

type creation struct {
	address     string
	accountType sol.AccountType
	balance     *uint64
	size        uint64
}

// matchCreation recognizes account-creating instruction shapes.
func matchCreation(ix sol.Instruction) (creation, bool) {
	switch ix.Program {
	case "system":
		if ix.Type != "createAccount" && ix.Type != "createAccountWithSeed" {
			return creation{}, false
		}
		addr, ok := stringField(ix.Info, "newAccount")
		if !ok {
			return creation{}, false
		}
		c := creation{address: addr, accountType: sol.SystemAccount()}
		if lamports, ok := uintField(ix.Info, "lamports"); ok {
			c.balance = &lamports
		}
		c.size, _ = uintField(ix.Info, "space")
		return c, true

	case "spl-associated-token-account":
		if ix.Type != "create" && ix.Type != "createIdempotent" {
			return creation{}, false
		}
		addr, ok := stringField(ix.Info, "account")
		if !ok {
			return creation{}, false
		}
		rent := sol.ATARentLamports
		return creation{address: addr, accountType: sol.SplTokenAccount(), balance: &rent, size: sol.TokenAccountSize}, true

	case "spl-token":
		switch ix.Type {
		case "initializeAccount", "initializeAccount2", "initializeAccount3":
		default:
			return creation{}, false
		}
		addr, ok := stringField(ix.Info, "account")
		if !ok {
			return creation{}, false
		}
		return creation{address: addr, accountType: sol.SplTokenAccount(), size: sol.TokenAccountSize}, true
	}

	t := strings.ToLower(ix.Type)
	if !strings.Contains(t, "create") && !strings.Contains(t, "init") {
		return creation{}, false
	}
	for _, key := range []string{"account", "newAccount", "address"} {
		if addr, ok := stringField(ix.Info, key); ok {
			return creation{address: addr, accountType: sol.OtherAccount(ix.ProgramID)}, true
		}
	}
	return creation{}, false
}

func stringField(info map[string]any, key string) (string, bool) {
	v, ok := info[key].(string)
	return v, ok && v != ""
}

func uintField(info map[string]any, key string) (uint64, bool) {
	switch v := info[key].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}
