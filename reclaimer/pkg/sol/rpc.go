package sol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/ratelimit"
)

const (
	// MaxSignaturesPage is the largest page the provider returns for a signature listing.
	MaxSignaturesPage = 1000

	// MaxAccountsPerCall is the largest batch accepted by a multiple-account fetch.
	MaxAccountsPerCall = 100
)

// SignatureInfo is one entry of a newest-first signature listing.
type SignatureInfo struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *time.Time
	Failed    bool
}

// Instruction is a parsed instruction in the provider's human-readable encoding.
type Instruction struct {
	Program   string
	ProgramID solana.PublicKey
	Type      string
	Info      map[string]any
}

// Transaction is a fetched transaction reduced to what discovery reads.
type Transaction struct {
	Signature    solana.Signature
	Slot         uint64
	BlockTime    *time.Time
	Failed       bool
	Instructions []Instruction
}

// Account is the raw state of an on-chain account.
type Account struct {
	Address  solana.PublicKey
	Lamports uint64
	Owner    solana.PublicKey
	Data     []byte
}

// SignaturesOpts bounds a signature listing. Zero signatures are ignored.
type SignaturesOpts struct {
	Before solana.Signature
	Until  solana.Signature
	Limit  int
}

// RPC is the remote gateway consumed by every component.
type RPC interface {
	GetSignatures(ctx context.Context, address solana.PublicKey, opts SignaturesOpts) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error)
	GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error)
	GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*Account, error)
	GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error)
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solana.Signature) error
}

// SolanaRPC is the subset of the solana-go client used by Client.
type SolanaRPC interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetSignaturesForAddressOpts) ([]*solanarpc.TransactionSignature, error)
	GetParsedTransaction(ctx context.Context, sig solana.Signature, opts *solanarpc.GetParsedTransactionOpts) (*solanarpc.GetParsedTransactionResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *solanarpc.GetMultipleAccountsOpts) (*solanarpc.GetMultipleAccountsResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment solanarpc.CommitmentType) (uint64, error)
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
}

type ClientConfig struct {
	Logger     *slog.Logger
	RPC        SolanaRPC
	Limiter    *ratelimit.Limiter
	Commitment solanarpc.CommitmentType
	Clock      clockwork.Clock

	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(0, cfg.Clock)
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	return nil
}

// Client implements RPC over a solana-go client, awaiting the rate limiter before every call.
type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg}, nil
}

// NewClientFromURL builds a Client over a fresh solana-go RPC client.
func NewClientFromURL(log *slog.Logger, url string, limiter *ratelimit.Limiter, commitment solanarpc.CommitmentType) (*Client, error) {
	return NewClient(ClientConfig{
		Logger:     log,
		RPC:        solanarpc.New(url),
		Limiter:    limiter,
		Commitment: commitment,
	})
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.cfg.Limiter.Wait(ctx); err != nil {
		return &RemoteError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) GetSignatures(ctx context.Context, address solana.PublicKey, opts SignaturesOpts) ([]SignatureInfo, error) {
	if err := c.wait(ctx, "getSignaturesForAddress"); err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > MaxSignaturesPage {
		limit = MaxSignaturesPage
	}
	out, err := c.cfg.RPC.GetSignaturesForAddressWithOpts(ctx, address, &solanarpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Before:     opts.Before,
		Until:      opts.Until,
		Commitment: c.cfg.Commitment,
	})
	if err != nil {
		return nil, &RemoteError{Op: "getSignaturesForAddress", Err: err}
	}
	sigs := make([]SignatureInfo, 0, len(out))
	for _, s := range out {
		if s == nil {
			continue
		}
		info := SignatureInfo{Signature: s.Signature, Slot: s.Slot, Failed: s.Err != nil}
		if s.BlockTime != nil {
			t := s.BlockTime.Time().UTC()
			info.BlockTime = &t
		}
		sigs = append(sigs, info)
	}
	return sigs, nil
}

func (c *Client) GetTransaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	if err := c.wait(ctx, "getTransaction"); err != nil {
		return nil, err
	}
	maxVersion := uint64(0)
	out, err := c.cfg.RPC.GetParsedTransaction(ctx, sig, &solanarpc.GetParsedTransactionOpts{
		Commitment:                     c.cfg.Commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &RemoteError{Op: "getTransaction", Err: err}
	}
	if out == nil || out.Transaction == nil {
		return nil, ErrUnsupportedEncoding
	}
	return convertParsedTransaction(sig, out)
}

func convertParsedTransaction(sig solana.Signature, out *solanarpc.GetParsedTransactionResult) (*Transaction, error) {
	tx := &Transaction{Signature: sig, Slot: out.Slot}
	if out.BlockTime != nil {
		t := out.BlockTime.Time().UTC()
		tx.BlockTime = &t
	}
	if out.Meta != nil {
		tx.Failed = out.Meta.Err != nil
	}

	parsed := 0
	appendAll := func(ixs []*solanarpc.ParsedInstruction) error {
		for _, ix := range ixs {
			if ix == nil || ix.Parsed == nil {
				continue
			}
			inst, ok, err := convertInstruction(ix)
			if err != nil {
				return err
			}
			if ok {
				tx.Instructions = append(tx.Instructions, inst)
			}
			parsed++
		}
		return nil
	}
	if err := appendAll(out.Transaction.Message.Instructions); err != nil {
		return nil, err
	}
	if out.Meta != nil {
		for _, inner := range out.Meta.InnerInstructions {
			if err := appendAll(inner.Instructions); err != nil {
				return nil, err
			}
		}
	}
	if parsed == 0 && len(out.Transaction.Message.Instructions) > 0 {
		return nil, ErrUnsupportedEncoding
	}
	return tx, nil
}

type instructionEnvelope struct {
	Type string         `json:"type"`
	Info map[string]any `json:"info"`
}

// convertInstruction extracts type and info from a parsed instruction. Instructions whose
// parsed form is a bare string carry no structured info and are reported as not ok.
func convertInstruction(ix *solanarpc.ParsedInstruction) (Instruction, bool, error) {
	raw, err := json.Marshal(ix.Parsed)
	if err != nil {
		return Instruction{}, false, &ParseError{Input: "instruction", Err: err}
	}
	if len(raw) == 0 || raw[0] != '{' {
		return Instruction{}, false, nil
	}
	var env instructionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Instruction{}, false, &ParseError{Input: "instruction", Err: err}
	}
	return Instruction{
		Program:   ix.Program,
		ProgramID: ix.ProgramId,
		Type:      env.Type,
		Info:      env.Info,
	}, true, nil
}

func (c *Client) GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	if err := c.wait(ctx, "getAccountInfo"); err != nil {
		return nil, err
	}
	out, err := c.cfg.RPC.GetAccountInfoWithOpts(ctx, address, &solanarpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.cfg.Commitment,
	})
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &RemoteError{Op: "getAccountInfo", Err: err}
	}
	if out == nil || out.Value == nil {
		return nil, ErrNotFound
	}
	return convertAccount(address, out.Value), nil
}

// GetAccounts fetches accounts in chunks of MaxAccountsPerCall. Absent accounts are nil entries.
func (c *Client) GetAccounts(ctx context.Context, addresses []solana.PublicKey) ([]*Account, error) {
	accounts := make([]*Account, 0, len(addresses))
	for start := 0; start < len(addresses); start += MaxAccountsPerCall {
		end := min(start+MaxAccountsPerCall, len(addresses))
		chunk := addresses[start:end]
		if err := c.wait(ctx, "getMultipleAccounts"); err != nil {
			return nil, err
		}
		out, err := c.cfg.RPC.GetMultipleAccountsWithOpts(ctx, chunk, &solanarpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.cfg.Commitment,
		})
		if err != nil {
			return nil, &RemoteError{Op: "getMultipleAccounts", Err: err}
		}
		for i, addr := range chunk {
			var acct *solanarpc.Account
			if out != nil && i < len(out.Value) {
				acct = out.Value[i]
			}
			if acct == nil {
				accounts = append(accounts, nil)
				continue
			}
			accounts = append(accounts, convertAccount(addr, acct))
		}
	}
	return accounts, nil
}

func convertAccount(address solana.PublicKey, acct *solanarpc.Account) *Account {
	out := &Account{Address: address, Lamports: acct.Lamports, Owner: acct.Owner}
	if acct.Data != nil {
		out.Data = acct.Data.GetBinary()
	}
	return out
}

func (c *Client) GetBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	if err := c.wait(ctx, "getBalance"); err != nil {
		return 0, err
	}
	out, err := c.cfg.RPC.GetBalance(ctx, address, c.cfg.Commitment)
	if err != nil {
		return 0, &RemoteError{Op: "getBalance", Err: err}
	}
	if out == nil {
		return 0, nil
	}
	return out.Value, nil
}

func (c *Client) GetMinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error) {
	if err := c.wait(ctx, "getMinimumBalanceForRentExemption"); err != nil {
		return 0, err
	}
	lamports, err := c.cfg.RPC.GetMinimumBalanceForRentExemption(ctx, dataLen, c.cfg.Commitment)
	if err != nil {
		return 0, &RemoteError{Op: "getMinimumBalanceForRentExemption", Err: err}
	}
	return lamports, nil
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := c.wait(ctx, "getLatestBlockhash"); err != nil {
		return solana.Hash{}, err
	}
	out, err := c.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, &RemoteError{Op: "getLatestBlockhash", Err: err}
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, &RemoteError{Op: "getLatestBlockhash", Err: errors.New("empty result")}
	}
	return out.Value.Blockhash, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := c.wait(ctx, "sendTransaction"); err != nil {
		return solana.Signature{}, err
	}
	sig, err := c.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: c.cfg.Commitment,
	})
	if err != nil {
		return solana.Signature{}, &RemoteError{Op: "sendTransaction", Err: err}
	}
	return sig, nil
}

// ConfirmTransaction polls the signature status until it reaches confirmed or finalized,
// the transaction fails, or the confirm timeout elapses.
func (c *Client) ConfirmTransaction(ctx context.Context, sig solana.Signature) error {
	deadline := c.cfg.Clock.Now().Add(c.cfg.ConfirmTimeout)
	for {
		if err := c.wait(ctx, "getSignatureStatuses"); err != nil {
			return err
		}
		out, err := c.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return &RemoteError{Op: "getSignatureStatuses", Err: err}
		}
		if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return &RemoteError{Op: "confirmTransaction", Err: fmt.Errorf("transaction %s failed: %v", sig, status.Err)}
			}
			switch status.ConfirmationStatus {
			case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
				return nil
			}
		}
		if !c.cfg.Clock.Now().Before(deadline) {
			return &RemoteError{Op: "confirmTransaction", Err: fmt.Errorf("transaction %s not confirmed within %s", sig, c.cfg.ConfirmTimeout)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.cfg.Clock.After(c.cfg.ConfirmPollInterval):
		}
	}
}
