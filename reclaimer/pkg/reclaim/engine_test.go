package reclaim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol/soltesting"
	"github.com/malbeclabs/reclaimer/utils/pkg/retry"
	reclaimertesting "github.com/malbeclabs/reclaimer/utils/pkg/testing"
)

type engineFixture struct {
	rpc      *soltesting.MockRPC
	treasury solana.PrivateKey
	operator solana.PrivateKey
}

func newEngineFixture() *engineFixture {
	return &engineFixture{
		rpc:      &soltesting.MockRPC{},
		treasury: solana.NewWallet().PrivateKey,
		operator: solana.NewWallet().PrivateKey,
	}
}

func (f *engineFixture) engine(t *testing.T, mutate ...func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{
		Logger:   reclaimertesting.NewLogger(),
		RPC:      f.rpc,
		Operator: f.operator.PublicKey(),
		Treasury: f.treasury.PublicKey(),
		Signers:  []solana.PrivateKey{f.treasury, f.operator},
		Retry: retry.Config{
			MaxAttempts: 3,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  time.Millisecond,
		},
		Clock: clockwork.NewRealClock(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

// tokenAccount registers an empty token account closable by the operator.
func (f *engineFixture) tokenAccount() solana.PublicKey {
	addr := solana.NewWallet().PublicKey()
	op := f.operator.PublicKey()
	f.rpc.SetAccount(addr, soltesting.TokenAccount(solana.NewWallet().PublicKey(), &op, 0, sol.ATARentLamports))
	return addr
}

func TestReclaimer_Engine_ConfigValidate(t *testing.T) {
	t.Parallel()

	f := newEngineFixture()
	base := func() EngineConfig {
		return EngineConfig{
			Logger:   reclaimertesting.NewLogger(),
			RPC:      f.rpc,
			Operator: f.operator.PublicKey(),
			Treasury: f.treasury.PublicKey(),
		}
	}

	cfg := base()
	_, err := NewEngine(cfg)
	require.True(t, sol.IsConfigError(err))

	cfg = base()
	cfg.Signers = []solana.PrivateKey{f.treasury}
	_, err = NewEngine(cfg)
	require.True(t, sol.IsConfigError(err))
	require.Contains(t, err.Error(), "operator")

	cfg = base()
	cfg.DryRun = true
	_, err = NewEngine(cfg)
	require.NoError(t, err)

	cfg = base()
	cfg.Signers = []solana.PrivateKey{f.treasury}
	cfg.Operator = f.treasury.PublicKey()
	_, err = NewEngine(cfg)
	require.NoError(t, err, "a treasury that is also the operator needs one key")
}

func TestReclaimer_Engine_TypeDispatch(t *testing.T) {
	t.Parallel()

	t.Run("operator controlled token account is closed", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := f.tokenAccount()

		res, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		require.NoError(t, err)
		require.True(t, res.Submitted())
		require.Equal(t, uint64(sol.ATARentLamports), res.Amount)
		require.Equal(t, addr, res.Account)
		require.Len(t, f.rpc.Sent(), 1)
	})

	t.Run("system account is not eligible", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := solana.NewWallet().PublicKey()
		f.rpc.SetAccount(addr, &sol.Account{Lamports: 1_000_000, Owner: solana.SystemProgramID})

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SystemAccount()})
		require.True(t, sol.IsNotEligible(err))
		require.Empty(t, f.rpc.Sent())
	})

	t.Run("other program account is not eligible", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		program := solana.NewWallet().PublicKey()
		addr := solana.NewWallet().PublicKey()
		f.rpc.SetAccount(addr, &sol.Account{Lamports: 1_000_000, Owner: program, Data: make([]byte, 40)})

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.OtherAccount(program)})
		require.True(t, sol.IsNotEligible(err))
		require.Contains(t, err.Error(), program.String())
	})

	t.Run("live classification overrides recorded type", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := solana.NewWallet().PublicKey()
		f.rpc.SetAccount(addr, &sol.Account{Lamports: 1_000_000, Owner: solana.SystemProgramID})

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		require.True(t, sol.IsNotEligible(err))
		require.Contains(t, err.Error(), "System")
	})

	t.Run("token account with balance is not eligible", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := solana.NewWallet().PublicKey()
		op := f.operator.PublicKey()
		f.rpc.SetAccount(addr, soltesting.TokenAccount(solana.NewWallet().PublicKey(), &op, 42, sol.ATARentLamports))

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		require.True(t, sol.IsNotEligible(err))
		require.Contains(t, err.Error(), "42 tokens")
	})

	t.Run("frozen token account is not eligible", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := solana.NewWallet().PublicKey()
		op := f.operator.PublicKey()
		f.rpc.SetAccount(addr, &sol.Account{
			Lamports: sol.ATARentLamports,
			Owner:    solana.TokenProgramID,
			Data:     sol.EncodeTokenAccount(sol.TokenAccount{Owner: op, State: 2}),
		})

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		require.True(t, sol.IsNotEligible(err))
		require.Contains(t, err.Error(), "frozen")
	})

	t.Run("foreign authority is not eligible", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := solana.NewWallet().PublicKey()
		f.rpc.SetAccount(addr, soltesting.TokenAccount(solana.NewWallet().PublicKey(), nil, 0, sol.ATARentLamports))

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		require.True(t, sol.IsNotEligible(err))
		require.Contains(t, err.Error(), "close authority")
	})
}

func TestReclaimer_Engine_AbsentOrEmptyAccountYieldsZeroResult(t *testing.T) {
	t.Parallel()

	f := newEngineFixture()
	e := f.engine(t)

	absent := solana.NewWallet().PublicKey()
	res, err := e.ReclaimAccount(context.Background(), Target{Address: absent, AccountType: sol.SplTokenAccount()})
	require.NoError(t, err)
	require.False(t, res.Submitted())
	require.Zero(t, res.Amount)

	empty := solana.NewWallet().PublicKey()
	f.rpc.SetAccount(empty, &sol.Account{Lamports: 0, Owner: solana.TokenProgramID, Data: make([]byte, sol.TokenAccountSize)})
	res, err = e.ReclaimAccount(context.Background(), Target{Address: empty, AccountType: sol.SplTokenAccount()})
	require.NoError(t, err)
	require.False(t, res.Submitted())
	require.Zero(t, res.Amount)
	require.Empty(t, f.rpc.Sent())
}

func TestReclaimer_Engine_DryRunDoesNotSubmit(t *testing.T) {
	t.Parallel()

	f := newEngineFixture()
	addr := f.tokenAccount()
	e := f.engine(t, func(cfg *EngineConfig) {
		cfg.DryRun = true
		cfg.Signers = nil
	})

	res, err := e.ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.False(t, res.Submitted())
	require.Equal(t, uint64(sol.ATARentLamports), res.Amount)
	require.Empty(t, f.rpc.Sent())
}

func TestReclaimer_Engine_CloseTransactionShape(t *testing.T) {
	t.Parallel()

	f := newEngineFixture()
	addr := f.tokenAccount()

	_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
	require.NoError(t, err)

	sent := f.rpc.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	require.Equal(t, f.treasury.PublicKey(), tx.Message.AccountKeys[0], "treasury pays fees")
	require.Len(t, tx.Signatures, 2)
	require.Len(t, tx.Message.Instructions, 1)

	ix := tx.Message.Instructions[0]
	program, err := tx.Message.Program(ix.ProgramIDIndex)
	require.NoError(t, err)
	require.Equal(t, solana.TokenProgramID, program)

	accounts, err := ix.ResolveInstructionAccounts(&tx.Message)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	require.Equal(t, addr, accounts[0].PublicKey)
	require.Equal(t, f.treasury.PublicKey(), accounts[1].PublicKey, "rent goes to the treasury")
	require.Equal(t, f.operator.PublicKey(), accounts[2].PublicKey)
	require.NoError(t, tx.VerifySignatures())
}

func TestReclaimer_Engine_RetriesSubmission(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := f.tokenAccount()
		var sends, hashes atomic.Int32
		f.rpc.GetLatestBlockhashFunc = func(context.Context) (solana.Hash, error) {
			hashes.Add(1)
			return solana.Hash{9}, nil
		}
		f.rpc.SendTransactionFunc = func(context.Context, *solana.Transaction) (solana.Signature, error) {
			if sends.Add(1) < 3 {
				return solana.Signature{}, &sol.RemoteError{Op: "sendTransaction", Err: errors.New("blockhash not found")}
			}
			return solana.Signature{1, 2, 3}, nil
		}

		res, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		require.NoError(t, err)
		require.Equal(t, solana.Signature{1, 2, 3}, res.Signature)
		require.Equal(t, int32(3), sends.Load())
		require.Equal(t, int32(3), hashes.Load(), "each attempt uses a fresh blockhash")
	})

	t.Run("gives up after the attempt bound", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := f.tokenAccount()
		var confirms atomic.Int32
		f.rpc.ConfirmTransactionFunc = func(context.Context, solana.Signature) error {
			confirms.Add(1)
			return errors.New("confirmation timed out")
		}

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.False(t, sol.IsNotEligible(err))
		require.True(t, IsSubmitError(err))
		require.Equal(t, int32(3), confirms.Load())
	})

	t.Run("failed account read is not a submission failure", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		addr := f.tokenAccount()
		f.rpc.GetAccountFunc = func(context.Context, solana.PublicKey) (*sol.Account, error) {
			return nil, &sol.RemoteError{Op: "getAccountInfo", Err: errors.New("503")}
		}

		_, err := f.engine(t).ReclaimAccount(context.Background(), Target{Address: addr, AccountType: sol.SplTokenAccount()})
		var remote *sol.RemoteError
		require.ErrorAs(t, err, &remote)
		require.False(t, IsSubmitError(err))
		require.Empty(t, f.rpc.Sent())
	})
}

func TestReclaimer_Engine_BatchReclaim(t *testing.T) {
	t.Parallel()

	t.Run("shares one blockhash across first attempts", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		var hashes atomic.Int32
		f.rpc.GetLatestBlockhashFunc = func(context.Context) (solana.Hash, error) {
			hashes.Add(1)
			return solana.Hash{5}, nil
		}
		targets := []Target{
			{Address: f.tokenAccount(), AccountType: sol.SplTokenAccount()},
			{Address: f.tokenAccount(), AccountType: sol.SplTokenAccount()},
			{Address: f.tokenAccount(), AccountType: sol.SplTokenAccount()},
		}

		outcomes, err := f.engine(t).BatchReclaim(context.Background(), targets)
		require.NoError(t, err)
		require.Len(t, outcomes, 3)
		for i, o := range outcomes {
			require.NoError(t, o.Err)
			require.Equal(t, targets[i].Address, o.Address)
			require.True(t, o.Result.Submitted())
		}
		require.Equal(t, int32(1), hashes.Load())
	})

	t.Run("blockhash failure fails the whole chunk", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		f.rpc.GetLatestBlockhashFunc = func(context.Context) (solana.Hash, error) {
			return solana.Hash{}, &sol.RemoteError{Op: "getLatestBlockhash", Err: errors.New("503")}
		}

		_, err := f.engine(t).BatchReclaim(context.Background(), []Target{{Address: f.tokenAccount(), AccountType: sol.SplTokenAccount()}})
		require.Error(t, err)
		require.Empty(t, f.rpc.Sent())
	})

	t.Run("per-account failures stay in outcomes", func(t *testing.T) {
		t.Parallel()
		f := newEngineFixture()
		sys := solana.NewWallet().PublicKey()
		f.rpc.SetAccount(sys, &sol.Account{Lamports: 1_000_000, Owner: solana.SystemProgramID})
		targets := []Target{
			{Address: f.tokenAccount(), AccountType: sol.SplTokenAccount()},
			{Address: sys, AccountType: sol.SystemAccount()},
		}

		outcomes, err := f.engine(t).BatchReclaim(context.Background(), targets)
		require.NoError(t, err)
		require.NoError(t, outcomes[0].Err)
		require.True(t, sol.IsNotEligible(outcomes[1].Err))
	})
}
