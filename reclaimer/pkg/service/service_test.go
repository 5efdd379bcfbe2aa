package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/discovery"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/eligibility"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol/soltesting"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
	reclaimertesting "github.com/malbeclabs/reclaimer/utils/pkg/testing"
)

var testNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type mockDiscoverer struct {
	DiscoverFunc func(context.Context, discovery.Window, int) (*discovery.Result, error)

	mu    sync.Mutex
	calls []discovery.Window
}

func (m *mockDiscoverer) Discover(ctx context.Context, w discovery.Window, max int) (*discovery.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, w)
	m.mu.Unlock()
	if m.DiscoverFunc != nil {
		return m.DiscoverFunc(ctx, w, max)
	}
	return &discovery.Result{}, nil
}

func (m *mockDiscoverer) Calls() []discovery.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]discovery.Window(nil), m.calls...)
}

type mockEligibility struct {
	EvaluateFunc          func(context.Context, store.Account) (eligibility.Decision, error)
	DetermineStrategyFunc func(context.Context, solana.PublicKey) (sol.ReclaimStrategy, *solana.PublicKey, error)
}

func (m *mockEligibility) Evaluate(ctx context.Context, acct store.Account) (eligibility.Decision, error) {
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, acct)
	}
	return eligibility.Decision{Reason: "not eligible"}, nil
}

func (m *mockEligibility) DetermineStrategy(ctx context.Context, address solana.PublicKey) (sol.ReclaimStrategy, *solana.PublicKey, error) {
	if m.DetermineStrategyFunc != nil {
		return m.DetermineStrategyFunc(ctx, address)
	}
	return sol.StrategyUnknown, nil, nil
}

type mockBatch struct {
	ReclaimAllEligibleFunc func(context.Context, []reclaim.Target) reclaim.Summary
}

func (m *mockBatch) ReclaimAllEligible(ctx context.Context, targets []reclaim.Target) reclaim.Summary {
	if m.ReclaimAllEligibleFunc != nil {
		return m.ReclaimAllEligibleFunc(ctx, targets)
	}
	return reclaim.Summary{TotalAccounts: len(targets)}
}

type mockReconciler struct {
	CheckFunc func(context.Context) ([]store.PassiveReclaim, error)

	mu    sync.Mutex
	calls int
}

func (m *mockReconciler) CheckForPassiveReclaims(ctx context.Context) ([]store.PassiveReclaim, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.CheckFunc != nil {
		return m.CheckFunc(ctx)
	}
	return nil, nil
}

func (m *mockReconciler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	reclaims  []reclaim.Summary
	scans     [][2]int
	passive   [][]store.PassiveReclaim
	errors    []string
	summaries []store.Stats
}

func (n *recordingNotifier) NotifyReclaim(_ context.Context, s reclaim.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reclaims = append(n.reclaims, s)
	return nil
}

func (n *recordingNotifier) NotifyScan(_ context.Context, inserted, eligible int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scans = append(n.scans, [2]int{inserted, eligible})
	return nil
}

func (n *recordingNotifier) Scans() [][2]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][2]int(nil), n.scans...)
}

func (n *recordingNotifier) NotifyPassive(_ context.Context, r []store.PassiveReclaim) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.passive = append(n.passive, r)
	return nil
}

func (n *recordingNotifier) NotifyError(_ context.Context, stage string, _ error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, stage)
	return nil
}

func (n *recordingNotifier) NotifyDailySummary(_ context.Context, s store.Stats) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return nil
}

func (n *recordingNotifier) Errors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.errors...)
}

func (n *recordingNotifier) Summaries() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.summaries)
}

type fixture struct {
	clock      *clockwork.FakeClock
	rpc        *soltesting.MockRPC
	store      *memStore
	discoverer *mockDiscoverer
	elig       *mockEligibility
	batch      *mockBatch
	reconciler *mockReconciler
	notifier   *recordingNotifier
	treasury   solana.PublicKey
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(testNow)
	return &fixture{
		clock:      clock,
		rpc:        &soltesting.MockRPC{},
		store:      newMemStore(clock),
		discoverer: &mockDiscoverer{},
		elig:       &mockEligibility{},
		batch:      &mockBatch{},
		reconciler: &mockReconciler{},
		notifier:   &recordingNotifier{},
		treasury:   solana.NewWallet().PublicKey(),
	}
}

func (f *fixture) service(t *testing.T, mutate ...func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Logger:      reclaimertesting.NewLogger(),
		RPC:         f.rpc,
		Store:       f.store,
		Discoverer:  f.discoverer,
		Eligibility: f.elig,
		Batch:       f.batch,
		Reconciler:  f.reconciler,
		Notifier:    f.notifier,
		Treasury:    f.treasury,
		Clock:       f.clock,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func (f *fixture) account(strategy sol.ReclaimStrategy) solana.PublicKey {
	addr := solana.NewWallet().PublicKey()
	_, _ = f.store.UpsertAccount(context.Background(), store.Account{
		Address:         addr,
		AccountType:     sol.SplTokenAccount(),
		CreatedAt:       testNow.Add(-400 * 24 * time.Hour),
		RentLamports:    sol.ATARentLamports,
		DataSize:        sol.TokenAccountSize,
		Status:          store.StatusActive,
		ReclaimStrategy: &strategy,
	})
	return addr
}

func TestReclaimer_Service_ConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.EqualError(t, err, "logger is required")

	f := newFixture()
	_, err = New(Config{
		Logger: reclaimertesting.NewLogger(), RPC: f.rpc, Store: f.store, Discoverer: f.discoverer,
		Eligibility: f.elig, Batch: f.batch, Reconciler: f.reconciler,
	})
	require.True(t, sol.IsConfigError(err))

	s := f.service(t, func(cfg *Config) { cfg.Notifier = nil })
	require.Equal(t, DefaultInterval, s.Interval())
	require.Equal(t, discovery.DefaultMaxSignatures, s.cfg.MaxSignatures)
}

func TestReclaimer_Service_Scan(t *testing.T) {
	t.Parallel()

	t.Run("full then incremental", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		a := solana.NewWallet().PublicKey()
		b := solana.NewWallet().PublicKey()
		newest := solana.Signature{9, 9}
		rent := uint64(sol.ATARentLamports)
		f.rpc.SetAccount(b, &sol.Account{Lamports: 1_500_000, Owner: solana.TokenProgramID})
		f.discoverer.DiscoverFunc = func(_ context.Context, w discovery.Window, _ int) (*discovery.Result, error) {
			if !w.Until.IsZero() {
				return &discovery.Result{}, nil
			}
			return &discovery.Result{
				SignaturesScanned: 2,
				Accounts: []discovery.SponsoredAccount{
					{Address: a, CreationSignature: solana.Signature{1}, CreationSlot: 10, CreationTime: testNow.Add(-time.Hour), InitialBalance: &rent, DataSize: 165, AccountType: sol.SplTokenAccount()},
					{Address: b, CreationSignature: solana.Signature{2}, CreationSlot: 11, CreationTime: testNow.Add(-time.Hour), DataSize: 165, AccountType: sol.SplTokenAccount()},
				},
				NewestSignature: newest,
				NewestSlot:      500,
			}, nil
		}
		s := f.service(t)

		res, err := s.Scan(context.Background())
		require.NoError(t, err)
		require.False(t, res.Incremental)
		require.Equal(t, 2, res.Discovered)
		require.Equal(t, 2, res.Inserted)

		got, ok := f.store.get(a)
		require.True(t, ok)
		require.Equal(t, store.StatusActive, got.Status)
		require.Equal(t, rent, got.RentLamports)
		got, _ = f.store.get(b)
		require.Equal(t, uint64(1_500_000), got.RentLamports, "unset balance is filled from the chain")

		cp, _ := f.store.GetCheckpoint(context.Background())
		require.Equal(t, newest.String(), cp.LastSignature)
		require.Equal(t, uint64(500), cp.LastSlot)

		res, err = s.Scan(context.Background())
		require.NoError(t, err)
		require.True(t, res.Incremental)
		require.Zero(t, res.Inserted)
		require.Equal(t, newest, f.discoverer.Calls()[1].Until)
		cp, _ = f.store.GetCheckpoint(context.Background())
		require.Equal(t, newest.String(), cp.LastSignature, "empty incremental scan keeps the cursor")
	})

	t.Run("discovery failure persists partial results without advancing", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		c := solana.NewWallet().PublicKey()
		rent := uint64(1)
		f.discoverer.DiscoverFunc = func(context.Context, discovery.Window, int) (*discovery.Result, error) {
			return &discovery.Result{
				Accounts:        []discovery.SponsoredAccount{{Address: c, InitialBalance: &rent, AccountType: sol.SystemAccount()}},
				NewestSignature: solana.Signature{4},
			}, &sol.RemoteError{Op: "getTransaction", Err: errors.New("502")}
		}

		res, err := f.service(t).Scan(context.Background())
		require.Error(t, err)
		require.Equal(t, 1, res.Inserted)
		_, ok := f.store.get(c)
		require.True(t, ok)
		cp, _ := f.store.GetCheckpoint(context.Background())
		require.Empty(t, cp.LastSignature)
	})

	t.Run("malformed checkpoint falls back to a full scan", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.store.checkpoint.LastSignature = "not-a-signature"

		res, err := f.service(t).Scan(context.Background())
		require.NoError(t, err)
		require.False(t, res.Incremental)
		require.True(t, f.discoverer.Calls()[0].Until.IsZero())
	})
}

func TestReclaimer_Service_AnalyzeStrategies(t *testing.T) {
	t.Parallel()

	f := newFixture()
	operator := solana.NewWallet().PublicKey()
	active := f.account(sol.StrategyUnknown)
	gone := f.account(sol.StrategyUnknown)
	flaky := f.account(sol.StrategyUnknown)
	f.elig.DetermineStrategyFunc = func(_ context.Context, addr solana.PublicKey) (sol.ReclaimStrategy, *solana.PublicKey, error) {
		switch addr {
		case active:
			return sol.StrategyActiveReclaim, &operator, nil
		case gone:
			return sol.StrategyUnknown, nil, sol.ErrNotFound
		default:
			return sol.StrategyUnknown, nil, &sol.RemoteError{Op: "getAccountInfo", Err: errors.New("429")}
		}
	}

	res, err := f.service(t).AnalyzeStrategies(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Analyzed)
	require.Equal(t, 1, res.Closed)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.ByStrategy[sol.StrategyActiveReclaim])

	a, _ := f.store.get(active)
	require.Equal(t, sol.StrategyActiveReclaim, *a.ReclaimStrategy)
	require.Equal(t, operator, *a.CloseAuthority)

	g, _ := f.store.get(gone)
	require.Equal(t, store.StatusClosed, g.Status)
	require.NotNil(t, g.ClosedAt)

	fl, _ := f.store.get(flaky)
	require.Equal(t, store.StatusActive, fl.Status)
	require.Equal(t, sol.StrategyUnknown, *fl.ReclaimStrategy)
}

func TestReclaimer_Service_AnalyzeStrategiesBackfillsUnknownRent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	unknown := solana.NewWallet().PublicKey()
	_, _ = f.store.UpsertAccount(context.Background(), store.Account{
		Address:     unknown,
		AccountType: sol.SplTokenAccount(),
		CreatedAt:   testNow.Add(-time.Hour),
		Status:      store.StatusActive,
	})
	known := f.account(sol.StrategyUnknown)
	f.rpc.SetAccount(unknown, &sol.Account{Lamports: 2_039_280, Owner: solana.TokenProgramID})
	f.rpc.SetAccount(known, &sol.Account{Lamports: 1, Owner: solana.TokenProgramID})
	f.elig.DetermineStrategyFunc = func(context.Context, solana.PublicKey) (sol.ReclaimStrategy, *solana.PublicKey, error) {
		return sol.StrategyPassiveMonitoring, nil, nil
	}

	res, err := f.service(t).AnalyzeStrategies(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, res.Analyzed)

	got, _ := f.store.get(unknown)
	require.Equal(t, uint64(2_039_280), got.RentLamports)
	got, _ = f.store.get(known)
	require.Equal(t, uint64(sol.ATARentLamports), got.RentLamports, "recorded rent is not overwritten")
}

func TestReclaimer_Service_Reclaim(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T, dryRun bool) (*fixture, *Service, solana.PublicKey, solana.PublicKey, solana.PublicKey) {
		f := newFixture()
		closed := f.account(sol.StrategyActiveReclaim)
		alreadyGone := f.account(sol.StrategyActiveReclaim)
		young := f.account(sol.StrategyActiveReclaim)
		f.account(sol.StrategyPassiveMonitoring)

		f.elig.EvaluateFunc = func(_ context.Context, acct store.Account) (eligibility.Decision, error) {
			require.Equal(t, sol.StrategyActiveReclaim, *acct.ReclaimStrategy)
			if acct.Address == young {
				return eligibility.Decision{Reason: "account needs 3 more days of inactivity"}, nil
			}
			return eligibility.Decision{Eligible: true, Reason: "eligible for reclaim: inactive for 400 days", LiveType: sol.SplTokenAccount()}, nil
		}
		f.batch.ReclaimAllEligibleFunc = func(_ context.Context, targets []reclaim.Target) reclaim.Summary {
			require.Len(t, targets, 2)
			summary := reclaim.Summary{TotalAccounts: len(targets)}
			for _, tg := range targets {
				res := &reclaim.Result{Account: tg.Address, DryRun: dryRun}
				if tg.Address == closed {
					res.Amount = sol.ATARentLamports
					if !dryRun {
						res.Signature = solana.Signature{7}
					}
				}
				summary.Successful++
				summary.TotalReclaimed += res.Amount
				summary.Results = append(summary.Results, reclaim.Outcome{Address: tg.Address, Result: res})
			}
			return summary
		}
		s := f.service(t, func(cfg *Config) { cfg.DryRun = dryRun })
		return f, s, closed, alreadyGone, young
	}

	t.Run("records confirmed reclaims", func(t *testing.T) {
		t.Parallel()
		f, s, closed, alreadyGone, young := setup(t, false)

		summary, err := s.Reclaim(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, summary.Successful)

		ops := f.store.ops()
		require.Len(t, ops, 1)
		require.Equal(t, closed, ops[0].Address)
		require.Equal(t, uint64(sol.ATARentLamports), ops[0].Amount)
		require.Equal(t, solana.Signature{7}.String(), ops[0].Signature)
		require.Contains(t, ops[0].Reason, "inactive for 400 days")

		a, _ := f.store.get(closed)
		require.Equal(t, store.StatusReclaimed, a.Status)
		g, _ := f.store.get(alreadyGone)
		require.Equal(t, store.StatusClosed, g.Status)
		y, _ := f.store.get(young)
		require.Equal(t, store.StatusActive, y.Status)
		require.Len(t, f.notifier.reclaims, 1)
	})

	t.Run("treasury baseline moves by the batch's own effect", func(t *testing.T) {
		t.Parallel()
		f, s, _, _, _ := setup(t, false)
		require.NoError(t, f.store.SetTreasuryBalance(context.Background(), 5_000_000))
		// 1_000_000 arrived passively before the batch; the close then adds rent less the fee.
		readings := []uint64{6_000_000, 6_000_000 + sol.ATARentLamports - 5_000}
		f.rpc.GetBalanceFunc = func(_ context.Context, addr solana.PublicKey) (uint64, error) {
			require.Equal(t, f.treasury, addr)
			v := readings[0]
			readings = readings[1:]
			return v, nil
		}

		_, err := s.Reclaim(context.Background())
		require.NoError(t, err)
		require.Empty(t, readings)
		cp, _ := f.store.GetCheckpoint(context.Background())
		require.Equal(t, uint64(5_000_000+sol.ATARentLamports-5_000), *cp.TreasuryBalance)
	})

	t.Run("dry run persists nothing", func(t *testing.T) {
		t.Parallel()
		f, s, closed, _, _ := setup(t, true)

		summary, err := s.Reclaim(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(sol.ATARentLamports), summary.TotalReclaimed)
		require.Empty(t, f.store.ops())
		a, _ := f.store.get(closed)
		require.Equal(t, store.StatusActive, a.Status)
		cp, _ := f.store.GetCheckpoint(context.Background())
		require.Nil(t, cp.TreasuryBalance)
	})

	t.Run("no eligible accounts skips the batch", func(t *testing.T) {
		t.Parallel()
		f := newFixture()
		f.account(sol.StrategyActiveReclaim)
		f.batch.ReclaimAllEligibleFunc = func(context.Context, []reclaim.Target) reclaim.Summary {
			t.Fatal("batch must not run")
			return reclaim.Summary{}
		}

		summary, err := f.service(t).Reclaim(context.Background())
		require.NoError(t, err)
		require.Zero(t, summary.TotalAccounts)
		require.Empty(t, f.notifier.reclaims)
	})
}

func TestReclaimer_Service_InitAndCheckPassive(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.rpc.SetAccount(f.treasury, &sol.Account{Lamports: 42_000_000, Owner: solana.SystemProgramID})
	record := store.PassiveReclaim{Amount: 2_039_280, Confidence: store.ConfidenceHigh}
	f.reconciler.CheckFunc = func(context.Context) ([]store.PassiveReclaim, error) {
		return []store.PassiveReclaim{record}, nil
	}
	s := f.service(t)

	balance, err := s.Init(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(42_000_000), balance)
	cp, _ := f.store.GetCheckpoint(context.Background())
	require.Equal(t, uint64(42_000_000), *cp.TreasuryBalance)

	records, err := s.CheckPassive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []store.PassiveReclaim{record}, records)
	require.Len(t, f.notifier.passive, 1)
}

func TestReclaimer_Service_RunCycleIsolatesStageFailures(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.discoverer.DiscoverFunc = func(context.Context, discovery.Window, int) (*discovery.Result, error) {
		return nil, &sol.RemoteError{Op: "getSignaturesForAddress", Err: errors.New("connection refused")}
	}
	f.reconciler.CheckFunc = func(context.Context) ([]store.PassiveReclaim, error) {
		panic("boom")
	}
	s := f.service(t)

	require.NotPanics(t, func() { s.RunCycle(context.Background()) })
	require.Equal(t, []string{"scan", "reconcile"}, f.notifier.Errors())
	require.Equal(t, 1, f.reconciler.Calls())
}

func TestReclaimer_Service_RunCycleNotifiesNewAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture()
	addr := solana.NewWallet().PublicKey()
	rent := uint64(sol.ATARentLamports)
	f.discoverer.DiscoverFunc = func(context.Context, discovery.Window, int) (*discovery.Result, error) {
		return &discovery.Result{
			Accounts:        []discovery.SponsoredAccount{{Address: addr, InitialBalance: &rent, CreationTime: testNow, AccountType: sol.SplTokenAccount()}},
			NewestSignature: solana.Signature{9},
		}, nil
	}
	f.elig.DetermineStrategyFunc = func(context.Context, solana.PublicKey) (sol.ReclaimStrategy, *solana.PublicKey, error) {
		return sol.StrategyActiveReclaim, nil, nil
	}
	s := f.service(t)

	s.RunCycle(context.Background())
	require.Equal(t, [][2]int{{1, 1}}, f.notifier.Scans())

	s.RunCycle(context.Background())
	require.Len(t, f.notifier.Scans(), 1, "cycles without new accounts stay quiet")
}

func TestReclaimer_Service_RunLoop(t *testing.T) {
	t.Parallel()

	f := newFixture()
	s := f.service(t, func(cfg *Config) {
		cfg.Interval = 12 * time.Hour
		cfg.SummaryInterval = 24 * time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for cycle := 2; cycle <= 3; cycle++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
		f.clock.Advance(12 * time.Hour)
		require.Eventually(t, func() bool {
			return len(f.discoverer.Calls()) == cycle && f.reconciler.Calls() == cycle
		}, 5*time.Second, 10*time.Millisecond)
	}
	require.Eventually(t, func() bool { return f.notifier.Summaries() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
