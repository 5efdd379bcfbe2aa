package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/config"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/discovery"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/eligibility"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/metrics"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/notify"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/ratelimit"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/server"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/service"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/treasury"
	"github.com/malbeclabs/reclaimer/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `Usage: reclaimer [flags] <command>

Commands:
  init           apply migrations and record the treasury baseline balance
  scan           discover sponsored accounts and classify their reclaim strategy
  reclaim        close eligible accounts and return their rent to the treasury
  passive-check  attribute treasury increases to accounts closed by their owners
  auto           run scan, reclaim and passive-check on an interval with the status server
  stats          print totals
  list           list tracked accounts (--status, --strategy, --limit)
  checkpoints    print the stored checkpoints
  reset          clear checkpoints so the next scan is a full scan (requires --yes)
  version        print the version

Flags:
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("reclaimer", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	flags := config.Bind(fs)
	statusFlag := fs.String("status", "", "list: filter by status (Active, Closed, Reclaimed)")
	strategyFlag := fs.String("strategy", "", "list: filter by reclaim strategy")
	limitFlag := fs.Int("limit", 100, "list: maximum rows")
	yesFlag := fs.Bool("yes", false, "reset: skip the confirmation requirement")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("exactly one command is required")
	}
	cmd := fs.Arg(0)
	if cmd == "version" {
		fmt.Fprintf(out, "reclaimer %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	cfg, err := flags.Resolve(os.Getenv)
	if err != nil {
		return err
	}
	log := logger.NewWithOptions(logger.Options{Verbose: cfg.Verbose, Format: cfg.LogFormat})
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.SentryEnv,
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if cmd == "reclaim" || cmd == "auto" {
		if err := cfg.RequireSigners(); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, log, cfg, cmd == "reclaim" || cmd == "auto")
	if err != nil {
		return err
	}
	defer a.pool.Close()

	switch cmd {
	case "init":
		balance, err := a.svc.Init(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Treasury %s baseline: %s\n", cfg.Treasury, notify.FormatSOL(balance))
		return nil
	case "scan":
		return a.scan(ctx, out)
	case "reclaim":
		summary, err := a.svc.Reclaim(ctx)
		if err != nil {
			return err
		}
		printSummary(out, summary, cfg.DryRun)
		return nil
	case "passive-check":
		records, err := a.svc.CheckPassive(ctx)
		if err != nil {
			return err
		}
		printPassive(out, records)
		return nil
	case "auto":
		return a.auto(ctx, cfg)
	case "stats":
		st, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		printStats(out, st)
		return nil
	case "list":
		f := store.AccountFilter{Status: store.Status(*statusFlag), Strategy: sol.ReclaimStrategy(*strategyFlag), Limit: *limitFlag}
		if f.Status != "" && !f.Status.Valid() {
			return fmt.Errorf("invalid --status %q", *statusFlag)
		}
		if f.Strategy != "" && !f.Strategy.Valid() {
			return fmt.Errorf("invalid --strategy %q", *strategyFlag)
		}
		accounts, err := a.store.ListAccounts(ctx, f)
		if err != nil {
			return err
		}
		printAccounts(out, accounts)
		return nil
	case "checkpoints":
		entries, err := a.store.ListCheckpoints(ctx)
		if err != nil {
			return err
		}
		printCheckpoints(out, entries)
		return nil
	case "reset":
		if !*yesFlag {
			return errors.New("reset clears all checkpoints; rerun with --yes to confirm")
		}
		n, err := a.store.ClearCheckpoints(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Cleared %d checkpoint(s)\n", n)
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	store *store.Store
	svc   *service.Service
}

// newApp wires the pipeline. Without submit the engine runs in dry-run mode so read-only
// commands need no key material.
func newApp(ctx context.Context, log *slog.Logger, cfg *config.Config, submit bool) (*app, error) {
	if err := cfg.Postgres.Validate(); err != nil {
		return nil, &sol.ConfigError{Field: "postgres", Err: err}
	}
	pool, err := store.Connect(ctx, log, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(store.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		pool.Close()
		return nil, err
	}

	svc, err := buildService(log, cfg, st, submit)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &app{log: log, pool: pool, store: st, svc: svc}, nil
}

func buildService(log *slog.Logger, cfg *config.Config, st *store.Store, submit bool) (*service.Service, error) {
	limiter := ratelimit.New(cfg.RateLimit, nil)
	rpc, err := sol.NewClientFromURL(log, cfg.RPCURL, limiter, cfg.Commitment)
	if err != nil {
		return nil, err
	}

	disc, err := discovery.New(discovery.Config{Logger: log, RPC: rpc, Operator: cfg.Operator})
	if err != nil {
		return nil, err
	}
	checker, err := eligibility.New(eligibility.Config{
		Logger:          log,
		RPC:             rpc,
		Operator:        cfg.Operator,
		MinInactiveDays: cfg.MinInactiveDays,
		Allowlist:       cfg.Allowlist,
		Denylist:        cfg.Denylist,
	})
	if err != nil {
		return nil, err
	}
	engine, err := reclaim.NewEngine(reclaim.EngineConfig{
		Logger:   log,
		RPC:      rpc,
		Operator: cfg.Operator,
		Treasury: cfg.Treasury,
		Signers:  cfg.Signers(),
		DryRun:   cfg.DryRun || !submit,
	})
	if err != nil {
		return nil, err
	}
	batch, err := reclaim.NewBatchProcessor(reclaim.BatchConfig{
		Logger:    log,
		Engine:    engine,
		Limiter:   limiter,
		ChunkSize: cfg.ChunkSize,
		Delay:     cfg.BatchDelay,
	})
	if err != nil {
		return nil, err
	}
	reconciler, err := treasury.New(treasury.Config{Logger: log, RPC: rpc, Store: st, Treasury: cfg.Treasury})
	if err != nil {
		return nil, err
	}
	notifier, err := buildNotifier(log, cfg)
	if err != nil {
		return nil, err
	}

	return service.New(service.Config{
		Logger:        log,
		RPC:           rpc,
		Store:         st,
		Discoverer:    disc,
		Eligibility:   checker,
		Batch:         batch,
		Reconciler:    reconciler,
		Notifier:      notifier,
		Treasury:      cfg.Treasury,
		MaxSignatures: cfg.MaxSignatures,
		Interval:      cfg.Interval,
		DryRun:        cfg.DryRun,
	})
}

func buildNotifier(log *slog.Logger, cfg *config.Config) (service.Notifier, error) {
	var multi notify.Multi
	if cfg.SlackToken != "" {
		s, err := notify.NewSlackFromToken(log, cfg.SlackToken, cfg.SlackChannel, cfg.AlertThreshold)
		if err != nil {
			return nil, err
		}
		multi = append(multi, s)
	}
	if cfg.SentryDSN != "" {
		multi = append(multi, notify.NewSentry(sentry.CurrentHub()))
	}
	if len(multi) == 0 {
		return nil, nil
	}
	return multi, nil
}

func (a *app) scan(ctx context.Context, out io.Writer) error {
	res, err := a.svc.Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Scanned %d signatures (%d skipped), discovered %d accounts, %d new\n",
		res.SignaturesScanned, res.TransactionsSkipped, res.Discovered, res.Inserted)
	if res.Truncated {
		fmt.Fprintln(out, "Signature budget reached before the checkpoint; the next scan continues from here")
	}

	strategies, err := a.svc.AnalyzeStrategies(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Analyzed %d active accounts (%d now closed, %d failed)\n",
		strategies.Analyzed, strategies.Closed, strategies.Failed)
	for strategy, n := range strategies.ByStrategy {
		fmt.Fprintf(out, "  %s: %d\n", strategy, n)
	}
	return nil
}

func (a *app) auto(ctx context.Context, cfg *config.Config) error {
	g, ctx := errgroup.WithContext(ctx)
	if cfg.ListenAddr != "" {
		srv, err := server.New(server.Config{
			Logger:     a.log,
			Store:      a.store,
			ListenAddr: cfg.ListenAddr,
			Version:    version,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(ctx) })
	}
	g.Go(func() error {
		a.log.Info("auto: starting", "interval", a.svc.Interval(), "dryRun", cfg.DryRun)
		return a.svc.Run(ctx)
	})
	return g.Wait()
}

func printSummary(w io.Writer, s reclaim.Summary, dryRun bool) {
	verb := "Reclaimed"
	if dryRun {
		verb = "Would reclaim"
	}
	fmt.Fprintf(w, "%s %s from %d of %d accounts (%d failed)\n",
		verb, notify.FormatSOL(s.TotalReclaimed), s.Successful, s.TotalAccounts, s.Failed)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, o := range s.Results {
		switch {
		case o.Err != nil:
			fmt.Fprintf(tw, "%s\tfailed\t%v\n", o.Address, o.Err)
		case o.Result.Submitted():
			fmt.Fprintf(tw, "%s\t%s\t%s\n", o.Address, notify.FormatSOL(o.Result.Amount), o.Result.Signature)
		default:
			fmt.Fprintf(tw, "%s\t%s\t-\n", o.Address, notify.FormatSOL(o.Result.Amount))
		}
	}
	_ = tw.Flush()
}

func printPassive(w io.Writer, records []store.PassiveReclaim) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No passive reclaims detected")
		return
	}
	for _, r := range records {
		fmt.Fprintf(w, "%s  %s  confidence=%s  accounts=%d\n",
			r.CreatedAt.Format(time.RFC3339), notify.FormatSOL(r.Amount), r.Confidence, len(r.AttributedAccounts))
		for _, a := range r.AttributedAccounts {
			fmt.Fprintf(w, "  %s\n", a)
		}
	}
}

func printStats(w io.Writer, st store.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Accounts\t%d\n", st.TotalAccounts)
	fmt.Fprintf(tw, "  Active\t%d\n", st.ActiveAccounts)
	fmt.Fprintf(tw, "  Closed\t%d\n", st.ClosedAccounts)
	fmt.Fprintf(tw, "  Reclaimed\t%d\n", st.ReclaimedAccounts)
	fmt.Fprintf(tw, "Locked rent (active)\t%s\n", notify.FormatSOL(st.LockedRentActive))
	fmt.Fprintf(tw, "Reclaim operations\t%d\n", st.TotalOperations)
	fmt.Fprintf(tw, "Actively reclaimed\t%s\n", notify.FormatSOL(st.TotalReclaimed))
	fmt.Fprintf(tw, "Average reclaim\t%s\n", notify.FormatSOL(st.AverageReclaim))
	fmt.Fprintf(tw, "Passively reclaimed\t%s (%d records)\n", notify.FormatSOL(st.TotalPassiveReclaimed), st.PassiveReclaimRecords)
	for strategy, n := range st.AccountsByStrategy {
		fmt.Fprintf(tw, "Strategy %s\t%d\n", strategy, n)
	}
	_ = tw.Flush()
}

func printAccounts(w io.Writer, accounts []store.Account) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tSTATUS\tSTRATEGY\tRENT\tCREATED")
	for _, a := range accounts {
		strategy := "-"
		if a.ReclaimStrategy != nil {
			strategy = string(*a.ReclaimStrategy)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Address, a.AccountType, a.Status, strategy, notify.FormatSOL(a.RentLamports), a.CreatedAt.Format(time.DateOnly))
	}
	_ = tw.Flush()
}

func printCheckpoints(w io.Writer, entries []store.CheckpointEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No checkpoints")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Key, e.Value, e.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
}
