// Package config resolves reclaimer settings from flags, the environment and an optional .env
// file. Explicit flags win over the environment, which wins over flag defaults.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/reclaimer/reclaimer/pkg/discovery"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/reclaim"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/service"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/sol"
	"github.com/malbeclabs/reclaimer/reclaimer/pkg/store"
	"github.com/malbeclabs/reclaimer/utils/pkg/logger"
)

const (
	DefaultRPCURL          = "https://api.mainnet-beta.solana.com"
	DefaultMinInactiveDays = 30
	DefaultRateLimit       = 200 * time.Millisecond
	DefaultBatchDelay      = time.Second
	DefaultListenAddr      = ":9090"
)

// Config is the resolved process configuration.
type Config struct {
	Verbose   bool
	LogFormat logger.Format

	RPCURL     string
	Commitment solanarpc.CommitmentType

	Operator solana.PublicKey
	Treasury solana.PublicKey
	// TreasuryKey pays fees and receives rent. OperatorKey is set when the operator signs separately.
	TreasuryKey solana.PrivateKey
	OperatorKey solana.PrivateKey

	MinInactiveDays int
	ChunkSize       int
	RateLimit       time.Duration
	BatchDelay      time.Duration
	MaxSignatures   int
	Interval        time.Duration
	DryRun          bool
	Allowlist       []solana.PublicKey
	Denylist        []solana.PublicKey

	ListenAddr   string
	SlackToken   string
	SlackChannel string
	SentryDSN    string
	SentryEnv    string
	// AlertThreshold is the reclaimed amount, in lamports, at or above which a single close gets
	// its own alert. Zero disables.
	AlertThreshold uint64

	Postgres store.PostgresConfig
}

// Signers returns the keys that sign close transactions, fee payer first.
func (c *Config) Signers() []solana.PrivateKey {
	var out []solana.PrivateKey
	if c.TreasuryKey != nil {
		out = append(out, c.TreasuryKey)
	}
	if c.OperatorKey != nil && !c.OperatorKey.PublicKey().Equals(c.Treasury) {
		out = append(out, c.OperatorKey)
	}
	return out
}

// RequireSigners reports a ConfigError unless live submission is possible.
func (c *Config) RequireSigners() error {
	if c.DryRun {
		return nil
	}
	if c.TreasuryKey == nil {
		return &sol.ConfigError{Field: "treasury-keypair", Err: errors.New("required to submit reclaims (or use --dry-run)")}
	}
	if c.OperatorKey == nil && !c.Operator.Equals(c.Treasury) {
		return &sol.ConfigError{Field: "operator-keypair", Err: errors.New("required when the operator is not the treasury")}
	}
	return nil
}

// Flags holds raw flag values until Resolve decodes them.
type Flags struct {
	fs *flag.FlagSet

	verbose    bool
	logFormat  string
	envFile    string
	rpcURL     string
	commitment string

	operator    string
	treasury    string
	treasuryKey string
	operatorKey string

	minInactiveDays int
	chunkSize       int
	rateLimit       time.Duration
	batchDelay      time.Duration
	maxSignatures   int
	interval        time.Duration
	dryRun          bool
	allowlist       []string
	denylist        []string

	listenAddr   string
	slackToken   string
	slackChannel string
	sentryDSN    string
	sentryEnv    string
	alertSOL     float64

	pgHost     string
	pgPort     string
	pgDatabase string
	pgUser     string
	pgPassword string
	pgSSLMode  string
	pgMigrate  bool
}

// envVars maps flag names to the environment variables that override their defaults.
var envVars = map[string]string{
	"verbose":           "RECLAIMER_VERBOSE",
	"log-format":        "RECLAIMER_LOG_FORMAT",
	"rpc-url":           "RECLAIMER_RPC_URL",
	"commitment":        "RECLAIMER_COMMITMENT",
	"operator":          "RECLAIMER_OPERATOR",
	"treasury":          "RECLAIMER_TREASURY",
	"treasury-keypair":  "RECLAIMER_TREASURY_KEYPAIR",
	"operator-keypair":  "RECLAIMER_OPERATOR_KEYPAIR",
	"min-inactive-days": "RECLAIMER_MIN_INACTIVE_DAYS",
	"chunk-size":        "RECLAIMER_CHUNK_SIZE",
	"rate-limit":        "RECLAIMER_RATE_LIMIT",
	"batch-delay":       "RECLAIMER_BATCH_DELAY",
	"max-signatures":    "RECLAIMER_MAX_SIGNATURES",
	"interval":          "RECLAIMER_INTERVAL",
	"dry-run":           "RECLAIMER_DRY_RUN",
	"allowlist":         "RECLAIMER_ALLOWLIST",
	"denylist":          "RECLAIMER_DENYLIST",
	"listen-addr":       "RECLAIMER_LISTEN_ADDR",
	"slack-token":       "SLACK_BOT_TOKEN",
	"slack-channel":     "SLACK_CHANNEL",
	"sentry-dsn":        "SENTRY_DSN",
	"sentry-env":        "SENTRY_ENVIRONMENT",
	"alert-threshold":   "RECLAIMER_ALERT_THRESHOLD",
	"postgres-host":     "POSTGRES_HOST",
	"postgres-port":     "POSTGRES_PORT",
	"postgres-db":       "POSTGRES_DB",
	"postgres-user":     "POSTGRES_USER",
	"postgres-password": "POSTGRES_PASSWORD",
	"postgres-sslmode":  "POSTGRES_SSLMODE",
	"postgres-migrate":  "POSTGRES_RUN_MIGRATIONS",
}

// Bind registers the reclaimer flags on fs.
func Bind(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "enable verbose (debug) logging")
	fs.StringVar(&f.logFormat, "log-format", string(logger.FormatText), "log format: text or json")
	fs.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before reading the environment, if present")
	fs.StringVar(&f.rpcURL, "rpc-url", DefaultRPCURL, "Solana RPC endpoint")
	fs.StringVar(&f.commitment, "commitment", string(solanarpc.CommitmentConfirmed), "RPC commitment: processed, confirmed or finalized")

	fs.StringVar(&f.operator, "operator", "", "operator public key whose sponsorship history is scanned")
	fs.StringVar(&f.treasury, "treasury", "", "treasury public key that receives reclaimed rent (defaults to the treasury keypair's key)")
	fs.StringVar(&f.treasuryKey, "treasury-keypair", "", "treasury secret key: keygen JSON file, inline JSON array or base58")
	fs.StringVar(&f.operatorKey, "operator-keypair", "", "operator secret key when the operator is not the treasury")

	fs.IntVar(&f.minInactiveDays, "min-inactive-days", DefaultMinInactiveDays, "minimum days since creation before an account is eligible")
	fs.IntVar(&f.chunkSize, "chunk-size", reclaim.DefaultChunkSize, "accounts submitted per batch chunk")
	fs.DurationVar(&f.rateLimit, "rate-limit", DefaultRateLimit, "minimum spacing between RPC calls")
	fs.DurationVar(&f.batchDelay, "batch-delay", DefaultBatchDelay, "pause between batch chunks")
	fs.IntVar(&f.maxSignatures, "max-signatures", discovery.DefaultMaxSignatures, "maximum signatures examined per scan")
	fs.DurationVar(&f.interval, "interval", service.DefaultInterval, "auto mode cycle interval")
	fs.BoolVar(&f.dryRun, "dry-run", false, "evaluate and report without submitting transactions")
	fs.StringSliceVar(&f.allowlist, "allowlist", nil, "protected addresses that are never reclaimed (comma separated)")
	fs.StringSliceVar(&f.denylist, "denylist", nil, "excluded addresses that are never reclaimed (comma separated)")

	fs.StringVar(&f.listenAddr, "listen-addr", DefaultListenAddr, "metrics and status HTTP listen address (empty disables)")
	fs.StringVar(&f.slackToken, "slack-token", "", "Slack bot token for notifications")
	fs.StringVar(&f.slackChannel, "slack-channel", "", "Slack channel for notifications")
	fs.StringVar(&f.sentryDSN, "sentry-dsn", "", "Sentry DSN for error reporting")
	fs.StringVar(&f.sentryEnv, "sentry-env", "", "Sentry environment name")
	fs.Float64Var(&f.alertSOL, "alert-threshold", 0, "SOL reclaimed from one account that triggers a high-value alert (0 disables)")

	fs.StringVar(&f.pgHost, "postgres-host", "localhost", "PostgreSQL host")
	fs.StringVar(&f.pgPort, "postgres-port", "5432", "PostgreSQL port")
	fs.StringVar(&f.pgDatabase, "postgres-db", "", "PostgreSQL database")
	fs.StringVar(&f.pgUser, "postgres-user", "", "PostgreSQL user")
	fs.StringVar(&f.pgPassword, "postgres-password", "", "PostgreSQL password")
	fs.StringVar(&f.pgSSLMode, "postgres-sslmode", "disable", "PostgreSQL sslmode")
	fs.BoolVar(&f.pgMigrate, "postgres-migrate", true, "apply schema migrations on connect")
	return f
}

// Resolve applies environment overrides to flags not set explicitly, then decodes and
// validates the result. Variables from the env file fill in only what getenv leaves empty.
// Call it after fs.Parse.
func (f *Flags) Resolve(getenv func(string) string) (*Config, error) {
	fileEnv, err := readEnvFile(f.envFile)
	if err != nil {
		return nil, &sol.ConfigError{Field: "env-file", Err: err}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	lookup := func(name string) string {
		if v := getenv(name); v != "" {
			return v
		}
		return fileEnv[name]
	}
	if err := f.applyEnv(lookup); err != nil {
		return nil, err
	}
	return f.decode()
}

func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return godotenv.Read(path)
}

func (f *Flags) applyEnv(getenv func(string) string) error {
	var err error
	f.fs.VisitAll(func(fl *flag.Flag) {
		name, ok := envVars[fl.Name]
		if !ok || fl.Changed || err != nil {
			return
		}
		v := getenv(name)
		if v == "" {
			return
		}
		if setErr := f.fs.Set(fl.Name, v); setErr != nil {
			err = &sol.ConfigError{Field: name, Err: setErr}
		}
	})
	return err
}

func (f *Flags) decode() (*Config, error) {
	format, err := logger.ParseFormat(f.logFormat)
	if err != nil {
		return nil, &sol.ConfigError{Field: "log-format", Err: err}
	}
	commitment, err := parseCommitment(f.commitment)
	if err != nil {
		return nil, &sol.ConfigError{Field: "commitment", Err: err}
	}

	if f.alertSOL < 0 || math.IsNaN(f.alertSOL) || math.IsInf(f.alertSOL, 0) {
		return nil, &sol.ConfigError{Field: "alert-threshold", Err: fmt.Errorf("must be a non-negative SOL amount, got %v", f.alertSOL)}
	}

	cfg := &Config{
		Verbose:         f.verbose,
		LogFormat:       format,
		RPCURL:          f.rpcURL,
		Commitment:      commitment,
		MinInactiveDays: f.minInactiveDays,
		ChunkSize:       f.chunkSize,
		RateLimit:       f.rateLimit,
		BatchDelay:      f.batchDelay,
		MaxSignatures:   f.maxSignatures,
		Interval:        f.interval,
		DryRun:          f.dryRun,
		ListenAddr:      f.listenAddr,
		SlackToken:      f.slackToken,
		SlackChannel:    f.slackChannel,
		SentryDSN:       f.sentryDSN,
		SentryEnv:       f.sentryEnv,
		AlertThreshold:  uint64(math.Round(f.alertSOL * float64(solana.LAMPORTS_PER_SOL))),
		Postgres: store.PostgresConfig{
			Host:          f.pgHost,
			Port:          f.pgPort,
			Database:      f.pgDatabase,
			Username:      f.pgUser,
			Password:      f.pgPassword,
			SSLMode:       f.pgSSLMode,
			RunMigrations: f.pgMigrate,
		},
	}

	if f.treasuryKey != "" {
		if cfg.TreasuryKey, err = DecodePrivateKey(f.treasuryKey); err != nil {
			return nil, &sol.ConfigError{Field: "treasury-keypair", Err: err}
		}
	}
	if f.operatorKey != "" {
		if cfg.OperatorKey, err = DecodePrivateKey(f.operatorKey); err != nil {
			return nil, &sol.ConfigError{Field: "operator-keypair", Err: err}
		}
	}

	if cfg.Operator, err = resolvePublicKey("operator", f.operator, cfg.OperatorKey); err != nil {
		return nil, err
	}
	if cfg.Treasury, err = resolvePublicKey("treasury", f.treasury, cfg.TreasuryKey); err != nil {
		return nil, err
	}
	if cfg.Allowlist, err = parsePublicKeys("allowlist", f.allowlist); err != nil {
		return nil, err
	}
	if cfg.Denylist, err = parsePublicKeys("denylist", f.denylist); err != nil {
		return nil, err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch {
	case c.RPCURL == "":
		return &sol.ConfigError{Field: "rpc-url", Err: errors.New("required")}
	case c.MinInactiveDays < 0:
		return &sol.ConfigError{Field: "min-inactive-days", Err: fmt.Errorf("must not be negative, got %d", c.MinInactiveDays)}
	case c.ChunkSize <= 0:
		return &sol.ConfigError{Field: "chunk-size", Err: fmt.Errorf("must be positive, got %d", c.ChunkSize)}
	case c.MaxSignatures <= 0:
		return &sol.ConfigError{Field: "max-signatures", Err: fmt.Errorf("must be positive, got %d", c.MaxSignatures)}
	case c.Interval <= 0:
		return &sol.ConfigError{Field: "interval", Err: fmt.Errorf("must be positive, got %s", c.Interval)}
	case c.RateLimit < 0 || c.BatchDelay < 0:
		return &sol.ConfigError{Field: "rate-limit", Err: errors.New("durations must not be negative")}
	case (c.SlackToken == "") != (c.SlackChannel == ""):
		return &sol.ConfigError{Field: "slack-channel", Err: errors.New("slack token and channel must be set together")}
	}
	return nil
}

func parseCommitment(s string) (solanarpc.CommitmentType, error) {
	switch c := solanarpc.CommitmentType(s); c {
	case solanarpc.CommitmentProcessed, solanarpc.CommitmentConfirmed, solanarpc.CommitmentFinalized:
		return c, nil
	default:
		return "", fmt.Errorf("unknown commitment %q", s)
	}
}

// resolvePublicKey parses raw, or derives the key from secret when raw is empty. A key that
// disagrees with its secret is rejected.
func resolvePublicKey(field, raw string, secret solana.PrivateKey) (solana.PublicKey, error) {
	if raw == "" {
		if secret == nil {
			return solana.PublicKey{}, &sol.ConfigError{Field: field, Err: errors.New("public key or keypair is required")}
		}
		return secret.PublicKey(), nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, &sol.ConfigError{Field: field, Err: fmt.Errorf("invalid public key %q: %w", raw, err)}
	}
	if secret != nil && !secret.PublicKey().Equals(pk) {
		return solana.PublicKey{}, &sol.ConfigError{Field: field, Err: fmt.Errorf("keypair belongs to %s, not %s", secret.PublicKey(), pk)}
	}
	return pk, nil
}

func parsePublicKeys(field string, raw []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, &sol.ConfigError{Field: field, Err: fmt.Errorf("invalid public key %q: %w", s, err)}
		}
		out = append(out, pk)
	}
	return out, nil
}
