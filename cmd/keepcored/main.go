// Command keepcored runs the keepcore Authorization Core as a
// standalone local daemon: it wires pkg/core's composition root
// against an on-device store and blocks until asked to stop.
//
// Grounded on the teacher's cmd/helm/main.go dispatcher (Run(args,
// stdout, stderr) int, flag-based subcommands, DATABASE_URL-gated
// Postgres/SQLite branching, os/signal graceful shutdown).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/privkeyio/keepcore/pkg/audit"
	"github.com/privkeyio/keepcore/pkg/clock"
	"github.com/privkeyio/keepcore/pkg/core"
	"github.com/privkeyio/keepcore/pkg/keepconfig"
	"github.com/privkeyio/keepcore/pkg/seal"
	"github.com/privkeyio/keepcore/pkg/softsigner"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// shutdownTimeout bounds how long Shutdown may take to flush telemetry
// and resolve outstanding approvals before the process exits anyway.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing; main only supplies the real argv
// and standard streams.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve":
		return runServe(stdout, stderr)
	case "verify":
		return runVerify(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "keepcored - remote-signing authorization core for a personal key custodian")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  keepcored [serve]   run the authorization core (default)")
	fmt.Fprintln(w, "  keepcored verify    verify the on-device audit chain and exit")
	fmt.Fprintln(w, "  keepcored help      show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "environment:")
	fmt.Fprintln(w, "  KEEPCORE_DB_PATH     sqlite file path (default: ./keepcore.db)")
	fmt.Fprintln(w, "  DATABASE_URL         postgres DSN; overrides KEEPCORE_DB_PATH when set")
	fmt.Fprintln(w, "  KEEPCORE_SECRET_PATH directory for provisioned keys (default: ./keepcore-secrets)")
	fmt.Fprintln(w, "  KEEPCORE_KILL_SWITCH \"true\" to start with signing disabled")
}

// openDB connects to Postgres when DATABASE_URL is set, otherwise
// opens (creating if absent) a local SQLite file — the same
// Lite-Mode-by-default branching the teacher's runServer applies,
// inverted here since a personal key custodian's natural home is the
// local device rather than a shared server.
func openDB(ctx context.Context, logger *slog.Logger) (*sql.DB, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return db, nil
	}

	path := os.Getenv("KEEPCORE_DB_PATH")
	if path == "" {
		path = "keepcore.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	logger.Info("opened sqlite store", "path", path)
	return db, nil
}

func runServe(stdout, stderr io.Writer) int {
	ctx := context.Background()
	logger := slog.Default()

	fmt.Fprintln(stdout, "keepcored starting")

	db, err := openDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	secretPath := os.Getenv("KEEPCORE_SECRET_PATH")
	if secretPath == "" {
		secretPath = "keepcore-secrets"
	}
	secretStore, err := newFileSecretStore(secretPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open secret store: %v\n", err)
		return 1
	}

	cfg := keepconfig.Load()

	// softsigner is keepcored's out-of-the-box default: a single
	// secp256k1 key provisioned alongside the audit and permission
	// seal keys. A deployment with an OS keystore or HSM available
	// should build its own signer.Signer and wire it into core.Deps
	// in place of this one (spec.md §3: Signer is a borrowed
	// capability, never owned by the core).
	sign, err := softsigner.New(secretStore, "signing-key")
	if err != nil {
		fmt.Fprintf(stderr, "failed to provision signing key: %v\n", err)
		return 1
	}

	c, err := core.New(ctx, core.Deps{
		DB:          db,
		SecretStore: secretStore,
		Config:      cfg,
		Signer:      sign,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "failed to build authorization core: %v\n", err)
		return 1
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		if err := c.Run(sweepCtx); err != nil && err != context.Canceled {
			logger.Warn("background maintenance loop stopped", "error", err)
		}
	}()

	fmt.Fprintln(stdout, "keepcored ready")
	fmt.Fprintln(stdout, "press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Fprintln(stdout, "keepcored shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown reported an error", "error", err)
	}
	return 0
}

func runVerify(stdout, stderr io.Writer) int {
	ctx := context.Background()
	logger := slog.Default()

	db, err := openDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	secretPath := os.Getenv("KEEPCORE_SECRET_PATH")
	if secretPath == "" {
		secretPath = "keepcore-secrets"
	}
	secretStore, err := newFileSecretStore(secretPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open secret store: %v\n", err)
		return 1
	}

	auditKey, err := seal.ProvisionOnce(secretStore, "audit-hmac-key", 32)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load audit key: %v\n", err)
		return 1
	}

	store, err := openAuditStore(db)
	if err != nil {
		fmt.Fprintf(stderr, "failed to open audit store: %v\n", err)
		return 1
	}
	defer store.Close()

	result, err := verifyChain(ctx, store, auditKey)
	if err != nil {
		fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "audit chain status: %s\n", result)
	if result != "valid" {
		return 1
	}
	return 0
}

// openAuditStore opens the same backend openDB chose, using the audit
// package's dedicated Store constructor for that backend.
func openAuditStore(db *sql.DB) (audit.Store, error) {
	if os.Getenv("DATABASE_URL") != "" {
		return audit.NewPostgresStore(db)
	}
	return audit.NewSQLiteStore(db)
}

// verifyChain walks the on-device audit chain and reports its status
// as the same lower-case tokens the teacher's verify subcommand used.
func verifyChain(ctx context.Context, store audit.Store, auditKey []byte) (string, error) {
	chain := audit.NewChain(store, clock.System{}, auditKey)
	res, err := chain.Verify(ctx)
	if err != nil {
		return "", err
	}
	return res.Status.String(), nil
}

// fileSecretStore persists provisioned secrets as 0600 files under a
// directory. This is the minimal default a standalone binary ships
// with; a production deployment with an OS keystore available should
// supply its own seal.SecretStore to pkg/core.Deps instead (spec.md §1
// Non-goals: the core never implements OS keystore sealing itself).
type fileSecretStore struct {
	dir string
}

func newFileSecretStore(dir string) (*fileSecretStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}
	return &fileSecretStore{dir: dir}, nil
}

func (f *fileSecretStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if os.IsNotExist(err) {
		return nil, seal.ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *fileSecretStore) Put(name string, secret []byte) error {
	return os.WriteFile(filepath.Join(f.dir, name), secret, 0600)
}
