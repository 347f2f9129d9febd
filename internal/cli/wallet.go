package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecohub/rewards/internal/api"
	"github.com/ecohub/rewards/internal/app/wallet"
	"github.com/ecohub/rewards/internal/daemon"
	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/postgres"
	"github.com/ecohub/rewards/internal/infra/sqlite"
)

// ─── Wallet CLI ─────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletServeCmd)
	walletCmd.AddCommand(walletVerifyCmd)
	walletCmd.AddCommand(walletHistoryCmd)

	walletHistoryCmd.Flags().Int64("after", 0, "Only entries with an id above this")
	walletHistoryCmd.Flags().Int("limit", domain.DefaultHistoryLimit, "Maximum entries to print")
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Run or inspect the reward wallet",
}

// ledgerStore is a LedgerStore that can report health and be closed.
type ledgerStore struct {
	domain.LedgerStore
	ping  func(ctx context.Context) error
	close func()
}

// openLedger opens the store selected by wallet.driver.
func openLedger(ctx context.Context, cfg daemon.WalletConfig) (*ledgerStore, error) {
	switch cfg.Driver {
	case daemon.DriverPostgres:
		pg, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &ledgerStore{LedgerStore: pg, ping: pg.Ping, close: pg.Close}, nil
	default:
		db, err := sqlite.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return &ledgerStore{
			LedgerStore: db,
			ping:        func(context.Context) error { return db.Ping() },
			close:       func() { db.Close() },
		}, nil
	}
}

// ─── wallet serve ───────────────────────────────────────────────────────────

var walletServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the wallet HTTP service",
	Args:  cobra.NoArgs,
	RunE:  runWalletServe,
}

func runWalletServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openLedger(ctx, cfg.Wallet)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.close()

	svc := wallet.New(store, wallet.Config{WelcomeGrant: cfg.Wallet.WelcomeGrant}, log)
	srv := api.NewWalletServer(svc, log)
	configureServer(srv, cfg.API)
	srv.SetHealthCheck(store.ping)

	log.Info("wallet starting",
		zap.String("driver", cfg.Wallet.Driver),
		zap.Int64("welcome_grant", cfg.Wallet.WelcomeGrant))

	g, gctx := errgroup.WithContext(ctx)
	serveHTTP(gctx, g, &http.Server{
		Addr:              cfg.Wallet.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}, log)
	return g.Wait()
}

func configureServer(srv *api.Server, cfg daemon.APIConfig) {
	if cfg.Metrics {
		srv.EnableMetrics()
	}
	if len(cfg.CORSOrigins) > 0 {
		srv.SetCORSOrigins(cfg.CORSOrigins)
	}
	srv.SetRequestTimeout(cfg.RequestTimeout)
}

// ─── wallet verify ──────────────────────────────────────────────────────────

var walletVerifyCmd = &cobra.Command{
	Use:   "verify ACCOUNT",
	Short: "Replay an account's ledger and compare it with the stored balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletVerify,
}

func runWalletVerify(cmd *cobra.Command, args []string) error {
	svc, done, err := localWallet(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	rec, err := svc.Verify(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Account:  %s\n", rec.AccountID)
	fmt.Fprintf(out, "Stored:   %d\n", rec.Balance)
	fmt.Fprintf(out, "Replayed: %d over %d entries\n", rec.Replayed, rec.Records)
	if !rec.OK {
		if rec.FirstMismatchID != 0 {
			fmt.Fprintf(out, "First bad entry: #%d\n", rec.FirstMismatchID)
		}
		return fmt.Errorf("ledger for %s does not reconcile", rec.AccountID)
	}
	fmt.Fprintln(out, "✅ Ledger reconciles.")
	return nil
}

// ─── wallet history ─────────────────────────────────────────────────────────

var walletHistoryCmd = &cobra.Command{
	Use:   "history ACCOUNT",
	Short: "Print an account's transaction log, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runWalletHistory,
}

func runWalletHistory(cmd *cobra.Command, args []string) error {
	after, _ := cmd.Flags().GetInt64("after")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, done, err := localWallet(cmd.Context())
	if err != nil {
		return err
	}
	defer done()

	entries, err := svc.History(cmd.Context(), args[0], domain.HistoryQuery{AfterID: after, Limit: limit})
	if err != nil {
		return err
	}
	printHistory(cmd, entries)
	return nil
}

func printHistory(cmd *cobra.Command, entries []domain.LedgerEntry) {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No entries.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tAMOUNT\tBALANCE\tSOURCE\tREFERENCE\tTIME")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			e.ID, e.EntryType, e.Amount, e.BalanceAfter, e.Source, e.Reference,
			e.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

// localWallet opens the configured ledger directly, bypassing HTTP.
func localWallet(ctx context.Context) (*wallet.Service, func(), error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, nil, err
	}
	store, err := openLedger(ctx, cfg.Wallet)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	svc := wallet.New(store, wallet.Config{WelcomeGrant: cfg.Wallet.WelcomeGrant}, log)
	return svc, func() {
		store.close()
		log.Sync()
	}, nil
}
