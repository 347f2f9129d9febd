package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ecohub/rewards/internal/api"
	"github.com/ecohub/rewards/internal/app/purchase"
	"github.com/ecohub/rewards/internal/app/reconcile"
	"github.com/ecohub/rewards/internal/daemon"
	"github.com/ecohub/rewards/internal/domain"
	"github.com/ecohub/rewards/internal/infra/observability"
	"github.com/ecohub/rewards/internal/infra/sqlite"
	"github.com/ecohub/rewards/internal/infra/walletclient"
)

// ─── Shop CLI ───────────────────────────────────────────────────────────────

func init() {
	rootCmd.AddCommand(shopCmd)
	shopCmd.AddCommand(shopServeCmd)
	shopCmd.AddCommand(shopSeedCmd)
	rootCmd.AddCommand(reconcileCmd)

	shopServeCmd.Flags().Bool("no-reconcile", false, "Do not run the background reconciler")
	shopSeedCmd.Flags().StringP("file", "f", "", "Path to a products YAML file")
}

var shopCmd = &cobra.Command{
	Use:   "shop",
	Short: "Run or manage the shop",
}

// shopStack is everything a shop process wires together.
type shopStack struct {
	db         *sqlite.DB
	orch       *purchase.Orchestrator
	reconciler *reconcile.Reconciler
	tracer     *observability.Tracer
}

func newShopStack(cfg daemon.ShopConfig, log *zap.Logger) (*shopStack, error) {
	db, err := sqlite.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open shop db: %w", err)
	}

	pcfg := purchase.DefaultConfig()
	pcfg.WalletTimeout = cfg.WalletTimeout
	orch := purchase.New(db, walletclient.New(cfg.WalletURL, nil, log), pcfg, log)

	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	orch.SetTracer(tracer)

	rcfg := reconcile.DefaultConfig()
	rcfg.Interval = cfg.ReconcileInterval
	rcfg.Grace = cfg.ReconcileGrace
	rcfg.MaxConcurrent = cfg.ReconcileWorkers

	return &shopStack{
		db:         db,
		orch:       orch,
		reconciler: reconcile.New(rcfg, db, orch, log),
		tracer:     tracer,
	}, nil
}

// ─── shop serve ─────────────────────────────────────────────────────────────

var shopServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shop HTTP service and the purchase reconciler",
	Args:  cobra.NoArgs,
	RunE:  runShopServe,
}

func runShopServe(cmd *cobra.Command, args []string) error {
	noReconcile, _ := cmd.Flags().GetBool("no-reconcile")

	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := newShopStack(cfg.Shop, log)
	if err != nil {
		return err
	}
	defer stack.db.Close()

	srv := api.NewShopServer(stack.orch, stack.db, stack.tracer, log)
	configureServer(srv, cfg.API)
	srv.SetHealthCheck(func(context.Context) error { return stack.db.Ping() })

	log.Info("shop starting",
		zap.String("wallet_url", cfg.Shop.WalletURL),
		zap.Duration("wallet_timeout", cfg.Shop.WalletTimeout))

	g, gctx := errgroup.WithContext(ctx)
	serveHTTP(gctx, g, &http.Server{
		Addr:              cfg.Shop.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}, log)
	if !noReconcile {
		g.Go(func() error { return stack.reconciler.Run(gctx) })
	}
	return g.Wait()
}

// ─── shop seed ──────────────────────────────────────────────────────────────

var shopSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load products from a YAML file into the catalog",
	Long: `Insert or replace catalog products from a YAML file:

  products:
    - id: 1
      name: Bamboo toothbrush
      price: 40
      stock: 100

Products with an id are replaced in place; products without one are added.`,
	Args: cobra.NoArgs,
	RunE: runShopSeed,
}

// catalogFile is the seed file layout.
type catalogFile struct {
	Products []domain.Product `yaml:"products"`
}

// readCatalog parses and validates a seed file.
func readCatalog(path string) ([]domain.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, p := range cf.Products {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("product %d (%q): %w", i+1, p.Name, err)
		}
	}
	return cf.Products, nil
}

// seedCatalog writes products into the catalog.
func seedCatalog(ctx context.Context, db *sqlite.DB, products []domain.Product) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(products))
	for _, p := range products {
		saved, err := db.UpsertProduct(ctx, p)
		if err != nil {
			return out, fmt.Errorf("save %q: %w", p.Name, err)
		}
		out = append(out, saved)
	}
	return out, nil
}

func runShopSeed(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		return fmt.Errorf("products file required: ecohub shop seed -f <file>")
	}

	products, err := readCatalog(file)
	if err != nil {
		return err
	}

	cfg, err := daemon.Load(configPath)
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.Shop.DataDir)
	if err != nil {
		return fmt.Errorf("open shop db: %w", err)
	}
	defer db.Close()

	saved, err := seedCatalog(cmd.Context(), db, products)
	out := cmd.OutOrStdout()
	for _, p := range saved {
		fmt.Fprintf(out, "  • #%d %s (%d coins, %d in stock)\n", p.ID, p.Name, p.Price, p.Stock)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ %d products seeded into %s\n", len(saved), db.Path())
	return nil
}

// ─── reconcile ──────────────────────────────────────────────────────────────

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass over stale purchase attempts",
	Long: `Resume every purchase attempt that has been undecided for longer than
shop.reconcile_grace. Debits the wallet confirms get their order written;
debits it never saw release their stock. Attempts the wallet cannot answer
for are left for the next pass.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	stack, err := newShopStack(cfg.Shop, log)
	if err != nil {
		return err
	}
	defer stack.db.Close()

	report, err := stack.reconciler.RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned:  %d\n", report.Scanned)
	fmt.Fprintf(out, "Resolved: %d\n", report.Resolved)
	fmt.Fprintf(out, "Deferred: %d\n", report.Deferred)
	if report.Deferred > 0 {
		fmt.Fprintln(out, "⚠️  Some attempts could not be resolved; the wallet may be unreachable.")
	}
	return nil
}
