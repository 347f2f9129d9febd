// Package cli implements the ecohub command line.
package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ecohub/rewards/internal/daemon"
	"github.com/ecohub/rewards/internal/infra/observability"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ecohub",
	Short: "EcoHub reward wallet and shop",
	Long: `EcoHub runs the reward wallet (a per-user coin ledger) and the shop
that sells products for those coins. Each service is its own process;
the shop reaches the wallet over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default $ECOHUB_HOME/config.toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// setup loads the config and builds the process logger.
func setup() (daemon.Config, *zap.Logger, error) {
	cfg, err := daemon.Load(configPath)
	if err != nil {
		return daemon.Config{}, nil, err
	}
	log, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return daemon.Config{}, nil, err
	}
	return cfg, log, nil
}

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// serveHTTP runs srv in g until ctx is cancelled, then shuts it down.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, log *zap.Logger) {
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down", zap.String("addr", srv.Addr))
		return srv.Shutdown(sctx)
	})
}
