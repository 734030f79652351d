package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/walkley/myagents/internal/config"
	"github.com/walkley/myagents/internal/logging"
	"github.com/walkley/myagents/internal/sidecar"
	"github.com/walkley/myagents/internal/storage"
)

var (
	sidecarAddr   string
	sidecarNoCORS bool
)

var sidecarCmd = &cobra.Command{
	Use:   "sidecar",
	Short: "Start the local chat backend",
	Long: `Start the sidecar: the HTTP backend that hosts sessions, streams their
events to tabs and fires cron tasks from the shared registry.`,
	RunE: runSidecar,
}

func init() {
	sidecarCmd.Flags().StringVar(&sidecarAddr, "addr", "", "Address to listen on (default from config)")
	sidecarCmd.Flags().BoolVar(&sidecarNoCORS, "no-cors", false, "Disable CORS headers")
}

func runSidecar(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	serverConfig := sidecar.DefaultConfig()
	serverConfig.Addr = cfg.Sidecar.Addr
	if sidecarAddr != "" {
		serverConfig.Addr = sidecarAddr
	}
	serverConfig.TokenDelay = config.Duration(cfg.Sidecar.TokenDelay, serverConfig.TokenDelay)
	serverConfig.Heartbeat = config.Duration(cfg.Sidecar.Heartbeat, serverConfig.Heartbeat)
	serverConfig.EnableCORS = !sidecarNoCORS

	archive := sidecar.NewArchive(storage.New(paths.StoragePath()))
	srv := sidecar.New(serverConfig, archive)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	registry, closeRegistry, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	sched := sidecar.NewScheduler(registry, srv, srv.NotifyCron)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	srv.UseScheduler(sched)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	cmd.Printf("Sidecar listening on http://%s\n", serverConfig.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logging.Info().Msg("shutting down sidecar")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("sidecar shutdown error")
	}
	sched.Wait()
	return nil
}
