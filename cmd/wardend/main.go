// wardend is the host agent: it owns the instance registry, drives container
// lifecycles through the engine, persists state across restarts and serves
// the control API.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/warden-sh/warden/internal/api"
	"github.com/warden-sh/warden/internal/audit"
	"github.com/warden-sh/warden/internal/config"
	"github.com/warden-sh/warden/internal/engine"
	"github.com/warden-sh/warden/internal/lifecycle"
	"github.com/warden-sh/warden/internal/metrics"
	"github.com/warden-sh/warden/internal/persistence"
	"github.com/warden-sh/warden/internal/registry"
	"github.com/warden-sh/warden/internal/stream"
	"github.com/warden-sh/warden/pkg/logging"
	"github.com/warden-sh/warden/pkg/models"
	"github.com/warden-sh/warden/pkg/ratelimit"
	"github.com/warden-sh/warden/pkg/shutdown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wardend",
	Short: "Game server instance management daemon",
	Long: `wardend manages game-server containers on this host: it keeps the
authoritative record of every instance, drives starts, stops and recreates
through the container engine, and exposes a control API with live log and
stats streaming.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default /etc/warden/warden.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := logging.NewLogger("wardend", logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log.Info("Starting wardend", map[string]interface{}{
		"listen": cfg.Listen, "engine": cfg.Engine.Endpoint, "data_dir": cfg.DataDir,
	})
	if cfg.APIToken == "" {
		log.Warn("No API token configured; the control API is unauthenticated")
	}

	eng, err := engine.NewDockerClient(cfg.Engine.Endpoint, cfg.Engine.APIVersion, cfg.Engine.CallTimeout)
	if err != nil {
		return fmt.Errorf("engine client: %w", err)
	}

	// Rebuild the registry from the last snapshot before anything can mutate.
	reg := registry.New()
	instances, err := persistence.Load(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	for _, inst := range instances {
		if ierr := reg.Insert(inst); ierr != nil {
			log.Warn("Skipping duplicate instance in state file", map[string]interface{}{
				"instance": inst.Name, "error": ierr.Error(),
			})
		}
	}
	log.Info("State loaded", map[string]interface{}{"instances": reg.Len(), "path": cfg.StateFile})

	saver := persistence.New(cfg.StateFile, reg, log.WithComponent("persistence"))
	go saver.Run()

	history, err := audit.Open(cfg.AuditDB, log.WithComponent("audit"))
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}

	lcfg := lifecycle.Config{
		StopGracePeriod:  cfg.Lifecycle.StopGracePeriod,
		StopPollInterval: cfg.Lifecycle.StopPollInterval,
		LockTimeout:      cfg.Lifecycle.LockTimeout,
		RetryMaxTries:    cfg.Lifecycle.RetryMaxTries,
		RetryInitial:     cfg.Lifecycle.RetryInitial,
		RetryMaxInterval: cfg.Lifecycle.RetryMaxInterval,
	}
	ctrl := lifecycle.New(reg, registry.NewLockTable(), eng, saver, lcfg, log.WithComponent("lifecycle"))
	ctrl.SetAuditor(history)

	streams := stream.NewManager(eng, log.WithComponent("stream"))
	ctrl.SetSessionCloser(streams)

	exporter := metrics.NewExporter(reg, streams)
	ctrl.SetRecorder(exporter)
	saver.SetRecorder(exporter)

	// Reconcile against the engine before serving: statuses in the snapshot
	// are from a previous life.
	reconcileCtx, cancelReconcile := context.WithTimeout(context.Background(), 2*time.Minute)
	ctrl.Reconcile(reconcileCtx)
	cancelReconcile()
	counts := reg.CountByStatus()
	log.Info("Reconciliation complete", map[string]interface{}{
		"running": counts[models.StatusRunning], "stopped": counts[models.StatusStopped],
	})

	handler := api.NewHandler(reg, ctrl, streams, saver, log.WithComponent("api"))
	handler.SetHistory(history)
	handler.SetMetrics(exporter)
	if cfg.APIToken != "" {
		handler.SetAuth(cfg.APIToken)
	}
	if cfg.RateLimit.Enabled {
		handler.SetRateLimiter(ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	server := api.NewServer(cfg.Listen, handler, log.WithComponent("api"))

	sd := shutdown.New(30*time.Second, log.WithComponent("shutdown"))
	sd.Register("audit log", func(ctx context.Context) error { return history.Close() })
	sd.Register("state file", saver.Close)
	sd.Register("stream sessions", streams.Shutdown)
	sd.Register("http server", server.Shutdown)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	go sd.Wait()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	case <-sd.Done():
	}

	sd.Shutdown()
	return nil
}
