package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dms/broker"
	"dms/config"
	"dms/dispatcher"
	"dms/domain"
	"dms/ledger"
	"dms/log"
	"dms/mountdriver"
	"dms/mountservice"
	"dms/processregistry"
	"dms/reconciler"
	"dms/serializer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the node dispatcher loop",
	Long:  "Declares this node's queue and dispatches mount/unmount requests until interrupted.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := log.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("open category logs: %w", err)
	}
	structured := log.NewStructured(cfg.NodeID, cfg.Debug, os.Stdout)

	led, err := ledger.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer led.Close()

	registry, err := processregistry.New(cfg.PidDir)
	if err != nil {
		return fmt.Errorf("open process registry: %w", err)
	}
	registry.StartReaper(cfg.ReapInterval, func(targetID string, pid int) {
		structured.WithTarget("reap", targetID).Infof("reaped dead process pid=%d", pid)
	})
	defer registry.Stop()

	ser := serializer.New(cfg.LockDir, cfg.LockTimeout)

	drivers := map[domain.TargetKind]mountdriver.Driver{
		domain.KindNetFS:  mountdriver.NewNetFSDriver(cfg, log.StdoutLogger{}),
		domain.KindUserFS: mountdriver.NewUserFSDriver(cfg, registry, log.StdoutLogger{}),
	}

	// One reconciliation pass before consuming: re-adopts surviving UserFS
	// children and brings ledger mounted flags in line with the mount
	// table. Its errors are logged, not fatal.
	report, err := reconciler.New(cfg.NodeID, led, registry, drivers, structured, cfg.UserFSBinary).Run(context.Background())
	if err != nil {
		structured.WithOp("reconcile").Errorf("startup reconciliation failed: %v", err)
	}
	for _, e := range report.Errors {
		structured.WithOp("reconcile").Warnf("startup reconciliation: %s", e)
	}

	// CredentialSource and TokenVerifier are out of scope for dms's own
	// CLI surface; serve runs with no credential fetch or auth check
	// until an embedding caller supplies real implementations.
	service := mountservice.New(cfg.NodeID, led, ser, drivers, nil, nil, logger)

	b, err := broker.Dial(cfg)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer b.Close()

	d := dispatcher.New(cfg.NodeID, cfg.QueuePrefix, b, service, structured)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	<-ctx.Done()
	structured.Info("shutdown signal received, draining in-flight message")
	d.Shutdown()

	if err := <-errCh; err != nil && err != context.Canceled {
		return err
	}
	return nil
}
