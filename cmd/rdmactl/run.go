package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/openrdma/internal/admin"
	"github.com/danmuck/openrdma/internal/config"
	"github.com/danmuck/openrdma/internal/driver"
	"github.com/danmuck/openrdma/internal/logging"
)

var errShutdownTimeout = errors.New("rdmactl: device close timed out")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open a device from a driver config and serve until interrupted",
	Long: `Open the backend named by the driver config, create the queue pairs listed
in the optional profile and serve /health, /status, /qps and /metrics on the
admin address until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		profilePath, _ := cmd.Flags().GetString("profile")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDevice(ctx, cfgPath, profilePath)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("config", "driver.toml", "driver config path")
	runCmd.Flags().String("profile", "", "rdmactl profile path (queue pairs, admin address)")
}

func runDevice(ctx context.Context, cfgPath, profilePath string) error {
	cfg, err := config.LoadDriverConfig(cfgPath)
	if err != nil {
		return err
	}
	logging.Apply(cfg.LoggingOptions())

	prof := defaultProfile()
	if profilePath != "" {
		if prof, err = loadProfile(profilePath); err != nil {
			return err
		}
	}
	adminAddr := cfg.Metrics.ListenAddr
	if prof.AdminAddr != "" {
		adminAddr = prof.AdminAddr
	}

	dev, err := config.OpenDevice(cfg)
	if err != nil {
		return fmt.Errorf("open %s device: %w", cfg.Backend, err)
	}
	logging.Infof("rdmactl.run open profile=%s backend=%s device=%s", prof.Name, dev.Backend(), dev.ID())

	if err := createQueuePairs(dev, prof.QueuePairs); err != nil {
		_ = closeDevice(dev, prof.ShutdownTimeout)
		return err
	}

	serveErr := make(chan error, 1)
	if adminAddr != "" {
		srv := admin.New(adminAddr, dev, admin.Options{
			CorsOrigins: cfg.Metrics.CorsOrigins,
			Token:       cfg.Metrics.Token,
		})
		go func() { serveErr <- srv.Serve(ctx) }()
	} else {
		close(serveErr)
	}

	select {
	case <-ctx.Done():
		logging.Infof("rdmactl.run shutdown device=%s", dev.ID())
	case err, ok := <-serveErr:
		if ok && err != nil {
			logging.Errf("rdmactl.run admin_failed addr=%s err=%v", adminAddr, err)
			_ = closeDevice(dev, prof.ShutdownTimeout)
			return err
		}
		<-ctx.Done()
	}
	return closeDevice(dev, prof.ShutdownTimeout)
}

func createQueuePairs(dev *driver.Device, qps []driver.QpParams) error {
	for _, qp := range qps {
		if err := dev.CreateQP(qp); err != nil {
			return fmt.Errorf("create qp %s: %w", qp.Qpn, err)
		}
		logging.Infof("rdmactl.run qp_created qpn=%s type=%s pmtu=%d dqp_ip=%s",
			qp.Qpn, qp.QpType, qp.Pmtu.Bytes(), qp.DqpIP)
	}
	return nil
}

func closeDevice(dev *driver.Device, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- dev.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s", errShutdownTimeout, timeout)
	}
}
