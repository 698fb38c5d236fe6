// Command socks5d runs the concurrent SOCKS5 gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-socks5-gateway/internal/accesslog"
	"go-socks5-gateway/internal/config"
	"go-socks5-gateway/internal/metrics"
	"go-socks5-gateway/internal/socks5"
)

func main() {
	var configPath string
	var testConfig bool

	root := &cobra.Command{
		Use:   "socks5d",
		Short: "Concurrent SOCKS5 (RFC 1928/1929) proxy gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, testConfig)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to YAML config file")
	root.Flags().BoolVarP(&testConfig, "test-config", "t", false, "validate configuration and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, testConfig bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if testConfig {
			fmt.Fprintf(os.Stderr, "configuration test FAILED: %v\n", err)
			os.Exit(1)
		}
		return fmt.Errorf("[main] %w", err)
	}

	if testConfig {
		fmt.Printf("configuration file %s test OK\n", configPath)
		fmt.Printf("  listen:  %s\n", cfg.Listen)
		fmt.Printf("  users:   %d\n", len(cfg.Users))
		fmt.Printf("  pool:    %d\n", cfg.PoolSize)
		return nil
	}

	level, _ := logrus.ParseLevel(cfg.Log.Level)
	alog, err := accesslog.New(cfg.Log.Path, level)
	if err != nil {
		return fmt.Errorf("[main] access log: %w", err)
	}

	// All sends go through net.Conn, which already maps EPIPE to a
	// normal error; the explicit ignore covers writes outside the
	// runtime's control (the log file on a closed pipe).
	signal.Ignore(syscall.SIGPIPE)

	m := metrics.Default()
	srv := socks5.NewServer(cfg, m, alog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		logrus.Infof("[main] listening on %s (GOMAXPROCS=%d)", cfg.Listen, runtime.GOMAXPROCS(0))
		if err := srv.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("serve: %w", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			logrus.Infof("[main] metrics listening on %s", cfg.MetricsAddr)
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				errCh <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logrus.Infof("[main] received signal %s, shutting down...", sig)
		cancel()
	case err := <-errCh:
		cancel()
		return fmt.Errorf("[main] fatal: %w", err)
	}
	return nil
}
