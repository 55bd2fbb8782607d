package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"aura/internal/config"
	"aura/internal/core"
	"aura/internal/logging"
	"aura/internal/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runCmd boots the kernel and keeps it ticking
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the kernel tick loop, reading JSON-lines commands from stdin",
	Long: `Boots the kernel from the persisted snapshot and ticks it at the configured
interval. Every line on stdin is parsed as a command:

  {"kind":"INPUT/KEY","args":{"key":"a"}}

Blank lines and lines starting with # are ignored. The config file is watched
and the log level reapplied when it changes.`,
	Args: cobra.NoArgs,
	RunE: runKernel,
}

func runKernel(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}
	exitOnEOF, _ := cmd.Flags().GetBool("exit-on-eof")

	if w, err := config.Watch(ctx, configPath, reloadConfig); err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	} else {
		defer w.Close()
	}

	logger.Info("kernel running",
		zap.String("boot", rt.boot.Source),
		zap.Int64("tick", core.CurrentTick(rt.kernel.State())),
		zap.Duration("interval", cfg.GetTickInterval()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.kernel.Run(gctx, cfg.GetTickInterval())
	})
	if metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, metricsAddr) })
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					if exitOnEOF {
						stop()
					}
					lines = nil
					continue
				}
				submitLine(gctx, rt.kernel, line, cmd.OutOrStdout())
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrClosed) {
		err = nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "stopped at tick %d\n", core.CurrentTick(rt.kernel.State()))
	return err
}

// readLines forwards r line by line and closes out at EOF.
func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// submitLine parses one JSON-lines command and submits it. Failures are
// reported on w and do not stop the loop.
func submitLine(ctx context.Context, k *core.Kernel, line string, w io.Writer) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	c, err := types.ParseCommand([]byte(line))
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	tree, err := k.Submit(ctx, c)
	if err != nil {
		fmt.Fprintf(w, "error: %s: %v\n", c.Kind, err)
		return
	}
	fmt.Fprintf(w, "ok: %s (tick %d)\n", c.Kind, core.CurrentTick(tree))
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("serving metrics", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// reloadConfig applies the parts of a changed config that are safe to change
// while running.
func reloadConfig(next *config.Config) {
	if verbose {
		return
	}
	if err := logging.SetLevel(next.Logging.Level); err != nil {
		logger.Warn("ignoring invalid log level", zap.String("level", next.Logging.Level), zap.Error(err))
		return
	}
	logger.Info("log level reloaded", zap.String("level", next.Logging.Level))
}
