package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/wh00t/internal/handles"
	"github.com/Tyrowin/wh00t/internal/metrics"
	"github.com/Tyrowin/wh00t/internal/server"
	"github.com/Tyrowin/wh00t/internal/telemetry"
)

// errInterrupted makes the process exit non-zero after an operator interrupt.
var errInterrupted = errors.New("interrupted")

type options struct {
	configPath string
	port       int
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "wh00t-server",
		Short:         "wh00t chat hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := run(cmd.Context(), cmd, opts)
			if err != nil && !errors.Is(err, errInterrupted) {
				fmt.Fprintln(os.Stderr, "wh00t-server:", err)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "TCP chat port (overrides config and SERVER_PORT)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "wh00t-server", server.Version)
		},
	})
	return cmd
}

func run(parent context.Context, cmd *cobra.Command, opts options) error {
	cfg, err := server.LoadConfig(opts.configPath, func(c *server.Config) {
		if cmd.Flags().Changed("port") {
			c.Port = opts.port
		}
		if opts.logLevel != "" {
			c.LogLevel = opts.logLevel
		}
	})
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := metrics.Init(ctx, cfg.Metrics, server.Version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()
	m, err := metrics.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}

	allocator, err := newAllocator(ctx, cfg.HandlesFile, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithHandles(allocator),
	)
	if err != nil {
		return err
	}

	reporter, err := server.NewStatsReporter(srv.Hub(), cfg.StatsSchedule, logger)
	if err != nil {
		return err
	}

	if err := srv.Listen(); err != nil {
		return err
	}

	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		httpSrv = server.CreateServer(cfg.HTTPAddr, srv.Routes())
		go func() {
			logger.Info("HTTP gateway listening", "addr", cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP gateway failed", "error", err)
			}
		}()
	}

	reporter.Start()
	defer reporter.Stop()

	serveErr := srv.Serve(ctx)

	if httpSrv != nil && ctx.Err() != nil {
		_ = server.ShutdownServer(httpSrv, time.Second, logger)
	}

	if ctx.Err() != nil {
		logger.Info("interrupted; connections closed")
		return errInterrupted
	}

	var fault *server.ListenerFault
	if errors.As(serveErr, &fault) {
		return drainAfterFault(ctx, srv, httpSrv, fault, logger)
	}

	return nil
}

type sessionWaiter interface {
	Wait()
	Close() error
}

// drainAfterFault stops the HTTP gateway so no new connection is admitted,
// then lets the open sessions run to completion. It returns fault, or
// errInterrupted when ctx ends first.
func drainAfterFault(ctx context.Context, sessions sessionWaiter, httpSrv *http.Server, fault *server.ListenerFault, logger *slog.Logger) error {
	logger.Error("acceptor stopped; serving existing sessions until they end", "error", fault)
	if httpSrv != nil {
		_ = server.ShutdownServer(httpSrv, time.Second, logger)
	}

	done := make(chan struct{})
	go func() {
		sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return fault
	case <-ctx.Done():
		_ = sessions.Close()
		return errInterrupted
	}
}

func newAllocator(ctx context.Context, path string, logger *slog.Logger) (handles.Allocator, error) {
	if path == "" {
		return handles.NewPool(logger), nil
	}
	pool, err := handles.NewPoolFromFile(path, logger)
	if err != nil {
		return nil, err
	}
	if err := pool.Watch(ctx); err != nil {
		logger.Warn("handles file will not be reloaded", "path", path, "error", err)
	}
	return pool, nil
}
