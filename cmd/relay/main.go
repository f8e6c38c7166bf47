package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lissahyacinth/audia/internal/capture/portaudio"
	"github.com/lissahyacinth/audia/internal/config"
	"github.com/lissahyacinth/audia/internal/metrics"
	"github.com/lissahyacinth/audia/internal/relay"
	"github.com/lissahyacinth/audia/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "audia"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          serviceName,
		Short:        "Loopback audio capture relay",
		SilenceUsage: true,
		Version:      server.Version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newDevicesCmd(),
		newPredictorCmd(),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture audio and relay it to the configured sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, closeLog := initLogger(cfg.Logging)
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, *configPath, logger)
		},
	}
}

// run wires the relay and the HTTP API and blocks until the session ends or
// ctx is cancelled
func run(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) error {
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", server.Version),
		slog.String("config_path", configPath),
	)
	logger.Info("Configuration loaded",
		slog.String("source", cfg.Capture.Source),
		slog.String("device", cfg.Capture.Device),
		slog.Bool("recording", cfg.Output.Enabled),
		slog.Bool("archive", cfg.Output.Enabled && cfg.Output.Archive.Enabled),
		slog.Bool("prediction", cfg.Prediction.Enabled),
		slog.String("prediction_endpoint", cfg.Prediction.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	hub := server.NewHub(logger, appMetrics)

	mgr, err := relay.NewManager(cfg, logger,
		relay.WithMetrics(appMetrics),
		relay.WithBroadcaster(hub),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg.HTTP, logger, cfg, mgr, server.Options{
			Hub:     hub,
			Metrics: appMetrics,
		})
		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	}

	g.Go(func() error {
		// A finished session ends the service
		defer cancel()
		err := mgr.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	if info := mgr.GetSessionInfo(); info != nil {
		logger.Info("Final session statistics",
			slog.String("session_id", info.ID),
			slog.String("device", info.Device),
			slog.String("state", info.State.String()),
		)
	}
	if err != nil {
		logger.Error("Service stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Service stopped")
	return nil
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List PortAudio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := portaudio.ListDevices()
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}
}

func printDevices(w io.Writer, devices []portaudio.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No input devices found")
		return
	}
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s [%s] %d ch, %.0f Hz, latency %s\n",
			marker, d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate, d.DefaultInputLatency)
	}
}

// initLogger creates the structured logger described by cfg. The returned
// func closes a log file, if one was opened.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, func()) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer = os.Stdout
	closeFn := func() {}
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
		} else {
			output = file
			closeFn = func() { file.Close() }
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, closeFn
}
