package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-connector"
	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/health"
	"github.com/glimte/mmate-connector/interceptors"
	"github.com/glimte/mmate-connector/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mmate-connector",
		Short: "Run broker receivers behind a self-healing connector",
		Long: `mmate-connector keeps one RabbitMQ connection shared by a set of receivers.
When every receiver reports the connection lost, the connector is recycled
and the receivers are restarted.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	addFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newRunCommand(), newConfigCommand())
	return rootCmd
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			return s.writeYAML(cmd.OutOrStdout())
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect and start the configured receivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), s.LogLevel, s.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, s, logger)
		},
	}
}

func run(ctx context.Context, s settings, logger *slog.Logger) error {
	if len(s.Queues) == 0 && len(s.Topics) == 0 {
		return errors.New("at least one queue or topic is required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client, err := mmate.NewClientWithOptions(s.URL,
		mmate.WithLogger(logger),
		mmate.WithConnectorConfig(s.Connector),
		mmate.WithMetricsRegisterer(reg),
		mmate.WithDeadLetterQueue(s.DeadLetterQueue),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	handlerMetrics, err := interceptors.NewHandlerMetrics(reg)
	if err != nil {
		return err
	}
	filter, err := newFilter(s.Filters)
	if err != nil {
		return err
	}
	handler := func(destination string) rabbitmq.MessageHandler {
		chain := interceptors.NewChain(
			interceptors.NewLoggingInterceptor(logger.With("destination", destination)),
			interceptors.NewMetricsInterceptor(handlerMetrics, destination),
		)
		if filter != nil {
			chain.Add(interceptors.NewFilteringInterceptor(filter, interceptors.SkipWithLog, logger))
		}
		return rabbitmq.MessageHandler(chain.Then(logMessage(logger)))
	}

	for _, q := range s.Queues {
		if _, err := client.Receive(ctx, q, handler(q)); err != nil {
			return err
		}
	}
	for _, t := range s.Topics {
		if _, err := client.Receive(ctx, t, handler(t), rabbitmq.WithTopicSource(true)); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              s.Listen,
		Handler:           newMux(reg, client.Health()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("serving metrics and health", "addr", s.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := client.Start(ctx); err != nil {
		_ = server.Close()
		return err
	}
	logger.Info("connector running", "queues", s.Queues, "topics", s.Topics)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Connector.DrainTimeout+5*time.Second)
	defer cancel()
	if err := client.Stop(shutdownCtx); err != nil {
		logger.Warn("failed to stop client", "error", err)
	}
	return server.Shutdown(shutdownCtx)
}

func newMux(reg *prometheus.Registry, registry *health.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(registry))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

// newFilter builds a header filter from key=value[|value] entries. Every
// entry must match. No entries means no filter.
func newFilter(entries []string) (interceptors.MessageFilter, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	filters := make([]interceptors.MessageFilter, 0, len(entries))
	for _, entry := range entries {
		key, values, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || values == "" {
			return nil, fmt.Errorf("invalid filter %q, want key=value", entry)
		}
		filters = append(filters, interceptors.NewHeaderFilter(key, strings.Split(values, "|")...))
	}
	return interceptors.NewCompositeFilter(filters...), nil
}

func logMessage(logger *slog.Logger) interceptors.Handler {
	return func(ctx context.Context, msg *broker.Message) error {
		logger.Info("message received",
			"messageId", msg.ID,
			"correlationId", msg.CorrelationID,
			"bytes", len(msg.Body))
		return nil
	}
}
