package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"heartbeatmonitor/forwarder"
	"heartbeatmonitor/metrics"
)

func init() {
	rootCmd.AddCommand(forwardCmd)
}

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Forward reports from the stream to the ingest API",
	Long: `forward joins the consumer group on the report stream and delivers
every report to the monitor's ingest endpoint, acknowledging only after the
monitor accepted it. Run several instances with distinct consumer names to
share the backlog.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}

		conn, err := connectStream()
		if err != nil {
			return err
		}
		defer conn.Drain()

		stream, err := forwarder.NewJetStream(conn, streamConfig(), logger.With("consumer", cfg.Stream.Consumer))
		if err != nil {
			return err
		}

		var clientOpts []forwarder.ClientOption
		if cfg.Auth.JWTSecret != "" {
			clientOpts = append(clientOpts, forwarder.WithServiceToken(cfg.Auth.JWTSecret, cfg.Stream.Consumer, cfg.Auth.TokenTTL))
		}
		client := forwarder.NewIngestClient(cfg.Forwarder.MonitorURL, cfg.Forwarder.RequestTimeout, clientOpts...)

		fwd := forwarder.New(stream, client, forwarder.Options{
			BatchSize:         cfg.Forwarder.BatchSize,
			BlockTimeout:      cfg.Forwarder.BlockTimeout,
			MaxRetries:        cfg.Forwarder.MaxRetries,
			RetryCap:          time.Duration(cfg.Forwarder.RetryCapSeconds) * time.Second,
			JitterStep:        cfg.Forwarder.JitterStep,
			ConnectivityPause: cfg.Forwarder.ConnectivityPause,
			DeadLetter:        cfg.Features.DeadLetterEnabled,
		}, logger.With("consumer", cfg.Stream.Consumer))

		logger.Info("forwarding reports",
			"stream", cfg.Stream.Name,
			"group", cfg.Stream.Group,
			"consumer", cfg.Stream.Consumer,
			"monitorURL", cfg.Forwarder.MonitorURL)
		return fwd.Run(ctx)
	},
}

func streamConfig() forwarder.StreamConfig {
	return forwarder.StreamConfig{
		Stream:            cfg.Stream.Name,
		Subject:           cfg.Stream.Subject,
		DeadLetterSubject: cfg.Stream.DeadLetterSubject,
		Group:             cfg.Stream.Group,
		Consumer:          cfg.Stream.Consumer,
		AckWait:           cfg.Forwarder.AckWait,
	}
}

// connectStream keeps reconnecting forever so outages pause the forwarder
// instead of ending it.
func connectStream() (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.Stream.URL,
		nats.Name(cfg.Stream.Consumer),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("stream connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("stream connection restored", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Stream.URL, err)
	}
	return conn, nil
}
