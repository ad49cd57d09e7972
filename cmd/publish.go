package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"heartbeatmonitor/forwarder"
	"heartbeatmonitor/models"
)

var publishFlags struct {
	service    string
	status     string
	windowID   string
	windowFrom string
	duration   time.Duration
}

func init() {
	f := publishCmd.Flags()
	f.StringVar(&publishFlags.service, "service", "", "Reporting service name (required)")
	f.StringVar(&publishFlags.status, "status", "OK", `Report status: "OK" or "error: <message>"`)
	f.StringVar(&publishFlags.windowID, "window-id", "", "Window id (default: a new UUID)")
	f.StringVar(&publishFlags.windowFrom, "window-from", "", "Window start, RFC 3339 (default: now)")
	f.DurationVar(&publishFlags.duration, "duration", 0, "Window length (default: monitor.windowDurationSeconds)")
	_ = publishCmd.MarkFlagRequired("service")
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Append one heartbeat report to the report stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration := publishFlags.duration
		if duration == 0 {
			duration = time.Duration(cfg.Monitor.WindowDurationSeconds) * time.Second
		}
		report, err := buildReport(publishFlags.service, publishFlags.status, publishFlags.windowID,
			publishFlags.windowFrom, duration, time.Now())
		if err != nil {
			return err
		}

		conn, err := connectStream()
		if err != nil {
			return err
		}
		defer conn.Close()

		stream, err := forwarder.NewJetStream(conn, streamConfig(), logger)
		if err != nil {
			return err
		}
		if _, err := stream.EnsureStream(cmd.Context()); err != nil {
			return err
		}

		seq, err := stream.Publisher().Publish(cmd.Context(), report)
		if err != nil {
			return err
		}
		fmt.Printf("published report for window %s (sequence %d)\n", report.WindowID, seq)
		return nil
	},
}

// buildReport fills the defaults of a hand-published report.
func buildReport(service, status, windowID, windowFrom string, duration time.Duration, now time.Time) (models.Report, error) {
	if duration <= 0 {
		return models.Report{}, fmt.Errorf("window duration must be positive")
	}
	if windowID == "" {
		windowID = uuid.NewString()
	}

	from := now.UTC().Truncate(time.Second)
	if windowFrom != "" {
		parsed, err := time.Parse(time.RFC3339, windowFrom)
		if err != nil {
			return models.Report{}, fmt.Errorf("parse --window-from: %w", err)
		}
		from = parsed.UTC()
	}

	return models.Report{
		Service:    service,
		Status:     status,
		WindowID:   windowID,
		WindowFrom: from.Format(time.RFC3339),
		WindowTo:   from.Add(duration).Format(time.RFC3339),
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
	}, nil
}
