package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/frc-emotion/nautilus/internal/daemon"
	"github.com/frc-emotion/nautilus/internal/lock"
	"github.com/frc-emotion/nautilus/internal/profile"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

type statusReport struct {
	Profile      string `json:"profile"`
	Daemon       string `json:"daemon"`
	PID          int    `json:"pid,omitempty"`
	Connectivity string `json:"connectivity"`
	Queued       int    `json:"queued"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and connectivity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		name := profileName()
		report := statusReport{
			Profile:      name,
			Daemon:       "stopped",
			PID:          lock.Holder(profile.Dir(name)),
			Connectivity: "unknown",
		}

		if report.PID != 0 {
			conn, err := dial(name)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()
			hc := healthpb.NewHealthClient(conn)

			checkCtx, checkCancel := context.WithTimeout(ctx, 2*time.Second)
			defer checkCancel()
			if resp, err := hc.Check(checkCtx, &healthpb.HealthCheckRequest{}); err == nil {
				report.Daemon = servingLabel(resp.Status, "running", "unhealthy")
			} else {
				report.Daemon = "unreachable"
			}
			if resp, err := hc.Check(checkCtx, &healthpb.HealthCheckRequest{Service: daemon.ConnectivityService}); err == nil {
				report.Connectivity = servingLabel(resp.Status, "connected", "disconnected")
			}
		}

		if items, err := loadQueue(ctx, name); err == nil {
			report.Queued = len(items)
		}

		if jsonFlag {
			s, err := toStruct(report)
			if err != nil {
				return err
			}
			return outputJSON(s)
		}
		fmt.Printf("Profile:      %s\n", report.Profile)
		if report.PID != 0 {
			fmt.Printf("Daemon:       %s (pid %d)\n", report.Daemon, report.PID)
		} else {
			fmt.Printf("Daemon:       %s\n", report.Daemon)
		}
		fmt.Printf("Connectivity: %s\n", report.Connectivity)
		fmt.Printf("Queued:       %d\n", report.Queued)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream connectivity changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := dial(profileName())
		if err != nil {
			return err
		}
		defer func() { _ = conn.Close() }()

		stream, err := healthpb.NewHealthClient(conn).Watch(ctx, &healthpb.HealthCheckRequest{Service: daemon.ConnectivityService})
		if err != nil {
			return err
		}
		for {
			resp, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watch: %w", err)
			}
			if jsonFlag {
				if err := outputJSON(resp); err != nil {
					return err
				}
				continue
			}
			label := servingLabel(resp.Status, "connected", "disconnected")
			if resp.Status == healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
				return errors.New("daemon does not report connectivity")
			}
			fmt.Printf("%s  %s\n", time.Now().Format(time.RFC3339), label)
		}
	},
}

func servingLabel(s healthpb.HealthCheckResponse_ServingStatus, serving, notServing string) string {
	switch s {
	case healthpb.HealthCheckResponse_SERVING:
		return serving
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return notServing
	}
	return "unknown"
}
