package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskhub/internal/config"
	"github.com/dohr-michael/taskhub/internal/heartbeat"
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show taskhub server status",
		Action: func(_ context.Context, _ *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), 2*time.Minute)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			switch status {
			case heartbeat.StatusAlive:
				fmt.Printf("Server: ALIVE (PID %d, uptime %s, listening on %s)\n", hb.PID, hb.Uptime, hb.Addr)
				fmt.Printf("  connections:  %d\n", hb.Connections)
				fmt.Printf("  processors:   %d\n", hb.Processors)
				fmt.Printf("  active tasks: %d\n", hb.ActiveTasks)
			case heartbeat.StatusStale:
				fmt.Printf("Server: STALE (PID %d, last heartbeat %s ago)\n",
					hb.PID, time.Since(hb.Timestamp).Truncate(time.Second))
			case heartbeat.StatusDead:
				fmt.Println("Server: NOT RUNNING")
			}

			return nil
		},
	}
}
