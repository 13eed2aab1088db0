package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskhub/internal/config"
	"github.com/dohr-michael/taskhub/internal/task"
)

// NewPingCommand returns the ping subcommand.
func NewPingCommand() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Send a ping over the processor websocket and wait for the pong",
		Flags: []cli.Flag{
			addrFlag,
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the pong",
				Value: 5 * time.Second,
			},
		},
		Action: runPing,
	}
}

func runPing(ctx context.Context, cmd *cli.Command) error {
	addr, err := serverAddr(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	url := "ws://" + addr + cfg.Server.WSPath
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.CloseNow()

	ping, err := json.Marshal(task.Message{Task: task.Doc{
		"hub": map[string]any{"command": string(task.CommandPing)},
	}})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("wait for pong: %w", err)
	}

	var msg task.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if got := msg.Task.Command(); got != task.CommandPong {
		return fmt.Errorf("unexpected reply command %q", got)
	}

	fmt.Printf("pong from %s in %s\n", url, time.Since(start).Truncate(time.Microsecond))
	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
