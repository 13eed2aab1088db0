package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskhub/internal/config"
)

var addrFlag = &cli.StringFlag{
	Name:  "addr",
	Usage: "Server address (host:port); defaults to the configured listener",
}

// serverAddr resolves the address of a running server from --addr or the
// config file.
func serverAddr(cmd *cli.Command) (string, error) {
	if cmd.IsSet("addr") {
		return cmd.String("addr"), nil
	}
	cfg, err := config.LoadOrDefault(cmd.String("config"))
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)), nil
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// getJSON fetches path from the server API and decodes the body into v.
func getJSON(ctx context.Context, cmd *cli.Command, path string, v any) error {
	addr, err := serverAddr(cmd)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
