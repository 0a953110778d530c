package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/warden/clients/ws"
	"github.com/dohr-michael/warden/internal/config"
	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/gateway/ws"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream live events from a running `warden serve`",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Usage: "Gateway websocket URL (defaults to the configured host and port)",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	url := cmd.String("url")
	if url == "" {
		cfg, err := config.LoadOrDefault(cmd.String("config"))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		url = fmt.Sprintf("ws://%s:%d/api/ws", cfg.Gateway.Host, cfg.Gateway.Port)
	}

	c, err := wsclient.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer c.Close()

	for {
		f, err := c.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if f.Type != ws.FrameTypeEvent {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			continue
		}
		payload, _ := json.Marshal(e.Payload)
		fmt.Printf("%s  %-18s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Type, payload)
	}
}
