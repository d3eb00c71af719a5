package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/pkg/bridge"
	"github.com/urfave/cli/v3"
)

func bridgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "bridge",
		Usage: "Read an upstream feed and republish it to a hub as snapshots",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "upstream",
				Usage:    "Upstream feed websocket URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "upstream-key",
				Usage: "Credential appended to the upstream URL",
			},
			&cli.StringFlag{
				Name:     "hub",
				Usage:    "Hub websocket URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Publisher credential for the hub",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Snapshot interval",
				Value: 5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "heartbeat",
				Usage: "Heartbeat interval",
				Value: 15 * time.Second,
			},
			&cli.IntFlag{
				Name:  "max-rows",
				Usage: "Rows kept in memory, oldest dropped first",
				Value: 5000,
			},
			&cli.StringSliceFlag{
				Name:  "source",
				Usage: "Only publish rows with this source (repeatable)",
			},
			&cli.StringFlag{
				Name:  "seed",
				Usage: "JSON file of rows to publish before the upstream delivers any",
			},
		},
		Action: runBridge,
	}
}

func runBridge(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(bridge.Options{
		Logger:             logger.Named("bridge"),
		Upstream:           c.String("upstream"),
		UpstreamCredential: c.String("upstream-key"),
		Hub:                c.String("hub"),
		PublishToken:       c.String("token"),
		Interval:           c.Duration("interval"),
		HeartbeatInterval:  c.Duration("heartbeat"),
		MaxRows:            int(c.Int("max-rows")),
		Sources:            c.StringSlice("source"),
		BackoffFloor:       cfg.Client.BackoffFloor.Duration,
		BackoffCeiling:     cfg.Client.BackoffCeiling.Duration,
		BackoffJitter:      cfg.Client.BackoffJitter,
	})

	if path := c.String("seed"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading seed: %w", err)
		}
		n, err := b.Load(data)
		if err != nil {
			return err
		}
		logger.Info("seed loaded", "path", path, "rows", n)
	}

	return b.Run(ctx)
}
