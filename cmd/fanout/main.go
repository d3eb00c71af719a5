package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/HMasataka/fanout/internal/config"
	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/pkg/client"
	"github.com/HMasataka/fanout/pkg/hub"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "fanout",
		Usage: "Relay publisher frames to websocket viewers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path (.yaml, .toml or .json)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override the configured log format (text, json, pretty)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(),
			publishCommand(),
			bridgeCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the config file named by --config and applies the
// logging overrides
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{Path: c.String("config")})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := c.String("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}

func sessionOptions(cfg config.SessionConfig) hub.SessionOptions {
	return hub.SessionOptions{
		WriteTimeout:   cfg.WriteTimeout.Duration,
		ReadTimeout:    cfg.ReadTimeout.Duration,
		PingInterval:   cfg.PingInterval.Duration,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
	}
}

func clientOptions(cfg config.ClientConfig, logger *logging.Logger) client.Options {
	return client.Options{
		Logger:         logger,
		BackoffFloor:   cfg.BackoffFloor.Duration,
		BackoffCeiling: cfg.BackoffCeiling.Duration,
		BackoffJitter:  cfg.BackoffJitter,
		DialTimeout:    cfg.DialTimeout.Duration,
	}
}
