package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/fanout/internal/config"
	"github.com/HMasataka/fanout/internal/eventbus"
	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/internal/metrics"
	"github.com/HMasataka/fanout/internal/server"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/hub"
	"github.com/HMasataka/fanout/pkg/policy"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to bind to",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "Websocket endpoint path",
			},
			&cli.StringFlag{
				Name:  "publish-token",
				Usage: "Credential required to publish",
			},
			&cli.StringFlag{
				Name:  "read-token",
				Usage: "Credential required to view",
			},
			&cli.StringSliceFlag{
				Name:  "allow-origin",
				Usage: "Allowed browser origin (repeatable)",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyServeFlags(cfg, c)

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryBus(256)
	bus.Start(ctx)
	defer bus.Stop()

	eventLogger := logger.Named("events")
	bus.SubscribeAll(func(event *eventbus.Event) {
		eventLogger.Debug(string(event.Type),
			"event_id", event.ID,
			"source", event.Source,
			"data", event.Data,
			"metadata", event.Metadata,
		)
	})

	m := metrics.New()
	go m.Report(ctx, cfg.Metrics.ReportInterval.Duration, logger.Named("metrics"))

	p := policy.FromConfig(cfg.Auth)
	if !p.Requires(domain.RolePublisher) {
		logger.Warn("no publish token configured, any client may publish")
	}

	h := hub.New(p,
		hub.WithLogger(logger.Named("hub")),
		hub.WithMetrics(m),
		hub.WithEventBus(bus),
		hub.WithSessionOptions(sessionOptions(cfg.Session)),
	)

	if path := c.String("config"); path != "" {
		go func() {
			err := config.Watch(ctx, path,
				func(next *config.Config) {
					applyServeFlags(next, c)
					h.SetPolicy(policy.FromConfig(next.Auth))
				},
				func(err error) {
					logger.Warn("config reload failed", "error", err)
				},
			)
			if err != nil {
				logger.Warn("config watch disabled", "error", err)
			}
		}()
	}

	return server.New(cfg.Server, h, m, logger).ListenAndServe(ctx)
}

// applyServeFlags lets explicit flags win over file and environment values
func applyServeFlags(cfg *config.Config, c *cli.Command) {
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = int(c.Int("port"))
	}
	if c.IsSet("path") {
		cfg.Server.Path = c.String("path")
	}
	if c.IsSet("publish-token") {
		cfg.Auth.PublishToken = c.String("publish-token")
	}
	if c.IsSet("read-token") {
		cfg.Auth.ReadToken = c.String("read-token")
	}
	if c.IsSet("allow-origin") {
		cfg.Auth.AllowOrigins = c.StringSlice("allow-origin")
	}
}
