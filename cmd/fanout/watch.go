package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/pkg/client"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/protocol"
	"github.com/urfave/cli/v3"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Connect as a viewer and print every relayed frame",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "Hub websocket URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Viewer credential",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := clientOptions(cfg.Client, logger.Named("client"))
	opts.Role = string(domain.RoleViewer)
	opts.OnMessage = func(f protocol.Frame) {
		printFrame(os.Stdout, f)
	}
	opts.OnStateChange = func(prev, next client.State, err error) {
		if err != nil {
			logger.Info("state changed", "from", prev.String(), "to", next.String(), "error", err)
			return
		}
		logger.Info("state changed", "from", prev.String(), "to", next.String())
	}

	cl := client.New(opts)
	if err := cl.Connect(c.String("url"), c.String("token")); err != nil {
		return err
	}
	defer cl.Stop()

	<-ctx.Done()
	return nil
}

// printFrame writes relayed data one JSON document per line
func printFrame(w io.Writer, f protocol.Frame) {
	switch v := f.(type) {
	case protocol.Data:
		fmt.Fprintln(w, string(v.Raw))
	case protocol.Unknown:
		fmt.Fprintln(w, string(v.Raw))
	case protocol.Batch:
		for _, item := range v.Items {
			fmt.Fprintln(w, string(item))
		}
	}
}
