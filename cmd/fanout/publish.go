package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/pkg/client"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/protocol"
	"github.com/urfave/cli/v3"
)

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:  "publish",
		Usage: "Connect as a publisher and send each stdin line as a frame",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "url",
				Usage:    "Hub websocket URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Publisher credential",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for the connection to open",
				Value: 10 * time.Second,
			},
		},
		Action: runPublish,
	}
}

func runPublish(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opened := make(chan struct{}, 1)
	opts := clientOptions(cfg.Client, logger.Named("client"))
	opts.Role = string(domain.RolePublisher)
	opts.OnStateChange = func(prev, next client.State, err error) {
		if next == client.StateOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	}

	cl := client.New(opts)
	if err := cl.Connect(c.String("url"), c.String("token")); err != nil {
		return err
	}
	defer cl.Stop()

	select {
	case <-opened:
	case <-time.After(c.Duration("wait")):
		return fmt.Errorf("connection not open after %s", c.Duration("wait"))
	case <-ctx.Done():
		return nil
	}

	return pump(ctx, os.Stdin, cl, logger)
}

// pump sends each non-empty line. JSON lines and the bare word ping are sent
// as-is; other text is wrapped in a message frame.
func pump(ctx context.Context, r io.Reader, cl *client.Client, logger *logging.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := cl.Send(lineFrame(line)); err != nil {
			logger.Warn("line not sent", "error", err)
		}
	}
	return scanner.Err()
}

func lineFrame(line string) []byte {
	if line == string(protocol.KindPing) || json.Valid([]byte(line)) {
		return []byte(line)
	}
	data, _ := json.Marshal(struct {
		Type protocol.Kind `json:"type"`
		Text string        `json:"text"`
	}{protocol.KindMessage, line})
	return data
}
