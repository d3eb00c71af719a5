// Package bridge reads rows from an upstream feed and republishes them to a
// hub as periodic snapshots.
package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"slices"
	"sync"
	"time"

	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/pkg/client"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/errors"
	"github.com/HMasataka/fanout/pkg/protocol"
)

// Row is one upstream record
type Row map[string]any

// Options represents bridge options
type Options struct {
	Logger *logging.Logger
	Dialer client.Dialer

	Upstream           string
	UpstreamCredential string
	Hub                string
	PublishToken       string

	Interval          time.Duration
	HeartbeatInterval time.Duration
	MaxRows           int
	// Sources limits published rows to these source values. Empty publishes all.
	Sources []string

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	// BackoffJitter of zero uses the client default; negative disables it.
	BackoffJitter  float64

	Now func() time.Time
}

// DefaultOptions returns default bridge options
func DefaultOptions() Options {
	return Options{
		Interval:          5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxRows:           5000,
		BackoffFloor:      client.DefaultFloor,
		BackoffCeiling:    client.DefaultCeiling,
		BackoffJitter:     client.DefaultJitter,
		Now:               time.Now,
	}
}

// Bridge owns an upstream client and a publishing client
type Bridge struct {
	options   Options
	logger    *logging.Logger
	upstream  *client.Client
	publisher *client.Client

	mu   sync.Mutex
	rows []Row
}

// New creates a bridge
func New(options Options) *Bridge {
	defaults := DefaultOptions()
	if options.Logger == nil {
		options.Logger = logging.Nop()
	}
	if options.Interval <= 0 {
		options.Interval = defaults.Interval
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if options.MaxRows <= 0 {
		options.MaxRows = defaults.MaxRows
	}
	if options.Now == nil {
		options.Now = defaults.Now
	}
	if options.BackoffJitter == 0 {
		options.BackoffJitter = defaults.BackoffJitter
	}

	b := &Bridge{
		options: options,
		logger:  options.Logger,
	}

	b.upstream = client.New(client.Options{
		Logger:         options.Logger.Named("upstream"),
		Dialer:         options.Dialer,
		SkipAuth:       true,
		BackoffFloor:   options.BackoffFloor,
		BackoffCeiling: options.BackoffCeiling,
		BackoffJitter:  options.BackoffJitter,
		OnMessage:      b.Ingest,
	})
	b.publisher = client.New(client.Options{
		Logger:         options.Logger.Named("publisher"),
		Dialer:         options.Dialer,
		Role:           string(domain.RolePublisher),
		BackoffFloor:   options.BackoffFloor,
		BackoffCeiling: options.BackoffCeiling,
		BackoffJitter:  options.BackoffJitter,
	})

	return b
}

// Run connects both sides and publishes until ctx is done
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.upstream.Connect(b.options.Upstream, b.options.UpstreamCredential); err != nil {
		return err
	}
	defer b.upstream.Stop()

	if err := b.publisher.Connect(b.options.Hub, b.options.PublishToken); err != nil {
		return err
	}
	defer b.publisher.Stop()

	snapshots := time.NewTicker(b.options.Interval)
	defer snapshots.Stop()
	heartbeats := time.NewTicker(b.options.HeartbeatInterval)
	defer heartbeats.Stop()

	b.logger.Info("bridge started",
		"interval", b.options.Interval,
		"heartbeat_interval", b.options.HeartbeatInterval,
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge stopped")
			return nil
		case <-snapshots.C:
			b.publish(b.Snapshot(), "snapshot")
		case <-heartbeats.C:
			b.publish(b.Heartbeat(), "heartbeat")
		}
	}
}

func (b *Bridge) publish(data []byte, kind string) {
	if data == nil {
		return
	}
	if err := b.publisher.Send(data); err != nil {
		if stderrors.Is(err, domain.ErrNotConnected) {
			b.logger.Debug("hub not connected, skipping", "kind", kind)
			return
		}
		b.logger.Warn("publish failed", "kind", kind, "error", err)
		return
	}
	b.logger.Debug("published", "kind", kind, "bytes", len(data))
}

// Ingest accepts one upstream frame. Arrays, snapshot and raw frames carry
// many rows; heartbeats are only logged; any other object is one row.
func (b *Bridge) Ingest(f protocol.Frame) {
	switch v := f.(type) {
	case protocol.Batch:
		b.addItems(v.Items, "")
	case protocol.Data:
		switch v.Kind {
		case protocol.KindSnapshot:
			b.ingestEnvelope(v.Raw)
		case protocol.KindHeartbeat:
			b.logger.Debug("upstream heartbeat", "frame", string(v.Raw))
		default:
			b.addRaw(v.Raw, "")
		}
	case protocol.Unknown:
		if v.Kind == protocol.KindRaw {
			b.ingestEnvelope(v.Raw)
			return
		}
		b.addRaw(v.Raw, "")
	}
}

func (b *Bridge) ingestEnvelope(raw json.RawMessage) {
	var envelope struct {
		Source string          `json:"source"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		b.logger.Debug("envelope not decoded", "error", err)
		return
	}

	var items []json.RawMessage
	if err := json.Unmarshal(envelope.Data, &items); err != nil {
		b.addRaw(raw, "")
		return
	}
	b.addItems(items, envelope.Source)
}

func (b *Bridge) addItems(items []json.RawMessage, source string) {
	for _, item := range items {
		b.addRaw(item, source)
	}
}

func (b *Bridge) addRaw(raw json.RawMessage, source string) {
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil || row == nil {
		b.logger.Debug("row skipped", "raw", string(raw))
		return
	}
	if source != "" {
		if current, _ := row["source"].(string); current == "" {
			row["source"] = source
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, row)
	if over := len(b.rows) - b.options.MaxRows; over > 0 {
		b.rows = slices.Delete(b.rows, 0, over)
	}
}

// Rows returns a copy of the buffered rows, oldest first
func (b *Bridge) Rows() []Row {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.rows)
}

// Reset discards buffered rows
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.rows = nil
	b.mu.Unlock()
}

// Load replaces the buffered rows with a JSON array or an object whose data
// field is an array, and returns how many rows were kept.
func (b *Bridge) Load(data []byte) (int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var envelope struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeMalformedFrame, errors.CodeMalformedFrame, "seed not decoded")
		}
		items = envelope.Data
	}

	b.Reset()
	b.addItems(items, "")

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows), nil
}

// Snapshot encodes the rows selected by Sources as a snapshot frame
func (b *Bridge) Snapshot() []byte {
	rows := make([]Row, 0)
	for _, row := range b.Rows() {
		if len(b.options.Sources) > 0 {
			source, _ := row["source"].(string)
			if !slices.Contains(b.options.Sources, source) {
				continue
			}
		}
		rows = append(rows, row)
	}

	data, err := json.Marshal(struct {
		Type    protocol.Kind `json:"type"`
		Version string        `json:"version"`
		Data    []Row         `json:"data"`
	}{protocol.KindSnapshot, "v1", rows})
	if err != nil {
		b.logger.Error("snapshot not encoded", "error",
			errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshal, "snapshot encode failed"))
		return nil
	}
	return data
}

// Heartbeat encodes a heartbeat frame stamped with the current time
func (b *Bridge) Heartbeat() []byte {
	data, _ := json.Marshal(struct {
		Type protocol.Kind `json:"type"`
		TS   int64         `json:"ts"`
	}{protocol.KindHeartbeat, b.options.Now().UnixMilli()})
	return data
}
