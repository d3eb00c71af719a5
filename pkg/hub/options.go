package hub

import (
	"time"

	"github.com/HMasataka/fanout/internal/eventbus"
	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/internal/metrics"
)

// SessionOptions represents per-connection settings
type SessionOptions struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultSessionOptions returns default session options
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 4 * 1024 * 1024,
		SendBuffer:     256,
	}
}

// Options represents hub options
type Options struct {
	Logger          *logging.Logger
	Metrics         *metrics.Metrics
	EventBus        eventbus.Bus
	Session         SessionOptions
	ReadBufferSize  int
	WriteBufferSize int
	Now             func() time.Time
}

// Option is a function that configures Options
type Option func(*Options)

// WithLogger sets the logger for the hub
func WithLogger(logger *logging.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics sets the metrics sink for the hub
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithEventBus sets the bus that receives session lifecycle events
func WithEventBus(bus eventbus.Bus) Option {
	return func(o *Options) {
		o.EventBus = bus
	}
}

// WithSessionOptions sets the per-connection settings
func WithSessionOptions(so SessionOptions) Option {
	return func(o *Options) {
		o.Session = so
	}
}

// WithClock overrides time.Now, used for pong timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}
