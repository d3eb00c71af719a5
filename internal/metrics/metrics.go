package metrics

import (
	"context"
	"io"
	"time"

	"github.com/HMasataka/fanout/internal/logging"
	gometrics "github.com/rcrowley/go-metrics"
)

// Counter names
const (
	SessionsActive    = "sessions.active"
	SessionsOpened    = "sessions.opened"
	AuthFailures      = "auth.failures"
	OriginRejections  = "origin.rejections"
	FramesReceived    = "frames.received"
	FramesMalformed   = "frames.malformed"
	FramesDropped     = "frames.dropped"
	Pings             = "pings"
	BroadcastSends    = "broadcast.sends"
	BroadcastFailures = "broadcast.failures"
	BroadcastUnits    = "broadcast.units"
)

// Metrics wraps a go-metrics registry. A nil *Metrics discards everything.
type Metrics struct {
	reg gometrics.Registry
}

// New creates metrics backed by a fresh registry
func New() *Metrics {
	return &Metrics{reg: gometrics.NewRegistry()}
}

// Incr increments the named counter
func (m *Metrics) Incr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

// Decr decrements the named counter
func (m *Metrics) Decr(name string, i int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

// Mark records n events on the named meter
func (m *Metrics) Mark(name string, n int64) {
	if m == nil {
		return
	}
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(n)
}

// Count returns the value of the named counter
func (m *Metrics) Count(name string) int64 {
	if m == nil {
		return 0
	}
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

// Snapshot returns every metric as plain values
func (m *Metrics) Snapshot() map[string]map[string]any {
	if m == nil {
		return map[string]map[string]any{}
	}
	return m.reg.GetAll()
}

// WriteJSON writes the registry once as JSON
func (m *Metrics) WriteJSON(w io.Writer) {
	if m == nil {
		w.Write([]byte("{}\n"))
		return
	}
	gometrics.WriteJSONOnce(m.reg, w)
}

// Report logs a snapshot every interval until ctx is done
func (m *Metrics) Report(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	if m == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("metrics", "snapshot", m.Snapshot())
		}
	}
}
