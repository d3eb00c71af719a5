// Package hub accepts websocket connections, assigns each one the publisher
// or viewer role and relays publisher data frames to every viewer.
package hub

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/fanout/internal/eventbus"
	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/internal/metrics"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/errors"
	"github.com/HMasataka/fanout/pkg/policy"
	"github.com/HMasataka/fanout/pkg/registry"
	"github.com/gorilla/websocket"
)

// Stats is a point-in-time view of the hub
type Stats struct {
	Sessions   int `json:"sessions"`
	Publishers int `json:"publishers"`
	Viewers    int `json:"viewers"`
}

// Hub owns the registry and every live session. Several hubs may coexist in
// one process.
type Hub struct {
	registry *registry.Registry
	policy   atomic.Pointer[policy.Policy]
	upgrader websocket.Upgrader
	logger   *logging.Logger
	metrics  *metrics.Metrics
	eventBus eventbus.Bus
	errs     errors.Handler
	options  Options

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a hub enforcing p
func New(p *policy.Policy, opts ...Option) *Hub {
	options := Options{
		Session:         DefaultSessionOptions(),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Now:             time.Now,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = logging.Nop()
	}
	if p == nil {
		p = policy.Open()
	}

	h := &Hub{
		registry: registry.New(options.Logger.Named("registry")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  options.ReadBufferSize,
			WriteBufferSize: options.WriteBufferSize,
			// Origins are checked against the policy before Upgrade is called.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   options.Logger,
		metrics:  options.Metrics,
		eventBus: options.EventBus,
		errs:     errors.NewDefaultHandler(options.Logger.Logger),
		options:  options,
		sessions: make(map[string]*Session),
	}
	h.policy.Store(p)

	return h
}

// Policy returns the policy currently in force
func (h *Hub) Policy() *policy.Policy {
	return h.policy.Load()
}

// SetPolicy swaps the policy. Sessions already assigned a role keep it; the
// new policy applies to subsequent assertions.
func (h *Hub) SetPolicy(p *policy.Policy) {
	if p == nil {
		p = policy.Open()
	}
	h.policy.Store(p)
	h.logger.Info("policy updated",
		"publisher_gated", p.Requires(domain.RolePublisher),
		"viewer_gated", p.Requires(domain.RoleViewer),
		"allow_origins", p.Origins(),
	)
}

// Stats returns current session and role counts
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	sessions := len(h.sessions)
	h.mu.Unlock()

	return Stats{
		Sessions:   sessions,
		Publishers: h.registry.Count(domain.RolePublisher),
		Viewers:    h.registry.Count(domain.RoleViewer),
	}
}

// ServeHTTP implements http.Handler
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteAddr := clientIP(r)

	if err := h.Policy().CheckOrigin(r.Header.Get("Origin")); err != nil {
		h.metrics.Incr(metrics.OriginRejections, 1)
		h.publish(eventbus.NewEvent(eventbus.EventOriginRejected, "hub", r.Header.Get("Origin")).
			WithMetadata("remote_addr", remoteAddr))
		h.errs.HandleWithLogger(r.Context(), err, h.logger.With("remote_addr", remoteAddr))
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", remoteAddr,
		)
		return
	}

	s := newSession(h, conn, remoteAddr)
	if !h.track(s) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer h.untrack(s)

	s.run(r.URL.Query())
}

// Shutdown asks every session to close and waits for them to finish or for
// ctx to end. New connections are refused afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	h.logger.Info("stopping hub", "sessions", len(sessions))

	for _, s := range sessions {
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub stopped")
		return nil
	case <-ctx.Done():
		for _, s := range sessions {
			s.shutdown()
		}
		return ctx.Err()
	}
}

func (h *Hub) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return false
	}
	h.sessions[s.id] = s
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.wg.Done()
}

func (h *Hub) publish(event *eventbus.Event) {
	if h.eventBus != nil {
		h.eventBus.PublishAsync(event)
	}
}

func (h *Hub) now() time.Time {
	return h.options.Now()
}

// clientIP prefers proxy-supplied headers over the socket address
func clientIP(r *http.Request) string {
	for _, header := range []string{"CF-Connecting-IP", "X-Real-IP"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		if first := strings.TrimSpace(strings.Split(v, ",")[0]); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
