package hub

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/HMasataka/fanout/internal/eventbus"
	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/internal/metrics"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/errors"
	"github.com/HMasataka/fanout/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

// State is the lifecycle stage of a session
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseAuthFailed is the close code sent after a rejected role claim
const CloseAuthFailed = websocket.ClosePolicyViolation

type outbound struct {
	data        []byte
	closeCode   int
	closeReason string
}

// Session is one accepted websocket connection
type Session struct {
	id         string
	hub        *Hub
	conn       *websocket.Conn
	remoteAddr string
	logger     *logging.Logger
	options    SessionOptions

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	role  domain.Role
	state State
}

func newSession(h *Hub, conn *websocket.Conn, remoteAddr string) *Session {
	id := xid.New().String()
	size := h.options.Session.SendBuffer
	if size <= 0 {
		size = DefaultSessionOptions().SendBuffer
	}

	return &Session{
		id:         id,
		hub:        h,
		conn:       conn,
		remoteAddr: remoteAddr,
		logger: h.logger.WithFields(map[string]any{
			"session_id":  id,
			"remote_addr": remoteAddr,
		}),
		options: h.options.Session,
		send:    make(chan outbound, size),
		done:    make(chan struct{}),
		state:   StateUnauthenticated,
	}
}

// ID returns the session ID
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address resolved at upgrade time
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Role returns the current role, RoleUnassigned before a successful claim
func (s *Session) Role() domain.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// State returns the current lifecycle stage
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send queues message for delivery. It never blocks on a slow peer.
func (s *Session) Send(ctx context.Context, message []byte) error {
	return s.enqueue(ctx, outbound{data: message})
}

func (s *Session) enqueue(ctx context.Context, out outbound) error {
	select {
	case <-s.done:
		return errors.Wrap(domain.ErrConnectionClosed, errors.ErrorTypeSendFailure, errors.CodeSendClosed, "session closed")
	default:
	}

	select {
	case s.send <- out:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.Wrap(domain.ErrSendQueueFull, errors.ErrorTypeSendFailure, errors.CodeSendQueueFull, "send queue full")
	}
}

// advanceLocked moves to next unless the session is already closing
func (s *Session) advanceLocked(next State) {
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.state = next
}

// closeWith queues a close frame behind anything already pending. When the
// queue is full the close frame is written directly.
func (s *Session) closeWith(code int, reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	if err := s.enqueue(context.Background(), outbound{closeCode: code, closeReason: reason}); err != nil {
		deadline := time.Now().Add(time.Second)
		if s.options.WriteTimeout > 0 {
			deadline = time.Now().Add(s.options.WriteTimeout)
		}
		s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.shutdown()
	}
}

// shutdown releases the connection immediately
func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) run(query url.Values) {
	s.hub.metrics.Incr(metrics.SessionsActive, 1)
	s.hub.metrics.Incr(metrics.SessionsOpened, 1)
	s.hub.publish(eventbus.NewEvent(eventbus.EventSessionOpened, "hub", s.id).
		WithMetadata("remote_addr", s.remoteAddr))
	s.logger.Info("session opened")

	go s.writePump()
	defer s.finish()

	s.conn.SetReadLimit(s.options.MaxMessageSize)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	s.admit(query)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		receivedAt := s.hub.now()
		s.extendReadDeadline()
		s.handle(message, receivedAt)
	}
}

func (s *Session) finish() {
	role, _ := s.hub.registry.Remove(s)
	s.shutdown()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.hub.metrics.Decr(metrics.SessionsActive, 1)
	s.hub.publish(eventbus.NewEvent(eventbus.EventSessionClosed, "hub", s.id).
		WithMetadata("role", role.String()))
	s.logger.Info("session closed", "role", role.String())
}

func (s *Session) extendReadDeadline() {
	if s.options.ReadTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.options.ReadTimeout))
	}
}

func (s *Session) writePump() {
	var tick <-chan time.Time
	if s.options.PingInterval > 0 {
		ticker := time.NewTicker(s.options.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return

		case out := <-s.send:
			s.setWriteDeadline()
			if out.closeCode != 0 {
				err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(out.closeCode, out.closeReason))
				if err != nil {
					s.logger.Debug("close write error", "error", err)
				}
				s.shutdown()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				s.hub.errs.HandleWithLogger(context.Background(),
					errors.Wrap(err, errors.ErrorTypeTransportFailure, errors.CodeConnectionLost, "write failed"),
					s.logger.Logger)
				s.shutdown()
				return
			}

		case <-tick:
			s.setWriteDeadline()
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("ping write error", "error", err)
				s.shutdown()
				return
			}
		}
	}
}

func (s *Session) setWriteDeadline() {
	if s.options.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.options.WriteTimeout))
	}
}

// admit applies query-string credentials. Without any, the session becomes
// a viewer only when viewers need no credential.
func (s *Session) admit(query url.Values) {
	if query.Has("role") || query.Has("token") {
		s.assign(domain.ParseRole(query.Get("role")), query.Get("token"))
		return
	}
	if !s.hub.Policy().Requires(domain.RoleViewer) {
		s.assign(domain.RoleViewer, "")
	}
}

func (s *Session) handle(message []byte, receivedAt time.Time) {
	if st := s.State(); st == StateClosing || st == StateClosed {
		return
	}
	s.hub.metrics.Incr(metrics.FramesReceived, 1)

	frame, err := protocol.Decode(message)
	if err != nil {
		s.hub.metrics.Incr(metrics.FramesMalformed, 1)
		s.hub.errs.HandleWithLogger(context.Background(), err, s.logger.Logger)
		return
	}

	switch f := frame.(type) {
	case protocol.Auth:
		s.assign(domain.ParseRole(f.Role), f.Token)
	case protocol.Ping:
		s.pong(receivedAt)
	case protocol.Data:
		if s.publishing() {
			s.relay(f.Raw)
			return
		}
		s.drop(string(f.Kind))
	case protocol.Batch:
		if !s.publishing() {
			s.drop("batch")
			return
		}
		for _, item := range f.Items {
			s.relay(item)
		}
	case protocol.Unknown:
		s.drop(string(f.Kind))
	default:
		s.drop("hub-frame")
	}
}

func (s *Session) publishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateAuthenticated && s.role == domain.RolePublisher
}

func (s *Session) drop(kind string) {
	s.hub.metrics.Incr(metrics.FramesDropped, 1)
	s.logger.Debug("frame dropped", "kind", kind, "role", s.Role().String())
}

func (s *Session) relay(raw json.RawMessage) {
	res := s.hub.registry.Broadcast(context.Background(), domain.RoleViewer, raw)
	s.hub.metrics.Mark(metrics.BroadcastUnits, 1)
	s.hub.metrics.Incr(metrics.BroadcastSends, int64(res.Attempts))
	if res.Failures > 0 {
		s.hub.metrics.Incr(metrics.BroadcastFailures, int64(res.Failures))
	}
}

func (s *Session) pong(receivedAt time.Time) {
	s.hub.metrics.Incr(metrics.Pings, 1)
	now := s.hub.now()
	if now.Before(receivedAt) {
		now = receivedAt
	}
	s.reply(protocol.NewPong(now))
}

func (s *Session) reply(f protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		s.hub.errs.HandleWithLogger(context.Background(), err, s.logger.Logger)
		return
	}
	if err := s.Send(context.Background(), data); err != nil {
		s.hub.errs.HandleWithLogger(context.Background(), err, s.logger.Logger)
	}
}

// assign checks a role claim. A rejected claim ends the session; an accepted
// one moves the session into the claimed partition.
func (s *Session) assign(role domain.Role, token string) {
	if err := s.hub.Policy().Authorize(role, token); err != nil {
		s.reject(role, err)
		return
	}

	registry := s.hub.registry
	var err error
	if registry.RoleOf(s) == role.Opposite() {
		err = registry.MoveTo(role, s)
	} else {
		err = registry.Add(role, s)
	}
	if err != nil {
		s.hub.errs.HandleWithLogger(context.Background(),
			errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeRoleConflict, "role assignment failed"),
			s.logger.Logger)
		return
	}

	s.mu.Lock()
	s.role = role
	s.advanceLocked(StateAuthenticated)
	s.mu.Unlock()

	s.reply(protocol.OK{Role: string(role), IP: s.remoteAddr})
	s.hub.publish(eventbus.NewEvent(eventbus.EventSessionAssigned, "hub", s.id).
		WithMetadata("role", role.String()))
	s.logger.Info("role assigned", "role", role.String())
}

func (s *Session) reject(role domain.Role, err error) {
	s.hub.registry.Remove(s)

	s.mu.Lock()
	s.role = domain.RoleUnassigned
	s.advanceLocked(StateUnauthenticated)
	s.mu.Unlock()

	s.hub.metrics.Incr(metrics.AuthFailures, 1)
	s.hub.publish(eventbus.NewEvent(eventbus.EventSessionAuthFailed, "hub", s.id).
		WithMetadata("role", role.String()))
	s.hub.errs.HandleWithLogger(context.Background(), err, s.logger.Logger)

	s.reply(protocol.Error{Msg: "auth failed"})
	s.closeWith(CloseAuthFailed, "auth failed")
}
