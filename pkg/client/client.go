// Package client keeps a websocket connection to a hub open, reconnecting
// with exponential backoff whenever it drops.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/HMasataka/fanout/internal/eventbus"
	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/pkg/domain"
	"github.com/HMasataka/fanout/pkg/errors"
	"github.com/HMasataka/fanout/pkg/protocol"
)

// State is the connection state of a Client
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Options represents client options
type Options struct {
	Logger   *logging.Logger
	Dialer   Dialer
	EventBus eventbus.Bus

	// Role is asserted with an auth frame after every open when a
	// credential is held. Defaults to publisher.
	Role string
	// SkipAuth disables the auth frame, for feeds that are not hubs.
	SkipAuth bool

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	// BackoffJitter of zero uses DefaultJitter; negative disables jitter.
	BackoffJitter  float64
	Rand           func() float64

	DialTimeout  time.Duration
	PingInterval time.Duration

	// OnMessage receives every decoded inbound frame
	OnMessage func(protocol.Frame)
	// OnStateChange is called after each transition, outside the client lock
	OnStateChange func(prev, next State, err error)
}

// DefaultOptions returns default client options
func DefaultOptions() Options {
	return Options{
		Role:           string(domain.RolePublisher),
		BackoffFloor:   DefaultFloor,
		BackoffCeiling: DefaultCeiling,
		BackoffJitter:  DefaultJitter,
		DialTimeout:    10 * time.Second,
	}
}

type transition struct {
	prev, next State
	err        error
}

// Client is a self-healing connection. Every Connect and Stop bumps a
// generation counter; callbacks from an older generation are ignored.
type Client struct {
	options Options
	logger  *logging.Logger
	backoff *Backoff

	mu         sync.Mutex
	state      State
	generation uint64
	target     string
	credential string
	conn       Conn
	timer      *time.Timer
	cancel     context.CancelFunc
	pending    []transition
}

// New creates a client in the Idle state
func New(options Options) *Client {
	defaults := DefaultOptions()
	if options.Logger == nil {
		options.Logger = logging.Nop()
	}
	if options.Dialer == nil {
		options.Dialer = &WebsocketDialer{WriteTimeout: 10 * time.Second}
	}
	if options.Role == "" {
		options.Role = defaults.Role
	}
	if options.BackoffFloor <= 0 {
		options.BackoffFloor = defaults.BackoffFloor
	}
	if options.BackoffCeiling <= 0 {
		options.BackoffCeiling = defaults.BackoffCeiling
	}
	if options.BackoffJitter == 0 {
		options.BackoffJitter = defaults.BackoffJitter
	}
	if options.DialTimeout <= 0 {
		options.DialTimeout = defaults.DialTimeout
	}

	backoff := NewBackoff(options.BackoffFloor, options.BackoffCeiling, options.BackoffJitter)
	backoff.Rand = options.Rand

	return &Client{
		options: options,
		logger:  options.Logger,
		backoff: backoff,
		state:   StateIdle,
	}
}

// State returns the current state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting to address. It is a no-op while a connection is
// open or being dialed; during backoff it dials immediately.
func (c *Client) Connect(address, credential string) error {
	target, err := WithToken(address, credential)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, errors.CodeDialFailed, "invalid address").WithDetails(address)
	}

	c.mu.Lock()
	switch c.state {
	case StateOpen, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateBackoff:
		c.stopTimerLocked()
	default:
		c.backoff.Reset()
	}

	c.target = target
	c.credential = credential
	c.generation++
	c.dialLocked(c.generation)
	c.unlockAndNotify()

	return nil
}

// Stop cancels any pending retry, closes the connection and returns to Idle.
// Callbacks already in flight are discarded.
func (c *Client) Stop() {
	c.mu.Lock()
	c.generation++
	c.stopTimerLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateIdle, nil)
	c.unlockAndNotify()

	if conn != nil {
		conn.Close()
	}
}

// Send writes data on the open connection
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return errors.Wrap(domain.ErrNotConnected, errors.ErrorTypeSendFailure, errors.CodeSendClosed, "not connected")
	}
	if err := conn.WriteMessage(data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSendFailure, errors.CodeConnectionLost, "send failed")
	}
	return nil
}

// SendJSON marshals v and sends it
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshal, "marshal failed")
	}
	return c.Send(data)
}

// SendFrame encodes f and sends it
func (c *Client) SendFrame(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return c.Send(data)
}

func (c *Client) dialLocked(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.options.DialTimeout)
	c.cancel = cancel
	c.setStateLocked(StateConnecting, nil)

	target := c.target
	go c.dial(ctx, gen, target)
}

func (c *Client) dial(ctx context.Context, gen uint64, target string) {
	conn, err := c.options.Dialer.Dial(ctx, target)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if err != nil {
		c.logger.Debug("dial failed", "error", err, "address", redact(target))
		c.scheduleLocked(gen, err)
		c.unlockAndNotify()
		return
	}

	c.conn = conn
	c.backoff.Reset()

	var auth []byte
	if c.credential != "" && !c.options.SkipAuth {
		var encErr error
		if auth, encErr = protocol.Encode(protocol.NewAuth(c.options.Role, c.credential)); encErr != nil {
			c.logger.Warn("auth frame not encoded", "error", encErr)
		}
	}
	c.mu.Unlock()

	// The state stays Connecting until the auth frame is out, so no Send
	// can overtake it.
	if auth != nil {
		err = conn.WriteMessage(auth)
	}

	c.mu.Lock()
	if gen != c.generation || c.conn != conn {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.conn = nil
		c.logger.Warn("auth frame not sent", "error", err)
		c.scheduleLocked(gen, errors.Wrap(err, errors.ErrorTypeTransportFailure, errors.CodeConnectionLost, "auth frame not sent"))
		c.unlockAndNotify()
		conn.Close()
		return
	}
	c.setStateLocked(StateOpen, nil)
	c.logger.Info("connected", "address", redact(target))
	c.unlockAndNotify()

	go c.readLoop(conn, gen)
	if c.options.PingInterval > 0 {
		go c.keepalive(conn, gen)
	}
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) keepalive(conn Conn, gen uint64) {
	ticker := time.NewTicker(c.options.PingInterval)
	defer ticker.Stop()

	ping := protocol.MustEncode(protocol.Ping{})
	for range ticker.C {
		c.mu.Lock()
		current := gen == c.generation && c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteMessage(ping); err != nil {
			return
		}
	}
}

func (c *Client) lost(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.logger.Warn("connection lost", "error", err)
	c.scheduleLocked(gen, errors.Wrap(err, errors.ErrorTypeTransportFailure, errors.CodeConnectionLost, "connection lost"))
	c.unlockAndNotify()

	conn.Close()
}

func (c *Client) scheduleLocked(gen uint64, cause error) {
	wait := c.backoff.Next()
	c.setStateLocked(StateBackoff, cause)
	c.logger.Debug("reconnect scheduled", "wait", wait)

	c.timer = time.AfterFunc(wait, func() {
		c.mu.Lock()
		if gen != c.generation || c.state != StateBackoff {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.dialLocked(gen)
		c.unlockAndNotify()
	})
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) dispatch(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("undecodable frame", "error", err)
		return
	}

	switch f := frame.(type) {
	case protocol.Pong:
		c.logger.Debug("pong", "ts", f.TS)
	case protocol.Error:
		c.logger.Warn("hub reported error", "msg", f.Msg)
	case protocol.OK:
		c.logger.Info("role confirmed", "role", f.Role)
	}

	if c.options.OnMessage != nil {
		c.options.OnMessage(frame)
	}
}

func (c *Client) setStateLocked(next State, err error) {
	prev := c.state
	if prev == next && err == nil {
		return
	}
	c.state = next
	c.pending = append(c.pending, transition{prev: prev, next: next, err: err})
}

// unlockAndNotify releases the lock and then reports queued transitions
func (c *Client) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, t := range pending {
		if c.options.EventBus != nil {
			event := eventbus.NewEvent(eventbus.EventClientStateChanged, "client", t.next.String()).
				WithMetadata("prev", t.prev.String())
			if t.err != nil {
				event.WithMetadata("error", t.err.Error())
			}
			c.options.EventBus.PublishAsync(event)
		}
		if c.options.OnStateChange != nil {
			c.options.OnStateChange(t.prev, t.next, t.err)
		}
	}
}

// WithToken appends credential as the token query parameter unless the
// address already carries token or auth_key.
func WithToken(address, credential string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	if credential == "" {
		return u.String(), nil
	}

	q := u.Query()
	if q.Has("token") || q.Has("auth_key") {
		return u.String(), nil
	}
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		return "invalid"
	}
	q := u.Query()
	for _, k := range []string{"token", "auth_key"} {
		if q.Has(k) {
			q.Set(k, "redacted")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
