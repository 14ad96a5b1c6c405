package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	// URL is the backend origin, e.g. https://chat.example.com. http(s)
	// schemes are mapped to ws(s).
	URL   string
	Token string
	// Path of the socket endpoint, "/socket.io/" by default.
	Path string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HandshakeTimeout     time.Duration
	ReadLimit            int64

	// HTTPClient is passed to the websocket dialer. It must not set Timeout;
	// the dial is bounded by HandshakeTimeout instead.
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/socket.io/"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Event is a named server event with its first argument as raw JSON.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Handler wraps an event callback. Handlers are compared by pointer, so
// registering the same *Handler twice for an event delivers once.
type Handler struct {
	fn func(Event)
}

func NewHandler(fn func(Event)) *Handler {
	return &Handler{fn: fn}
}

// Handle runs the callback. Socket implementations other than *Conn use it
// to deliver events.
func (h *Handler) Handle(ev Event) { h.fn(ev) }

type eventDispatcher struct {
	mu          sync.RWMutex
	handlers    map[string][]*Handler
	onState     []func(RealtimeState)
	onReconnect []func()
	log         *zap.Logger
}

func newEventDispatcher(log *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		handlers: make(map[string][]*Handler),
		log:      log,
	}
}

func (d *eventDispatcher) add(event string, h *Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.handlers[event] {
		if existing == h {
			return
		}
	}
	d.handlers[event] = append(d.handlers[event], h)
}

func (d *eventDispatcher) remove(event string, h *Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[event]
	for i, existing := range list {
		if existing == h {
			d.handlers[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.handlers[event]) == 0 {
		delete(d.handlers, event)
	}
}

func (d *eventDispatcher) count(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// dispatch runs handlers synchronously on the caller's goroutine, which is
// the single read loop, so events are seen in arrival order.
func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := append([]*Handler(nil), d.handlers[ev.Name]...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.call(ev.Name, func() { h.fn(ev) })
	}
}

func (d *eventDispatcher) emitState(s RealtimeState) {
	d.mu.RLock()
	listeners := append([]func(RealtimeState){}, d.onState...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		d.call("state", func() { fn(s) })
	}
}

func (d *eventDispatcher) emitReconnect() {
	d.mu.RLock()
	listeners := append([]func(){}, d.onReconnect...)
	d.mu.RUnlock()
	for _, fn := range listeners {
		d.call("reconnect", fn)
	}
}

func (d *eventDispatcher) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event_handler_panic", zap.String("event", name), zap.Any("panic", r))
		}
	}()
	fn()
}

func (d *eventDispatcher) clear() {
	d.mu.Lock()
	d.handlers = make(map[string][]*Handler)
	d.onState = nil
	d.onReconnect = nil
	d.mu.Unlock()
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter. A connection that stayed
// up for a minute starts over from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Conn
// ============================================================================

// Conn is the session's single long-lived realtime connection. It survives
// transient drops by reconnecting with backoff; listeners registered with
// OnReconnect run after every successful reconnect.
type Conn struct {
	config     *RealtimeConfig
	log        *zap.Logger
	metrics    *Metrics
	dispatcher *eventDispatcher

	mu            sync.Mutex
	ws            *websocket.Conn
	state         RealtimeState
	recon         *reconnector
	cancelFn      context.CancelFunc
	everConnected bool
	closed        bool
	done          chan struct{}
	readTimeout   time.Duration
}

// NewConn creates an unconnected realtime connection.
func NewConn(config RealtimeConfig) *Conn {
	config.defaults()
	return &Conn{
		config:     &config,
		log:        config.Logger,
		metrics:    config.Metrics,
		dispatcher: newEventDispatcher(config.Logger),
		state:      StateDisconnected,
		recon:      newReconnector(&config),
		done:       make(chan struct{}),
	}
}

// On registers h for event. Registering the same handler again is a no-op.
func (c *Conn) On(event string, h *Handler) {
	c.dispatcher.add(event, h)
}

// Off deregisters h for event.
func (c *Conn) Off(event string, h *Handler) {
	c.dispatcher.remove(event, h)
}

// OnStateChange registers a listener for connection state transitions.
func (c *Conn) OnStateChange(fn func(RealtimeState)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onState = append(c.dispatcher.onState, fn)
	c.dispatcher.mu.Unlock()
}

// OnReconnect registers a listener invoked after each successful reconnect.
func (c *Conn) OnReconnect(fn func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnect = append(c.dispatcher.onReconnect, fn)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *Conn) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

// Connect dials and completes the socket handshake. ctx bounds the
// handshake only; the connection outlives it.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateConnected || c.state == StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.dispatcher.emitState(StateConnecting)

	ws, info, err := c.handshake(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c.ws = ws
	c.cancelFn = cancel
	c.state = StateConnected
	c.readTimeout = info.interval() + info.timeout()
	c.recon.markConnected()
	reconnected := c.everConnected
	c.everConnected = true
	c.mu.Unlock()

	c.log.Info("ws_connected", zap.String("sid", info.SID), zap.Bool("reconnect", reconnected))
	c.dispatcher.emitState(StateConnected)
	if reconnected {
		c.metrics.reconnected()
		c.dispatcher.emitReconnect()
	}

	go c.readLoop(connCtx, ws)
	return nil
}

func (c *Conn) handshake(ctx context.Context) (*websocket.Conn, openInfo, error) {
	var info openInfo
	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	u, err := c.socketURL()
	if err != nil {
		return nil, info, err
	}

	var opts *websocket.DialOptions
	if c.config.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: c.config.HTTPClient}
	}
	ws, resp, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, info, fmt.Errorf("websocket dial: %w", ErrUnauthorized)
		}
		return nil, info, fmt.Errorf("websocket dial: %v: %w", err, ErrNetwork)
	}
	ws.SetReadLimit(c.config.ReadLimit)

	fail := func(err error) (*websocket.Conn, openInfo, error) {
		ws.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, info, err
	}

	f, err := c.readFrame(ctx, ws)
	if err != nil {
		return fail(err)
	}
	if f.kind != frameOpen {
		return fail(fmt.Errorf("expected open packet: %w", errBadFrame))
	}
	if err := json.Unmarshal(f.data, &info); err != nil {
		return fail(fmt.Errorf("open packet: %v: %w", err, errBadFrame))
	}

	var auth any
	if c.config.Token != "" {
		auth = map[string]string{"token": c.config.Token}
	}
	connect, err := encodeConnect(auth)
	if err != nil {
		return fail(err)
	}
	if err := ws.Write(ctx, websocket.MessageText, connect); err != nil {
		return fail(fmt.Errorf("send connect: %v: %w", err, ErrNetwork))
	}

	for {
		f, err := c.readFrame(ctx, ws)
		if err != nil {
			return fail(err)
		}
		switch f.kind {
		case frameConnect:
			return ws, info, nil
		case frameConnectError:
			return fail(fmt.Errorf("socket connect rejected: %s: %w", string(f.data), ErrUnauthorized))
		case framePing:
			if err := ws.Write(ctx, websocket.MessageText, pongFrame); err != nil {
				return fail(fmt.Errorf("send pong: %v: %w", err, ErrNetwork))
			}
		}
	}
}

func (c *Conn) readFrame(ctx context.Context, ws *websocket.Conn) (frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return frame{}, fmt.Errorf("read: %w", ErrTimeout)
		}
		return frame{}, fmt.Errorf("read: %v: %w", err, ErrNetwork)
	}
	return decodeFrame(data)
}

func (c *Conn) socketURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("%w: socket url: %v", ErrValidation, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.config.Path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	if c.config.Token != "" {
		q.Set("token", c.config.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Emit sends a fire-and-forget event. It fails with ErrNotConnected while
// the connection is down; callers decide whether to retry.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}

	data, err := encodeEvent(event, payload)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("emit %s: %w", event, ErrTimeout)
		}
		return fmt.Errorf("emit %s: %v: %w", event, err, ErrNetwork)
	}
	return nil
}

// Close shuts the connection down for good and deregisters every handler
// and listener. A closed Conn cannot be reconnected.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ws := c.ws
	c.ws = nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if changed {
		c.dispatcher.emitState(StateDisconnected)
	}
	c.dispatcher.clear()
	c.log.Info("ws_closed")

	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (c *Conn) setState(s RealtimeState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.dispatcher.emitState(s)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		c.mu.Lock()
		timeout := c.readTimeout
		c.mu.Unlock()

		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		f, err := c.readFrame(readCtx, ws)
		cancel()

		if err != nil {
			if errors.Is(err, errBadFrame) || errors.Is(err, errBinaryMsg) {
				c.log.Debug("ws_frame_skipped", zap.Error(err))
				continue
			}
			c.lost(ws, err)
			return
		}

		switch f.kind {
		case framePing:
			if err := ws.Write(ctx, websocket.MessageText, pongFrame); err != nil {
				c.lost(ws, err)
				return
			}
		case frameEvent:
			c.dispatcher.dispatch(Event{Name: f.event, Payload: f.data})
		case frameDisconnect, frameClose:
			c.lost(ws, errors.New("server closed the session"))
			return
		}
	}
}

// lost handles an unintentional drop of ws. Stale calls for a socket that
// was already replaced or closed are ignored.
func (c *Conn) lost(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.log.Warn("ws_connection_lost", zap.Error(cause))
	c.metrics.connectionLost()
	c.dispatcher.emitState(StateDisconnected)
	go ws.Close(websocket.StatusGoingAway, "connection lost")

	if c.config.AutoReconnect {
		go c.reconnectLoop()
	}
}

func (c *Conn) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if !c.recon.shouldReconnect() {
			attempts := c.recon.attempt
			c.state = StateDisconnected
			c.mu.Unlock()
			c.log.Error("ws_reconnect_gave_up", zap.Int("attempts", attempts))
			c.dispatcher.emitState(StateDisconnected)
			return
		}
		delay := c.recon.nextDelay()
		attempt := c.recon.attempt
		c.state = StateReconnecting
		c.mu.Unlock()

		c.log.Info("ws_reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		c.dispatcher.emitState(StateReconnecting)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-c.done:
			timer.Stop()
			return
		}

		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		c.log.Warn("ws_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}
