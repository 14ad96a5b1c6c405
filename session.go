package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Socket is the realtime channel a Session runs on. *Conn implements it.
type Socket interface {
	Emitter
	On(event string, h *Handler)
	Off(event string, h *Handler)
	OnReconnect(fn func())
	Close() error
}

// ============================================================================
// Configuration
// ============================================================================

type SessionConfig struct {
	Events            EventNames
	SendMode          SendMode
	DisableOptimistic bool
	AckTimeout        time.Duration
	EchoWindow        time.Duration
	TypingTimeout     time.Duration
	TypingThrottle    time.Duration
	HistoryTimeout    time.Duration
	RejoinTimeout     time.Duration
	Logger            *zap.Logger
	Metrics           *Metrics
}

func (c *SessionConfig) defaults() {
	c.Events.defaults()
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = 10 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 2 * time.Second
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 1 * time.Second
	}
	if c.HistoryTimeout == 0 {
		c.HistoryTimeout = 15 * time.Second
	}
	if c.RejoinTimeout == 0 {
		c.RejoinTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type SessionOption func(*SessionConfig)

func WithSendMode(mode SendMode) SessionOption {
	return func(c *SessionConfig) { c.SendMode = mode }
}

// WithoutOptimisticAppend makes sent messages appear only once the server
// echoes them back.
func WithoutOptimisticAppend() SessionOption {
	return func(c *SessionConfig) { c.DisableOptimistic = true }
}

func WithAckTimeout(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.AckTimeout = d }
}

func WithEchoWindow(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.EchoWindow = d }
}

func WithTypingTimeout(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.TypingTimeout = d }
}

func WithTypingThrottle(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.TypingThrottle = d }
}

func WithHistoryTimeout(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.HistoryTimeout = d }
}

func WithEventNames(e EventNames) SessionOption {
	return func(c *SessionConfig) { c.Events = e }
}

func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(c *SessionConfig) { c.Logger = log }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(c *SessionConfig) { c.Metrics = m }
}

// ============================================================================
// Session
// ============================================================================

// Session is one authenticated user's view of the chat: the open
// conversation, its messages and the sends in flight. Sessions share no
// state, so several can run side by side.
type Session struct {
	identity   Identity
	client     *Client
	socket     Socket
	config     SessionConfig
	log        *zap.Logger
	store      *Store
	tracker    *Tracker
	history    *HistoryLoader
	pipeline   *Pipeline
	reconciler *Reconciler
	typing     *TypingNotifier

	onMessage     *Handler
	onTyping      *Handler
	onRoomUpdated *Handler

	mu          sync.Mutex
	roomUpdated []func(Conversation)
	closed      bool
}

// NewSession wires the synchronizer for identity on top of client and
// socket and starts listening for events. The socket is owned by the
// session from here on and is closed by Close.
func NewSession(client *Client, socket Socket, identity Identity, opts ...SessionOption) *Session {
	var cfg SessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()
	log := cfg.Logger.With(zap.String("user", identity.ID))

	s := &Session{
		identity: identity,
		client:   client,
		socket:   socket,
		config:   cfg,
		log:      log,
		store:    NewStore(),
	}
	s.tracker = NewTracker(socket, cfg.Events, log)
	s.pipeline = &Pipeline{
		store:      s.store,
		emitter:    socket,
		rest:       client.Messages,
		normalizer: client.normalizer,
		identity:   identity,
		events:     cfg.Events,
		mode:       cfg.SendMode,
		optimistic: !cfg.DisableOptimistic,
		ackTimeout: cfg.AckTimeout,
		window:     cfg.EchoWindow,
		log:        log,
		metrics:    cfg.Metrics,
		newID:      newProvisionalID,
		now:        time.Now,
		inflight:   make(map[string]*inflight),
	}
	s.history = &HistoryLoader{
		source:   client.Messages,
		store:    s.store,
		timeout:  cfg.HistoryTimeout,
		window:   cfg.EchoWindow,
		log:      log,
		metrics:  cfg.Metrics,
		resolved: s.pipeline.resolve,
	}
	s.reconciler = &Reconciler{
		store:         s.store,
		active:        s.tracker,
		acks:          s.pipeline,
		normalizer:    client.normalizer,
		self:          identity.ID,
		window:        cfg.EchoWindow,
		typingTimeout: cfg.TypingTimeout,
		log:           log,
		metrics:       cfg.Metrics,
	}
	s.typing = NewTypingNotifier(socket, cfg.Events.Typing, identity.ID, cfg.TypingThrottle)

	s.onMessage = NewHandler(s.handleMessage)
	s.onTyping = NewHandler(func(ev Event) { s.reconciler.HandleTyping(ev.Payload) })
	s.onRoomUpdated = NewHandler(s.handleRoomUpdated)
	socket.On(cfg.Events.NewMessage, s.onMessage)
	socket.On(cfg.Events.UserTyping, s.onTyping)
	socket.On(cfg.Events.RoomUpdated, s.onRoomUpdated)
	socket.OnReconnect(s.rejoin)
	return s
}

func (s *Session) Identity() Identity { return s.identity }

func (s *Session) Client() *Client { return s.client }

// Active returns the open conversation id, "" when none is open.
func (s *Session) Active() string { return s.tracker.Active() }

// JoinPersonal subscribes to the user's own room for room notifications.
func (s *Session) JoinPersonal(ctx context.Context) error {
	return s.tracker.JoinPersonal(ctx, s.identity.ID)
}

// Open makes conversationID the open conversation and loads its history.
// A failed room join does not stop the load; the join is retried on
// reconnect.
func (s *Session) Open(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, validationErr("conversation id is required")
	}
	if err := s.tracker.SetActive(ctx, conversationID); err != nil {
		s.log.Warn("open_join_failed", zap.String("room", conversationID), zap.Error(err))
	}
	s.store.ResetUnread(conversationID)
	return s.history.Load(ctx, conversationID)
}

// Reload fetches the open conversation's history again.
func (s *Session) Reload(ctx context.Context) ([]Message, error) {
	active := s.tracker.Active()
	if active == "" {
		return nil, validationErr("no conversation is open")
	}
	return s.history.Load(ctx, active)
}

// LoadDirect loads the one-to-one messages exchanged with userID into the
// view named by DirectConversationID. The open conversation is unchanged.
func (s *Session) LoadDirect(ctx context.Context, userID string) ([]Message, error) {
	return s.history.LoadDirect(ctx, s.identity.ID, userID)
}

// CloseConversation leaves the open conversation without opening another.
func (s *Session) CloseConversation(ctx context.Context) error {
	return s.tracker.SetActive(ctx, "")
}

func (s *Session) Send(ctx context.Context, conversationID, body string) (Message, error) {
	return s.pipeline.Send(ctx, conversationID, body)
}

func (s *Session) Retry(ctx context.Context, messageID string) (Message, error) {
	return s.pipeline.Retry(ctx, messageID)
}

// NotifyTyping tells the open conversation that the user is typing.
func (s *Session) NotifyTyping(ctx context.Context) error {
	return s.typing.Notify(ctx, s.tracker.Active())
}

func (s *Session) Snapshot(conversationID string) ViewSnapshot {
	return s.store.Snapshot(conversationID)
}

func (s *Session) Messages(conversationID string) []Message {
	return s.store.Messages(conversationID)
}

func (s *Session) UnreadCount(conversationID string) int {
	return s.store.UnreadCount(conversationID)
}

func (s *Session) IsTyping(conversationID string) bool {
	return s.store.IsTyping(conversationID)
}

// OnChange registers fn to run after any change to a conversation's view.
func (s *Session) OnChange(fn func(conversationID string)) {
	s.store.OnChange(fn)
}

// OnRoomUpdated registers fn for room changes pushed by the server, such
// as being added to a new room.
func (s *Session) OnRoomUpdated(fn func(Conversation)) {
	s.mu.Lock()
	s.roomUpdated = append(s.roomUpdated, fn)
	s.mu.Unlock()
}

// Close ends the session: handlers are deregistered and the socket closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.roomUpdated = nil
	s.mu.Unlock()

	s.socket.Off(s.config.Events.NewMessage, s.onMessage)
	s.socket.Off(s.config.Events.UserTyping, s.onTyping)
	s.socket.Off(s.config.Events.RoomUpdated, s.onRoomUpdated)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RejoinTimeout)
	defer cancel()
	if err := s.tracker.SetActive(ctx, ""); err != nil {
		s.log.Debug("leave_on_close_failed", zap.Error(err))
	}
	s.log.Info("session_closed")
	return s.socket.Close()
}

func (s *Session) handleMessage(ev Event) {
	var raw map[string]any
	if err := json.Unmarshal(ev.Payload, &raw); err != nil {
		s.log.Debug("message_event_malformed", zap.Error(err))
		return
	}
	outcome := s.reconciler.HandleMessage(raw)
	s.log.Debug("message_event", zap.String("outcome", outcome.String()))
}

func (s *Session) handleRoomUpdated(ev Event) {
	var raw map[string]any
	if err := json.Unmarshal(ev.Payload, &raw); err != nil {
		s.log.Debug("room_event_malformed", zap.Error(err))
		return
	}
	room := s.client.normalizer.Conversation(raw)

	s.mu.Lock()
	listeners := append([]func(Conversation){}, s.roomUpdated...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(room)
	}
}

func (s *Session) rejoin() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RejoinTimeout)
	defer cancel()
	_ = s.tracker.Rejoin(ctx)
}
