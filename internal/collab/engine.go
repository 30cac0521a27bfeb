package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/transport"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const (
	opEngineNew      = "collab.engine.new"
	opConnect        = "collab.connect"
	opDisconnect     = "collab.disconnect"
	opReconnect      = "collab.reconnect"
	opPublish        = "collab.publish"
	opSendOperation  = "collab.send_operation"
	opUpdatePresence = "collab.update_presence"
	opUpdateUser     = "collab.update_user"
	opUpdateMember   = "collab.update_member"
	opEvictUser      = "collab.evict_user"
	opResolve        = "collab.resolve_conflict"
	opHousekeeping   = "collab.housekeeping"
)

var (
	errMissingTransport  = errors.New("transport is required")
	errSubscriptionEnded = errors.New("subscription closed by transport")
)

// ConnectionState is the engine's link to the transport.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// TopicForSession is the bus topic shared by every replica of a session.
func TopicForSession(sessionID string) string {
	return "session:" + sessionID
}

// Config wires an Engine.
type Config struct {
	// Topic defaults to TopicForSession(SessionID).
	Topic     string
	SessionID string
	LocalUser User
	Transport transport.Bus
	// Codec defaults to one built from Settings.
	Codec        *transport.Codec
	Settings     Settings
	ConflictMode ConflictMode
	// Observer replicas apply everything and never announce themselves.
	Observer   bool
	Clock      func() time.Time
	Timers     clockz.Clock
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Engine is one replica of a collaboration session: it owns the roster,
// presence table, operation log and open conflicts, and serialises every
// mutation behind a single lock.
type Engine struct {
	topic     string
	sessionID string
	clientID  string
	observer  bool
	bus       transport.Bus
	codec     *transport.Codec
	settings  Settings
	detector  Detector
	clock     func() time.Time
	timers    clockz.Clock
	ids       IDProvider
	logger    *zap.Logger
	listeners *listenerRegistry

	mu              sync.Mutex
	state           ConnectionState
	local           User
	users           map[string]User
	presence        *presenceTable
	log             *operationLog
	conflicts       map[string]ConflictInfo
	remoteConflicts map[string]ConflictInfo
	resolved        map[string]time.Time
	resolvers       ResolverRegistry
	locks           map[string]string
	outbox          map[string]*outboxEntry
	metrics         metricsTracker
	subscription    transport.Subscription
	generation      int
	runCtx          context.Context
	cancel          context.CancelFunc
}

type outboxEntry struct {
	attempts   int
	maxRetries int
}

// NewEngine validates cfg and returns a disconnected Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, NewServiceError(opEngineNew, "missing_transport", errMissingTransport)
	}
	localID, err := NewUserID(cfg.LocalUser.ID)
	if err != nil {
		return nil, NewServiceError(opEngineNew, "invalid_local_user", err)
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		if strings.TrimSpace(cfg.SessionID) == "" {
			return nil, NewServiceError(opEngineNew, "missing_topic", fmt.Errorf("%w: topic or session id required", ErrValidation))
		}
		topic = TopicForSession(cfg.SessionID)
	}

	settings := cfg.Settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, NewServiceError(opEngineNew, "invalid_settings", err)
	}

	codec := cfg.Codec
	if codec == nil {
		codecConfig := transport.CodecConfig{
			EnableCompression:    settings.EnableCompression,
			CompressionThreshold: settings.CompressionThreshold,
		}
		if settings.EnableEncryption {
			codecConfig.EncryptionKey = settings.EncryptionKey
		}
		codec, err = transport.NewCodec(codecConfig)
		if err != nil {
			return nil, NewServiceError(opEngineNew, "invalid_codec", err)
		}
	}

	mode, err := NewConflictMode(string(cfg.ConflictMode))
	if err != nil {
		return nil, NewServiceError(opEngineNew, "invalid_conflict_mode", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timers := cfg.Timers
	if timers == nil {
		timers = clockz.RealClock
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientID, err := ids.NewID()
	if err != nil {
		return nil, NewServiceError(opEngineNew, "client_id_failed", err)
	}

	local := cfg.LocalUser.Clone()
	local.ID = localID
	if local.Role == "" {
		local.Role = RoleEditor
	}
	if local.Permissions.isEmpty() {
		local.Permissions = DefaultPermissions(local.Role)
	}
	if local.Status == "" {
		local.Status = UserOffline
	}

	return &Engine{
		topic:           topic,
		sessionID:       strings.TrimSpace(cfg.SessionID),
		clientID:        clientID,
		observer:        cfg.Observer,
		bus:             cfg.Transport,
		codec:           codec,
		settings:        settings,
		detector:        NewDetector(settings.ConcurrentEditWindow),
		clock:           clock,
		timers:          timers,
		ids:             ids,
		logger:          logger.With(zap.String("topic", topic), zap.String("user_id", localID)),
		listeners:       newListenerRegistry(logger),
		state:           StateDisconnected,
		local:           local,
		users:           make(map[string]User),
		presence:        newPresenceTable(),
		log:             newOperationLog(),
		conflicts:       make(map[string]ConflictInfo),
		remoteConflicts: make(map[string]ConflictInfo),
		resolved:        make(map[string]time.Time),
		resolvers:       NewResolverRegistry(mode),
		locks:           make(map[string]string),
		outbox:          make(map[string]*outboxEntry),
	}, nil
}

func (p Permissions) isEmpty() bool {
	return !p.CanEdit && !p.CanComment && !p.CanShare && !p.CanManageUsers && !p.CanExport &&
		!p.CanDelete && !p.CanCreateTracks && !p.CanModifyEffects && !p.CanRecord && !p.CanMix &&
		len(p.AllowedResources) == 0 && p.ActiveWindow == nil
}

// On registers handler for kind under owner, replacing any previous
// handler with the same (owner, kind).
func (e *Engine) On(owner string, kind EventKind, handler Handler) {
	e.listeners.on(owner, kind, handler)
}

// Off removes owner's handler for kind; EventAny removes all of owner's.
func (e *Engine) Off(owner string, kind EventKind) {
	e.listeners.off(owner, kind)
}

// WithResolver swaps the automatic strategy for one conflict type.
func (e *Engine) WithResolver(kind ConflictType, strategy Strategy) {
	e.mu.Lock()
	e.resolvers = e.resolvers.With(kind, strategy)
	e.mu.Unlock()
}

// Connect subscribes to the session topic and, unless observing, announces
// the local user.
func (e *Engine) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewServiceError(opConnect, "cancelled", err)
	}
	e.mu.Lock()
	if e.state == StateConnected || e.state == StateReconnecting {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	subscription, err := e.bus.Subscribe(runCtx, e.topic)
	if err != nil {
		cancel()
		e.logError(opConnect, "subscribe_failed", err)
		return NewServiceError(opConnect, "subscribe_failed", fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}

	e.mu.Lock()
	if e.state == StateConnected || e.state == StateReconnecting {
		e.mu.Unlock()
		cancel()
		subscription.Close() //nolint:errcheck
		return nil
	}
	e.runCtx, e.cancel = runCtx, cancel
	e.subscription = subscription
	e.generation++
	generation := e.generation
	e.state = StateConnected
	now := e.clock()
	e.metrics.touch(now)
	fx := &effects{}
	e.announceLocked(now, fx)
	fx.emit(Connected{ClientID: e.clientID})
	e.mu.Unlock()

	go e.readLoop(runCtx, subscription, generation)
	go e.tickLoop(runCtx)
	e.logger.Info("engine connected", zap.String("client_id", e.clientID), zap.Bool("observer", e.observer))
	e.flush(ctx, fx)
	return nil
}

// Disconnect announces departure and drops the subscription. The operation
// log and applied set survive so a later Connect never re-applies.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return nil
	}
	fx := &effects{}
	if e.state == StateConnected && !e.observer {
		e.queueLocked(fx, transport.KindPresenceLeave, LeaveMessage{UserID: e.local.ID, Reason: LeaveReasonLeft}, "")
	}
	e.mu.Unlock()
	e.flush(ctx, fx)

	e.mu.Lock()
	subscription, cancel := e.teardownLocked()
	e.mu.Unlock()
	e.release(subscription, cancel)
	e.logger.Info("engine disconnected")
	e.listeners.dispatch(Disconnected{Reason: "requested"})
	return nil
}

func (e *Engine) teardownLocked() (transport.Subscription, context.CancelFunc) {
	e.state = StateDisconnected
	subscription, cancel := e.subscription, e.cancel
	e.subscription, e.cancel = nil, nil
	e.local.Status = UserOffline
	e.users = make(map[string]User)
	e.presence.reset()
	e.locks = make(map[string]string)
	return subscription, cancel
}

func (e *Engine) release(subscription transport.Subscription, cancel context.CancelFunc) {
	if cancel != nil {
		cancel()
	}
	if subscription != nil {
		subscription.Close() //nolint:errcheck
	}
}

// announceLocked seeds the local roster entry and queues presence-join.
func (e *Engine) announceLocked(now time.Time, fx *effects) {
	if e.observer {
		return
	}
	e.local.Status = UserOnline
	e.local.LastSeen = now
	if e.local.JoinedAt.IsZero() {
		e.local.JoinedAt = now
	}
	e.users[e.local.ID] = e.local.Clone()
	state, ok := e.presence.get(e.local.ID)
	if !ok {
		state = e.presence.seed(e.local.ID, now)
	}
	e.queueLocked(fx, transport.KindPresenceJoin, MemberMessage{User: e.local.Clone(), Presence: state.Clone()}, "")
}

func (e *Engine) readLoop(ctx context.Context, subscription transport.Subscription, generation int) {
	for frame := range subscription.Frames() {
		e.handleFrame(frame)
	}
	if ctx.Err() != nil {
		return
	}
	e.handleConnectionLost(ctx, generation)
}

func (e *Engine) handleConnectionLost(ctx context.Context, generation int) {
	e.mu.Lock()
	if e.state != StateConnected || e.generation != generation {
		e.mu.Unlock()
		return
	}
	e.state = StateReconnecting
	e.subscription = nil
	attempts := e.settings.ReconnectAttempts
	e.mu.Unlock()

	e.logger.Warn("connection lost", zap.Int("reconnect_attempts", attempts))
	e.listeners.dispatch(ConnectionLost{Err: errSubscriptionEnded})

	lastErr := errSubscriptionEnded
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-e.timers.After(e.settings.ReconnectDelay):
		}
		e.logger.Warn("reconnecting", zap.Int("attempt", attempt))
		subscription, err := e.bus.Subscribe(ctx, e.topic)
		if err != nil {
			lastErr = err
			continue
		}

		e.mu.Lock()
		if e.state != StateReconnecting || ctx.Err() != nil {
			e.mu.Unlock()
			subscription.Close() //nolint:errcheck
			return
		}
		e.subscription = subscription
		e.generation++
		next := e.generation
		e.state = StateConnected
		now := e.clock()
		e.metrics.touch(now)
		fx := &effects{}
		e.announceLocked(now, fx)
		fx.emit(Reconnected{Attempt: attempt})
		e.mu.Unlock()

		go e.readLoop(ctx, subscription, next)
		e.logger.Info("reconnected", zap.Int("attempt", attempt))
		e.flush(ctx, fx)
		return
	}

	e.mu.Lock()
	if e.state != StateReconnecting {
		e.mu.Unlock()
		return
	}
	e.state = StateFailed
	e.local.Status = UserOffline
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	failure := NewServiceError(opReconnect, "attempts_exhausted", fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr))
	e.logError(opReconnect, "attempts_exhausted", lastErr, zap.Int("attempts", attempts))
	e.listeners.dispatch(ConnectionFailed{Attempts: attempts, Err: failure})
}

func (e *Engine) tickLoop(ctx context.Context) {
	syncTicker := e.timers.NewTicker(e.settings.SyncFrequency)
	defer syncTicker.Stop()
	heartbeatTicker := e.timers.NewTicker(e.settings.HeartbeatInterval)
	defer heartbeatTicker.Stop()
	purgeTicker := e.timers.NewTicker(e.settings.PurgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C():
			e.housekeep(ctx)
		case <-heartbeatTicker.C():
			e.heartbeat(ctx)
		case <-purgeTicker.C():
			e.purge()
		}
	}
}

func (e *Engine) handleFrame(frame []byte) {
	envelope, err := e.codec.Decode(frame)
	if err != nil {
		e.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if envelope.ClientID == e.clientID {
		return
	}
	e.handleEnvelope(envelope)
}

func (e *Engine) handleEnvelope(envelope transport.Envelope) {
	fx := &effects{}
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	now := e.clock()
	e.metrics.touch(now)
	e.refreshSenderLocked(envelope.SenderID, now, fx)

	switch envelope.Kind {
	case transport.KindPresenceJoin:
		e.onPresenceJoin(envelope, now, fx)
	case transport.KindPresenceLeave:
		e.onPresenceLeave(envelope, fx)
	case transport.KindPresenceSync:
		e.onPresenceSync(envelope, now, fx)
	case transport.KindPresenceUpdate:
		e.onPresenceUpdate(envelope, fx)
	case transport.KindOperationBroadcast:
		e.onOperation(envelope, now, fx)
	case transport.KindConflictNotify:
		e.onConflictNotify(envelope, now, fx)
	case transport.KindUserUpdate:
		e.onUserUpdate(envelope, fx)
	case transport.KindHeartbeat:
	}
	e.mu.Unlock()
	e.flush(ctx, fx)
}

func (e *Engine) decodeBody(envelope transport.Envelope, target any) bool {
	if err := json.Unmarshal(envelope.Body, target); err != nil {
		e.logger.Warn(
			"dropping malformed message",
			zap.String("kind", string(envelope.Kind)),
			zap.String("sender_id", envelope.SenderID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// effects collects what a locked handler wants published and emitted once
// the lock is released.
type effects struct {
	events   []Event
	outgoing []outgoingFrame
}

type outgoingFrame struct {
	envelope    transport.Envelope
	operationID string
}

func (fx *effects) emit(event Event) {
	fx.events = append(fx.events, event)
}

func (e *Engine) queueLocked(fx *effects, kind transport.Kind, body any, operationID string) {
	payload, err := json.Marshal(body)
	if err != nil {
		e.logError(opPublish, "encode_body", err, zap.String("kind", string(kind)))
		return
	}
	fx.outgoing = append(fx.outgoing, outgoingFrame{
		envelope:    e.envelopeLocked(kind, payload),
		operationID: operationID,
	})
}

func (e *Engine) envelopeLocked(kind transport.Kind, payload json.RawMessage) transport.Envelope {
	return transport.Envelope{
		Kind:       kind,
		Topic:      e.topic,
		SenderID:   e.local.ID,
		ClientID:   e.clientID,
		Privileged: e.local.Permissions.CanManageUsers,
		SentAt:     e.clock(),
		Body:       payload,
	}
}

// flush publishes queued frames then dispatches events. It must be called
// without the lock held.
func (e *Engine) flush(ctx context.Context, fx *effects) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, frame := range fx.outgoing {
		if err := e.publish(ctx, frame.envelope); err != nil {
			e.logError(opPublish, "publish_failed", err, zap.String("kind", string(frame.envelope.Kind)))
			if frame.operationID != "" {
				e.enqueueOutbox(frame.operationID)
			}
		}
	}
	for _, event := range fx.events {
		e.listeners.dispatch(event)
	}
}

func (e *Engine) publish(ctx context.Context, envelope transport.Envelope) error {
	frame, err := e.codec.Encode(envelope)
	if err != nil {
		return err
	}
	publishCtx, cancel := e.timers.WithTimeout(ctx, e.settings.CommandTimeout)
	defer cancel()
	if err := e.bus.Publish(publishCtx, e.topic, frame); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return err
	}
	e.mu.Lock()
	e.metrics.touch(e.clock())
	e.mu.Unlock()
	return nil
}

func (e *Engine) enqueueOutbox(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.outbox[operationID]; exists {
		return
	}
	maxRetries := defaultMaxRetries
	if record, ok := e.log.get(operationID); ok {
		maxRetries = record.op.maxRetries()
	}
	e.outbox[operationID] = &outboxEntry{maxRetries: maxRetries}
}

// heartbeat refreshes the local user's liveness on every peer.
func (e *Engine) heartbeat(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateConnected || e.observer {
		e.mu.Unlock()
		return
	}
	now := e.clock()
	e.local.LastSeen = now
	e.users[e.local.ID] = e.local.Clone()
	fx := &effects{}
	e.queueLocked(fx, transport.KindHeartbeat, HeartbeatMessage{UserID: e.local.ID, SentAt: now}, "")
	e.mu.Unlock()
	e.flush(ctx, fx)
}

// IsConnected reports whether the engine holds a live subscription.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateConnected
}

// State returns the connection state.
func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ClientID identifies this replica on the wire.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Topic returns the bus topic.
func (e *Engine) Topic() string {
	return e.topic
}

// LocalUser returns the local user's record.
func (e *Engine) LocalUser() User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local.Clone()
}

// Users returns the roster ordered by user id.
func (e *Engine) Users() []User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedUsers(e.users)
}

// PresenceStates returns a copy of every known presence record.
func (e *Engine) PresenceStates() map[string]PresenceState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence.snapshot()
}

// Metrics returns current sync metrics.
func (e *Engine) Metrics() SyncMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.snapshot(e.clock(), e.log.nonTerminalCount(), len(e.outbox))
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if e.logger == nil {
		return
	}
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
	)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	allFields = append(allFields, fields...)
	e.logger.Error("collaboration engine failure", allFields...)
}
