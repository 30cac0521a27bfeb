package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/collab"
	"github.com/MarcoPoloResearchLab/ensemble/internal/sessions"
	"github.com/MarcoPoloResearchLab/ensemble/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultPublishBudget = 5 * time.Second
	maxInboundFrameBytes = 1 << 20
	leaveReasonSocket    = "disconnected"
	closeReasonRemoved   = "removed from session"
)

var (
	errMissingBus          = errors.New("gateway: bus dependency required")
	errMissingCodec        = errors.New("gateway: codec dependency required")
	errMissingParticipants = errors.New("gateway: participant lookup required")
)

// ParticipantLookup answers whether a user currently belongs to a session.
type ParticipantLookup interface {
	Participant(sessionID, userID string) (sessions.Participant, bool)
}

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	Bus          transport.Bus
	Codec        *transport.Codec
	Participants ParticipantLookup
	PingInterval time.Duration
	Timers       clockz.Clock
	Clock        func() time.Time
	Logger       *zap.Logger
	// CheckOrigin defaults to accepting every origin; CORS is enforced on
	// the HTTP routes.
	CheckOrigin func(r *http.Request) bool
}

// Gateway bridges websocket clients onto session topics. Inbound frames are
// stamped with the authenticated sender before they reach the bus.
type Gateway struct {
	bus          transport.Bus
	codec        *transport.Codec
	participants ParticipantLookup
	pingInterval time.Duration
	timers       clockz.Clock
	clock        func() time.Time
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[int64]*gatewayClient
	nextID  int64
}

type gatewayClient struct {
	id        int64
	sessionID string
	userID    string
	clientID  string
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *gatewayClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// NewGateway constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	if cfg.Codec == nil {
		return nil, errMissingCodec
	}
	if cfg.Participants == nil {
		return nil, errMissingParticipants
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	timers := cfg.Timers
	if timers == nil {
		timers = clockz.RealClock
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		bus:          cfg.Bus,
		codec:        cfg.Codec,
		participants: cfg.Participants,
		pingInterval: pingInterval,
		timers:       timers,
		clock:        clock,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]map[int64]*gatewayClient),
	}, nil
}

// Serve upgrades the request and relays frames until either side goes away.
// The caller has already authenticated user.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, sessionID string, user collab.User) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := collab.TopicForSession(sessionID)
	subscription, err := g.bus.Subscribe(ctx, topic)
	if err != nil {
		g.logger.Error("gateway subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "transport unavailable"), g.clock().Add(defaultWriteTimeout))
		_ = conn.Close()
		return
	}

	client := g.register(sessionID, user.ID, conn)
	// A removal that landed before register found no socket to close.
	if _, ok := g.participants.Participant(sessionID, user.ID); !ok {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReasonRemoved), g.clock().Add(defaultWriteTimeout))
		client.close()
		_ = conn.Close()
	}
	g.logger.Info("gateway client connected", zap.String("session_id", sessionID), zap.String("user_id", user.ID))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(client, subscription)
	}()
	g.readLoop(ctx, client, topic)

	client.close()
	_ = subscription.Close()
	<-writerDone
	_ = conn.Close()
	g.unregister(client)
	g.announceLeave(ctx, client, topic)
	g.logger.Info("gateway client disconnected", zap.String("session_id", sessionID), zap.String("user_id", user.ID))
}

// Disconnect closes every socket userID holds on sessionID.
func (g *Gateway) Disconnect(sessionID, userID string) int {
	g.mu.Lock()
	var targets []*gatewayClient
	for _, client := range g.clients[sessionID] {
		if client.userID == userID {
			targets = append(targets, client)
		}
	}
	g.mu.Unlock()
	for _, client := range targets {
		_ = client.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReasonRemoved),
			g.clock().Add(defaultWriteTimeout),
		)
		client.close()
		_ = client.conn.Close()
	}
	return len(targets)
}

// RemovalHook adapts Disconnect for sessions.Manager.OnRemoval.
func (g *Gateway) RemovalHook() sessions.RemovalHook {
	return func(sessionID, userID string, reason sessions.EventType) {
		if closed := g.Disconnect(sessionID, userID); closed > 0 {
			g.logger.Info("gateway closed sockets",
				zap.String("session_id", sessionID),
				zap.String("user_id", userID),
				zap.String("reason", string(reason)),
				zap.Int("sockets", closed))
		}
	}
}

// ClientCount reports how many sockets are attached to sessionID.
func (g *Gateway) ClientCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients[sessionID])
}

func (g *Gateway) register(sessionID, userID string, conn *websocket.Conn) *gatewayClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	client := &gatewayClient{
		id:        g.nextID,
		sessionID: sessionID,
		userID:    userID,
		conn:      conn,
		done:      make(chan struct{}),
	}
	if _, ok := g.clients[sessionID]; !ok {
		g.clients[sessionID] = make(map[int64]*gatewayClient)
	}
	g.clients[sessionID][client.id] = client
	return client
}

func (g *Gateway) unregister(client *gatewayClient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	clients := g.clients[client.sessionID]
	if clients == nil {
		return
	}
	delete(clients, client.id)
	if len(clients) == 0 {
		delete(g.clients, client.sessionID)
	}
}

func (g *Gateway) readLoop(ctx context.Context, client *gatewayClient, topic string) {
	client.conn.SetReadLimit(maxInboundFrameBytes)
	deadline := func() time.Time { return g.clock().Add(2 * g.pingInterval) }
	_ = client.conn.SetReadDeadline(deadline())
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(deadline())
	})
	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("gateway read ended", zap.String("user_id", client.userID), zap.Error(err))
			}
			return
		}
		_ = client.conn.SetReadDeadline(deadline())
		if !g.forward(ctx, client, topic, frame) {
			return
		}
	}
}

// forward stamps and publishes one inbound frame. It reports false when the
// client no longer belongs to the session.
func (g *Gateway) forward(ctx context.Context, client *gatewayClient, topic string, frame []byte) bool {
	participant, ok := g.participants.Participant(client.sessionID, client.userID)
	if !ok {
		return false
	}
	envelope, err := g.codec.Decode(frame)
	if err != nil {
		g.logger.Warn("gateway dropping undecodable frame", zap.String("user_id", client.userID), zap.Error(err))
		return true
	}
	envelope, err = stampEnvelope(envelope, topic, participant)
	if err != nil {
		g.logger.Warn("gateway dropping malformed frame", zap.String("user_id", client.userID), zap.String("kind", string(envelope.Kind)), zap.Error(err))
		return true
	}
	if client.clientID == "" {
		client.clientID = envelope.ClientID
	}
	encoded, err := g.codec.Encode(envelope)
	if err != nil {
		g.logger.Warn("gateway failed to encode frame", zap.String("user_id", client.userID), zap.Error(err))
		return true
	}
	publishCtx, cancel := g.timers.WithTimeout(ctx, defaultPublishBudget)
	defer cancel()
	if err := g.bus.Publish(publishCtx, topic, encoded); err != nil {
		g.logger.Error("gateway publish failed", zap.String("session_id", client.sessionID), zap.Error(err))
	}
	return true
}

// stampEnvelope replaces every client-claimed identity field with the
// authenticated participant's values.
func stampEnvelope(envelope transport.Envelope, topic string, participant sessions.Participant) (transport.Envelope, error) {
	envelope.Topic = topic
	envelope.SenderID = participant.User.ID
	envelope.Privileged = participant.Role.IsAdmin() || participant.Permissions.CanManageUsers
	if envelope.Kind != transport.KindPresenceJoin {
		return envelope, nil
	}
	var member collab.MemberMessage
	if err := json.Unmarshal(envelope.Body, &member); err != nil {
		return envelope, err
	}
	member.User.ID = participant.User.ID
	member.User.Role = participant.Role
	member.User.Permissions = participant.Permissions.Clone()
	body, err := json.Marshal(member)
	if err != nil {
		return envelope, err
	}
	envelope.Body = body
	return envelope, nil
}

func (g *Gateway) writeLoop(client *gatewayClient, subscription transport.Subscription) {
	ticker := g.timers.NewTicker(g.pingInterval)
	defer ticker.Stop()
	frames := subscription.Frames()
	for {
		select {
		case <-client.done:
			return
		case frame, ok := <-frames:
			if !ok {
				client.close()
				_ = client.conn.Close()
				return
			}
			_ = client.conn.SetWriteDeadline(g.clock().Add(defaultWriteTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.close()
				_ = client.conn.Close()
				return
			}
		case <-ticker.C():
			if err := client.conn.WriteControl(websocket.PingMessage, nil, g.clock().Add(defaultWriteTimeout)); err != nil {
				client.close()
				_ = client.conn.Close()
				return
			}
		}
	}
}

// announceLeave tells the remaining replicas a socket went away so they do
// not wait for the heartbeat timeout.
func (g *Gateway) announceLeave(ctx context.Context, client *gatewayClient, topic string) {
	if g.hasClient(client.sessionID, client.userID) {
		return
	}
	body, err := json.Marshal(collab.LeaveMessage{UserID: client.userID, Reason: leaveReasonSocket})
	if err != nil {
		return
	}
	frame, err := g.codec.Encode(transport.Envelope{
		Kind:     transport.KindPresenceLeave,
		Topic:    topic,
		SenderID: client.userID,
		ClientID: client.clientID,
		SentAt:   g.clock(),
		Body:     body,
	})
	if err != nil {
		return
	}
	publishCtx, cancel := g.timers.WithTimeout(ctx, defaultPublishBudget)
	defer cancel()
	if err := g.bus.Publish(publishCtx, topic, frame); err != nil {
		g.logger.Warn("gateway leave announcement failed", zap.String("session_id", client.sessionID), zap.Error(err))
	}
}

func (g *Gateway) hasClient(sessionID, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, client := range g.clients[sessionID] {
		if client.userID == userID {
			return true
		}
	}
	return false
}
