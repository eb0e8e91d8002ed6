package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MininduBimsara/SocketSphere/broker"
	"github.com/MininduBimsara/SocketSphere/cache"
	"github.com/MininduBimsara/SocketSphere/metrics"
	"github.com/MininduBimsara/SocketSphere/presence"
	"github.com/MininduBimsara/SocketSphere/storage"
)

const busPublishTimeout = 10 * time.Second

// Config carries the gateway's runtime knobs.
type Config struct {
	// ServerID identifies this instance on the broadcast bus.
	ServerID string
	// BusChannel is the pub/sub channel fan-out traffic flows over.
	BusChannel string
	// HistoryLimit caps recent-history responses (and the cache window).
	HistoryLimit int
	// PresenceRetries bounds retry attempts on presence store writes.
	PresenceRetries int
	// PresenceRetryBackoff is the delay between presence write retries.
	PresenceRetryBackoff time.Duration
	// LocalPresenceTTL is the TTL of the degraded local-only fallback store.
	LocalPresenceTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.BusChannel == "" {
		c.BusChannel = broker.DefaultChannel
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.PresenceRetries <= 0 {
		c.PresenceRetries = 3
	}
	if c.PresenceRetryBackoff <= 0 {
		c.PresenceRetryBackoff = 200 * time.Millisecond
	}
	if c.LocalPresenceTTL <= 0 {
		c.LocalPresenceTTL = 2 * time.Hour
	}
}

// Gateway is the per-process runtime for presence and fan-out. It owns the
// local connection manager and coordinates the shared presence store, the
// message cache, the durable store, and the broadcast bus. Construct one per
// process at startup; tests run several in-process to simulate a cluster.
type Gateway struct {
	cfg      Config
	manager  *Manager
	presence presence.Store
	// local is the process-local fallback used when presence writes exhaust
	// their retries against the shared store.
	local   *presence.MemoryStore
	cache   cache.MessageCache
	durable storage.DurableStore
	bus     broker.MessageBroker
	flight  singleflight.Group
}

// New constructs a gateway. bus may be nil for single-process deployments.
func New(cfg Config, store presence.Store, msgCache cache.MessageCache, durable storage.DurableStore, bus broker.MessageBroker) *Gateway {
	cfg.applyDefaults()
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.New().String()
	}
	return &Gateway{
		cfg:      cfg,
		manager:  NewManager(),
		presence: store,
		local:    presence.NewMemoryStore(cfg.LocalPresenceTTL),
		cache:    msgCache,
		durable:  durable,
		bus:      bus,
	}
}

// ServerID returns this instance's bus identity.
func (g *Gateway) ServerID() string {
	return g.cfg.ServerID
}

// Manager exposes the local connection manager.
func (g *Gateway) Manager() *Manager {
	return g.manager
}

// Run subscribes to the broadcast bus and replays every message published by
// another instance as a local emit-to-all. If the bus is unreachable the
// gateway logs and keeps serving in single-process mode: a bus outage splits
// the cluster into independent rooms instead of taking chat down.
func (g *Gateway) Run(ctx context.Context) {
	if g.bus == nil {
		log.Println("No broadcast bus configured; running in single-process mode")
		return
	}

	messages, err := g.bus.Subscribe(ctx, g.cfg.BusChannel)
	if err != nil {
		log.Printf("Broadcast bus subscribe failed: %v; continuing in single-process mode", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				log.Println("Broadcast bus channel closed")
				return
			}
			if msg.ServerID == g.cfg.ServerID {
				// Our own publication; local fan-out already happened.
				continue
			}
			metrics.BusMessagesReceived.WithLabelValues(g.bus.Type()).Inc()
			g.emitLocal("", msg.Event, msg.Data)
		}
	}
}

// HandleConnect registers a fresh connection and acknowledges it with its
// connection ID and the current cluster-wide online count (to this
// connection only, not broadcast).
func (g *Gateway) HandleConnect(ctx context.Context, conn Conn) {
	g.manager.Register(conn)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()

	if err := conn.Emit(EventConnected, ConnectedPayload{ConnectionID: conn.ID()}); err != nil {
		log.Printf("Failed to acknowledge connection %s: %v", conn.ID(), err)
		return
	}
	if err := conn.Emit(EventOnlineCount, OnlineCountPayload{Count: g.onlineCount(ctx)}); err != nil {
		log.Printf("Failed to send online count to %s: %v", conn.ID(), err)
	}
}

// HandleDisconnect runs the housekeeping for a dropped connection: reverse
// lookup of the bound user, presence removal, and the same fan-out as an
// explicit leave. Safe to call for connections that never joined, and after
// an explicit leave already ran.
func (g *Gateway) HandleDisconnect(ctx context.Context, connID string) {
	userID, _ := g.manager.UserFor(connID)
	g.removeUser(ctx, connID, userID)
	g.manager.Unregister(connID)
	metrics.ActiveConnections.Dec()
}

// Dispatch routes one inbound event from a connection. The transport calls
// it from the connection's read loop, which preserves per-connection
// ordering; handlers for different connections run concurrently. Every
// failure is reported to the sender as an error event.
func (g *Gateway) Dispatch(ctx context.Context, conn Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		g.sendError(conn, fmt.Errorf("%w: malformed event envelope", ErrInvalidPayload))
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()

	var err error
	switch env.Event {
	case EventJoin:
		err = g.handleJoin(ctx, conn, env.Data)
	case EventSendMessage:
		err = g.handleSendMessage(ctx, conn, env.Data)
	case EventGetRecentMessages:
		err = g.handleRecentMessages(ctx, conn, env.Data)
	case EventTyping:
		err = g.handleTyping(ctx, conn, env.Data, EventUserTyping)
	case EventStopTyping:
		err = g.handleTyping(ctx, conn, env.Data, EventUserStoppedTyping)
	case EventGetOnlineUsers:
		err = g.handleOnlineUsers(ctx, conn)
	case EventLeave:
		err = g.handleLeave(ctx, conn, env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrInvalidPayload, env.Event)
	}
	if err != nil {
		g.sendError(conn, err)
		return
	}

	// Any successful inbound activity from a joined user extends its
	// session TTL (the crash-recovery window, not a heartbeat protocol).
	if userID, ok := g.manager.UserFor(conn.ID()); ok {
		if err := g.presence.Refresh(ctx, userID); err != nil {
			log.Printf("Failed to refresh session TTL for %s: %v", userID, err)
		}
		// Keep the degraded local view alive too; it is authoritative
		// while the shared store is unreachable.
		if err := g.local.Refresh(ctx, userID); err != nil {
			log.Printf("Local session TTL refresh for %s failed: %v", userID, err)
		}
	}
}

func (g *Gateway) handleJoin(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p JoinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.UserID == "" || p.Username == "" {
		return fmt.Errorf("%w: userId and username are required", ErrInvalidPayload)
	}

	g.manager.Bind(conn.ID(), p.UserID)

	session := &presence.Session{
		UserID:   p.UserID,
		Username: p.Username,
		JoinedAt: time.Now().UTC(),
	}

	// Durable user lookup is best-effort: a user-record outage must not
	// block chat availability.
	if user, err := g.durable.FindOrCreateUser(ctx, p.Username); err != nil {
		log.Printf("Durable user lookup failed for %q, proceeding without a record: %v", p.Username, err)
	} else {
		session.DurableUserRef = user.ID
	}

	g.markOnline(ctx, session, conn.ID())

	if err := conn.Emit(EventJoinSuccess, JoinSuccessPayload{Session: *session}); err != nil {
		log.Printf("Failed to confirm join to %s: %v", conn.ID(), err)
	}

	g.Broadcast(EventUserJoined, UserEventPayload{UserID: p.UserID, Username: p.Username})
	g.broadcastOnlineCount(ctx)
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p LeavePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidPayload)
	}
	// Only the connection bound to a user may remove it; a mismatched
	// leave must not evict another user or strand the sender's binding.
	if boundUser, ok := g.manager.UserFor(conn.ID()); !ok || boundUser != p.UserID {
		return fmt.Errorf("%w: leave must come from the joined connection", ErrNotJoined)
	}
	g.removeUser(ctx, conn.ID(), p.UserID)
	return nil
}

// removeUser is the convergence point of explicit leave and disconnect.
// It is idempotent: a second call for the same user is a no-op and never
// produces a duplicate fan-out or a negative online count.
func (g *Gateway) removeUser(ctx context.Context, connID, userID string) {
	boundUser, hadBinding := g.manager.Unbind(connID)
	if userID == "" {
		userID = boundUser
	}
	if userID == "" {
		// Connection never joined; nothing to clean up.
		return
	}

	// A rejoin through a newer connection supersedes this one. The user is
	// still connected, so presence must not flip offline and no departure
	// is fanned out.
	if current, ok := g.manager.ConnFor(userID); ok && current.ID() != connID {
		return
	}

	var username string
	wasOnline := false
	if session, err := g.getSession(ctx, userID); err == nil {
		username = session.Username
		wasOnline = true
	}

	g.markOffline(ctx, userID)

	if !hadBinding && !wasOnline {
		// Already removed by a prior leave; keep the operation idempotent.
		return
	}

	g.Broadcast(EventUserLeft, UserEventPayload{UserID: userID, Username: username})
	g.broadcastOnlineCount(ctx)
}

func (g *Gateway) handleSendMessage(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.UserID == "" || p.Text == "" {
		return fmt.Errorf("%w: userId and text are required", ErrInvalidPayload)
	}

	boundUser, ok := g.manager.UserFor(conn.ID())
	if !ok || boundUser != p.UserID {
		return fmt.Errorf("%w: join before sending messages", ErrNotJoined)
	}

	msg := cache.ChatMessage{
		UserID:    p.UserID,
		Text:      p.Text,
		CreatedAt: time.Now().UTC(),
	}
	if session, err := g.getSession(ctx, p.UserID); err == nil {
		msg.Username = session.Username
	}

	// Persistence is best-effort: on failure the message is still broadcast,
	// carrying a provisional identifier the client can render against.
	if stored, err := g.durable.SaveMessage(ctx, &msg); err != nil {
		log.Printf("Failed to persist message from %s, broadcasting provisionally: %v", p.UserID, err)
		msg.ID = uuid.New().String()
		msg.Provisional = true
	} else {
		msg = *stored
	}

	if err := g.cache.Append(ctx, &msg); err != nil {
		log.Printf("Failed to append message %s to cache: %v", msg.ID, err)
	}

	g.Broadcast(EventNewMessage, msg)
	return nil
}

func (g *Gateway) handleRecentMessages(ctx context.Context, conn Conn, data json.RawMessage) error {
	var p RecentMessagesPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	limit := p.Limit
	if limit <= 0 || limit > g.cfg.HistoryLimit {
		limit = g.cfg.HistoryLimit
	}

	msgs, err := g.cache.ReadRecent(ctx, limit)
	switch {
	case err == nil:
		metrics.CacheHits.Inc()
	case errors.Is(err, cache.ErrCacheMiss):
		metrics.CacheMisses.Inc()
		msgs, err = g.loadHistory(ctx, limit)
		if err != nil {
			return fmt.Errorf("%w: recent history unavailable: %v", ErrUpstreamUnavailable, err)
		}
	default:
		return fmt.Errorf("%w: message cache unreachable: %v", ErrUpstreamUnavailable, err)
	}

	if msgs == nil {
		msgs = []cache.ChatMessage{}
	}
	return conn.Emit(EventRecentMessages, RecentMessagesResponse{Messages: msgs})
}

// loadHistory resolves a cache miss against the durable store. Concurrent
// misses within this process are collapsed into one read; a racing read
// from another process at worst duplicates the fetch and the idempotent
// cache warm.
func (g *Gateway) loadHistory(ctx context.Context, limit int) ([]cache.ChatMessage, error) {
	v, err, _ := g.flight.Do("recent-history", func() (any, error) {
		msgs, err := g.durable.RecentMessages(ctx, g.cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			if err := g.cache.Warm(ctx, msgs); err != nil {
				log.Printf("Failed to warm message cache: %v", err)
			}
		}
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	msgs := v.([]cache.ChatMessage)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (g *Gateway) handleTyping(ctx context.Context, conn Conn, data json.RawMessage, outEvent string) error {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidPayload)
	}
	if boundUser, ok := g.manager.UserFor(conn.ID()); !ok || boundUser != p.UserID {
		return fmt.Errorf("%w: join before typing notifications", ErrNotJoined)
	}
	if p.Username == "" {
		if session, err := g.getSession(ctx, p.UserID); err == nil {
			p.Username = session.Username
		}
	}
	g.BroadcastExcept(conn.ID(), outEvent, UserEventPayload{UserID: p.UserID, Username: p.Username})
	return nil
}

func (g *Gateway) handleOnlineUsers(ctx context.Context, conn Conn) error {
	users, err := g.presence.ListOnline(ctx)
	if err != nil {
		log.Printf("Shared presence list failed, falling back to local view: %v", err)
		if users, err = g.local.ListOnline(ctx); err != nil {
			return fmt.Errorf("%w: presence store unreachable: %v", ErrUpstreamUnavailable, err)
		}
	}
	return conn.Emit(EventOnlineUsers, OnlineUsersPayload{Users: users})
}

// DeleteMessage removes a persisted message and invalidates its cache entry.
// Exposed for the CRUD layer that owns message deletion; there is no inbound
// protocol event for it.
func (g *Gateway) DeleteMessage(ctx context.Context, messageID string) error {
	if err := g.durable.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if err := g.cache.Invalidate(ctx, messageID); err != nil {
		log.Printf("Failed to invalidate cached message %s: %v", messageID, err)
	}
	return nil
}

// Broadcast delivers one logical event to every connected client across the
// cluster: a local fan-out plus exactly one bus publication. Bus failures
// are logged, never surfaced to clients; the local fan-out already happened.
func (g *Gateway) Broadcast(event string, data any) {
	g.broadcast("", event, data)
}

// BroadcastExcept is Broadcast minus the originating connection. Remote
// instances emit to all of their connections; the sender only exists here.
func (g *Gateway) BroadcastExcept(exceptConnID, event string, data any) {
	g.broadcast(exceptConnID, event, data)
}

func (g *Gateway) broadcast(exceptConnID, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal %s broadcast: %v", event, err)
		return
	}

	g.emitLocal(exceptConnID, event, payload)

	if g.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
	defer cancel()
	msg := broker.Message{
		ServerID:  g.cfg.ServerID,
		Event:     event,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	}
	if err := g.bus.Publish(ctx, g.cfg.BusChannel, msg); err != nil {
		metrics.BusPublishFailures.WithLabelValues(g.bus.Type()).Inc()
		log.Printf("Bus publish of %s failed, fan-out limited to this instance: %v", event, err)
		return
	}
	metrics.BusMessagesPublished.WithLabelValues(g.bus.Type()).Inc()
}

func (g *Gateway) emitLocal(exceptConnID, event string, payload json.RawMessage) {
	metrics.EventsBroadcast.WithLabelValues(event).Inc()
	g.manager.Range(func(conn Conn) bool {
		if conn.ID() == exceptConnID {
			return true
		}
		if err := conn.Emit(event, payload); err != nil {
			log.Printf("Failed to emit %s to connection %s: %v", event, conn.ID(), err)
		}
		return true
	})
}

func (g *Gateway) broadcastOnlineCount(ctx context.Context) {
	// Always recomputed from the presence store, never cached, so every
	// broadcast reflects the same source of truth.
	g.Broadcast(EventOnlineCount, OnlineCountPayload{Count: g.onlineCount(ctx)})
}

func (g *Gateway) onlineCount(ctx context.Context) int64 {
	n, err := g.presence.Count(ctx)
	if err != nil {
		log.Printf("Shared presence count failed, falling back to local view: %v", err)
		n, _ = g.local.Count(ctx)
	}
	return n
}

// getSession reads a session from the shared store, falling back to the
// degraded local store.
func (g *Gateway) getSession(ctx context.Context, userID string) (*presence.Session, error) {
	session, err := g.presence.Get(ctx, userID)
	if err == nil {
		return session, nil
	}
	// The shared store may be unreachable, or the session may only exist
	// locally after a degraded write; either way the local store decides.
	if local, localErr := g.local.Get(ctx, userID); localErr == nil {
		return local, nil
	}
	return nil, err
}

// markOnline writes presence with bounded retries. After exhaustion the
// session is kept in the process-local store so this instance stays usable;
// the next activity retries the shared store first.
func (g *Gateway) markOnline(ctx context.Context, session *presence.Session, token string) {
	metrics.PresenceWrites.Inc()
	operation := func() error {
		return g.presence.MarkOnline(ctx, session, token)
	}
	if err := g.retryPresence(ctx, operation); err != nil {
		metrics.PresenceDegraded.Inc()
		log.Printf("Presence write for %s exhausted retries, degrading to local-only: %v", session.UserID, err)
		if localErr := g.local.MarkOnline(ctx, session, token); localErr != nil {
			log.Printf("Local presence write for %s failed: %v", session.UserID, localErr)
		}
		return
	}
	// Mirror into the local store so degraded reads stay coherent.
	if err := g.local.MarkOnline(ctx, session, token); err != nil {
		log.Printf("Local presence mirror for %s failed: %v", session.UserID, err)
	}
}

func (g *Gateway) markOffline(ctx context.Context, userID string) {
	metrics.PresenceWrites.Inc()
	operation := func() error {
		return g.presence.MarkOffline(ctx, userID)
	}
	if err := g.retryPresence(ctx, operation); err != nil {
		metrics.PresenceDegraded.Inc()
		log.Printf("Presence removal for %s exhausted retries: %v", userID, err)
	}
	if err := g.local.MarkOffline(ctx, userID); err != nil {
		log.Printf("Local presence removal for %s failed: %v", userID, err)
	}
}

func (g *Gateway) retryPresence(ctx context.Context, operation func() error) error {
	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(g.cfg.PresenceRetryBackoff),
			uint64(g.cfg.PresenceRetries),
		),
		ctx,
	)
	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		log.Printf("Retrying presence write: %v (next attempt in %s)", err, d)
	})
}

// CloseAll closes every local connection; used during graceful shutdown.
func (g *Gateway) CloseAll(reason string) {
	g.manager.CloseAll(reason)
}
