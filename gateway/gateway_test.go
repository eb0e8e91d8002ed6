package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MininduBimsara/SocketSphere/broker"
	"github.com/MininduBimsara/SocketSphere/cache"
	"github.com/MininduBimsara/SocketSphere/presence"
	"github.com/MininduBimsara/SocketSphere/storage"
)

// fakeConn records every event emitted to it.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []recordedEvent
	closed bool
}

type recordedEvent struct {
	event string
	data  json.RawMessage
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{event: event, data: raw})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) payloads(event string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e.data)
		}
	}
	return out
}

// last unmarshals the most recent payload of an event into v.
func (c *fakeConn) last(t *testing.T, event string, v any) {
	t.Helper()
	payloads := c.payloads(event)
	require.NotEmpty(t, payloads, "no %s event recorded on %s", event, c.id)
	require.NoError(t, json.Unmarshal(payloads[len(payloads)-1], v))
}

// cluster holds the shared state store, cache, durable store, and bus that
// several simulated server instances operate against.
type cluster struct {
	bus      *broker.MemoryBroker
	presence *presence.MemoryStore
	cache    *cache.MemoryCache
	durable  storage.DurableStore
}

func newCluster() *cluster {
	return &cluster{
		bus:      broker.NewMemoryBroker(),
		presence: presence.NewMemoryStore(time.Hour),
		cache:    cache.NewMemoryCache(50),
		durable:  storage.NewMemoryStore(),
	}
}

// instance spins up one gateway against the cluster's shared stores and
// starts its bus listener.
func (c *cluster) instance(t *testing.T, serverID string) *Gateway {
	t.Helper()
	gw := New(Config{
		ServerID:             serverID,
		HistoryLimit:         50,
		PresenceRetries:      1,
		PresenceRetryBackoff: time.Millisecond,
	}, c.presence, c.cache, c.durable, c.bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go gw.Run(ctx)
	// Yield so Run's bus subscription is registered before the test publishes;
	// on a single-CPU machine the goroutine otherwise never gets scheduled
	// before the one-shot fan-out events fire.
	time.Sleep(50 * time.Millisecond)
	return gw
}

func envelope(t *testing.T, event string, payload any) []byte {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		data = raw
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	require.NoError(t, err)
	return raw
}

func join(t *testing.T, gw *Gateway, conn *fakeConn, userID, username string) {
	t.Helper()
	gw.Dispatch(context.Background(), conn, envelope(t, EventJoin, JoinPayload{UserID: userID, Username: username}))
	require.Equal(t, 1, conn.count(EventJoinSuccess), "join should succeed for %s", userID)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestConnectAcknowledgesWithOnlineCount(t *testing.T) {
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(context.Background(), conn)

	var ack ConnectedPayload
	conn.last(t, EventConnected, &ack)
	assert.Equal(t, "conn-1", ack.ConnectionID)

	var count OnlineCountPayload
	conn.last(t, EventOnlineCount, &count)
	assert.EqualValues(t, 0, count.Count)
}

func TestJoinFansOutAcrossInstances(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw1 := c.instance(t, "server-a")
	gw2 := c.instance(t, "server-b")

	c1 := newFakeConn("p1-conn")
	c2 := newFakeConn("p2-conn")
	gw1.HandleConnect(ctx, c1)
	gw2.HandleConnect(ctx, c2)

	gw1.Dispatch(ctx, c1, envelope(t, EventJoin, JoinPayload{UserID: "u1", Username: "Ann"}))

	var success JoinSuccessPayload
	c1.last(t, EventJoinSuccess, &success)
	assert.Equal(t, "u1", success.Session.UserID)
	assert.Equal(t, "Ann", success.Session.Username)
	assert.NotEmpty(t, success.Session.DurableUserRef)

	// The joining instance fans out locally right away.
	var joined UserEventPayload
	c1.last(t, EventUserJoined, &joined)
	assert.Equal(t, "u1", joined.UserID)

	// The other instance sees the join via the bus.
	eventually(t, func() bool { return c2.count(EventUserJoined) == 1 }, "userJoined should reach server-b")
	eventually(t, func() bool {
		var count OnlineCountPayload
		payloads := c2.payloads(EventOnlineCount)
		if len(payloads) == 0 {
			return false
		}
		if json.Unmarshal(payloads[len(payloads)-1], &count) != nil {
			return false
		}
		return count.Count == 1
	}, "onlineCount:1 should reach server-b")

	n, err := c.presence.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// joinSuccess goes to the joining connection only.
	assert.Zero(t, c2.count(EventJoinSuccess))
}

func TestSendMessageFansOutAcrossInstances(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw1 := c.instance(t, "server-a")
	gw2 := c.instance(t, "server-b")

	c1 := newFakeConn("p1-conn")
	c2 := newFakeConn("p2-conn")
	gw1.HandleConnect(ctx, c1)
	gw2.HandleConnect(ctx, c2)
	join(t, gw1, c1, "u1", "Ann")
	join(t, gw2, c2, "u2", "Ben")

	gw1.Dispatch(ctx, c1, envelope(t, EventSendMessage, SendMessagePayload{UserID: "u1", Text: "hi"}))

	var local cache.ChatMessage
	c1.last(t, EventNewMessage, &local)
	assert.Equal(t, "u1", local.UserID)
	assert.Equal(t, "Ann", local.Username)
	assert.Equal(t, "hi", local.Text)
	assert.NotEmpty(t, local.ID)
	assert.False(t, local.Provisional)

	eventually(t, func() bool { return c2.count(EventNewMessage) == 1 }, "newMessage should reach server-b")
	var remote cache.ChatMessage
	c2.last(t, EventNewMessage, &remote)
	assert.Equal(t, local.ID, remote.ID)
	assert.Equal(t, "hi", remote.Text)

	// The message landed in the shared cache.
	msgs, err := c.cache.ReadRecent(ctx, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, local.ID, msgs[0].ID)
}

func TestSendMessageRequiresJoin(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)

	gw.Dispatch(ctx, conn, envelope(t, EventSendMessage, SendMessagePayload{UserID: "u1", Text: "hi"}))

	var errPayload ErrorPayload
	conn.last(t, EventError, &errPayload)
	assert.Equal(t, "NOT_JOINED", errPayload.Code)
	assert.Zero(t, conn.count(EventNewMessage))
}

func TestJoinRejectsMissingFields(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)

	gw.Dispatch(ctx, conn, envelope(t, EventJoin, JoinPayload{UserID: "u1"}))

	var errPayload ErrorPayload
	conn.last(t, EventError, &errPayload)
	assert.Equal(t, "INVALID_PAYLOAD", errPayload.Code)

	n, err := c.presence.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestLeaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	joiner := newFakeConn("conn-1")
	watcher := newFakeConn("conn-2")
	gw.HandleConnect(ctx, joiner)
	gw.HandleConnect(ctx, watcher)
	join(t, gw, joiner, "u1", "Ann")

	gw.Dispatch(ctx, joiner, envelope(t, EventLeave, LeavePayload{UserID: "u1"}))
	gw.Dispatch(ctx, joiner, envelope(t, EventLeave, LeavePayload{UserID: "u1"}))

	// The second leave is rejected to the sender only, with no duplicate
	// fan-out: the connection is no longer bound to the user.
	var errPayload ErrorPayload
	joiner.last(t, EventError, &errPayload)
	assert.Equal(t, "NOT_JOINED", errPayload.Code)
	assert.Equal(t, 1, watcher.count(EventUserLeft))

	n, err := c.presence.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "online count must not go below zero")

	var count OnlineCountPayload
	watcher.last(t, EventOnlineCount, &count)
	assert.EqualValues(t, 0, count.Count)

	// The eventual disconnect of the departed connection stays quiet.
	gw.HandleDisconnect(ctx, joiner.ID())
	assert.Equal(t, 1, watcher.count(EventUserLeft))
}

func TestLeaveRequiresMatchingUser(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	ann := newFakeConn("conn-ann")
	ben := newFakeConn("conn-ben")
	gw.HandleConnect(ctx, ann)
	gw.HandleConnect(ctx, ben)
	join(t, gw, ann, "u-ann", "Ann")
	join(t, gw, ben, "u-ben", "Ben")

	// Ann tries to remove Ben.
	gw.Dispatch(ctx, ann, envelope(t, EventLeave, LeavePayload{UserID: "u-ben"}))

	var errPayload ErrorPayload
	ann.last(t, EventError, &errPayload)
	assert.Equal(t, "NOT_JOINED", errPayload.Code)

	_, err := c.presence.Get(ctx, "u-ben")
	assert.NoError(t, err, "a mismatched leave must not evict another user")

	// Ann's own binding survived the rejected leave, so her disconnect
	// still reclaims her presence entry.
	gw.HandleDisconnect(ctx, ann.ID())

	online, err := c.presence.ListOnline(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u-ben"}, online)
}

func TestDisconnectOfSupersededConnectionKeepsUserOnline(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	oldConn := newFakeConn("conn-old")
	newConn := newFakeConn("conn-new")
	watcher := newFakeConn("conn-watcher")
	gw.HandleConnect(ctx, oldConn)
	gw.HandleConnect(ctx, watcher)
	join(t, gw, oldConn, "u1", "Ann")

	// Same user rejoins through a fresh connection (new tab, reconnect).
	gw.HandleConnect(ctx, newConn)
	join(t, gw, newConn, "u1", "Ann")

	// Dropping the superseded connection must not flip the user offline.
	gw.HandleDisconnect(ctx, oldConn.ID())

	assert.Zero(t, watcher.count(EventUserLeft), "no departure while the user is still connected")
	n, err := c.presence.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, err = c.presence.Get(ctx, "u1")
	assert.NoError(t, err)

	// Dropping the surviving connection is a real departure.
	gw.HandleDisconnect(ctx, newConn.ID())

	assert.Equal(t, 1, watcher.count(EventUserLeft))
	n, err = c.presence.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestDisconnectWithoutLeaveCleansUpPresence(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	dropped := newFakeConn("conn-1")
	watcher := newFakeConn("conn-2")
	gw.HandleConnect(ctx, dropped)
	gw.HandleConnect(ctx, watcher)
	join(t, gw, dropped, "u1", "Ann")

	// Network drop: no leave event, just the transport-level disconnect.
	gw.HandleDisconnect(ctx, dropped.ID())

	var left UserEventPayload
	watcher.last(t, EventUserLeft, &left)
	assert.Equal(t, "u1", left.UserID)

	n, err := c.presence.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	_, err = c.presence.Get(ctx, "u1")
	assert.ErrorIs(t, err, presence.ErrNotOnline)
}

func TestDisconnectOfUnjoinedConnectionIsQuiet(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	watcher := newFakeConn("conn-2")
	gw.HandleConnect(ctx, conn)
	gw.HandleConnect(ctx, watcher)

	gw.HandleDisconnect(ctx, conn.ID())

	assert.Zero(t, watcher.count(EventUserLeft))
}

func TestRecentMessagesHonorsLimit(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)
	join(t, gw, conn, "u1", "Ann")

	for _, text := range []string{"A", "B", "C"} {
		gw.Dispatch(ctx, conn, envelope(t, EventSendMessage, SendMessagePayload{UserID: "u1", Text: text}))
	}

	gw.Dispatch(ctx, conn, envelope(t, EventGetRecentMessages, RecentMessagesPayload{Limit: 2}))

	var resp RecentMessagesResponse
	conn.last(t, EventRecentMessages, &resp)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "B", resp.Messages[0].Text)
	assert.Equal(t, "C", resp.Messages[1].Text)
}

func TestRecentMessagesColdCacheFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	c := newCluster()

	// History exists durably but the cache is cold (fresh deployment).
	for i := 0; i < 3; i++ {
		_, err := c.durable.SaveMessage(ctx, &cache.ChatMessage{UserID: "u1", Username: "Ann", Text: fmt.Sprintf("old %d", i)})
		require.NoError(t, err)
	}

	gw := c.instance(t, "server-a")
	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)

	gw.Dispatch(ctx, conn, envelope(t, EventGetRecentMessages, nil))

	var resp RecentMessagesResponse
	conn.last(t, EventRecentMessages, &resp)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "old 0", resp.Messages[0].Text)
	assert.Equal(t, "old 2", resp.Messages[2].Text)

	// The fallback warmed the cache.
	msgs, err := c.cache.ReadRecent(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestRecentMessagesEmptyHistoryIsValid(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)

	gw.Dispatch(ctx, conn, envelope(t, EventGetRecentMessages, nil))

	// No messages ever sent: an empty list, not an error.
	assert.Zero(t, conn.count(EventError))
	var resp RecentMessagesResponse
	conn.last(t, EventRecentMessages, &resp)
	assert.Empty(t, resp.Messages)
}

// failingDurable simulates a durable-store outage.
type failingDurable struct{}

func (failingDurable) FindOrCreateUser(context.Context, string) (*storage.User, error) {
	return nil, errors.New("durable store down")
}

func (failingDurable) SaveMessage(context.Context, *cache.ChatMessage) (*cache.ChatMessage, error) {
	return nil, errors.New("durable store down")
}

func (failingDurable) RecentMessages(context.Context, int) ([]cache.ChatMessage, error) {
	return nil, errors.New("durable store down")
}

func (failingDurable) DeleteMessage(context.Context, string) error {
	return errors.New("durable store down")
}

func TestDurableOutageDoesNotBlockChat(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	c.durable = failingDurable{}
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)

	// Join proceeds without a durable user record.
	gw.Dispatch(ctx, conn, envelope(t, EventJoin, JoinPayload{UserID: "u1", Username: "Ann"}))
	var success JoinSuccessPayload
	conn.last(t, EventJoinSuccess, &success)
	assert.Empty(t, success.Session.DurableUserRef)

	n, err := c.presence.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "presence must survive a durable outage")

	// The message is still broadcast, marked provisional.
	gw.Dispatch(ctx, conn, envelope(t, EventSendMessage, SendMessagePayload{UserID: "u1", Text: "hi"}))
	var msg cache.ChatMessage
	conn.last(t, EventNewMessage, &msg)
	assert.True(t, msg.Provisional)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "hi", msg.Text)
}

// failingPresence simulates an unreachable shared presence store.
type failingPresence struct{}

func (failingPresence) MarkOnline(context.Context, *presence.Session, string) error {
	return errors.New("presence store down")
}

func (failingPresence) MarkOffline(context.Context, string) error {
	return errors.New("presence store down")
}

func (failingPresence) Refresh(context.Context, string) error {
	return errors.New("presence store down")
}

func (failingPresence) Count(context.Context) (int64, error) {
	return 0, errors.New("presence store down")
}

func (failingPresence) ListOnline(context.Context) ([]string, error) {
	return nil, errors.New("presence store down")
}

func (failingPresence) Get(context.Context, string) (*presence.Session, error) {
	return nil, errors.New("presence store down")
}

func TestDegradedPresenceRefreshesOnActivity(t *testing.T) {
	ctx := context.Background()
	c := newCluster()

	gw := New(Config{
		ServerID:             "server-a",
		PresenceRetries:      1,
		PresenceRetryBackoff: time.Millisecond,
		LocalPresenceTTL:     100 * time.Millisecond,
	}, failingPresence{}, c.cache, c.durable, c.bus)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go gw.Run(runCtx)

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)
	join(t, gw, conn, "u1", "Ann")

	// Activity past half the TTL must extend the local-only session.
	time.Sleep(60 * time.Millisecond)
	gw.Dispatch(ctx, conn, envelope(t, EventTyping, TypingPayload{UserID: "u1"}))
	time.Sleep(60 * time.Millisecond)

	// Past the original expiry now; the refreshed entry is still alive.
	gw.Dispatch(ctx, conn, envelope(t, EventGetOnlineUsers, nil))

	var online OnlineUsersPayload
	conn.last(t, EventOnlineUsers, &online)
	assert.ElementsMatch(t, []string{"u1"}, online.Users)
}

func TestTypingExcludesSender(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw1 := c.instance(t, "server-a")
	gw2 := c.instance(t, "server-b")

	sender := newFakeConn("p1-sender")
	local := newFakeConn("p1-watcher")
	remote := newFakeConn("p2-watcher")
	gw1.HandleConnect(ctx, sender)
	gw1.HandleConnect(ctx, local)
	gw2.HandleConnect(ctx, remote)
	join(t, gw1, sender, "u1", "Ann")

	gw1.Dispatch(ctx, sender, envelope(t, EventTyping, TypingPayload{UserID: "u1"}))

	eventually(t, func() bool { return local.count(EventUserTyping) == 1 }, "local watcher should see typing")
	eventually(t, func() bool { return remote.count(EventUserTyping) == 1 }, "remote watcher should see typing")
	assert.Zero(t, sender.count(EventUserTyping), "sender must not receive its own typing event")

	var typing UserEventPayload
	local.last(t, EventUserTyping, &typing)
	assert.Equal(t, "u1", typing.UserID)
	assert.Equal(t, "Ann", typing.Username)

	gw1.Dispatch(ctx, sender, envelope(t, EventStopTyping, TypingPayload{UserID: "u1"}))
	eventually(t, func() bool { return local.count(EventUserStoppedTyping) == 1 }, "local watcher should see stopTyping")
}

func TestOnlineUsersListsWholeCluster(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw1 := c.instance(t, "server-a")
	gw2 := c.instance(t, "server-b")

	c1 := newFakeConn("p1-conn")
	c2 := newFakeConn("p2-conn")
	gw1.HandleConnect(ctx, c1)
	gw2.HandleConnect(ctx, c2)
	join(t, gw1, c1, "u1", "Ann")
	join(t, gw2, c2, "u2", "Ben")

	gw1.Dispatch(ctx, c1, envelope(t, EventGetOnlineUsers, nil))

	var online OnlineUsersPayload
	c1.last(t, EventOnlineUsers, &online)
	assert.ElementsMatch(t, []string{"u1", "u2"}, online.Users)

	// Sent to the requester only.
	assert.Zero(t, c2.count(EventOnlineUsers))
}

func TestBusOutageDegradesToSingleProcess(t *testing.T) {
	ctx := context.Background()
	c := newCluster()

	deadBus := broker.NewMemoryBroker()
	require.NoError(t, deadBus.Close())

	gw := New(Config{ServerID: "server-a", PresenceRetries: 1, PresenceRetryBackoff: time.Millisecond},
		c.presence, c.cache, c.durable, deadBus)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go gw.Run(runCtx)

	conn := newFakeConn("conn-1")
	watcher := newFakeConn("conn-2")
	gw.HandleConnect(ctx, conn)
	gw.HandleConnect(ctx, watcher)

	// Local chat keeps working; the cluster split is silent.
	join(t, gw, conn, "u1", "Ann")
	assert.Equal(t, 1, watcher.count(EventUserJoined))
	assert.Zero(t, conn.count(EventError))
}

func TestUnknownEventIsRejected(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)

	gw.Dispatch(ctx, conn, []byte(`{"event":"selfDestruct"}`))

	var errPayload ErrorPayload
	conn.last(t, EventError, &errPayload)
	assert.Equal(t, "INVALID_PAYLOAD", errPayload.Code)

	gw.Dispatch(ctx, conn, []byte(`not json`))
	assert.Equal(t, 2, conn.count(EventError))
}

func TestDeleteMessageInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	gw := c.instance(t, "server-a")

	conn := newFakeConn("conn-1")
	gw.HandleConnect(ctx, conn)
	join(t, gw, conn, "u1", "Ann")

	gw.Dispatch(ctx, conn, envelope(t, EventSendMessage, SendMessagePayload{UserID: "u1", Text: "delete me"}))
	var msg cache.ChatMessage
	conn.last(t, EventNewMessage, &msg)

	require.NoError(t, gw.DeleteMessage(ctx, msg.ID))

	_, err := c.cache.ReadRecent(ctx, 50)
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "cache window should be empty after invalidation")

	err = gw.DeleteMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerBindingsUnderConcurrentHandlers(t *testing.T) {
	m := NewManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			userID := fmt.Sprintf("user-%d", i)
			conn := newFakeConn(connID)
			m.Register(conn)
			m.Bind(connID, userID)
			got, ok := m.UserFor(connID)
			assert.True(t, ok)
			assert.Equal(t, userID, got)
			if i%2 == 0 {
				m.Unregister(connID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, m.Len())

	// Surviving odd-numbered connections keep their bindings.
	for i := 1; i < 50; i += 2 {
		userID, ok := m.UserFor(fmt.Sprintf("conn-%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("user-%d", i), userID)
	}
}

func TestManagerRebindOverwritesPriorMapping(t *testing.T) {
	m := NewManager()
	conn := newFakeConn("conn-1")
	m.Register(conn)

	m.Bind("conn-1", "u1")
	m.Bind("conn-1", "u2")

	userID, ok := m.UserFor("conn-1")
	require.True(t, ok)
	assert.Equal(t, "u2", userID)

	_, ok = m.ConnFor("u1")
	assert.False(t, ok, "stale reverse mapping must be cleared")

	got, ok := m.ConnFor("u2")
	require.True(t, ok)
	assert.Equal(t, "conn-1", got.ID())
}
