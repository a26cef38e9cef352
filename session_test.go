package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestSessions(t *testing.T, settings *SessionStoreSettings) *SessionStore {
	store := NewSessionStore(context.Background(), settings)
	t.Cleanup(store.Close)
	return store
}

func TestReconnectionDetection(t *testing.T) {
	store := newTestSessions(t, DefaultSessionStoreSettings())
	identity := Identity{UserId: "waiter-1", Name: "Walt", Role: RoleWaiter}

	session, isReconnection := store.OnConnect(identity, NewId())
	assert.Equal(t, isReconnection, false)
	assert.Equal(t, session.ConnectionCount(), 1)
	assert.Equal(t, session.IsOnline(), true)

	session2, isReconnection := store.OnConnect(identity, NewId())
	assert.Equal(t, isReconnection, true)
	assert.Equal(t, session2.ConnectionCount(), 2)
	// same logical session
	assert.Equal(t, session == session2, true)
}

func TestStaleDisconnectIgnored(t *testing.T) {
	store := newTestSessions(t, DefaultSessionStoreSettings())
	identity := Identity{UserId: "waiter-1", Name: "Walt", Role: RoleWaiter}

	firstConnection := NewId()
	store.OnConnect(identity, firstConnection)
	secondConnection := NewId()
	session, _ := store.OnConnect(identity, secondConnection)

	// the old connection's disconnect arrives after the reconnect
	store.OnDisconnect("waiter-1", firstConnection)
	assert.Equal(t, session.IsOnline(), true)

	store.OnDisconnect("waiter-1", secondConnection)
	assert.Equal(t, session.IsOnline(), false)
}

func TestSweepExpiresOfflineSessions(t *testing.T) {
	settings := &SessionStoreSettings{
		OfflineGrace:  10 * time.Millisecond,
		SweepPeriod:   time.Hour,
		SessionExpiry: 30 * time.Millisecond,
		QueueSettings: DefaultMessageQueueSettings(),
	}
	store := newTestSessions(t, settings)
	identity := Identity{UserId: "kitchen-1", Name: "Kim", Role: RoleKitchen}

	connectionId := NewId()
	store.OnConnect(identity, connectionId)
	store.OnDisconnect("kitchen-1", connectionId)

	// still inside the expiry
	assert.Equal(t, store.Sweep(), 0)
	assert.NotEqual(t, store.Get("kitchen-1"), nil)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, store.Sweep(), 1)
	if store.Get("kitchen-1") != nil {
		t.Fatal("expired session still present")
	}
}

func TestSweepKeepsOnlineSessions(t *testing.T) {
	settings := &SessionStoreSettings{
		OfflineGrace:  10 * time.Millisecond,
		SweepPeriod:   time.Hour,
		SessionExpiry: 10 * time.Millisecond,
		QueueSettings: DefaultMessageQueueSettings(),
	}
	store := newTestSessions(t, settings)
	identity := Identity{UserId: "admin-1", Name: "Ana", Role: RoleAdmin}

	store.OnConnect(identity, NewId())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, store.Sweep(), 0)
	assert.NotEqual(t, store.Get("admin-1"), nil)
}

func TestStats(t *testing.T) {
	store := newTestSessions(t, DefaultSessionStoreSettings())

	waiterConnection := NewId()
	store.OnConnect(Identity{UserId: "waiter-1", Role: RoleWaiter}, waiterConnection)
	store.OnConnect(Identity{UserId: "kitchen-1", Role: RoleKitchen}, NewId())
	store.OnDisconnect("waiter-1", waiterConnection)

	stats := store.Stats()
	assert.Equal(t, stats.TotalSessions, 2)
	assert.Equal(t, stats.OnlineSessions, 1)
	assert.Equal(t, stats.ConnectionCount, 2)
}
