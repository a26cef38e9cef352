package realtime

import (
	"context"
	"testing"
	"time"
)

type staticVerifier map[string]*TokenClaims

func (self staticVerifier) VerifyToken(raw string) (*TokenClaims, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	claims, ok := self[raw]
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type staticDirectory map[string]*User

func (self staticDirectory) FindUserById(userId string) (*User, error) {
	user, ok := self[userId]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

type testStack struct {
	registry   *ConnectionRegistry
	sessions   *SessionStore
	rooms      *RoomRouter
	versions   *StateVersionStore
	queue      *MessageQueue
	dispatcher *NotificationDispatcher
	resolver   *ConflictResolver
	provider   *MemoryProvider
	sync       *SyncService
}

func newTestStack(t *testing.T) *testStack {
	return newTestStackWithSettings(t, DefaultSessionStoreSettings(), DefaultNotificationDispatcherSettings())
}

func newTestStackWithSettings(
	t *testing.T,
	sessionSettings *SessionStoreSettings,
	dispatcherSettings *NotificationDispatcherSettings,
) *testStack {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	registry := NewConnectionRegistryWithDefaults(staticVerifier{}, staticDirectory{})
	sessions := NewSessionStore(ctx, sessionSettings)
	t.Cleanup(sessions.Close)
	rooms := NewRoomRouter()
	versions := NewStateVersionStore()
	queue := NewMessageQueue(sessions, sessionSettings.QueueSettings)
	dispatcher := NewNotificationDispatcher(registry, sessions, rooms, versions, queue, dispatcherSettings)
	t.Cleanup(dispatcher.Close)
	provider := NewMemoryProvider()
	resolver := NewConflictResolver(provider, versions, dispatcher)
	syncService := NewSyncService(provider, sessions, registry)

	return &testStack{
		registry:   registry,
		sessions:   sessions,
		rooms:      rooms,
		versions:   versions,
		queue:      queue,
		dispatcher: dispatcher,
		resolver:   resolver,
		provider:   provider,
		sync:       syncService,
	}
}

// registers an in-process connection the way the gateway would,
// without a websocket behind it
func (self *testStack) connect(role Role, userId string) *Connection {
	identity := Identity{
		UserId: userId,
		Name:   userId,
		Role:   role,
	}
	connection := self.registry.Register(identity, nil)
	self.sessions.OnConnect(identity, connection.ConnectionId())
	self.rooms.JoinRoleRooms(connection)
	return connection
}

func (self *testStack) disconnect(connection *Connection) {
	self.rooms.LeaveAll(connection.ConnectionId())
	self.sessions.OnDisconnect(connection.Identity().UserId, connection.ConnectionId())
	self.registry.Unregister(connection.ConnectionId())
}

func recvEnvelope(t *testing.T, connection *Connection, timeout time.Duration) *Message {
	t.Helper()
	select {
	case raw := <-connection.send:
		message, err := parseMessage(raw)
		if err != nil {
			t.Fatalf("bad envelope: %s", err)
		}
		return message
	case <-time.After(timeout):
		t.Fatalf("no message within %s", timeout)
		return nil
	}
}

func expectSilence(t *testing.T, connection *Connection, timeout time.Duration) {
	t.Helper()
	select {
	case raw := <-connection.send:
		t.Fatalf("unexpected message: %s", raw)
	case <-time.After(timeout):
	}
}
