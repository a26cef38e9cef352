package realtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultSendBufferSize = 64

// one live transport socket. owned exclusively by the `ConnectionRegistry`.
// the transport handle is one field among others, never the owner
// of the connection state.
type Connection struct {
	connectionId Id
	identity     Identity

	// outbound frames, drained by the transport write pump
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	// closes the underlying transport. nil for in-process test connections.
	closeTransport func()

	stateLock         sync.Mutex
	lastHeartbeatTime time.Time
	probeSent         bool
	reconnectAttempts int
}

func (self *Connection) ConnectionId() Id {
	return self.connectionId
}

func (self *Connection) Identity() Identity {
	return self.identity
}

// non-blocking send. false means the connection buffer is full or the
// connection is closed, which counts as a delivery failure for the caller.
func (self *Connection) trySend(message []byte) bool {
	select {
	case <-self.done:
		return false
	default:
	}
	select {
	case self.send <- message:
		return true
	case <-self.done:
		return false
	default:
		return false
	}
}

func (self *Connection) sendMessage(messageType string, data any) bool {
	message, err := marshalMessage(messageType, data)
	if err != nil {
		glog.Infof("[c]marshal %s error = %s\n", messageType, err)
		return false
	}
	return self.trySend(message)
}

func (self *Connection) UpdateHeartbeat() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastHeartbeatTime = time.Now()
	self.probeSent = false
}

func (self *Connection) LastHeartbeat() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastHeartbeatTime
}

func (self *Connection) setReconnectAttempts(attempts int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reconnectAttempts = attempts
}

func (self *Connection) ReconnectAttempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempts
}

func (self *Connection) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
		if self.closeTransport != nil {
			self.closeTransport()
		}
	})
}

func (self *Connection) IsClosed() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}

type ConnectionRegistrySettings struct {
	SendBufferSize int
}

func DefaultConnectionRegistrySettings() *ConnectionRegistrySettings {
	return &ConnectionRegistrySettings{
		SendBufferSize: DefaultSendBufferSize,
	}
}

// tracks every live transport connection and its authenticated identity
type ConnectionRegistry struct {
	verifier  TokenVerifier
	directory UserDirectory

	settings *ConnectionRegistrySettings

	stateLock   sync.Mutex
	connections map[Id]*Connection
}

func NewConnectionRegistryWithDefaults(verifier TokenVerifier, directory UserDirectory) *ConnectionRegistry {
	return NewConnectionRegistry(verifier, directory, DefaultConnectionRegistrySettings())
}

func NewConnectionRegistry(
	verifier TokenVerifier,
	directory UserDirectory,
	settings *ConnectionRegistrySettings,
) *ConnectionRegistry {
	return &ConnectionRegistry{
		verifier:    verifier,
		directory:   directory,
		settings:    settings,
		connections: map[Id]*Connection{},
	}
}

// delegates to the token verifier then the user directory.
// on any failure the caller must close the transport without
// further interaction.
func (self *ConnectionRegistry) Authenticate(rawToken string) (*Identity, error) {
	if rawToken == "" {
		return nil, ErrMissingToken
	}

	claims, err := self.verifier.VerifyToken(rawToken)
	if err != nil {
		return nil, err
	}

	user, err := self.directory.FindUserById(claims.UserId)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, claims.UserId)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, claims.UserId)
	}
	if !user.Active {
		return nil, fmt.Errorf("%w: %s", ErrUserInactive, user.Id)
	}

	return &Identity{
		UserId: user.Id,
		Name:   user.Name,
		Role:   user.Role,
	}, nil
}

func (self *ConnectionRegistry) Register(identity Identity, closeTransport func()) *Connection {
	connection := &Connection{
		connectionId:      NewId(),
		identity:          identity,
		send:              make(chan []byte, self.settings.SendBufferSize),
		done:              make(chan struct{}),
		closeTransport:    closeTransport,
		lastHeartbeatTime: time.Now(),
		reconnectAttempts: 0,
	}

	self.stateLock.Lock()
	self.connections[connection.connectionId] = connection
	self.stateLock.Unlock()

	glog.V(2).Infof("[c]register %s user=%s role=%s\n", connection.connectionId, identity.UserId, identity.Role)
	return connection
}

func (self *ConnectionRegistry) Unregister(connectionId Id) {
	self.stateLock.Lock()
	connection, ok := self.connections[connectionId]
	delete(self.connections, connectionId)
	self.stateLock.Unlock()

	if ok {
		connection.Close()
		glog.V(2).Infof("[c]unregister %s\n", connectionId)
	}
}

func (self *ConnectionRegistry) Get(connectionId Id) (*Connection, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connection, ok := self.connections[connectionId]
	if !ok {
		return nil, errors.New("connection not found")
	}
	return connection, nil
}

func (self *ConnectionRegistry) Connections() []*Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	connections := make([]*Connection, 0, len(self.connections))
	for _, connection := range self.connections {
		connections = append(connections, connection)
	}
	return connections
}

func (self *ConnectionRegistry) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.connections)
}
