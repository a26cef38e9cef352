package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

type GatewaySettings struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// connectivity reports past these thresholds get an
	// adjust-update-frequency hint
	DegradedLatencyMillis int64
	DegradedReconnects    int

	RegistrySettings   *ConnectionRegistrySettings
	SessionSettings    *SessionStoreSettings
	DispatcherSettings *NotificationDispatcherSettings
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		HeartbeatInterval:     DefaultHeartbeatInterval,
		WriteTimeout:          10 * time.Second,
		DegradedLatencyMillis: 500,
		DegradedReconnects:    3,
		RegistrySettings:      DefaultConnectionRegistrySettings(),
		SessionSettings:       DefaultSessionStoreSettings(),
		DispatcherSettings:    DefaultNotificationDispatcherSettings(),
	}
}

// the long lived network service component: accepts websocket
// connections, authenticates them, and runs one inbound handler task
// per connection alongside the periodic heartbeat and session sweeps
type Gateway struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry   *ConnectionRegistry
	sessions   *SessionStore
	rooms      *RoomRouter
	versions   *StateVersionStore
	queue      *MessageQueue
	dispatcher *NotificationDispatcher
	resolver   *ConflictResolver
	sync       *SyncService
	heartbeat  *HeartbeatMonitor

	settings *GatewaySettings
	upgrader websocket.Upgrader
}

func NewGatewayWithDefaults(
	ctx context.Context,
	verifier TokenVerifier,
	directory UserDirectory,
	provider ResourceProvider,
	source SyncSource,
) *Gateway {
	return NewGateway(ctx, verifier, directory, provider, source, DefaultGatewaySettings())
}

func NewGateway(
	ctx context.Context,
	verifier TokenVerifier,
	directory UserDirectory,
	provider ResourceProvider,
	source SyncSource,
	settings *GatewaySettings,
) *Gateway {
	cancelCtx, cancel := context.WithCancel(ctx)

	registry := NewConnectionRegistry(verifier, directory, settings.RegistrySettings)
	sessions := NewSessionStore(cancelCtx, settings.SessionSettings)
	rooms := NewRoomRouter()
	versions := NewStateVersionStore()
	queue := NewMessageQueue(sessions, settings.SessionSettings.QueueSettings)
	dispatcher := NewNotificationDispatcher(registry, sessions, rooms, versions, queue, settings.DispatcherSettings)
	resolver := NewConflictResolver(provider, versions, dispatcher)
	syncService := NewSyncService(source, sessions, registry)

	gateway := &Gateway{
		ctx:        cancelCtx,
		cancel:     cancel,
		registry:   registry,
		sessions:   sessions,
		rooms:      rooms,
		versions:   versions,
		queue:      queue,
		dispatcher: dispatcher,
		resolver:   resolver,
		sync:       syncService,
		settings:   settings,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// origin policy is enforced by the fronting proxy
				return true
			},
		},
	}
	gateway.heartbeat = NewHeartbeatMonitor(
		cancelCtx,
		registry,
		gateway.disconnect,
		&HeartbeatMonitorSettings{
			Interval: settings.HeartbeatInterval,
		},
	)
	return gateway
}

// entry point for the business layer to report state changes
func (self *Gateway) Dispatcher() *NotificationDispatcher {
	return self.dispatcher
}

func (self *Gateway) Registry() *ConnectionRegistry {
	return self.registry
}

func (self *Gateway) Sessions() *SessionStore {
	return self.sessions
}

func (self *Gateway) Versions() *StateVersionStore {
	return self.versions
}

func (self *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	identity, err := self.registry.Authenticate(token)
	if err != nil {
		// closed without further interaction, no event emitted
		glog.V(2).Infof("[g]auth error = %s\n", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[g]upgrade error = %s\n", err)
		return
	}

	connection := self.registry.Register(*identity, func() {
		ws.Close()
	})
	self.handle(connection, ws)
}

func (self *Gateway) handle(connection *Connection, ws *websocket.Conn) {
	defer self.disconnect(connection)

	identity := connection.Identity()
	session, isReconnection := self.sessions.OnConnect(identity, connection.ConnectionId())
	self.rooms.JoinRoleRooms(connection)

	syncData, err := self.sync.GetIncrementalSync(identity)
	if err != nil {
		// the connected ack still goes out; the client can
		// request-sync once providers recover
		glog.Infof("[g]sync error user=%s = %s\n", identity.UserId, err)
		syncData = nil
	}

	connection.sendMessage(MessageConnected, &ConnectedResult{
		Identity:          identity,
		Sync:              syncData,
		IsReconnection:    isReconnection,
		ConnectionId:      connection.ConnectionId(),
		ServerTime:        time.Now(),
		HeartbeatInterval: self.settings.HeartbeatInterval.Milliseconds(),
	})
	if syncData != nil {
		session.SetLastSyncVersion(syncData.Version)
	}

	go self.writePump(connection, ws)

	// pending offline messages flush before any new live traffic for
	// this connection is processed
	if isReconnection {
		self.queue.Flush(identity.UserId, connection)
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(2).Infof("[g]read error %s = %s\n", connection.ConnectionId(), err)
			}
			return
		}

		message, err := parseMessage(raw)
		if err != nil {
			connection.sendMessage(MessageError, &ErrorResult{
				Message: err.Error(),
			})
			continue
		}

		self.handleMessage(connection, session, message)
	}
}

func (self *Gateway) writePump(connection *Connection, ws *websocket.Conn) {
	defer ws.Close()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-connection.done:
			return
		case message, ok := <-connection.send:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.V(2).Infof("[g]write error %s = %s\n", connection.ConnectionId(), err)
				return
			}
		}
	}
}

// common cleanup path for client initiated disconnects and heartbeat
// timeouts, so pending message queuing behaves identically regardless
// of cause
func (self *Gateway) disconnect(connection *Connection) {
	self.rooms.LeaveAll(connection.ConnectionId())
	self.sessions.OnDisconnect(connection.Identity().UserId, connection.ConnectionId())
	self.registry.Unregister(connection.ConnectionId())
}

func (self *Gateway) handleMessage(connection *Connection, session *Session, message *Message) {
	session.Touch()

	switch message.Type {
	case MessageJoinRoom:
		args := &JoinRoomArgs{}
		if err := message.ParseData(args); err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: err.Error(), Context: message.Type})
			return
		}
		if self.rooms.TryJoin(connection, args.RoomName) {
			connection.sendMessage(MessageJoinedRoom, &RoomResult{RoomName: args.RoomName})
		} else {
			connection.sendMessage(MessageError, &ErrorResult{
				Message: "room join denied",
				Context: args.RoomName,
			})
		}

	case MessageLeaveRoom:
		args := &LeaveRoomArgs{}
		if err := message.ParseData(args); err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: err.Error(), Context: message.Type})
			return
		}
		self.rooms.Leave(connection, args.RoomName)
		connection.sendMessage(MessageLeftRoom, &RoomResult{RoomName: args.RoomName})

	case MessageRequestSync:
		syncData, err := self.sync.GetIncrementalSync(connection.Identity())
		if err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: "sync unavailable", Context: message.Type})
			return
		}
		session.SetLastSyncVersion(syncData.Version)
		connection.sendMessage(MessageSyncData, syncData)

	case MessageRequestFullSync:
		args := &FullSyncArgs{}
		if err := message.ParseData(args); err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: err.Error(), Context: message.Type})
			return
		}
		fullSync, err := self.sync.GetFullSync(connection.Identity(), args.LastSyncVersion, args.Resources)
		if err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: "sync unavailable", Context: message.Type})
			return
		}
		session.SetLastSyncVersion(fullSync.Version)
		connection.sendMessage(MessageFullSyncData, fullSync)

	case MessageResolveConflict:
		args := &ResolveConflictArgs{}
		if err := message.ParseData(args); err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: err.Error(), Context: message.Type})
			return
		}
		resolution, err := self.resolver.Resolve(
			connection.Identity(),
			args.ResourceType,
			args.ResourceId,
			args.ClientData,
			args.Strategy,
		)
		if err != nil {
			connection.sendMessage(MessageConflictFailed, &ConflictFailedResult{
				ConflictId:   NewId(),
				ResourceType: args.ResourceType,
				ResourceId:   args.ResourceId,
				Reason:       err.Error(),
			})
			return
		}
		connection.sendMessage(MessageConflictResolved, resolution)

	case MessageCheckVersion:
		args := &CheckVersionArgs{}
		if err := message.ParseData(args); err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: err.Error(), Context: message.Type})
			return
		}
		connection.sendMessage(MessageVersionCheckResult, &VersionCheckResult{
			ResourceType:  args.ResourceType,
			ResourceId:    args.ResourceId,
			ClientVersion: args.ClientVersion,
			ServerVersion: self.versions.CurrentVersion(args.ResourceType, args.ResourceId),
			HasConflict:   self.versions.HasConflict(args.ResourceType, args.ResourceId, args.ClientVersion),
		})

	case MessageAck:
		args := &MessageAckArgs{}
		if err := message.ParseData(args); err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: err.Error(), Context: message.Type})
			return
		}
		self.dispatcher.Ack(args.MessageId, connection.ConnectionId(), args.Status)

	case MessageConnectivityStatus:
		args := &ConnectivityStatusArgs{}
		if err := message.ParseData(args); err != nil {
			connection.sendMessage(MessageError, &ErrorResult{Message: err.Error(), Context: message.Type})
			return
		}
		connection.setReconnectAttempts(args.ReconnectAttempts)
		if self.settings.DegradedLatencyMillis < args.LatencyMillis ||
			self.settings.DegradedReconnects <= args.ReconnectAttempts {
			connection.sendMessage(MessageAdjustUpdateFrequency, &AdjustUpdateFrequencyResult{
				HeartbeatInterval: (2 * self.settings.HeartbeatInterval).Milliseconds(),
				BatchUpdates:      true,
				ReducedData:       true,
			})
		}

	case MessageHeartbeatPong:
		self.heartbeat.Pong(connection)

	default:
		connection.sendMessage(MessageError, &ErrorResult{
			Message: "unknown message type",
			Context: message.Type,
		})
	}
}

// broadcasts server-shutdown to every connection before releasing
// resources, so clients show a reconnect state instead of silently
// timing out
func (self *Gateway) Close() {
	shutdown := &ServerShutdownResult{
		Reason:    "server shutting down",
		Timestamp: time.Now(),
	}
	for _, connection := range self.registry.Connections() {
		connection.sendMessage(MessageServerShutdown, shutdown)
	}
	// give the write pumps a moment to drain
	time.Sleep(250 * time.Millisecond)

	for _, connection := range self.registry.Connections() {
		self.disconnect(connection)
	}

	self.heartbeat.Close()
	self.dispatcher.Close()
	self.sessions.Close()
	self.cancel()
}
