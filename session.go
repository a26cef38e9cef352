package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	DefaultOfflineGrace  = 60 * time.Second
	DefaultSweepPeriod   = 60 * time.Second
	DefaultSessionExpiry = 5 * time.Minute
)

// one logical user presence, independent of any single connection.
// at most one session per user id. a session outlives individual
// connections and is swept after the expiry with no reconnection.
type Session struct {
	userId string
	role   Role

	pending *messageQueue

	stateLock       sync.Mutex
	connectionId    *Id
	lastSeen        time.Time
	online          bool
	connectionCount int
	sweepEligible   bool
	lastSyncVersion int64
}

func (self *Session) UserId() string {
	return self.userId
}

func (self *Session) Role() Role {
	return self.role
}

func (self *Session) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.online
}

func (self *Session) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionCount
}

func (self *Session) LastSeen() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSeen
}

// records activity on the session
func (self *Session) Touch() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastSeen = time.Now()
}

func (self *Session) LastSyncVersion() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastSyncVersion
}

func (self *Session) SetLastSyncVersion(version int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.lastSyncVersion < version {
		self.lastSyncVersion = version
	}
}

type SessionStoreSettings struct {
	// window after a disconnect before the deferred offline check runs
	OfflineGrace time.Duration
	SweepPeriod  time.Duration
	// sessions unseen for longer than this are removed by the sweep
	SessionExpiry time.Duration
	QueueSettings *MessageQueueSettings
}

func DefaultSessionStoreSettings() *SessionStoreSettings {
	return &SessionStoreSettings{
		OfflineGrace:  DefaultOfflineGrace,
		SweepPeriod:   DefaultSweepPeriod,
		SessionExpiry: DefaultSessionExpiry,
		QueueSettings: DefaultMessageQueueSettings(),
	}
}

// tracks per-user logical sessions that outlive any single connection,
// enabling reconnection detection and offline message queuing
type SessionStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SessionStoreSettings

	stateLock sync.Mutex
	sessions  map[string]*Session
}

func NewSessionStoreWithDefaults(ctx context.Context) *SessionStore {
	return NewSessionStore(ctx, DefaultSessionStoreSettings())
}

func NewSessionStore(ctx context.Context, settings *SessionStoreSettings) *SessionStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	sessionStore := &SessionStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		sessions: map[string]*Session{},
	}
	go sessionStore.run()
	return sessionStore
}

func (self *SessionStore) run() {
	ticker := time.NewTicker(self.settings.SweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.Sweep()
		}
	}
}

// records a (re)connection for the user. reconnection detection must
// happen before the connected acknowledgment is sent, so the
// acknowledgment reports it and attaches synchronization data.
func (self *SessionStore) OnConnect(identity Identity, connectionId Id) (session *Session, isReconnection bool) {
	self.stateLock.Lock()
	session, isReconnection = self.sessions[identity.UserId]
	if !isReconnection {
		session = &Session{
			userId:  identity.UserId,
			role:    identity.Role,
			pending: newMessageQueue(self.settings.QueueSettings),
		}
		self.sessions[identity.UserId] = session
	}
	self.stateLock.Unlock()

	session.stateLock.Lock()
	session.connectionId = &connectionId
	session.lastSeen = time.Now()
	session.online = true
	session.connectionCount += 1
	session.sweepEligible = false
	// a reconnection may carry a role change issued while offline
	session.role = identity.Role
	session.stateLock.Unlock()

	glog.V(2).Infof("[s]connect user=%s reconnect=%t\n", identity.UserId, isReconnection)
	return session, isReconnection
}

// marks the session offline and schedules the deferred offline check.
// `connectionId` guards against a stale disconnect racing a newer
// connection for the same user.
func (self *SessionStore) OnDisconnect(userId string, connectionId Id) {
	session := self.Get(userId)
	if session == nil {
		return
	}

	session.stateLock.Lock()
	if session.connectionId == nil || *session.connectionId != connectionId {
		session.stateLock.Unlock()
		return
	}
	session.connectionId = nil
	session.online = false
	disconnectTime := time.Now()
	session.lastSeen = disconnectTime
	session.stateLock.Unlock()

	glog.V(2).Infof("[s]disconnect user=%s\n", userId)

	time.AfterFunc(self.settings.OfflineGrace, func() {
		session.stateLock.Lock()
		defer session.stateLock.Unlock()
		if !session.online && !session.lastSeen.After(disconnectTime) {
			session.sweepEligible = true
		}
	})
}

func (self *SessionStore) Get(userId string) *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessions[userId]
}

func (self *SessionStore) Sessions() []*Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sessions := make([]*Session, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// removes sessions that stayed offline past the expiry, discarding
// their pending queues
func (self *SessionStore) Sweep() int {
	expiredBefore := time.Now().Add(-self.settings.SessionExpiry)

	self.stateLock.Lock()
	expired := []*Session{}
	for userId, session := range self.sessions {
		session.stateLock.Lock()
		remove := !session.online && session.lastSeen.Before(expiredBefore)
		session.stateLock.Unlock()
		if remove {
			delete(self.sessions, userId)
			expired = append(expired, session)
		}
	}
	self.stateLock.Unlock()

	for _, session := range expired {
		discarded := session.pending.clear()
		glog.V(2).Infof("[s]sweep user=%s discarded=%d\n", session.userId, discarded)
	}
	return len(expired)
}

type SessionStats struct {
	TotalSessions   int `json:"totalSessions"`
	OnlineSessions  int `json:"onlineSessions"`
	QueuedMessages  int `json:"queuedMessages"`
	ConnectionCount int `json:"connectionCount"`
}

func (self *SessionStore) Stats() *SessionStats {
	stats := &SessionStats{}
	for _, session := range self.Sessions() {
		stats.TotalSessions += 1
		if session.IsOnline() {
			stats.OnlineSessions += 1
		}
		stats.QueuedMessages += session.pending.size()
		stats.ConnectionCount += session.ConnectionCount()
	}
	return stats
}

func (self *SessionStore) Close() {
	self.cancel()
}
