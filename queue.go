package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

const (
	DefaultQueueCapacity   = 100
	DefaultFlushBatchSize  = 10
	DefaultFlushBatchPause = 100 * time.Millisecond
	DefaultMaxRetries      = 3
)

// one undelivered event for an offline session
type QueuedMessage struct {
	MessageId   Id        `json:"messageId"`
	Event       string    `json:"event"`
	Payload     any       `json:"payload"`
	EnqueueTime time.Time `json:"enqueueTime"`
	Priority    Priority  `json:"priority"`
	RetryCount  int       `json:"retryCount"`
	MaxRetries  int       `json:"maxRetries"`
}

// replayed payload delivered on flush. the original message id and
// timestamp let the client deduplicate against events it may have
// partially received before disconnecting.
type ReplayedMessage struct {
	Replay    bool      `json:"replay"`
	MessageId Id        `json:"messageId"`
	QueuedAt  time.Time `json:"queuedAt"`
	Data      any       `json:"data"`
}

type MessageQueueSettings struct {
	Capacity        int
	FlushBatchSize  int
	FlushBatchPause time.Duration
	MaxRetries      int
}

func DefaultMessageQueueSettings() *MessageQueueSettings {
	return &MessageQueueSettings{
		Capacity:        DefaultQueueCapacity,
		FlushBatchSize:  DefaultFlushBatchSize,
		FlushBatchPause: DefaultFlushBatchPause,
		MaxRetries:      DefaultMaxRetries,
	}
}

// bounded per-session queue, ordered on drain by priority descending
// then enqueue time ascending
type messageQueue struct {
	settings *MessageQueueSettings

	stateLock sync.Mutex
	messages  []*QueuedMessage
}

func newMessageQueue(settings *MessageQueueSettings) *messageQueue {
	return &messageQueue{
		settings: settings,
		messages: []*QueuedMessage{},
	}
}

func (self *messageQueue) add(event string, payload any, priority Priority) Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.settings.Capacity <= len(self.messages) {
		if !self.evictLowestLocked() {
			// no low priority entries to evict. grow past the cap as a
			// soft limit-violation signal rather than dropping
			// higher priority data.
			glog.Infof("[q]overflow size=%d cap=%d\n", len(self.messages)+1, self.settings.Capacity)
		}
	}

	message := &QueuedMessage{
		MessageId:   NewId(),
		Event:       event,
		Payload:     payload,
		EnqueueTime: time.Now(),
		Priority:    priority,
		MaxRetries:  self.settings.MaxRetries,
	}
	self.messages = append(self.messages, message)
	return message.MessageId
}

// removes the oldest low priority entry. false when none exists.
func (self *messageQueue) evictLowestLocked() bool {
	for i, message := range self.messages {
		if message.Priority == PriorityLow {
			self.messages = append(self.messages[:i], self.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (self *messageQueue) size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.messages)
}

// removes and returns all pending messages in delivery order
func (self *messageQueue) drain() []*QueuedMessage {
	self.stateLock.Lock()
	messages := self.messages
	self.messages = []*QueuedMessage{}
	self.stateLock.Unlock()

	slices.SortStableFunc(messages, func(a *QueuedMessage, b *QueuedMessage) int {
		if a.Priority != b.Priority {
			// higher priority first
			return int(b.Priority) - int(a.Priority)
		}
		return a.EnqueueTime.Compare(b.EnqueueTime)
	})
	return messages
}

func (self *messageQueue) requeue(message *QueuedMessage) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, message)
}

func (self *messageQueue) clear() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	n := len(self.messages)
	self.messages = nil
	return n
}

// queues undelivered events for offline sessions and flushes them on
// reconnection
type MessageQueue struct {
	sessions *SessionStore
	settings *MessageQueueSettings
}

func NewMessageQueueWithDefaults(sessions *SessionStore) *MessageQueue {
	return NewMessageQueue(sessions, DefaultMessageQueueSettings())
}

func NewMessageQueue(sessions *SessionStore, settings *MessageQueueSettings) *MessageQueue {
	return &MessageQueue{
		sessions: sessions,
		settings: settings,
	}
}

// no-op when the session is online. online targets receive events
// directly via broadcast, never via the queue.
func (self *MessageQueue) Enqueue(userId string, event string, payload any, priority Priority) bool {
	session := self.sessions.Get(userId)
	if session == nil {
		return false
	}
	if session.IsOnline() {
		return false
	}

	messageId := session.pending.add(event, payload, priority)
	glog.V(2).Infof("[q]enqueue %s user=%s event=%s priority=%s\n", messageId, userId, event, priority)
	return true
}

func (self *MessageQueue) PendingCount(userId string) int {
	session := self.sessions.Get(userId)
	if session == nil {
		return 0
	}
	return session.pending.size()
}

// delivers all pending messages to a freshly reconnected connection,
// priority order, in fixed size batches with a short pause between
// batches to avoid overwhelming the revived connection. runs once per
// reconnection, strictly before any new live broadcast for the
// connection is processed.
func (self *MessageQueue) Flush(userId string, connection *Connection) int {
	session := self.sessions.Get(userId)
	if session == nil {
		return 0
	}

	messages := session.pending.drain()
	if len(messages) == 0 {
		return 0
	}

	delivered := 0
	for i, message := range messages {
		if 0 < i && i%self.settings.FlushBatchSize == 0 {
			select {
			case <-connection.done:
				// connection dropped mid flush. requeue the remainder.
				for _, remaining := range messages[i:] {
					session.pending.requeue(remaining)
				}
				return delivered
			case <-time.After(self.settings.FlushBatchPause):
			}
		}

		ok := connection.sendMessage(message.Event, &ReplayedMessage{
			Replay:    true,
			MessageId: message.MessageId,
			QueuedAt:  message.EnqueueTime,
			Data:      message.Payload,
		})
		if ok {
			delivered += 1
			continue
		}

		message.RetryCount += 1
		if message.RetryCount < message.MaxRetries {
			session.pending.requeue(message)
		} else {
			glog.Infof("[q]drop %s user=%s retries=%d\n", message.MessageId, userId, message.RetryCount)
		}
	}

	glog.V(2).Infof("[q]flush user=%s delivered=%d\n", userId, delivered)
	return delivered
}
