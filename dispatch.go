package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultAckTimeout = 10 * time.Second

// business event types reported by the external layer
const (
	EventNewOrderCreated        = "new-order-created"
	EventOrderItemStatusChanged = "order-item-status-changed"
	EventTableStatusChanged     = "table-status-changed"
	EventOrderClosed            = "order-closed"
)

// event -> audience roles. nil means every connection.
var eventAudience = map[string][]Role{
	EventNewOrderCreated:        {RoleKitchen, RoleAdmin},
	EventOrderItemStatusChanged: {RoleWaiter, RoleAdmin},
	EventTableStatusChanged:     nil,
	EventOrderClosed:            {RoleWaiter, RoleAdmin},
}

// event -> offline queue priority
var eventPriority = map[string]Priority{
	EventNewOrderCreated:        PriorityHigh,
	EventOrderItemStatusChanged: PriorityMedium,
	EventTableStatusChanged:     PriorityLow,
	EventOrderClosed:            PriorityMedium,
}

func audienceRooms(audience []Role) []string {
	rooms := []string{}
	for _, role := range audience {
		if room, ok := roleRooms[role]; ok {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func roleInAudience(role Role, audience []Role) bool {
	if audience == nil {
		return true
	}
	for _, audienceRole := range audience {
		if audienceRole == role {
			return true
		}
	}
	return false
}

type NotificationDispatcherSettings struct {
	AckTimeout time.Duration
}

func DefaultNotificationDispatcherSettings() *NotificationDispatcherSettings {
	return &NotificationDispatcherSettings{
		AckTimeout: DefaultAckTimeout,
	}
}

type pendingAck struct {
	messageId Id
	event     string
	sentTime  time.Time
	timer     *time.Timer

	stateLock sync.Mutex
	awaiting  map[Id]bool
}

// public facing api of the sync layer: typed notify operations that
// stamp a version, broadcast to the right rooms and enqueue for
// offline recipients
type NotificationDispatcher struct {
	registry *ConnectionRegistry
	sessions *SessionStore
	rooms    *RoomRouter
	versions *StateVersionStore
	queue    *MessageQueue

	settings *NotificationDispatcherSettings

	stateLock   sync.Mutex
	pendingAcks map[Id]*pendingAck
	// delivery misses since start, for the admin stats scope
	deliveryMisses int
}

func NewNotificationDispatcherWithDefaults(
	registry *ConnectionRegistry,
	sessions *SessionStore,
	rooms *RoomRouter,
	versions *StateVersionStore,
	queue *MessageQueue,
) *NotificationDispatcher {
	return NewNotificationDispatcher(registry, sessions, rooms, versions, queue, DefaultNotificationDispatcherSettings())
}

func NewNotificationDispatcher(
	registry *ConnectionRegistry,
	sessions *SessionStore,
	rooms *RoomRouter,
	versions *StateVersionStore,
	queue *MessageQueue,
	settings *NotificationDispatcherSettings,
) *NotificationDispatcher {
	return &NotificationDispatcher{
		registry:    registry,
		sessions:    sessions,
		rooms:       rooms,
		versions:    versions,
		queue:       queue,
		settings:    settings,
		pendingAcks: map[Id]*pendingAck{},
	}
}

// notify operations. each accepts a fully resolved domain snapshot
// already fetched and validated by the business layer.

func (self *NotificationDispatcher) NotifyNewOrderCreated(modifierId string, order map[string]any) int64 {
	return self.dispatch(EventNewOrderCreated, ResourceOrder, snapshotId(order), modifierId, order, false)
}

func (self *NotificationDispatcher) NotifyOrderItemStatusChanged(modifierId string, orderItem map[string]any) int64 {
	return self.dispatch(EventOrderItemStatusChanged, ResourceOrderItem, snapshotId(orderItem), modifierId, orderItem, false)
}

func (self *NotificationDispatcher) NotifyTableStatusChanged(modifierId string, table map[string]any) int64 {
	return self.dispatch(EventTableStatusChanged, ResourceTable, snapshotId(table), modifierId, table, false)
}

// order closes are acknowledged: a delivery miss on a close is worth
// reporting
func (self *NotificationDispatcher) NotifyOrderClosed(modifierId string, order map[string]any) int64 {
	return self.dispatch(EventOrderClosed, ResourceOrder, snapshotId(order), modifierId, order, true)
}

// conflict resolution outcomes broadcast through the same path with
// synthesized `<resourceType>-updated` / `<resourceType>-merged`
// events
func (self *NotificationDispatcher) BroadcastResourceChange(
	event string,
	resourceType ResourceType,
	resourceId string,
	modifierId string,
	data map[string]any,
) int64 {
	return self.dispatch(event, resourceType, resourceId, modifierId, data, false)
}

func (self *NotificationDispatcher) dispatch(
	event string,
	resourceType ResourceType,
	resourceId string,
	modifierId string,
	data any,
	withAck bool,
) int64 {
	audience, ok := eventAudience[event]
	if !ok {
		// synthesized events follow the audience of the resource's
		// update event
		audience = resourceAudience(resourceType)
	}
	priority, ok := eventPriority[event]
	if !ok {
		priority = PriorityMedium
	}

	// the bump and the broadcast happen under the resource key lock so
	// listeners observe versions for one key in bump order
	return self.versions.BumpAndEmit(resourceType, resourceId, modifierId, func(version int64) {
		stateChange := &StateChange{
			Type:        event,
			Data:        data,
			Version:     version,
			Timestamp:   time.Now(),
			MessageId:   NewId(),
			AckRequired: withAck,
		}

		// nil audience addresses every connection, not just room members
		var targets []*Connection
		if audience == nil {
			targets = self.registry.Connections()
		} else {
			targets = self.rooms.MembersOf(audienceRooms(audience))
		}

		message, err := marshalMessage(event, stateChange)
		if err != nil {
			glog.Infof("[d]marshal %s error = %s\n", event, err)
			return
		}

		delivered := 0
		for _, connection := range targets {
			if connection.trySend(message) {
				delivered += 1
			} else {
				glog.Infof("[d]send failed %s event=%s\n", connection.ConnectionId(), event)
			}
		}
		glog.V(2).Infof("[d]%s %s/%s v=%d delivered=%d\n", event, resourceType, resourceId, version, delivered)

		if withAck {
			self.trackAck(stateChange.MessageId, event, targets)
		}

		for _, session := range self.sessions.Sessions() {
			if session.IsOnline() {
				continue
			}
			if !roleInAudience(session.Role(), audience) {
				continue
			}
			self.queue.Enqueue(session.UserId(), event, stateChange, priority)
		}
	})
}

// starts the ack timeout for a broadcast. recipients that do not
// acknowledge before the timeout are reported as delivery misses. the
// emission is not retried mid flight; retry belongs to the
// reconnection flush path.
func (self *NotificationDispatcher) trackAck(messageId Id, event string, targets []*Connection) {
	awaiting := map[Id]bool{}
	for _, connection := range targets {
		awaiting[connection.ConnectionId()] = true
	}
	if len(awaiting) == 0 {
		return
	}

	ack := &pendingAck{
		messageId: messageId,
		event:     event,
		sentTime:  time.Now(),
		awaiting:  awaiting,
	}
	ack.timer = time.AfterFunc(self.settings.AckTimeout, func() {
		self.ackTimeout(ack)
	})

	self.stateLock.Lock()
	self.pendingAcks[messageId] = ack
	self.stateLock.Unlock()
}

func (self *NotificationDispatcher) ackTimeout(ack *pendingAck) {
	self.stateLock.Lock()
	_, pending := self.pendingAcks[ack.messageId]
	delete(self.pendingAcks, ack.messageId)
	self.stateLock.Unlock()
	if !pending {
		return
	}

	ack.stateLock.Lock()
	missed := len(ack.awaiting)
	ack.stateLock.Unlock()
	if missed == 0 {
		return
	}

	self.stateLock.Lock()
	self.deliveryMisses += 1
	self.stateLock.Unlock()
	glog.Infof("[d]delivery miss %s event=%s unacked=%d\n", ack.messageId, ack.event, missed)
}

// records a client acknowledgment for a tracked broadcast
func (self *NotificationDispatcher) Ack(messageId Id, connectionId Id, status string) {
	self.stateLock.Lock()
	ack, ok := self.pendingAcks[messageId]
	self.stateLock.Unlock()
	if !ok {
		return
	}

	ack.stateLock.Lock()
	delete(ack.awaiting, connectionId)
	done := len(ack.awaiting) == 0
	ack.stateLock.Unlock()

	glog.V(2).Infof("[d]ack %s from %s status=%s\n", messageId, connectionId, status)

	if done {
		ack.timer.Stop()
		self.stateLock.Lock()
		delete(self.pendingAcks, messageId)
		self.stateLock.Unlock()
	}
}

func (self *NotificationDispatcher) PendingAckCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pendingAcks)
}

func (self *NotificationDispatcher) DeliveryMisses() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.deliveryMisses
}

func (self *NotificationDispatcher) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for messageId, ack := range self.pendingAcks {
		ack.timer.Stop()
		delete(self.pendingAcks, messageId)
	}
}

// audience of the resource's primary update event
func resourceAudience(resourceType ResourceType) []Role {
	switch resourceType {
	case ResourceOrderItem:
		return eventAudience[EventOrderItemStatusChanged]
	case ResourceTable:
		return eventAudience[EventTableStatusChanged]
	default:
		return eventAudience[EventOrderClosed]
	}
}

func snapshotId(snapshot map[string]any) string {
	if id, ok := snapshot["id"].(string); ok {
		return id
	}
	return fmt.Sprintf("%v", snapshot["id"])
}
