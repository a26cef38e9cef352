package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// inbound message types
const (
	MessageJoinRoom           = "join-room"
	MessageLeaveRoom          = "leave-room"
	MessageRequestSync        = "request-sync"
	MessageRequestFullSync    = "request-full-sync"
	MessageResolveConflict    = "resolve-conflict"
	MessageCheckVersion       = "check-version"
	MessageAck                = "message-ack"
	MessageConnectivityStatus = "connectivity-status"
	MessageHeartbeatPong      = "heartbeat-pong"
)

// outbound message types
const (
	MessageConnected             = "connected"
	MessageJoinedRoom            = "joined-room"
	MessageLeftRoom              = "left-room"
	MessageError                 = "error"
	MessageSyncData              = "sync-data"
	MessageFullSyncData          = "full-sync-data"
	MessageConflictResolved      = "conflict-resolved"
	MessageConflictFailed        = "conflict-resolution-failed"
	MessageVersionCheckResult    = "version-check-result"
	MessageAdjustUpdateFrequency = "adjust-update-frequency"
	MessageServerShutdown        = "server-shutdown"
	MessageHeartbeatPing         = "heartbeat-ping"
)

// wire envelope, json over the websocket
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func marshalMessage(messageType string, data any) ([]byte, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{
		Type: messageType,
		Data: dataBytes,
	})
}

func parseMessage(raw []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(raw, message); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if message.Type == "" {
		return nil, fmt.Errorf("malformed message: missing type")
	}
	return message, nil
}

func (self *Message) ParseData(args any) error {
	if len(self.Data) == 0 {
		return nil
	}
	return json.Unmarshal(self.Data, args)
}

type JoinRoomArgs struct {
	RoomName string `json:"roomName"`
}

type LeaveRoomArgs struct {
	RoomName string `json:"roomName"`
}

type FullSyncArgs struct {
	LastSyncVersion int64    `json:"lastSyncVersion"`
	Resources       []string `json:"resources"`
}

type ResolveConflictArgs struct {
	ResourceType  ResourceType   `json:"resourceType"`
	ResourceId    string         `json:"resourceId"`
	ClientVersion int64          `json:"clientVersion"`
	ClientData    map[string]any `json:"clientData,omitempty"`
	Strategy      string         `json:"strategy"`
}

type CheckVersionArgs struct {
	ResourceType  ResourceType `json:"resourceType"`
	ResourceId    string       `json:"resourceId"`
	ClientVersion int64        `json:"clientVersion"`
}

type MessageAckArgs struct {
	MessageId Id     `json:"messageId"`
	Status    string `json:"status"`
}

type ConnectivityStatusArgs struct {
	Status            string `json:"status"`
	LatencyMillis     int64  `json:"latency"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// single acknowledgment sent after successful authentication
type ConnectedResult struct {
	Identity          Identity  `json:"identity"`
	Sync              *SyncData `json:"sync,omitempty"`
	IsReconnection    bool      `json:"isReconnection"`
	ConnectionId      Id        `json:"connectionId"`
	ServerTime        time.Time `json:"serverTime"`
	HeartbeatInterval int64     `json:"heartbeatInterval"`
}

type RoomResult struct {
	RoomName string `json:"roomName"`
}

type ErrorResult struct {
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

type VersionCheckResult struct {
	ResourceType  ResourceType `json:"resourceType"`
	ResourceId    string       `json:"resourceId"`
	ClientVersion int64        `json:"clientVersion"`
	ServerVersion int64        `json:"serverVersion"`
	HasConflict   bool         `json:"hasConflict"`
}

type ConflictFailedResult struct {
	ConflictId   Id           `json:"conflictId"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceId   string       `json:"resourceId"`
	Reason       string       `json:"reason"`
}

// event payload broadcast for every state change
type StateChange struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	MessageId Id        `json:"messageId"`
	// an acknowledgment referencing `MessageId` is expected within the
	// ack timeout
	AckRequired bool `json:"ackRequired,omitempty"`
}

type AdjustUpdateFrequencyResult struct {
	HeartbeatInterval int64 `json:"heartbeatInterval"`
	BatchUpdates      bool  `json:"batchUpdates"`
	ReducedData       bool  `json:"reducedData"`
}

type ServerShutdownResult struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
