package realtime

import (
	"errors"
	"fmt"
	"time"
)

const (
	StrategyServerWins = "server-wins"
	StrategyClientWins = "client-wins"
	StrategyMerge      = "merge"
)

var (
	ErrUnsupportedStrategy = errors.New("unsupported strategy")
	ErrMissingClientData   = errors.New("missing client data")
)

// ephemeral record of one conflict resolution transaction. always
// reported back to the caller, never silently applied.
type ConflictResolution struct {
	ConflictId    Id             `json:"conflictId"`
	Strategy      string         `json:"strategy"`
	ResourceType  ResourceType   `json:"resourceType"`
	ResourceId    string         `json:"resourceId"`
	Data          map[string]any `json:"data"`
	ServerVersion int64          `json:"serverVersion"`
	ResolvedAt    time.Time      `json:"resolvedAt"`
}

// decides and applies server-wins / client-wins / merge outcomes for
// stale writes detected against the state version store
type ConflictResolver struct {
	provider   ResourceProvider
	versions   *StateVersionStore
	dispatcher *NotificationDispatcher
}

func NewConflictResolver(
	provider ResourceProvider,
	versions *StateVersionStore,
	dispatcher *NotificationDispatcher,
) *ConflictResolver {
	return &ConflictResolver{
		provider:   provider,
		versions:   versions,
		dispatcher: dispatcher,
	}
}

func (self *ConflictResolver) Resolve(
	identity Identity,
	resourceType ResourceType,
	resourceId string,
	clientData map[string]any,
	strategy string,
) (*ConflictResolution, error) {
	resolution := &ConflictResolution{
		ConflictId:   NewId(),
		Strategy:     strategy,
		ResourceType: resourceType,
		ResourceId:   resourceId,
		ResolvedAt:   time.Now(),
	}

	switch strategy {
	case StrategyServerWins:
		// the authoritative data is returned verbatim. no new write
		// occurred, so the version is not bumped.
		serverData, err := self.provider.Snapshot(resourceType, resourceId)
		if err != nil {
			return nil, fmt.Errorf("server snapshot: %w", err)
		}
		resolution.Data = serverData
		resolution.ServerVersion = self.versions.CurrentVersion(resourceType, resourceId)
		return resolution, nil

	case StrategyClientWins:
		if clientData == nil {
			return nil, ErrMissingClientData
		}
		if err := self.provider.Apply(resourceType, resourceId, clientData); err != nil {
			return nil, fmt.Errorf("apply client data: %w", err)
		}
		event := fmt.Sprintf("%s-updated", resourceType)
		version := self.dispatcher.BroadcastResourceChange(event, resourceType, resourceId, identity.UserId, clientData)
		resolution.Data = clientData
		resolution.ServerVersion = version
		return resolution, nil

	case StrategyMerge:
		if clientData == nil {
			return nil, ErrMissingClientData
		}
		serverData, err := self.provider.Snapshot(resourceType, resourceId)
		if err != nil {
			return nil, fmt.Errorf("server snapshot: %w", err)
		}
		merged := MergeResourceData(resourceType, serverData, clientData)
		if err := self.provider.Apply(resourceType, resourceId, merged); err != nil {
			return nil, fmt.Errorf("apply merged data: %w", err)
		}
		event := fmt.Sprintf("%s-merged", resourceType)
		version := self.dispatcher.BroadcastResourceChange(event, resourceType, resourceId, identity.UserId, merged)
		resolution.Data = merged
		resolution.ServerVersion = version
		return resolution, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStrategy, strategy)
	}
}

// resource type specific merge. these rules encode business
// precedence, not mechanical union.
func MergeResourceData(resourceType ResourceType, serverData map[string]any, clientData map[string]any) map[string]any {
	switch resourceType {
	case ResourceOrder:
		return mergeOrder(serverData, clientData)
	case ResourceTable:
		return mergeTable(serverData, clientData)
	case ResourceOrderItem:
		return mergeOrderItem(serverData, clientData)
	default:
		// unknown resource type: shallow merge, client fields override
		merged := copyData(serverData)
		for field, value := range clientData {
			merged[field] = value
		}
		return merged
	}
}

// later lifecycle status wins, larger total amount wins, item lists
// merge by id with the order item rule for overlapping ids and
// non-overlapping ids kept from both sides
func mergeOrder(serverData map[string]any, clientData map[string]any) map[string]any {
	merged := copyData(serverData)
	for field, value := range clientData {
		merged[field] = value
	}

	serverStatus, _ := serverData["status"].(string)
	clientStatus, _ := clientData["status"].(string)
	merged["status"] = laterStatus(orderStatusSequence, serverStatus, clientStatus)

	serverAmount := numberValue(serverData["totalAmount"])
	clientAmount := numberValue(clientData["totalAmount"])
	if serverAmount > clientAmount {
		merged["totalAmount"] = serverData["totalAmount"]
	} else if clientData["totalAmount"] != nil {
		merged["totalAmount"] = clientData["totalAmount"]
	}

	merged["items"] = mergeItemLists(itemList(serverData["items"]), itemList(clientData["items"]))
	return merged
}

// the server's status and capacity always win. only the last modified
// timestamp takes the max of both sides.
func mergeTable(serverData map[string]any, clientData map[string]any) map[string]any {
	merged := copyData(serverData)
	for field, value := range clientData {
		merged[field] = value
	}
	if status, ok := serverData["status"]; ok {
		merged["status"] = status
	}
	if capacity, ok := serverData["capacity"]; ok {
		merged["capacity"] = capacity
	}
	merged["updatedAt"] = laterTimestamp(serverData["updatedAt"], clientData["updatedAt"])
	return merged
}

// later lifecycle status wins, non-empty client special instructions
// win, timestamp takes the max of both sides
func mergeOrderItem(serverData map[string]any, clientData map[string]any) map[string]any {
	merged := copyData(serverData)
	for field, value := range clientData {
		merged[field] = value
	}

	serverStatus, _ := serverData["status"].(string)
	clientStatus, _ := clientData["status"].(string)
	merged["status"] = laterStatus(orderItemStatusSequence, serverStatus, clientStatus)

	clientInstructions, _ := clientData["specialInstructions"].(string)
	if clientInstructions != "" {
		merged["specialInstructions"] = clientInstructions
	} else if serverInstructions, ok := serverData["specialInstructions"]; ok {
		merged["specialInstructions"] = serverInstructions
	}

	merged["updatedAt"] = laterTimestamp(serverData["updatedAt"], clientData["updatedAt"])
	return merged
}

func mergeItemLists(serverItems []map[string]any, clientItems []map[string]any) []map[string]any {
	serverById := map[string]map[string]any{}
	serverOrder := []string{}
	for _, item := range serverItems {
		if id, ok := item["id"].(string); ok {
			serverById[id] = item
			serverOrder = append(serverOrder, id)
		}
	}

	merged := []map[string]any{}
	seen := map[string]bool{}
	for _, clientItem := range clientItems {
		id, ok := clientItem["id"].(string)
		if !ok {
			merged = append(merged, clientItem)
			continue
		}
		seen[id] = true
		if serverItem, overlap := serverById[id]; overlap {
			merged = append(merged, mergeOrderItem(serverItem, clientItem))
		} else {
			merged = append(merged, clientItem)
		}
	}
	// ids present only on the server side are kept
	for _, id := range serverOrder {
		if !seen[id] {
			merged = append(merged, serverById[id])
		}
	}
	return merged
}

func itemList(value any) []map[string]any {
	items := []map[string]any{}
	switch typed := value.(type) {
	case []map[string]any:
		items = append(items, typed...)
	case []any:
		for _, element := range typed {
			if item, ok := element.(map[string]any); ok {
				items = append(items, item)
			}
		}
	}
	return items
}

func numberValue(value any) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case float32:
		return float64(typed)
	case int:
		return float64(typed)
	case int64:
		return float64(typed)
	default:
		return 0
	}
}

// max of two timestamp values. values arrive either as RFC 3339
// strings (json payloads) or as time.Time (in-process callers).
func laterTimestamp(a any, b any) any {
	at, aok := timestampValue(a)
	bt, bok := timestampValue(b)
	switch {
	case aok && bok:
		if at.Before(bt) {
			return b
		}
		return a
	case bok:
		return b
	default:
		return a
	}
}

func timestampValue(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, typed); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, typed); err == nil {
			return t, true
		}
	case float64:
		return time.UnixMilli(int64(typed)), true
	}
	return time.Time{}, false
}
