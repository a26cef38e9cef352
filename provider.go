package realtime

import (
	"fmt"
	"sync"
)

// snapshot/update access to business entities, implemented by the
// business layer. this layer never re-validates business rules.
type ResourceProvider interface {
	Snapshot(resourceType ResourceType, resourceId string) (map[string]any, error)
	Apply(resourceType ResourceType, resourceId string, data map[string]any) error
}

// named snapshot collections for sync packaging
type SyncSource interface {
	ActiveOrders() ([]map[string]any, error)
	OrderItemsByStatus(statuses ...string) ([]map[string]any, error)
	TableStatuses() ([]map[string]any, error)
	Collection(name string) ([]map[string]any, error)
}

// in-memory provider. stand-in for the business layer in syncd and
// tests; a production deployment swaps in real calls behind the same
// interfaces.
type MemoryProvider struct {
	stateLock sync.Mutex
	resources map[ResourceKey]map[string]any
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		resources: map[ResourceKey]map[string]any{},
	}
}

func (self *MemoryProvider) Seed(resourceType ResourceType, resourceId string, data map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.resources[ResourceKey{Type: resourceType, Id: resourceId}] = copyData(data)
}

func (self *MemoryProvider) Snapshot(resourceType ResourceType, resourceId string) (map[string]any, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	data, ok := self.resources[ResourceKey{Type: resourceType, Id: resourceId}]
	if !ok {
		return nil, fmt.Errorf("resource not found: %s/%s", resourceType, resourceId)
	}
	return copyData(data), nil
}

func (self *MemoryProvider) Apply(resourceType ResourceType, resourceId string, data map[string]any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	key := ResourceKey{Type: resourceType, Id: resourceId}
	current, ok := self.resources[key]
	if !ok {
		self.resources[key] = copyData(data)
		return nil
	}
	for field, value := range data {
		current[field] = value
	}
	return nil
}

func (self *MemoryProvider) ActiveOrders() ([]map[string]any, error) {
	return self.selectByType(ResourceOrder, func(data map[string]any) bool {
		status, _ := data["status"].(string)
		return status == "open"
	}), nil
}

func (self *MemoryProvider) OrderItemsByStatus(statuses ...string) ([]map[string]any, error) {
	return self.selectByType(ResourceOrderItem, func(data map[string]any) bool {
		status, _ := data["status"].(string)
		for _, s := range statuses {
			if s == status {
				return true
			}
		}
		return false
	}), nil
}

func (self *MemoryProvider) TableStatuses() ([]map[string]any, error) {
	return self.selectByType(ResourceTable, nil), nil
}

func (self *MemoryProvider) Collection(name string) ([]map[string]any, error) {
	switch name {
	case "orders":
		return self.selectByType(ResourceOrder, nil), nil
	case "tables":
		return self.selectByType(ResourceTable, nil), nil
	case "order-items":
		return self.selectByType(ResourceOrderItem, nil), nil
	default:
		return nil, fmt.Errorf("unknown collection: %s", name)
	}
}

func (self *MemoryProvider) selectByType(resourceType ResourceType, match func(map[string]any) bool) []map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	selected := []map[string]any{}
	for key, data := range self.resources {
		if key.Type != resourceType {
			continue
		}
		if match != nil && !match(data) {
			continue
		}
		selected = append(selected, copyData(data))
	}
	return selected
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for field, value := range data {
		out[field] = value
	}
	return out
}
