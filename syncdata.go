package realtime

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
)

// role scoped incremental snapshot sent on connect and on
// `request-sync`
type SyncData struct {
	Role       Role             `json:"role"`
	Version    int64            `json:"version"`
	Timestamp  time.Time        `json:"timestamp"`
	Orders     []map[string]any `json:"orders,omitempty"`
	OrderItems []map[string]any `json:"orderItems,omitempty"`
	Tables     []map[string]any `json:"tables,omitempty"`
	Stats      *SessionStats    `json:"stats,omitempty"`
}

type FullSyncResource struct {
	Data         []map[string]any `json:"data"`
	Version      int64            `json:"version"`
	LastModified time.Time        `json:"lastModified"`
}

type FullSyncData struct {
	Version   int64                        `json:"version"`
	Timestamp time.Time                    `json:"timestamp"`
	Resources map[string]*FullSyncResource `json:"resources"`
}

// collections each role may request in a full sync
var roleCollections = map[Role][]string{
	RoleAdmin:   {"orders", "tables", "order-items"},
	RoleWaiter:  {"orders", "tables"},
	RoleKitchen: {"order-items"},
}

// selects which resources to request per role and packages the result
// with a sync version stamp. pass-through to the business layer, no
// state of its own.
type SyncService struct {
	source   SyncSource
	sessions *SessionStore
	registry *ConnectionRegistry
}

func NewSyncService(source SyncSource, sessions *SessionStore, registry *ConnectionRegistry) *SyncService {
	return &SyncService{
		source:   source,
		sessions: sessions,
		registry: registry,
	}
}

// wall clock derived counter stamped on every sync payload
func syncVersion() int64 {
	return time.Now().UnixMilli()
}

// kitchen: pending and in-preparation order items. waiter: active
// orders and table statuses. admin: the union plus aggregate
// connection statistics.
func (self *SyncService) GetIncrementalSync(identity Identity) (*SyncData, error) {
	syncData := &SyncData{
		Role:      identity.Role,
		Version:   syncVersion(),
		Timestamp: time.Now(),
	}

	if identity.Role == RoleKitchen || identity.Role == RoleAdmin {
		orderItems, err := self.source.OrderItemsByStatus("pending", "in_preparation")
		if err != nil {
			return nil, fmt.Errorf("order items: %w", err)
		}
		syncData.OrderItems = orderItems
	}

	if identity.Role == RoleWaiter || identity.Role == RoleAdmin {
		orders, err := self.source.ActiveOrders()
		if err != nil {
			return nil, fmt.Errorf("orders: %w", err)
		}
		syncData.Orders = orders

		tables, err := self.source.TableStatuses()
		if err != nil {
			return nil, fmt.Errorf("tables: %w", err)
		}
		syncData.Tables = tables
	}

	if identity.Role == RoleAdmin {
		stats := self.sessions.Stats()
		syncData.Stats = stats
	}

	return syncData, nil
}

// packages the requested collections, filtered to the ones the role
// may see. an empty request means everything permitted.
func (self *SyncService) GetFullSync(identity Identity, lastSyncVersion int64, requested []string) (*FullSyncData, error) {
	permitted := roleCollections[identity.Role]
	if len(requested) == 0 {
		requested = permitted
	}

	now := time.Now()
	fullSync := &FullSyncData{
		Version:   syncVersion(),
		Timestamp: now,
		Resources: map[string]*FullSyncResource{},
	}

	for _, name := range requested {
		if !slices.Contains(permitted, name) {
			continue
		}
		data, err := self.source.Collection(name)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		fullSync.Resources[name] = &FullSyncResource{
			Data:         data,
			Version:      fullSync.Version,
			LastModified: now,
		}
	}

	return fullSync, nil
}
