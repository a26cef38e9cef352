package realtime

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func seedSyncData(stack *testStack) {
	stack.provider.Seed(ResourceOrder, "order-1", map[string]any{
		"id": "order-1", "status": "open",
	})
	stack.provider.Seed(ResourceOrder, "order-2", map[string]any{
		"id": "order-2", "status": "closed",
	})
	stack.provider.Seed(ResourceOrderItem, "item-1", map[string]any{
		"id": "item-1", "status": "pending",
	})
	stack.provider.Seed(ResourceOrderItem, "item-2", map[string]any{
		"id": "item-2", "status": "delivered",
	})
	stack.provider.Seed(ResourceTable, "table-1", map[string]any{
		"id": "table-1", "status": "occupied",
	})
}

func TestIncrementalSyncKitchenScope(t *testing.T) {
	stack := newTestStack(t)
	seedSyncData(stack)

	syncData, err := stack.sync.GetIncrementalSync(Identity{UserId: "kitchen-1", Role: RoleKitchen})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(syncData.OrderItems), 1)
	assert.Equal(t, syncData.OrderItems[0]["id"], "item-1")
	assert.Equal(t, len(syncData.Orders), 0)
	assert.Equal(t, len(syncData.Tables), 0)
	if syncData.Stats != nil {
		t.Fatal("kitchen sync must not carry connection stats")
	}
	assert.NotEqual(t, syncData.Version, int64(0))
}

func TestIncrementalSyncWaiterScope(t *testing.T) {
	stack := newTestStack(t)
	seedSyncData(stack)

	syncData, err := stack.sync.GetIncrementalSync(Identity{UserId: "waiter-1", Role: RoleWaiter})
	assert.Equal(t, err, nil)
	// only the active order
	assert.Equal(t, len(syncData.Orders), 1)
	assert.Equal(t, syncData.Orders[0]["id"], "order-1")
	assert.Equal(t, len(syncData.Tables), 1)
	assert.Equal(t, len(syncData.OrderItems), 0)
}

func TestIncrementalSyncAdminScope(t *testing.T) {
	stack := newTestStack(t)
	seedSyncData(stack)
	stack.connect(RoleWaiter, "waiter-1")

	syncData, err := stack.sync.GetIncrementalSync(Identity{UserId: "admin-1", Role: RoleAdmin})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(syncData.Orders), 1)
	assert.Equal(t, len(syncData.OrderItems), 1)
	assert.Equal(t, len(syncData.Tables), 1)
	if syncData.Stats == nil {
		t.Fatal("admin sync missing connection stats")
	}
	assert.Equal(t, syncData.Stats.OnlineSessions, 1)
}

func TestFullSyncFiltersByRole(t *testing.T) {
	stack := newTestStack(t)
	seedSyncData(stack)

	fullSync, err := stack.sync.GetFullSync(Identity{UserId: "kitchen-1", Role: RoleKitchen}, 0, []string{"orders", "order-items"})
	assert.Equal(t, err, nil)
	// kitchen may not request orders
	if _, ok := fullSync.Resources["orders"]; ok {
		t.Fatal("orders leaked into kitchen full sync")
	}
	resource, ok := fullSync.Resources["order-items"]
	assert.Equal(t, ok, true)
	assert.Equal(t, len(resource.Data), 2)
	assert.Equal(t, resource.Version, fullSync.Version)
}

func TestFullSyncDefaultsToPermitted(t *testing.T) {
	stack := newTestStack(t)
	seedSyncData(stack)

	fullSync, err := stack.sync.GetFullSync(Identity{UserId: "waiter-1", Role: RoleWaiter}, 0, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(fullSync.Resources), 2)
	for _, name := range []string{"orders", "tables"} {
		if _, ok := fullSync.Resources[name]; !ok {
			t.Fatalf("missing %s in waiter full sync", name)
		}
	}
}
