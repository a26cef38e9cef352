package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

type gatewayFixture struct {
	gateway *Gateway
	server  *httptest.Server
	secret  []byte
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	secret := []byte("gateway-test-secret")
	directory := staticDirectory{
		"waiter-1":  {Id: "waiter-1", Name: "Walt", Role: RoleWaiter, Active: true},
		"kitchen-1": {Id: "kitchen-1", Name: "Kim", Role: RoleKitchen, Active: true},
		"admin-1":   {Id: "admin-1", Name: "Ana", Role: RoleAdmin, Active: true},
	}
	provider := NewMemoryProvider()
	provider.Seed(ResourceTable, "table-1", map[string]any{
		"id": "table-1", "status": "free",
	})

	gateway := NewGatewayWithDefaults(
		context.Background(),
		NewJwtVerifier(secret),
		directory,
		provider,
		provider,
	)
	server := httptest.NewServer(gateway)
	t.Cleanup(func() {
		server.Close()
		gateway.Close()
	})

	return &gatewayFixture{
		gateway: gateway,
		server:  server,
		secret:  secret,
	}
}

func (self *gatewayFixture) dial(t *testing.T, userId string, role Role) *websocket.Conn {
	t.Helper()
	wsUrl := "ws" + strings.TrimPrefix(self.server.URL, "http") +
		"?token=" + signTestToken(t, self.secret, userId, role)
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	message, err := parseMessage(raw)
	if err != nil {
		t.Fatalf("bad envelope: %s", err)
	}
	return message
}

func writeEnvelope(t *testing.T, ws *websocket.Conn, messageType string, data any) {
	t.Helper()
	raw, err := marshalMessage(messageType, data)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %s", err)
	}
}

func TestGatewayRejectsBadToken(t *testing.T) {
	fixture := newGatewayFixture(t)

	wsUrl := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + "?token=garbage"
	_, _, err := websocket.DefaultDialer.Dial(wsUrl, nil)
	if err == nil {
		t.Fatal("expected handshake rejection")
	}
	assert.Equal(t, fixture.gateway.Registry().Count(), 0)
}

func TestGatewayConnectedAck(t *testing.T) {
	fixture := newGatewayFixture(t)

	ws := fixture.dial(t, "kitchen-1", RoleKitchen)
	defer ws.Close()

	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageConnected)

	connected := &ConnectedResult{}
	assert.Equal(t, envelope.ParseData(connected), nil)
	assert.Equal(t, connected.IsReconnection, false)
	assert.Equal(t, connected.Identity.UserId, "kitchen-1")
	assert.Equal(t, connected.Identity.Name, "Kim")
	assert.Equal(t, connected.Identity.Role, RoleKitchen)
	assert.NotEqual(t, connected.ConnectionId, Id{})
	assert.Equal(t, connected.HeartbeatInterval, DefaultHeartbeatInterval.Milliseconds())
}

func TestGatewayReconnection(t *testing.T) {
	fixture := newGatewayFixture(t)

	ws := fixture.dial(t, "waiter-1", RoleWaiter)
	envelope := readEnvelope(t, ws)
	connected := &ConnectedResult{}
	assert.Equal(t, envelope.ParseData(connected), nil)
	assert.Equal(t, connected.IsReconnection, false)
	ws.Close()

	ws2 := fixture.dial(t, "waiter-1", RoleWaiter)
	defer ws2.Close()
	envelope = readEnvelope(t, ws2)
	connected = &ConnectedResult{}
	assert.Equal(t, envelope.ParseData(connected), nil)
	assert.Equal(t, connected.IsReconnection, true)
}

func TestGatewayRoomAuthorization(t *testing.T) {
	fixture := newGatewayFixture(t)

	ws := fixture.dial(t, "kitchen-1", RoleKitchen)
	defer ws.Close()
	readEnvelope(t, ws) // connected

	writeEnvelope(t, ws, MessageJoinRoom, &JoinRoomArgs{RoomName: RoomAdmins})
	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageError)
	errorResult := &ErrorResult{}
	assert.Equal(t, envelope.ParseData(errorResult), nil)
	assert.Equal(t, errorResult.Context, RoomAdmins)

	// the connection stays open and usable
	writeEnvelope(t, ws, MessageCheckVersion, &CheckVersionArgs{
		ResourceType: ResourceTable, ResourceId: "table-1", ClientVersion: 0,
	})
	envelope = readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageVersionCheckResult)
	result := &VersionCheckResult{}
	assert.Equal(t, envelope.ParseData(result), nil)
	assert.Equal(t, result.HasConflict, false)
}

func TestGatewayRequestSync(t *testing.T) {
	fixture := newGatewayFixture(t)

	ws := fixture.dial(t, "waiter-1", RoleWaiter)
	defer ws.Close()
	readEnvelope(t, ws) // connected

	writeEnvelope(t, ws, MessageRequestSync, nil)
	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageSyncData)
	syncData := &SyncData{}
	assert.Equal(t, envelope.ParseData(syncData), nil)
	assert.Equal(t, syncData.Role, RoleWaiter)
	assert.Equal(t, len(syncData.Tables), 1)
}

func TestGatewayLiveBroadcast(t *testing.T) {
	fixture := newGatewayFixture(t)

	ws := fixture.dial(t, "waiter-1", RoleWaiter)
	defer ws.Close()
	readEnvelope(t, ws) // connected

	version := fixture.gateway.Dispatcher().NotifyTableStatusChanged("admin-1", map[string]any{
		"id": "table-1", "status": "occupied",
	})

	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, EventTableStatusChanged)
	stateChange := &StateChange{}
	assert.Equal(t, envelope.ParseData(stateChange), nil)
	assert.Equal(t, stateChange.Version, version)
}

func TestGatewayDegradedConnectivityHint(t *testing.T) {
	fixture := newGatewayFixture(t)

	ws := fixture.dial(t, "waiter-1", RoleWaiter)
	defer ws.Close()
	readEnvelope(t, ws) // connected

	writeEnvelope(t, ws, MessageConnectivityStatus, &ConnectivityStatusArgs{
		Status:        "degraded",
		LatencyMillis: 900,
	})
	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageAdjustUpdateFrequency)
	hint := &AdjustUpdateFrequencyResult{}
	assert.Equal(t, envelope.ParseData(hint), nil)
	assert.Equal(t, hint.HeartbeatInterval, (2 * DefaultHeartbeatInterval).Milliseconds())
	assert.Equal(t, hint.BatchUpdates, true)
}

func TestGatewayUnknownMessageType(t *testing.T) {
	fixture := newGatewayFixture(t)

	ws := fixture.dial(t, "admin-1", RoleAdmin)
	defer ws.Close()
	readEnvelope(t, ws) // connected

	writeEnvelope(t, ws, "no-such-type", nil)
	envelope := readEnvelope(t, ws)
	assert.Equal(t, envelope.Type, MessageError)
}
