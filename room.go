package realtime

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	RoomAdmins        = "admins"
	RoomWaiters       = "waiters"
	RoomKitchen       = "kitchen"
	RoomTableOverview = "table-overview"
)

// exactly one role room per role
var roleRooms = map[Role]string{
	RoleAdmin:   RoomAdmins,
	RoleWaiter:  RoomWaiters,
	RoleKitchen: RoomKitchen,
}

// rooms each role may be a member of. the admin role is a member of
// all role rooms for monitoring, stated here explicitly rather than
// inferred.
var roomPermissions = map[Role][]string{
	RoleAdmin:   {RoomAdmins, RoomWaiters, RoomKitchen, RoomTableOverview},
	RoleWaiter:  {RoomWaiters, RoomTableOverview},
	RoleKitchen: {RoomKitchen},
}

// assigns connections to named broadcast groups and enforces join
// authorization. membership is purely additive bookkeeping for
// broadcast fan-out; rooms exist implicitly while at least one
// connection is a member.
type RoomRouter struct {
	stateLock sync.Mutex
	// room name -> connection id -> connection
	members map[string]map[Id]*Connection
	// connection id -> room names
	connectionRooms map[Id]map[string]bool
}

func NewRoomRouter() *RoomRouter {
	return &RoomRouter{
		members:         map[string]map[Id]*Connection{},
		connectionRooms: map[Id]map[string]bool{},
	}
}

// auto-joins the rooms the connection's role is entitled to on the
// role->room mapping: its own role room, plus every role room for
// admins
func (self *RoomRouter) JoinRoleRooms(connection *Connection) []string {
	role := connection.Identity().Role

	joined := []string{}
	for joinRole, room := range roleRooms {
		if joinRole == role || role == RoleAdmin {
			self.join(connection, room)
			joined = append(joined, room)
		}
	}
	slices.Sort(joined)
	return joined
}

// validates an ad-hoc join against the role permission table.
// unauthorized requests return false and do not mutate membership.
func (self *RoomRouter) TryJoin(connection *Connection, roomName string) bool {
	if !slices.Contains(roomPermissions[connection.Identity().Role], roomName) {
		glog.V(2).Infof("[r]join denied %s role=%s room=%s\n",
			connection.ConnectionId(), connection.Identity().Role, roomName)
		return false
	}
	self.join(connection, roomName)
	return true
}

func (self *RoomRouter) join(connection *Connection, roomName string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	room, ok := self.members[roomName]
	if !ok {
		room = map[Id]*Connection{}
		self.members[roomName] = room
	}
	room[connection.ConnectionId()] = connection

	rooms, ok := self.connectionRooms[connection.ConnectionId()]
	if !ok {
		rooms = map[string]bool{}
		self.connectionRooms[connection.ConnectionId()] = rooms
	}
	rooms[roomName] = true
}

func (self *RoomRouter) Leave(connection *Connection, roomName string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.leaveLocked(connection.ConnectionId(), roomName)
}

func (self *RoomRouter) LeaveAll(connectionId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for roomName := range self.connectionRooms[connectionId] {
		self.leaveLocked(connectionId, roomName)
	}
}

func (self *RoomRouter) leaveLocked(connectionId Id, roomName string) {
	if room, ok := self.members[roomName]; ok {
		delete(room, connectionId)
		if len(room) == 0 {
			delete(self.members, roomName)
		}
	}
	if rooms, ok := self.connectionRooms[connectionId]; ok {
		delete(rooms, roomName)
		if len(rooms) == 0 {
			delete(self.connectionRooms, connectionId)
		}
	}
}

func (self *RoomRouter) Members(roomName string) []*Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Values(self.members[roomName])
}

func (self *RoomRouter) Rooms(connectionId Id) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rooms := maps.Keys(self.connectionRooms[connectionId])
	slices.Sort(rooms)
	return rooms
}

// distinct members across a set of rooms
func (self *RoomRouter) MembersOf(roomNames []string) []*Connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	targets := map[Id]*Connection{}
	for _, roomName := range roomNames {
		for connectionId, connection := range self.members[roomName] {
			targets[connectionId] = connection
		}
	}
	return maps.Values(targets)
}
