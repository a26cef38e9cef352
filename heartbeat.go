package realtime

import (
	"context"
	"time"

	"github.com/golang/glog"
)

const DefaultHeartbeatInterval = 30 * time.Second

type HeartbeatMonitorSettings struct {
	// probe after one missed interval, disconnect after two
	Interval time.Duration
}

func DefaultHeartbeatMonitorSettings() *HeartbeatMonitorSettings {
	return &HeartbeatMonitorSettings{
		Interval: DefaultHeartbeatInterval,
	}
}

// periodic liveness probing. per connection state machine:
// alive -> (one silent interval) -> probe sent -> (another silent
// interval) -> dead. dead connections are handed to `onDead`, which
// must route through the same disconnect path as a client initiated
// disconnect.
type HeartbeatMonitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry *ConnectionRegistry
	onDead   func(connection *Connection)

	settings *HeartbeatMonitorSettings
}

func NewHeartbeatMonitorWithDefaults(
	ctx context.Context,
	registry *ConnectionRegistry,
	onDead func(connection *Connection),
) *HeartbeatMonitor {
	return NewHeartbeatMonitor(ctx, registry, onDead, DefaultHeartbeatMonitorSettings())
}

func NewHeartbeatMonitor(
	ctx context.Context,
	registry *ConnectionRegistry,
	onDead func(connection *Connection),
	settings *HeartbeatMonitorSettings,
) *HeartbeatMonitor {
	cancelCtx, cancel := context.WithCancel(ctx)
	monitor := &HeartbeatMonitor{
		ctx:      cancelCtx,
		cancel:   cancel,
		registry: registry,
		onDead:   onDead,
		settings: settings,
	}
	go monitor.run()
	return monitor
}

func (self *HeartbeatMonitor) run() {
	ticker := time.NewTicker(self.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.CheckNow()
		}
	}
}

// one sweep over all tracked connections
func (self *HeartbeatMonitor) CheckNow() {
	now := time.Now()
	for _, connection := range self.registry.Connections() {
		gap := now.Sub(connection.LastHeartbeat())
		if 2*self.settings.Interval < gap {
			glog.Infof("[hb]dead %s gap=%s\n", connection.ConnectionId(), gap)
			self.onDead(connection)
		} else if self.settings.Interval < gap {
			self.probe(connection)
		}
	}
}

func (self *HeartbeatMonitor) probe(connection *Connection) {
	connection.stateLock.Lock()
	alreadyProbed := connection.probeSent
	connection.probeSent = true
	connection.stateLock.Unlock()
	if alreadyProbed {
		return
	}

	glog.V(2).Infof("[hb]probe %s\n", connection.ConnectionId())
	connection.sendMessage(MessageHeartbeatPing, map[string]any{
		"timestamp": time.Now(),
	})
}

// records a pong for the connection
func (self *HeartbeatMonitor) Pong(connection *Connection) {
	connection.UpdateHeartbeat()
}

func (self *HeartbeatMonitor) Close() {
	self.cancel()
}
