package realtime

import (
	"hash/fnv"
	"sync"
	"time"
)

const versionLockStripes = 64

type StateVersionEntry struct {
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
	ModifiedBy   string    `json:"modifiedBy"`
}

// holds a monotonically increasing version stamp per resource key,
// used to detect stale writes. versions are derived from wall clock
// millis and only ever increase for a given key.
type StateVersionStore struct {
	stateLock sync.Mutex
	versions  map[ResourceKey]*StateVersionEntry

	// per-key stripes serialize a bump and its subsequent broadcast so
	// the pair appears atomic to any reader checking for conflicts
	keyLocks [versionLockStripes]sync.Mutex
}

func NewStateVersionStore() *StateVersionStore {
	return &StateVersionStore{
		versions: map[ResourceKey]*StateVersionEntry{},
	}
}

func (self *StateVersionStore) keyLock(key ResourceKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &self.keyLocks[h.Sum32()%versionLockStripes]
}

func (self *StateVersionStore) bump(key ResourceKey, modifierId string) int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	now := time.Now()
	version := now.UnixMilli()

	entry, ok := self.versions[key]
	if !ok {
		entry = &StateVersionEntry{}
		self.versions[key] = entry
	}
	if version <= entry.Version {
		version = entry.Version + 1
	}
	entry.Version = version
	entry.LastModified = now
	entry.ModifiedBy = modifierId
	return version
}

func (self *StateVersionStore) Bump(resourceType ResourceType, resourceId string, modifierId string) int64 {
	key := ResourceKey{Type: resourceType, Id: resourceId}
	keyLock := self.keyLock(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	return self.bump(key, modifierId)
}

// bumps the key and runs `emit` with the new version while still
// holding the key lock. broadcasts for the same key are therefore
// observed in the order their bumps completed.
func (self *StateVersionStore) BumpAndEmit(
	resourceType ResourceType,
	resourceId string,
	modifierId string,
	emit func(version int64),
) int64 {
	key := ResourceKey{Type: resourceType, Id: resourceId}
	keyLock := self.keyLock(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	version := self.bump(key, modifierId)
	emit(version)
	return version
}

// 0 for a resource never modified
func (self *StateVersionStore) CurrentVersion(resourceType ResourceType, resourceId string) int64 {
	entry, ok := self.Entry(resourceType, resourceId)
	if !ok {
		return 0
	}
	return entry.Version
}

func (self *StateVersionStore) Entry(resourceType ResourceType, resourceId string) (StateVersionEntry, bool) {
	key := ResourceKey{Type: resourceType, Id: resourceId}
	keyLock := self.keyLock(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.versions[key]
	if !ok {
		return StateVersionEntry{}, false
	}
	return *entry, true
}

// true iff the server version is strictly newer than the client's
func (self *StateVersionStore) HasConflict(resourceType ResourceType, resourceId string, clientVersion int64) bool {
	return clientVersion < self.CurrentVersion(resourceType, resourceId)
}
