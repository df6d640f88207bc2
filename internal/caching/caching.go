// Package caching provides the in-process caches the room server and
// federation client use to avoid round-tripping to storage or the network
// for data that rarely changes: interned NIDs, room versions, server
// signing keys, and the results of expensive recomputation (auth chains,
// state resolution).
//
// Every cache partition is backed by a single shared ristretto.Cache so that
// eviction is governed by one global cost budget rather than N independent
// ones fighting each other for memory.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/roomserver/types"
)

// Caches bundles every cache partition this module uses. Components take a
// *Caches rather than the ristretto cache itself, so they see only the
// typed partition accessors.
type Caches struct {
	roomVersions      *partition[string, spec.RoomVersion]
	serverKeys        *partition[string, ServerKeyResult]
	roomNIDs          *partition[string, types.RoomNID]
	roomIDs           *partition[types.RoomNID, string]
	eventTypeNIDs     *partition[string, types.EventTypeNID]
	eventTypes        *partition[types.EventTypeNID, string]
	stateKeyNIDs      *partition[string, types.EventStateKeyNID]
	stateKeys         *partition[types.EventStateKeyNID, string]
	events            *partition[types.EventNID, *types.Event]
	eventNIDs         *partition[string, types.EventNID]
	authChains        *partition[string, []types.EventNID]
	stateResolutions  *partition[string, []types.StateEntry]
	roomInfos         *partition[types.RoomNID, *types.Room]
}

// ServerKeyResult is the cached form of a federation server's signing key,
// including the validity window the key was fetched with.
type ServerKeyResult struct {
	KeyID     string
	PublicKey []byte
	ValidUntilTS int64
}

// Config controls the size of the shared ristretto store.
type Config struct {
	// MaxEntries estimates the number of items the cache should hold; it is
	// used to size ristretto's counting bloom filter (NumCounters), per the
	// library's own sizing guidance of ~10x the expected item count.
	MaxEntries int64
	// MaxCost bounds the cache in the unit partitions use as their per-item
	// cost; partitions here cost every item as 1, so MaxCost is simply the
	// maximum total number of items kept across all partitions.
	MaxCost int64
}

// DefaultConfig sizes the cache for a moderately busy single-process
// homeserver.
func DefaultConfig() Config {
	return Config{MaxEntries: 500_000, MaxCost: 50_000}
}

// NewRistrettoCaches constructs a Caches backed by a single ristretto.Cache,
// per the teacher's caching/impl_ristretto.go pattern of one underlying
// store shared by many typed partitions.
func NewRistrettoCaches(cfg Config) (*Caches, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Caches{
		roomVersions:     newPartition[string, spec.RoomVersion](rc, "roomserver.roomversion", true, 0),
		serverKeys:       newPartition[string, ServerKeyResult](rc, "federationapi.serverkey", false, time.Hour),
		roomNIDs:         newPartition[string, types.RoomNID](rc, "roomserver.roomnid", true, 0),
		roomIDs:          newPartition[types.RoomNID, string](rc, "roomserver.roomid", true, 0),
		eventTypeNIDs:    newPartition[string, types.EventTypeNID](rc, "roomserver.eventtypenid", true, 0),
		eventTypes:       newPartition[types.EventTypeNID, string](rc, "roomserver.eventtype", true, 0),
		stateKeyNIDs:     newPartition[string, types.EventStateKeyNID](rc, "roomserver.statekeynid", true, 0),
		stateKeys:        newPartition[types.EventStateKeyNID, string](rc, "roomserver.statekey", true, 0),
		events:           newPartition[types.EventNID, *types.Event](rc, "roomserver.event", true, 0),
		eventNIDs:        newPartition[string, types.EventNID](rc, "roomserver.eventnid", true, 0),
		authChains:       newPartition[string, []types.EventNID](rc, "roomserver.authchain", false, 10*time.Minute),
		stateResolutions: newPartition[string, []types.StateEntry](rc, "roomserver.stateres", false, 10*time.Minute),
		roomInfos:        newPartition[types.RoomNID, *types.Room](rc, "roomserver.roominfo", false, 0),
	}, nil
}

// GetRoomVersion returns the cached version for a room ID.
func (c *Caches) GetRoomVersion(roomID string) (spec.RoomVersion, bool) {
	return c.roomVersions.get(roomID)
}

// StoreRoomVersion records a room's version. Room versions are immutable for
// the lifetime of a room, so a conflicting Store is a programmer error.
func (c *Caches) StoreRoomVersion(roomID string, version spec.RoomVersion) {
	c.roomVersions.set(roomID, version)
}

// GetServerKey returns a cached federation signing key for (serverName, keyID).
func (c *Caches) GetServerKey(serverName spec.ServerName, keyID string) (ServerKeyResult, bool) {
	return c.serverKeys.get(string(serverName) + "\x00" + keyID)
}

// StoreServerKey caches a federation signing key for a fixed hour, whatever
// its ValidUntilTS; the entry's validity window is not checked here.
func (c *Caches) StoreServerKey(serverName spec.ServerName, keyID string, result ServerKeyResult) {
	c.serverKeys.set(string(serverName)+"\x00"+keyID, result)
}

// GetRoomNID resolves a room ID string to its interned NID.
func (c *Caches) GetRoomNID(roomID string) (types.RoomNID, bool) { return c.roomNIDs.get(roomID) }

// StoreRoomNID caches both directions of the room ID <-> NID mapping.
func (c *Caches) StoreRoomNID(roomID string, nid types.RoomNID) {
	c.roomNIDs.set(roomID, nid)
	c.roomIDs.set(nid, roomID)
}

// GetRoomID resolves a RoomNID back to its string form.
func (c *Caches) GetRoomID(nid types.RoomNID) (string, bool) { return c.roomIDs.get(nid) }

// GetEventTypeNID resolves an event type string to its interned NID.
func (c *Caches) GetEventTypeNID(eventType string) (types.EventTypeNID, bool) {
	return c.eventTypeNIDs.get(eventType)
}

// StoreEventTypeNID caches both directions of the event-type <-> NID mapping.
func (c *Caches) StoreEventTypeNID(eventType string, nid types.EventTypeNID) {
	c.eventTypeNIDs.set(eventType, nid)
	c.eventTypes.set(nid, eventType)
}

// GetEventType resolves an EventTypeNID back to its string form.
func (c *Caches) GetEventType(nid types.EventTypeNID) (string, bool) { return c.eventTypes.get(nid) }

// GetStateKeyNID resolves a state_key string to its interned NID.
func (c *Caches) GetStateKeyNID(stateKey string) (types.EventStateKeyNID, bool) {
	return c.stateKeyNIDs.get(stateKey)
}

// StoreStateKeyNID caches both directions of the state-key <-> NID mapping.
func (c *Caches) StoreStateKeyNID(stateKey string, nid types.EventStateKeyNID) {
	c.stateKeyNIDs.set(stateKey, nid)
	c.stateKeys.set(nid, stateKey)
}

// GetStateKey resolves an EventStateKeyNID back to its string form.
func (c *Caches) GetStateKey(nid types.EventStateKeyNID) (string, bool) { return c.stateKeys.get(nid) }

// GetEvent returns a cached event by NID.
func (c *Caches) GetEvent(nid types.EventNID) (*types.Event, bool) { return c.events.get(nid) }

// StoreEvent caches an event by NID and by ID, so lookups from either
// direction (DAG walking by NID, federation requests by string ID) hit.
func (c *Caches) StoreEvent(ev *types.Event) {
	c.events.set(ev.EventNID, ev)
	c.eventNIDs.set(ev.EventID, ev.EventNID)
}

// GetEventNID resolves an event ID string to its interned NID.
func (c *Caches) GetEventNID(eventID string) (types.EventNID, bool) { return c.eventNIDs.get(eventID) }

// GetAuthChain returns a memoized auth-chain expansion for the given set of
// auth event NIDs, keyed by types.AuthChainCacheKey.
func (c *Caches) GetAuthChain(key string) ([]types.EventNID, bool) { return c.authChains.get(key) }

// StoreAuthChain memoizes an auth-chain expansion. Entries expire after ten
// minutes since a chain's membership can grow as new auth events are added
// to the room, even though any previously computed chain remains valid.
func (c *Caches) StoreAuthChain(key string, chain []types.EventNID) { c.authChains.set(key, chain) }

// GetStateResolution returns a memoized state-resolution result for a given
// conflict key (typically the sorted NIDs of the conflicting event set).
func (c *Caches) GetStateResolution(key string) ([]types.StateEntry, bool) {
	return c.stateResolutions.get(key)
}

// StoreStateResolution memoizes a state-resolution result.
func (c *Caches) StoreStateResolution(key string, resolved []types.StateEntry) {
	c.stateResolutions.set(key, resolved)
}

// GetRoomInfo returns a cached Room record by NID.
func (c *Caches) GetRoomInfo(nid types.RoomNID) (*types.Room, bool) { return c.roomInfos.get(nid) }

// StoreRoomInfo caches a Room record. Unlike room version/NID mappings, this
// may legitimately change (state snapshot pointer advances on every event)
// so it carries no immutability guarantee.
func (c *Caches) StoreRoomInfo(info *types.Room) { c.roomInfos.set(info.RoomNID, info) }

// InvalidateRoomInfo drops a cached Room record, forcing the next lookup to
// hit storage. Used when a room's current state snapshot changes underneath
// a stale cache entry.
func (c *Caches) InvalidateRoomInfo(nid types.RoomNID) { c.roomInfos.del(nid) }

// Wait blocks until all cache partitions' pending Set/Del operations have
// been applied. Ristretto applies writes asynchronously through an internal
// ring buffer; production code never needs this, but tests that Store then
// immediately Get in the same goroutine do.
func (c *Caches) Wait() { c.roomVersions.cache.Wait() }
