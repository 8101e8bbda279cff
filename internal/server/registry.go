package server

import (
	"sort"

	"github.com/google/uuid"

	"github.com/Tyrowin/wh00t/internal/protocol"
)

type registryEntry struct {
	client *Client
	info   ClientInfo
}

// Registry maps handshaken connections to their ClientInfo. It is not safe
// for concurrent use; the hub serializes access.
type Registry struct {
	entries map[uuid.UUID]registryEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]registryEntry)}
}

// Upsert records info for c, replacing any previous entry. It reports whether
// c was already registered.
func (r *Registry) Upsert(c *Client, info ClientInfo) bool {
	_, existed := r.entries[c.id]
	r.entries[c.id] = registryEntry{client: c, info: info}
	return existed
}

// Remove deletes c and returns the info it was registered with.
func (r *Registry) Remove(c *Client) (ClientInfo, bool) {
	entry, ok := r.entries[c.id]
	if !ok {
		return ClientInfo{}, false
	}
	delete(r.entries, c.id)
	return entry.info, true
}

// Get returns the info registered for c.
func (r *Registry) Get(c *Client) (ClientInfo, bool) {
	entry, ok := r.entries[c.id]
	return entry.info, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.entries)
}

// each calls fn for every registered connection.
func (r *Registry) each(fn func(*Client, ClientInfo)) {
	for _, entry := range r.entries {
		fn(entry.client, entry.info)
	}
}

// Snapshot returns every registered ClientInfo sorted by handle.
func (r *Registry) Snapshot() []ClientInfo {
	infos := make([]ClientInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		infos = append(infos, entry.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Handle == infos[j].Handle {
			return infos[i].ID.String() < infos[j].ID.String()
		}
		return infos[i].Handle < infos[j].Handle
	})
	return infos
}

// CountByProfile returns how many registered connections have profile p.
func (r *Registry) CountByProfile(p protocol.Profile) int {
	n := 0
	for _, entry := range r.entries {
		if entry.info.Profile == p {
			n++
		}
	}
	return n
}
