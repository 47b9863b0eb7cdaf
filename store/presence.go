package store

import (
	"context"
	"sort"
)

// PresenceState maps presence keys to the records tracked under them. A key may have several
// records if the same identity is present from multiple sessions.
type PresenceState map[string][]Record

// Keys returns the state's keys in sorted order.
func (s PresenceState) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Flatten returns all records in the state, ordered by key.
func (s PresenceState) Flatten() []Record {
	var ret []Record
	for _, k := range s.Keys() {
		ret = append(ret, s[k]...)
	}
	return ret
}

// PresenceHandler receives presence events. Any of the functions may be nil.
type PresenceHandler struct {
	// Sync is invoked with the full state of the presence space whenever it changes.
	Sync func(state PresenceState)

	Join  func(key string, joined []Record)
	Leave func(key string, left []Record)
}

// Presence is a handle for a joined presence space.
type Presence interface {
	Subscription

	// Track announces the caller in the presence space, replacing anything it previously tracked.
	Track(ctx context.Context, payload interface{}) error

	// State returns the last known state of the presence space.
	State() PresenceState
}
