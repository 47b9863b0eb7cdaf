package store

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

// Change is a row-level change event.
type Change struct {
	Type  EventType `json:"type"`
	Table string    `json:"table"`

	// New is the row after an insert or update.
	New Record `json:"record,omitempty"`

	// Old is the row before an update or delete. Depending on the backend, it may only contain the
	// primary key.
	Old Record `json:"old_record,omitempty"`
}

// ChangeSpec selects the events delivered by a change feed.
type ChangeSpec struct {
	Table string

	// The event types to deliver. If empty, all events are delivered.
	Events []EventType

	// If given, only events for rows matching the filter are delivered.
	Filter *Filter
}

// WantsEvent returns true if the spec includes the given event type.
func (s *ChangeSpec) WantsEvent(t EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == t || e == EventAll {
			return true
		}
	}
	return false
}

// Matches returns true if the change should be delivered to a subscriber with this spec. Inserts
// and updates are filtered on the new row. Deletes are filtered on the old row.
func (s *ChangeSpec) Matches(change *Change) bool {
	if change.Table != s.Table || !s.WantsEvent(change.Type) {
		return false
	}
	if s.Filter == nil {
		return true
	}
	row := change.New
	if change.Type == EventDelete {
		row = change.Old
	}
	columns, err := row.Columns()
	if err != nil {
		return false
	}
	return s.Filter.Matches(columns)
}
