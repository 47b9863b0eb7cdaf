package realtime

import (
	"encoding/json"
)

// Message is the Phoenix channel envelope used by every frame on the socket.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	EventPostgresChanges = "postgres_changes"
	EventPresence        = "presence"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
	EventSystem          = "system"
)

// PhoenixTopic is used for socket-level messages such as heartbeats.
const PhoenixTopic = "phoenix"

// TopicPrefix is prepended to the topics given to Subscribe and JoinPresence.
const TopicPrefix = "realtime:"

type postgresChangesFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []postgresChangesFilter `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type postgresChangesPayload struct {
	Data struct {
		Type      string          `json:"type"`
		Table     string          `json:"table"`
		Schema    string          `json:"schema"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

type presenceMetas struct {
	Metas []json.RawMessage `json:"metas"`
}

type presenceDiffPayload struct {
	Joins  map[string]presenceMetas `json:"joins"`
	Leaves map[string]presenceMetas `json:"leaves"`
}

type trackPayload struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
