package model

import "time"

// Presence is the record a session announces when it joins the shared presence space. It is
// ephemeral and never written to a table.
type Presence struct {
	Id        Id        `json:"id"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	Status    string    `json:"status,omitempty"`
}

// UserPresence is the persisted last-seen row kept in the user_presence table.
type UserPresence struct {
	UserId   Id        `json:"user_id"`
	LastSeen time.Time `json:"last_seen"`
	IsOnline bool      `json:"is_online"`
	Status   string    `json:"status"`
}
