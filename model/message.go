package model

import "time"

type Message struct {
	Id        Id        `json:"id"`
	Content   string    `json:"content"`
	UserId    Id        `json:"user_id"`
	UserName  string    `json:"user_name"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Likes     int       `json:"likes"`
	Replies   int       `json:"replies"`

	// Channel is the id of the channel the message was posted to.
	Channel Id `json:"channel"`
}
