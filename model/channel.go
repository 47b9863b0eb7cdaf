package model

import "time"

type Channel struct {
	Id          Id        `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   Id        `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsPrivate   bool      `json:"is_private,omitempty"`
}
