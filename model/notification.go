package model

import "time"

type NotificationType string

const (
	NotificationTypeMessage       NotificationType = "message"
	NotificationTypeMention       NotificationType = "mention"
	NotificationTypeChannelInvite NotificationType = "channel_invite"
	NotificationTypeSystem        NotificationType = "system"
)

func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationTypeMessage, NotificationTypeMention, NotificationTypeChannelInvite, NotificationTypeSystem:
		return true
	}
	return false
}

type Notification struct {
	Id        Id                     `json:"id"`
	UserId    Id                     `json:"user_id"`
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Read      bool                   `json:"read"`
	CreatedAt time.Time              `json:"created_at"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
