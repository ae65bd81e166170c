package model

import (
	"time"
)

type Notification struct {
	ID          string           `db:"id" json:"id"`
	RecipientID string           `db:"recipient_id" json:"recipientId"`
	SenderID    string           `db:"sender_id" json:"senderId"`
	RoomID      *string          `db:"room_id" json:"roomId,omitempty"`
	Type        NotificationType `db:"type" json:"type"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
}

type CreateNotificationParams struct {
	ID          string
	RecipientID string
	SenderID    string
	RoomID      *string
	Type        NotificationType
}
