package model

type RoomStatus string

const (
	RoomStatusPending RoomStatus = "pending"
	RoomStatusActive  RoomStatus = "active"
)

type NotificationType string

const (
	NotificationTypeInvite NotificationType = "invite"
)

// SessionState is the local view a participant has of its session.
type SessionState string

const (
	SessionStateIdle               SessionState = "idle"
	SessionStateAwaitingAccept     SessionState = "awaiting_accept"
	SessionStateAwaitingMyDecision SessionState = "awaiting_my_decision"
	SessionStateActive             SessionState = "active"
)
