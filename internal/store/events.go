package store

import (
	"encoding/json"

	"github.com/reefmind/posepair/internal/realtime"
)

const (
	eventRoomChanged   = "room_changed"
	eventInviteCreated = "invite_created"
)

type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	// ChangeResync is synthesized when the feed (re)connects; events may
	// have been missed, so the consumer must look the room up again.
	ChangeResync ChangeKind = "resync"
)

// RoomChange says that something happened to a room. It deliberately carries
// no row contents: consumers re-fetch instead of applying deltas.
type RoomChange struct {
	Kind   ChangeKind `json:"kind"`
	RoomID string     `json:"roomId,omitempty"`
}

type InviteEvent struct {
	NotificationID string `json:"notificationId,omitempty"`
	RoomID         string `json:"roomId,omitempty"`
	SenderID       string `json:"senderId,omitempty"`
	// Resync is set for the synthetic event emitted on (re)subscription.
	Resync bool `json:"-"`
}

func decodeRoomChange(event realtime.Event) (RoomChange, bool) {
	if event.Type == realtime.EventResubscribed {
		return RoomChange{Kind: ChangeResync}, true
	}
	if event.Type != eventRoomChanged {
		return RoomChange{}, false
	}
	var change RoomChange
	if err := json.Unmarshal(event.Data, &change); err != nil {
		return RoomChange{}, false
	}
	return change, true
}

func decodeInvite(event realtime.Event) (InviteEvent, bool) {
	if event.Type == realtime.EventResubscribed {
		return InviteEvent{Resync: true}, true
	}
	if event.Type != eventInviteCreated {
		return InviteEvent{}, false
	}
	var invite InviteEvent
	if err := json.Unmarshal(event.Data, &invite); err != nil {
		return InviteEvent{}, false
	}
	return invite, true
}
