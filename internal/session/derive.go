package session

import (
	"github.com/reefmind/posepair/internal/model"
)

// Derive maps the authoritative room row to the local state of userID.
func Derive(room *model.Room, userID string) model.SessionState {
	if room == nil || !room.Includes(userID) {
		return model.SessionStateIdle
	}
	switch room.Status {
	case model.RoomStatusActive:
		return model.SessionStateActive
	case model.RoomStatusPending:
		if room.IsHost(userID) {
			return model.SessionStateAwaitingMyDecision
		}
		return model.SessionStateAwaitingAccept
	}
	return model.SessionStateIdle
}

func roleOf(room *model.Room, userID string) string {
	switch {
	case room == nil:
		return ""
	case room.IsHost(userID):
		return "host"
	case room.JoinerID == userID:
		return "joiner"
	}
	return ""
}
