package model

import (
	"time"
)

type Room struct {
	ID          string     `db:"id" json:"id"`
	HostID      string     `db:"host_id" json:"hostId"`
	JoinerID    string     `db:"joiner_id" json:"joinerId"`
	Status      RoomStatus `db:"status" json:"status"`
	CurrentPose *string    `db:"current_pose" json:"currentPose,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

func (r *Room) IsHost(userID string) bool {
	return r.HostID == userID
}

func (r *Room) Includes(userID string) bool {
	return r.HostID == userID || r.JoinerID == userID
}

// PartnerOf returns the other participant, or "" when userID is not in the room.
func (r *Room) PartnerOf(userID string) string {
	switch userID {
	case r.HostID:
		return r.JoinerID
	case r.JoinerID:
		return r.HostID
	}
	return ""
}

func (r *Room) Pose() string {
	if r.CurrentPose == nil {
		return ""
	}
	return *r.CurrentPose
}

// CreateRoomParams describes a join request: the requester becomes the
// joiner and the invite target becomes the host.
type CreateRoomParams struct {
	ID       string
	HostID   string
	JoinerID string
}
