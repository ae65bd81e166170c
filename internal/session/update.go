package session

import (
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/pipeline"
)

type UpdateKind string

const (
	UpdateState        UpdateKind = "state"
	UpdateNavigate     UpdateKind = "navigate"
	UpdateNotice       UpdateKind = "notice"
	UpdateSelfFrame    UpdateKind = "self_frame"
	UpdatePartnerFrame UpdateKind = "partner_frame"
	UpdatePartnerLost  UpdateKind = "partner_lost"
)

// Update is one UI-facing change. Data holds a Snapshot, Navigation, Notice
// or pipeline.SlotUpdate depending on Kind.
type Update struct {
	Kind UpdateKind
	Data any
}

type Snapshot struct {
	State     model.SessionState `json:"state"`
	UserID    string             `json:"userId"`
	RoomID    string             `json:"roomId,omitempty"`
	Role      string             `json:"role,omitempty"`
	PartnerID string             `json:"partnerId,omitempty"`
	Pose      string             `json:"pose,omitempty"`
	InviteID  string             `json:"inviteId,omitempty"`
	Pipeline  *pipeline.Stats    `json:"pipeline,omitempty"`
}

// Navigation asks the UI to show the practice view for Pose, wired to the
// streams of PartnerID.
type Navigation struct {
	Pose      string `json:"pose"`
	PartnerID string `json:"partnerId"`
}

type Notice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	NoticePartnerDeclined = "PARTNER_DECLINED"
	NoticeSessionEnded    = "SESSION_ENDED"
	NoticeAnalysisLost    = "ANALYSIS_LOST"
)
