package model

import (
	"time"
)

// FrameEnvelope carries one annotated frame between participants. It is
// never persisted.
type FrameEnvelope struct {
	OwnerID    string            `json:"ownerId"`
	Payload    string            `json:"payload"`
	Stats      map[string]string `json:"stats,omitempty"`
	CapturedAt time.Time         `json:"capturedAt"`
}

// AnalysisRequest is the wire format sent to the pose analysis service.
// Mode mirrors Pose because the deployed pose worker reads that key.
type AnalysisRequest struct {
	Image string `json:"image"`
	Pose  string `json:"pose"`
	Mode  string `json:"mode"`
}

type AnalysisResponse struct {
	Image string         `json:"image"`
	Stats map[string]any `json:"stats,omitempty"`
}

// AnnotatedFrame is one analysis result as rendered locally.
type AnnotatedFrame struct {
	Image      string
	Stats      map[string]string
	Pose       string
	CapturedAt time.Time
	ReceivedAt time.Time
}
