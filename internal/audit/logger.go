package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventRequestSent   EventType = "request_sent"
	EventRequestCancel EventType = "request_cancel"
	EventInviteAccept  EventType = "invite_accept"
	EventInviteDecline EventType = "invite_decline"
	EventPoseChange    EventType = "pose_change"
	EventSessionEnd    EventType = "session_end"
	EventActionBlocked EventType = "action_blocked"
	EventAuthFailure   EventType = "auth_failure"
	EventRoomsExpired  EventType = "rooms_expired"
	EventStateResynced EventType = "state_resynced"
)

type Event struct {
	Type      EventType
	UserID    string
	RoomID    string
	PartnerID string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "session").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.UserID != "" {
		logger = logger.With().Str("user_id", event.UserID).Logger()
	}
	if event.RoomID != "" {
		logger = logger.With().Str("room_id", event.RoomID).Logger()
	}
	if event.PartnerID != "" {
		logger = logger.With().Str("partner_id", event.PartnerID).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("session audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case error:
		return e.AnErr(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = getClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
