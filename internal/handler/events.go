package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefmind/posepair/internal/config"
	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/httputil"
	"github.com/reefmind/posepair/internal/session"
	"github.com/reefmind/posepair/internal/sse"
)

type SnapshotSource interface {
	Snapshot() session.Snapshot
}

// EventsHandler streams session updates to the local UI as server-sent events.
type EventsHandler struct {
	broker    *sse.Broker
	snapshots SnapshotSource
	heartbeat time.Duration
}

func NewEventsHandler(broker *sse.Broker, snapshots SnapshotSource) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		snapshots: snapshots,
		heartbeat: config.HeartbeatInterval,
	}
}

// GET /v1/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe()
	defer h.broker.Unsubscribe(client)

	log.Info().Uint64("clientId", client.ID).Msg("sse connection established")

	// The first event is always the current state so a late UI never waits
	// for the next change.
	if err := h.sendEvent(w, flusher, string(session.UpdateState), h.snapshots.Snapshot()); err != nil {
		log.Error().Err(err).Msg("failed to send initial state")
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().Uint64("clientId", client.ID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Uint64("clientId", client.ID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Uint64("clientId", client.ID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
