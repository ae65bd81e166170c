package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/realtime"
	redisclient "github.com/reefmind/posepair/internal/redis"
)

const (
	EventFrame = "frame"

	publishTimeout = 2 * time.Second
)

type PublisherStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Publisher forwards locally annotated frames to the room's relay channel
// at a bounded rate. Frames offered faster than the rate are dropped, and
// only the newest accepted frame waits while a publish is in progress.
type Publisher struct {
	bus     realtime.Publisher
	channel string
	ownerID string
	limiter *rate.Limiter
	pending chan model.AnnotatedFrame
	now     func() time.Time

	mu    sync.Mutex
	stats PublisherStats
}

func NewPublisher(bus realtime.Publisher, roomID, ownerID string, hz float64) *Publisher {
	return &Publisher{
		bus:     bus,
		channel: redisclient.RelayChannel(roomID),
		ownerID: ownerID,
		limiter: rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/hz)), 1),
		pending: make(chan model.AnnotatedFrame, 1),
		now:     time.Now,
	}
}

// Offer hands frame to the publish goroutine if the throttle allows it and
// reports whether it was accepted. It never waits on the bus: a frame still
// pending from an earlier Offer is replaced.
func (p *Publisher) Offer(frame model.AnnotatedFrame) bool {
	if !p.limiter.AllowN(p.now(), 1) {
		p.countDropped()
		return false
	}

	for {
		select {
		case p.pending <- frame:
			return true
		default:
		}
		select {
		case <-p.pending:
			p.countDropped()
		default:
		}
	}
}

// Run publishes accepted frames until ctx is done.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.pending:
			p.publish(ctx, frame)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, frame model.AnnotatedFrame) {
	data, err := json.Marshal(model.FrameEnvelope{
		OwnerID:    p.ownerID,
		Payload:    frame.Image,
		Stats:      frame.Stats,
		CapturedAt: frame.CapturedAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay frame")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, p.channel, realtime.Event{Type: EventFrame, Data: data}); err != nil {
		p.mu.Lock()
		p.stats.Failed++
		p.mu.Unlock()
		log.Warn().Err(err).Str("channel", p.channel).Msg("relay publish failed")
		return
	}

	p.mu.Lock()
	p.stats.Published++
	p.mu.Unlock()
}

func (p *Publisher) countDropped() {
	p.mu.Lock()
	p.stats.Dropped++
	p.mu.Unlock()
}

func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Handlers receive partner frames and channel resubscriptions.
type Handlers struct {
	OnFrame        func(model.FrameEnvelope)
	OnResubscribed func()
}

// Subscribe opens the room's relay channel and delivers frames not owned by
// selfID. Closing the returned subscription stops delivery.
func Subscribe(bus realtime.Subscriber, roomID, selfID string, handlers Handlers) *realtime.Subscription {
	sub := bus.Subscribe(redisclient.RelayChannel(roomID))
	go func() {
		for {
			select {
			case <-sub.Done:
				return
			case event := <-sub.Events:
				dispatch(event, selfID, handlers)
			}
		}
	}()
	return sub
}

func dispatch(event realtime.Event, selfID string, handlers Handlers) {
	switch event.Type {
	case realtime.EventResubscribed:
		if handlers.OnResubscribed != nil {
			handlers.OnResubscribed()
		}

	case EventFrame:
		var envelope model.FrameEnvelope
		if err := json.Unmarshal(event.Data, &envelope); err != nil {
			log.Warn().Err(err).Msg("failed to decode relay frame")
			return
		}
		if envelope.OwnerID == selfID {
			return
		}
		if handlers.OnFrame != nil {
			handlers.OnFrame(envelope)
		}
	}
}
