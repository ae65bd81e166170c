package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/reefmind/posepair/internal/redis"
)

const (
	// EventResubscribed is emitted locally whenever redis acknowledges a
	// (re)subscription. Anything published while the connection was down is
	// lost, so consumers treat it as "re-derive from the store".
	EventResubscribed = "resubscribed"

	subscriptionBufferSize = 100
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

type Subscriber interface {
	Subscribe(channel string) *Subscription
}

// Subscription is one open channel subscription. Close is idempotent and
// performs exactly one unsubscribe.
type Subscription struct {
	Channel string
	Events  chan Event
	Done    chan struct{}

	bus       *Bus
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type Bus struct {
	redis  *redisclient.Client
	subs   map[*Subscription]struct{}
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBus(redisClient *redisclient.Client) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		redis:  redisClient,
		subs:   make(map[*Subscription]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, channel, data).Err()
}

func (b *Bus) Subscribe(channel string) *Subscription {
	ctx, cancel := context.WithCancel(b.ctx)
	sub := newSubscription(channel, cancel)
	sub.bus = b

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	go b.pump(ctx, sub)

	log.Debug().
		Str("channel", channel).
		Int("subscriptionCount", count).
		Msg("realtime subscription opened")

	return sub
}

func newSubscription(channel string, cancel context.CancelFunc) *Subscription {
	return &Subscription{
		Channel: channel,
		Events:  make(chan Event, subscriptionBufferSize),
		Done:    make(chan struct{}),
		cancel:  cancel,
	}
}

func (b *Bus) pump(ctx context.Context, sub *Subscription) {
	pubsub := b.redis.Subscribe(ctx, sub.Channel)
	defer pubsub.Close()

	ch := pubsub.ChannelWithSubscriptions(redis.WithChannelSize(subscriptionBufferSize))

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			sub.deliver(msg)
		}
	}
}

func (s *Subscription) deliver(msg interface{}) {
	var event Event

	switch m := msg.(type) {
	case *redis.Subscription:
		if m.Kind != "subscribe" {
			return
		}
		event = Event{Type: EventResubscribed}
		log.Debug().Str("channel", s.Channel).Msg("realtime channel (re)subscribed")

	case *redis.Message:
		if err := json.Unmarshal([]byte(m.Payload), &event); err != nil {
			log.Error().Err(err).Str("channel", s.Channel).Msg("failed to unmarshal event")
			return
		}

	default:
		return
	}

	select {
	case <-s.Done:
		return
	default:
	}

	select {
	case s.Events <- event:
	default:
		log.Warn().
			Str("channel", s.Channel).
			Str("type", event.Type).
			Msg("subscription buffer full, dropping event")
	}
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.Done)

		if s.bus != nil {
			s.bus.remove(s)
		}

		log.Debug().Str("channel", s.Channel).Msg("realtime subscription closed")
	})
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

func (b *Bus) Close() {
	b.cancel()

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
