package capture

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Sender is the analysis side of the loop.
type Sender interface {
	Ready() bool
	TrySend(image string, pose string, capturedAt time.Time) bool
}

// Loop samples the source at a bounded rate and feeds the sender. A tick
// sends only when the sender is ready, the limiter allows it and a pose is
// selected; otherwise the tick is skipped, never queued.
type Loop struct {
	source   Source
	sender   Sender
	pose     func() string
	interval time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
}

func NewLoop(source Source, sender Sender, hz float64, pose func() string) *Loop {
	interval := time.Duration(float64(time.Second) / hz)
	return &Loop{
		source:   source,
		sender:   sender,
		pose:     pose,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		now:      time.Now,
	}
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Debug().Dur("interval", l.interval).Msg("capture loop started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("capture loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) bool {
	pose := l.pose()
	if pose == "" {
		return false
	}
	if !l.sender.Ready() {
		return false
	}
	if !l.limiter.AllowN(l.now(), 1) {
		return false
	}

	frame, err := l.source.Capture(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("frame capture failed")
		return false
	}
	return l.sender.TrySend(EncodeDataURL(frame), pose, l.now())
}
