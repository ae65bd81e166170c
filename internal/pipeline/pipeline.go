package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefmind/posepair/internal/analysis"
	"github.com/reefmind/posepair/internal/capture"
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/realtime"
	"github.com/reefmind/posepair/internal/relay"
	"github.com/reefmind/posepair/internal/subscription"
)

const (
	defaultPartnerStaleAfter = 3 * time.Second
	redialTimeout            = 5 * time.Second
)

type EventBus interface {
	realtime.Publisher
	realtime.Subscriber
}

type Config struct {
	RoomID    string
	SelfID    string
	PartnerID string
	Pose      string

	AnalysisURL     string
	AnalysisHz      float64
	RelayHz         float64
	AnalysisTimeout time.Duration
	SubscribeGrace  time.Duration
	// PartnerStaleAfter is how long the partner tile survives without a
	// relayed frame.
	PartnerStaleAfter time.Duration
}

type Deps struct {
	Bus    EventBus
	Source capture.Source

	OnSlot         func(SlotUpdate)
	OnAnalysisLost func(error)
	OnPartnerLost  func()
}

type Stats struct {
	AnalysisConnected bool                 `json:"analysisConnected"`
	Analysis          analysis.Stats       `json:"analysis"`
	Relay             relay.PublisherStats `json:"relay"`
	PartnerFrames     int64                `json:"partnerFrames"`
}

// Pipeline runs the capture, analysis and relay flows for one active room.
// Start and Stop each take effect once.
type Pipeline struct {
	cfg  Config
	deps Deps

	self      *Slot
	partner   *Slot
	client    *analysis.Client
	publisher *relay.Publisher
	relay     *subscription.Scope
	loop      *capture.Loop

	pose          atomic.Value
	partnerFrames atomic.Int64
	partnerSeen   atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config, deps Deps) *Pipeline {
	if cfg.PartnerStaleAfter <= 0 {
		cfg.PartnerStaleAfter = defaultPartnerStaleAfter
	}

	p := &Pipeline{
		cfg:  cfg,
		deps: deps,
	}
	p.pose.Store(cfg.Pose)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.self = NewSlot(SlotSelf, deps.OnSlot)
	p.partner = NewSlot(SlotPartner, deps.OnSlot)
	p.client = analysis.NewClient(cfg.AnalysisURL, cfg.AnalysisTimeout, analysis.Handlers{
		OnResult: p.handleResult,
		OnLost:   p.handleAnalysisLost,
	})
	p.publisher = relay.NewPublisher(deps.Bus, cfg.RoomID, cfg.SelfID, cfg.RelayHz)
	p.relay = subscription.NewScope("relay:"+cfg.RoomID, cfg.SubscribeGrace)
	p.loop = capture.NewLoop(deps.Source, p.client, cfg.AnalysisHz, p.Pose)
	return p
}

// Start opens the relay channel, connects to the analysis service and starts
// sampling. A failed analysis connection degrades the pipeline but is not an
// error: the room stays usable without a self overlay.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		if p.ctx.Err() != nil {
			return
		}
		log.Info().
			Str("roomId", p.cfg.RoomID).
			Str("partnerId", p.cfg.PartnerID).
			Str("pose", p.Pose()).
			Msg("pipeline starting")

		p.relay.Activate(func() subscription.Closer {
			return relay.Subscribe(p.deps.Bus, p.cfg.RoomID, p.cfg.SelfID, relay.Handlers{
				OnFrame: p.handlePartnerFrame,
				OnResubscribed: func() {
					log.Debug().Str("roomId", p.cfg.RoomID).Msg("relay channel subscribed")
				},
			})
		})

		if err := p.client.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("analysis unavailable, continuing without self overlay")
			p.notifyAnalysisLost(err)
		}

		p.wg.Add(3)
		go func() {
			defer p.wg.Done()
			p.loop.Run(p.ctx)
		}()
		go func() {
			defer p.wg.Done()
			p.publisher.Run(p.ctx)
		}()
		go func() {
			defer p.wg.Done()
			p.watchPartner()
		}()
	})
}

// Stop tears everything down. Safe to call more than once, and before Start.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.relay.Close()
		p.client.Close()
		p.wg.Wait()

		p.self.Clear()
		p.partner.Clear()

		log.Info().Str("roomId", p.cfg.RoomID).Msg("pipeline stopped")
	})
}

// ReconnectAnalysis re-dials the analysis service after a loss.
func (p *Pipeline) ReconnectAnalysis(ctx context.Context) error {
	if p.ctx.Err() != nil {
		return nil
	}
	err := p.client.Connect(ctx)
	if p.ctx.Err() != nil {
		p.client.Close()
	}
	return err
}

func (p *Pipeline) SetPose(pose string) {
	p.pose.Store(pose)
}

func (p *Pipeline) Pose() string {
	return p.pose.Load().(string)
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		AnalysisConnected: p.client.Connected(),
		Analysis:          p.client.Stats(),
		Relay:             p.publisher.Stats(),
		PartnerFrames:     p.partnerFrames.Load(),
	}
}

// handleResult runs on the analysis read goroutine. The relay publish happens
// on the publisher goroutine so a slow bus never delays the next reply.
func (p *Pipeline) handleResult(resp model.AnalysisResponse, capturedAt time.Time) {
	if p.ctx.Err() != nil {
		return
	}
	now := time.Now()
	stats := analysis.FormatStats(resp.Stats)
	pose := p.Pose()

	p.self.Set(Frame{
		OwnerID:    p.cfg.SelfID,
		Image:      resp.Image,
		Stats:      stats,
		Pose:       pose,
		CapturedAt: capturedAt,
		ReceivedAt: now,
	})
	p.publisher.Offer(model.AnnotatedFrame{
		Image:      resp.Image,
		Stats:      stats,
		Pose:       pose,
		CapturedAt: capturedAt,
		ReceivedAt: now,
	})
}

// handleAnalysisLost redials once after a stalled request. Any other loss,
// or a failed redial, is surfaced to the session.
func (p *Pipeline) handleAnalysisLost(err error) {
	if p.ctx.Err() != nil {
		return
	}
	if errors.Is(err, analysis.ErrStalled) {
		ctx, cancel := context.WithTimeout(p.ctx, redialTimeout)
		redialErr := p.client.Connect(ctx)
		cancel()
		if p.ctx.Err() != nil {
			p.client.Close()
			return
		}
		if redialErr == nil {
			log.Info().Str("roomId", p.cfg.RoomID).Msg("analysis redialed after stalled request")
			return
		}
		err = redialErr
	}
	p.notifyAnalysisLost(err)
}

func (p *Pipeline) notifyAnalysisLost(err error) {
	p.self.Clear()
	if p.deps.OnAnalysisLost != nil {
		p.deps.OnAnalysisLost(err)
	}
}

func (p *Pipeline) handlePartnerFrame(envelope model.FrameEnvelope) {
	if p.ctx.Err() != nil {
		return
	}
	if envelope.OwnerID != p.cfg.PartnerID {
		log.Debug().Str("ownerId", envelope.OwnerID).Msg("ignoring relay frame from unknown owner")
		return
	}
	now := time.Now()
	p.partnerFrames.Add(1)
	p.partnerSeen.Store(now.UnixNano())
	p.partner.Set(Frame{
		OwnerID:    envelope.OwnerID,
		Image:      envelope.Payload,
		Stats:      envelope.Stats,
		CapturedAt: envelope.CapturedAt,
		ReceivedAt: now,
	})
}

// watchPartner clears the partner tile once relayed frames stop arriving.
func (p *Pipeline) watchPartner() {
	ticker := time.NewTicker(p.cfg.PartnerStaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			seen := p.partnerSeen.Load()
			if seen == 0 || now.Sub(time.Unix(0, seen)) < p.cfg.PartnerStaleAfter {
				continue
			}
			if p.partner.Clear() {
				log.Info().Str("partnerId", p.cfg.PartnerID).Msg("partner relay went quiet")
				if p.deps.OnPartnerLost != nil {
					p.deps.OnPartnerLost()
				}
			}
		}
	}
}
