package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefmind/posepair/internal/audit"
	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/pipeline"
	"github.com/reefmind/posepair/internal/store"
	"github.com/reefmind/posepair/internal/subscription"
)

const (
	commandBuffer = 16
	wakeBuffer    = 64
	updateBuffer  = 256
	frameBuffer   = 8

	defaultStoreTimeout = 5 * time.Second
)

// Store is the room store as seen by one participant.
type Store interface {
	CreatePendingRoom(ctx context.Context, requesterID, targetID string) (*model.Room, error)
	CreateInvite(ctx context.Context, room *model.Room) (*model.Notification, error)
	AcceptRoom(ctx context.Context, roomID string) (*model.Room, error)
	SetPose(ctx context.Context, roomID string, pose string, callerID string) error
	DeleteRoom(ctx context.Context, roomID string) error
	DeleteNotification(ctx context.Context, id string) (bool, error)
	FindRoomForUser(ctx context.Context, userID string) (*model.Room, error)
	FindInviteForRoom(ctx context.Context, roomID, recipientID string) (*model.Notification, error)
	SubscribeRoomChanges(userID string, onChange func(store.RoomChange)) store.Watch
	SubscribeInvites(userID string, onInvite func(store.InviteEvent)) store.Watch
}

// Pipeline is the streaming side of an active session.
type Pipeline interface {
	Start(ctx context.Context)
	Stop()
	SetPose(pose string)
	ReconnectAnalysis(ctx context.Context) error
	Stats() pipeline.Stats
}

type PipelineParams struct {
	RoomID    string
	SelfID    string
	PartnerID string
	Pose      string

	OnSlot         func(pipeline.SlotUpdate)
	OnAnalysisLost func(error)
	OnPartnerLost  func()
}

type PipelineFactory func(PipelineParams) Pipeline

type Options struct {
	UserID         string
	StoreTimeout   time.Duration
	SubscribeGrace time.Duration
}

type commandKind string

const (
	cmdRequest   commandKind = "request"
	cmdAccept    commandKind = "accept"
	cmdDecline   commandKind = "decline"
	cmdCancel    commandKind = "cancel"
	cmdSetPose   commandKind = "set_pose"
	cmdEnd       commandKind = "end"
	cmdResync    commandKind = "resync"
	cmdReconnect commandKind = "reconnect_analysis"
)

type command struct {
	ctx   context.Context
	kind  commandKind
	arg   string
	reply chan error
}

type wake struct {
	source string
	roomID string
	resync bool
}

// Controller drives one participant's session. A single goroutine (Run)
// owns all session state; commands and store notifications reach it over
// channels. Every notification is only a wake-up: the controller re-reads
// the room and derives its state from that.
type Controller struct {
	userID       string
	store        Store
	newPipeline  PipelineFactory
	storeTimeout time.Duration

	commands chan command
	wakes    chan wake
	updates  chan Update
	frames   chan Update
	done     chan struct{}
	running  atomic.Bool

	roomScope   *subscription.Scope
	inviteScope *subscription.Scope

	mu       sync.Mutex
	snap     Snapshot
	snapPipe Pipeline

	// Owned by Run.
	runCtx context.Context
	state  model.SessionState
	room   *model.Room
	invite *model.Notification
	pipe   Pipeline
	pose   string
}

func NewController(opts Options, st Store, newPipeline PipelineFactory) *Controller {
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	c := &Controller{
		userID:       opts.UserID,
		store:        st,
		newPipeline:  newPipeline,
		storeTimeout: timeout,
		commands:     make(chan command, commandBuffer),
		wakes:        make(chan wake, wakeBuffer),
		updates:      make(chan Update, updateBuffer),
		frames:       make(chan Update, frameBuffer),
		done:         make(chan struct{}),
		roomScope:    subscription.NewScope("rooms:"+opts.UserID, opts.SubscribeGrace),
		inviteScope:  subscription.NewScope("invites:"+opts.UserID, opts.SubscribeGrace),
		state:        model.SessionStateIdle,
	}
	c.snap = Snapshot{State: model.SessionStateIdle, UserID: opts.UserID}
	return c
}

// Updates delivers state, navigation, notice and partner loss updates.
// Updates are dropped only when the consumer falls far behind.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// Frames delivers self and partner tile updates. A frame that does not fit
// is dropped; the next one supersedes it.
func (c *Controller) Frames() <-chan Update {
	return c.frames
}

// Snapshot returns the last derived state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := c.snap
	pipe := c.snapPipe
	c.mu.Unlock()

	if pipe != nil {
		stats := pipe.Stats()
		snap.Pipeline = &stats
	}
	return snap
}

// Run opens the room and invite feeds, resolves the current state from the
// store and serves commands until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return apperrors.Internal("session controller already running")
	}
	defer close(c.done)
	c.runCtx = ctx

	roomGen := c.roomScope.Activate(func() subscription.Closer {
		return c.store.SubscribeRoomChanges(c.userID, func(change store.RoomChange) {
			c.wake(wake{source: "room", roomID: change.RoomID, resync: change.Kind == store.ChangeResync})
		})
	})
	inviteGen := c.inviteScope.Activate(func() subscription.Closer {
		return c.store.SubscribeInvites(c.userID, func(invite store.InviteEvent) {
			c.wake(wake{source: "invite", roomID: invite.RoomID, resync: invite.Resync})
		})
	})
	defer c.roomScope.Release(roomGen)
	defer c.inviteScope.Release(inviteGen)
	defer c.teardownPipeline()

	log.Info().Str("userId", c.userID).Msg("session controller started")

	if err := c.resync(ctx, false); err != nil {
		log.Warn().Err(err).Msg("initial session lookup failed, waiting for the next event")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("userId", c.userID).Msg("session controller stopped")
			return nil

		case cmd := <-c.commands:
			cmd.reply <- c.handle(cmd)

		case w := <-c.wakes:
			resync := w.resync || c.drainWakes()
			if resync {
				log.Debug().Str("source", w.source).Msg("feed resubscribed, re-deriving session")
			}
			if err := c.resync(ctx, false); err != nil {
				log.Warn().Err(err).Str("source", w.source).Msg("session re-derive failed")
				continue
			}
			if w.roomID != "" && w.roomID != roomIDOf(c.room) {
				log.Debug().
					Err(apperrors.StaleEvent("event refers to room "+w.roomID)).
					Str("source", w.source).
					Msg("stale event reconciled")
			}
		}
	}
}

func (c *Controller) Request(ctx context.Context, targetID string) error {
	return c.do(ctx, cmdRequest, targetID)
}

func (c *Controller) Accept(ctx context.Context) error {
	return c.do(ctx, cmdAccept, "")
}

func (c *Controller) Decline(ctx context.Context) error {
	return c.do(ctx, cmdDecline, "")
}

func (c *Controller) Cancel(ctx context.Context) error {
	return c.do(ctx, cmdCancel, "")
}

func (c *Controller) SetPose(ctx context.Context, pose string) error {
	return c.do(ctx, cmdSetPose, pose)
}

func (c *Controller) End(ctx context.Context) error {
	return c.do(ctx, cmdEnd, "")
}

// Resync forces a lookup of the room, as on reconnect.
func (c *Controller) Resync(ctx context.Context) error {
	return c.do(ctx, cmdResync, "")
}

func (c *Controller) ReconnectAnalysis(ctx context.Context) error {
	return c.do(ctx, cmdReconnect, "")
}

func (c *Controller) do(ctx context.Context, kind commandKind, arg string) error {
	cmd := command{ctx: ctx, kind: kind, arg: arg, reply: make(chan error, 1)}

	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return apperrors.Internal("session controller stopped")
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return apperrors.Internal("session controller stopped")
	}
}

func (c *Controller) wake(w wake) {
	select {
	case c.wakes <- w:
	default:
		// A wake-up is already pending; it re-reads everything anyway.
	}
}

// drainWakes coalesces queued wake-ups into one re-derive and reports
// whether any of them was a resubscription.
func (c *Controller) drainWakes() bool {
	resync := false
	for {
		select {
		case w := <-c.wakes:
			resync = resync || w.resync
		default:
			return resync
		}
	}
}

func (c *Controller) handle(cmd command) error {
	var err error
	switch cmd.kind {
	case cmdRequest:
		err = c.request(cmd.ctx, cmd.arg)
	case cmdAccept:
		err = c.accept(cmd.ctx)
	case cmdDecline:
		err = c.decline(cmd.ctx)
	case cmdCancel:
		err = c.cancelRequest(cmd.ctx)
	case cmdSetPose:
		err = c.setPose(cmd.ctx, cmd.arg)
	case cmdEnd:
		err = c.end(cmd.ctx)
	case cmdResync:
		err = c.resync(cmd.ctx, false)
	case cmdReconnect:
		err = c.reconnectAnalysis(cmd.ctx)
	default:
		err = apperrors.Internal("unknown command")
	}

	if err != nil && apperrors.IsBlockedAction(err) {
		appErr, _ := apperrors.AsAppError(err)
		audit.Log(cmd.ctx, audit.Event{
			Type:   audit.EventActionBlocked,
			UserID: c.userID,
			RoomID: roomIDOf(c.room),
			Details: map[string]interface{}{
				"action": string(cmd.kind),
				"code":   string(appErr.Code),
			},
		})
		c.emit(UpdateNotice, Notice{Code: string(appErr.Code), Message: appErr.Message})
	}
	return err
}

func (c *Controller) request(ctx context.Context, targetID string) error {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return apperrors.MissingRequired("targetId")
	}
	if targetID == c.userID {
		return apperrors.InvalidInput("targetId", "cannot invite yourself")
	}
	if c.state != model.SessionStateIdle {
		return apperrors.AlreadyInRoom(c.userID)
	}

	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	room, err := c.store.CreatePendingRoom(sctx, c.userID, targetID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			if rerr := c.resync(ctx, true); rerr != nil {
				log.Warn().Err(rerr).Msg("re-derive after conflict failed")
			}
			return apperrors.AlreadyInRoom(conflictingUser(err, targetID))
		}
		return err
	}

	if _, err := c.store.CreateInvite(sctx, room); err != nil {
		if delErr := c.store.DeleteRoom(sctx, room.ID); delErr != nil {
			log.Error().Err(delErr).Str("roomId", room.ID).Msg("failed to roll back room after invite failure")
		}
		return err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventRequestSent,
		UserID:    c.userID,
		RoomID:    room.ID,
		PartnerID: targetID,
	})
	c.apply(room, nil, true)
	return nil
}

func (c *Controller) accept(ctx context.Context) error {
	if c.state != model.SessionStateAwaitingMyDecision {
		return apperrors.InvalidState("accept", c.state)
	}
	pending := c.room

	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	room, err := c.store.AcceptRoom(sctx, pending.ID)
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	c.deleteInvite(sctx, pending.ID)

	if apperrors.IsNotFound(err) {
		// The requester withdrew first. Nothing to accept.
		log.Info().Str("roomId", pending.ID).Msg("room withdrawn before accept")
		c.apply(nil, nil, true)
		return nil
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventInviteAccept,
		UserID:    c.userID,
		RoomID:    room.ID,
		PartnerID: room.PartnerOf(c.userID),
	})
	c.apply(room, nil, true)
	return nil
}

func (c *Controller) decline(ctx context.Context) error {
	if c.state != model.SessionStateAwaitingMyDecision {
		return apperrors.InvalidState("decline", c.state)
	}
	room := c.room

	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	if err := c.store.DeleteRoom(sctx, room.ID); err != nil {
		return err
	}
	c.deleteInvite(sctx, room.ID)

	audit.Log(ctx, audit.Event{
		Type:      audit.EventInviteDecline,
		UserID:    c.userID,
		RoomID:    room.ID,
		PartnerID: room.PartnerOf(c.userID),
	})
	c.apply(nil, nil, true)
	return nil
}

func (c *Controller) cancelRequest(ctx context.Context) error {
	if c.state != model.SessionStateAwaitingAccept {
		return apperrors.InvalidState("cancel", c.state)
	}
	room := c.room

	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	if err := c.store.DeleteRoom(sctx, room.ID); err != nil {
		return err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventRequestCancel,
		UserID:    c.userID,
		RoomID:    room.ID,
		PartnerID: room.PartnerOf(c.userID),
	})
	c.apply(nil, nil, true)
	return nil
}

func (c *Controller) setPose(ctx context.Context, name string) error {
	pose, ok := model.ParsePose(name)
	if !ok {
		return apperrors.InvalidInput("pose", "unknown pose "+strings.TrimSpace(name))
	}
	if c.state != model.SessionStateActive {
		return apperrors.InvalidState("set pose", c.state)
	}
	if !c.room.IsHost(c.userID) {
		return apperrors.Forbidden("Only the host can change the pose")
	}

	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	if err := c.store.SetPose(sctx, c.room.ID, string(pose), c.userID); err != nil {
		if apperrors.IsNotFound(err) || apperrors.HasCode(err, apperrors.ErrCodeForbidden) {
			if rerr := c.resync(ctx, false); rerr != nil {
				log.Warn().Err(rerr).Msg("re-derive after rejected pose change failed")
			}
		}
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventPoseChange,
		UserID:    c.userID,
		RoomID:    c.room.ID,
		PartnerID: c.room.PartnerOf(c.userID),
		Details:   map[string]interface{}{"pose": string(pose)},
	})

	updated := *c.room
	p := string(pose)
	updated.CurrentPose = &p
	c.apply(&updated, nil, true)
	return nil
}

func (c *Controller) end(ctx context.Context) error {
	if c.state != model.SessionStateActive {
		return apperrors.InvalidState("end session", c.state)
	}
	room := c.room

	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	if err := c.store.DeleteRoom(sctx, room.ID); err != nil {
		return err
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionEnd,
		UserID:    c.userID,
		RoomID:    room.ID,
		PartnerID: room.PartnerOf(c.userID),
	})
	c.apply(nil, nil, true)
	return nil
}

func (c *Controller) reconnectAnalysis(ctx context.Context) error {
	if c.pipe == nil {
		return apperrors.InvalidState("reconnect analysis", c.state)
	}
	return c.pipe.ReconnectAnalysis(ctx)
}

// resync reads the authoritative room for the user and applies it.
func (c *Controller) resync(ctx context.Context, selfAction bool) error {
	sctx, cancel := c.storeContext(ctx)
	defer cancel()

	room, err := c.store.FindRoomForUser(sctx, c.userID)
	if err != nil {
		return err
	}

	var invite *model.Notification
	if Derive(room, c.userID) == model.SessionStateAwaitingMyDecision {
		invite, err = c.store.FindInviteForRoom(sctx, room.ID, c.userID)
		if err != nil {
			log.Warn().Err(err).Str("roomId", room.ID).Msg("invite lookup failed")
		}
	}

	c.apply(room, invite, selfAction)
	return nil
}

// apply moves the controller to the state derived from room and runs the
// side effects of the transition. selfAction suppresses the notices shown
// when the partner caused the change.
func (c *Controller) apply(room *model.Room, invite *model.Notification, selfAction bool) {
	prevState := c.state
	prevRoomID := roomIDOf(c.room)
	before := c.snapshot()

	next := Derive(room, c.userID)
	if next == model.SessionStateIdle {
		room, invite = nil, nil
	}

	if c.pipe != nil && (next != model.SessionStateActive || room.ID != prevRoomID) {
		c.teardownPipeline()
	}

	c.state, c.room, c.invite = next, room, invite

	if next == model.SessionStateActive {
		if c.pipe == nil {
			c.startPipeline(room)
		}
		if pose := room.Pose(); pose != c.pose {
			c.pose = pose
			c.pipe.SetPose(pose)
			if pose != "" {
				c.emit(UpdateNavigate, Navigation{Pose: pose, PartnerID: room.PartnerOf(c.userID)})
			}
		}
	}

	if !selfAction && next == model.SessionStateIdle {
		switch prevState {
		case model.SessionStateAwaitingAccept:
			c.emit(UpdateNotice, Notice{
				Code:    NoticePartnerDeclined,
				Message: "Your join request was declined",
			})
		case model.SessionStateActive:
			c.emit(UpdateNotice, Notice{
				Code:    NoticeSessionEnded,
				Message: "Your partner ended the session",
			})
		}
	}

	after := c.snapshot()
	c.mu.Lock()
	c.snap = after
	c.snapPipe = c.pipe
	c.mu.Unlock()

	if after != before {
		if prevState != next {
			log.Info().
				Str("from", string(prevState)).
				Str("to", string(next)).
				Str("roomId", after.RoomID).
				Msg("session state changed")
		}
		c.emit(UpdateState, after)
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		State:  c.state,
		UserID: c.userID,
	}
	if c.room != nil {
		snap.RoomID = c.room.ID
		snap.Role = roleOf(c.room, c.userID)
		snap.PartnerID = c.room.PartnerOf(c.userID)
		snap.Pose = c.room.Pose()
	}
	if c.invite != nil {
		snap.InviteID = c.invite.ID
	}
	return snap
}

func (c *Controller) startPipeline(room *model.Room) {
	partnerID := room.PartnerOf(c.userID)
	c.pose = ""
	c.pipe = c.newPipeline(PipelineParams{
		RoomID:    room.ID,
		SelfID:    c.userID,
		PartnerID: partnerID,
		Pose:      room.Pose(),
		OnSlot: func(u pipeline.SlotUpdate) {
			kind := UpdateSelfFrame
			if u.Slot == pipeline.SlotPartner {
				kind = UpdatePartnerFrame
			}
			c.emitFrame(kind, u)
		},
		OnAnalysisLost: func(err error) {
			c.emit(UpdateNotice, Notice{
				Code:    NoticeAnalysisLost,
				Message: "Lost connection to the analysis service",
			})
		},
		OnPartnerLost: func() {
			c.emit(UpdatePartnerLost, map[string]string{"partnerId": partnerID})
		},
	})

	ctx := c.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	c.pipe.Start(ctx)
}

func (c *Controller) teardownPipeline() {
	if c.pipe == nil {
		return
	}
	c.pipe.Stop()
	c.pipe = nil
	c.pose = ""

	c.mu.Lock()
	c.snapPipe = nil
	c.mu.Unlock()
}

func (c *Controller) deleteInvite(ctx context.Context, roomID string) {
	invite := c.invite
	if invite == nil {
		found, err := c.store.FindInviteForRoom(ctx, roomID, c.userID)
		if err != nil {
			log.Warn().Err(err).Str("roomId", roomID).Msg("invite lookup failed")
			return
		}
		invite = found
	}
	if invite == nil {
		return
	}
	if _, err := c.store.DeleteNotification(ctx, invite.ID); err != nil {
		log.Warn().Err(err).Str("notificationId", invite.ID).Msg("failed to delete invite")
	}
}

func (c *Controller) emit(kind UpdateKind, data any) {
	select {
	case c.updates <- Update{Kind: kind, Data: data}:
	default:
		log.Warn().Str("kind", string(kind)).Msg("update buffer full, dropping update")
	}
}

func (c *Controller) emitFrame(kind UpdateKind, slot pipeline.SlotUpdate) {
	select {
	case c.frames <- Update{Kind: kind, Data: slot}:
	default:
		log.Debug().Str("kind", string(kind)).Uint64("seq", slot.Seq).Msg("frame buffer full, dropping frame")
	}
}

func (c *Controller) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.storeTimeout)
}

func roomIDOf(room *model.Room) string {
	if room == nil {
		return ""
	}
	return room.ID
}

// conflictingUser names the participant that already has a room.
func conflictingUser(err error, fallback string) string {
	if appErr, ok := apperrors.AsAppError(err); ok {
		if details, ok := appErr.Details.(map[string]string); ok && details["userId"] != "" {
			return details["userId"]
		}
	}
	return fallback
}
