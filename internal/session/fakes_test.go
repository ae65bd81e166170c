package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/pipeline"
	"github.com/reefmind/posepair/internal/store"
)

// memWorld is an in-memory room store shared by several controllers.
type memWorld struct {
	mu             sync.Mutex
	rooms          map[string]*model.Room
	notifs         map[string]*model.Notification
	roomWatchers   map[string]map[int]func(store.RoomChange)
	inviteWatchers map[string]map[int]func(store.InviteEvent)
	nextID         int
	calls          map[string]int
	failInvite     bool
}

func newMemWorld() *memWorld {
	return &memWorld{
		rooms:          make(map[string]*model.Room),
		notifs:         make(map[string]*model.Notification),
		roomWatchers:   make(map[string]map[int]func(store.RoomChange)),
		inviteWatchers: make(map[string]map[int]func(store.InviteEvent)),
		calls:          make(map[string]int),
	}
}

type memWatch struct {
	once  sync.Once
	close func()
}

func (w *memWatch) Close() {
	w.once.Do(w.close)
}

func copyRoom(r *model.Room) *model.Room {
	if r == nil {
		return nil
	}
	out := *r
	if r.CurrentPose != nil {
		p := *r.CurrentPose
		out.CurrentPose = &p
	}
	return &out
}

func (w *memWorld) called(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[name]
}

func (w *memWorld) roomForLocked(userID string) *model.Room {
	for _, r := range w.rooms {
		if r.Includes(userID) {
			return r
		}
	}
	return nil
}

func (w *memWorld) roomChangeCallbacksLocked(room *model.Room, kind store.ChangeKind) []func() {
	var out []func()
	change := store.RoomChange{Kind: kind, RoomID: room.ID}
	for _, userID := range []string{room.HostID, room.JoinerID} {
		for _, cb := range w.roomWatchers[userID] {
			cb := cb
			out = append(out, func() { cb(change) })
		}
	}
	return out
}

func run(callbacks []func()) {
	for _, cb := range callbacks {
		cb()
	}
}

func (w *memWorld) CreatePendingRoom(ctx context.Context, requesterID, targetID string) (*model.Room, error) {
	w.mu.Lock()
	w.calls["CreatePendingRoom"]++
	for _, userID := range []string{requesterID, targetID} {
		if w.roomForLocked(userID) != nil {
			w.mu.Unlock()
			return nil, apperrors.Conflict("already in a room").WithDetails(map[string]string{"userId": userID})
		}
	}
	w.nextID++
	room := &model.Room{
		ID:        fmt.Sprintf("room-%d", w.nextID),
		HostID:    targetID,
		JoinerID:  requesterID,
		Status:    model.RoomStatusPending,
		CreatedAt: time.Now(),
	}
	w.rooms[room.ID] = room
	callbacks := w.roomChangeCallbacksLocked(room, store.ChangeCreated)
	out := copyRoom(room)
	w.mu.Unlock()

	run(callbacks)
	return out, nil
}

func (w *memWorld) CreateInvite(ctx context.Context, room *model.Room) (*model.Notification, error) {
	w.mu.Lock()
	w.calls["CreateInvite"]++
	if w.failInvite {
		w.mu.Unlock()
		return nil, apperrors.Database(fmt.Errorf("insert failed"))
	}
	w.nextID++
	roomID := room.ID
	n := &model.Notification{
		ID:          fmt.Sprintf("n-%d", w.nextID),
		RecipientID: room.HostID,
		SenderID:    room.JoinerID,
		RoomID:      &roomID,
		Type:        model.NotificationTypeInvite,
	}
	w.notifs[n.ID] = n
	var callbacks []func()
	for _, cb := range w.inviteWatchers[room.HostID] {
		cb := cb
		callbacks = append(callbacks, func() { cb(store.InviteEvent{NotificationID: n.ID, RoomID: roomID}) })
	}
	out := *n
	w.mu.Unlock()

	run(callbacks)
	return &out, nil
}

func (w *memWorld) AcceptRoom(ctx context.Context, roomID string) (*model.Room, error) {
	w.mu.Lock()
	w.calls["AcceptRoom"]++
	room, ok := w.rooms[roomID]
	if !ok {
		w.mu.Unlock()
		return nil, apperrors.NotFound("Room")
	}
	var callbacks []func()
	if room.Status == model.RoomStatusPending {
		room.Status = model.RoomStatusActive
		callbacks = w.roomChangeCallbacksLocked(room, store.ChangeUpdated)
	}
	out := copyRoom(room)
	w.mu.Unlock()

	run(callbacks)
	return out, nil
}

func (w *memWorld) SetPose(ctx context.Context, roomID string, pose string, callerID string) error {
	w.mu.Lock()
	w.calls["SetPose"]++
	room, ok := w.rooms[roomID]
	if !ok {
		w.mu.Unlock()
		return apperrors.NotFound("Room")
	}
	if room.HostID != callerID || room.Status != model.RoomStatusActive {
		w.mu.Unlock()
		return apperrors.Forbidden("not allowed")
	}
	room.CurrentPose = &pose
	callbacks := w.roomChangeCallbacksLocked(room, store.ChangeUpdated)
	w.mu.Unlock()

	run(callbacks)
	return nil
}

func (w *memWorld) DeleteRoom(ctx context.Context, roomID string) error {
	w.mu.Lock()
	w.calls["DeleteRoom"]++
	room, ok := w.rooms[roomID]
	if !ok {
		w.mu.Unlock()
		return nil
	}
	w.deleteLocked(room)
	callbacks := w.roomChangeCallbacksLocked(room, store.ChangeDeleted)
	w.mu.Unlock()

	run(callbacks)
	return nil
}

func (w *memWorld) deleteLocked(room *model.Room) {
	delete(w.rooms, room.ID)
	for id, n := range w.notifs {
		if n.RoomID != nil && *n.RoomID == room.ID {
			delete(w.notifs, id)
		}
	}
}

// deleteSilently removes a room without notifying anyone, as if the
// notification were lost in transit.
func (w *memWorld) deleteSilently(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room, ok := w.rooms[roomID]; ok {
		w.deleteLocked(room)
	}
}

func (w *memWorld) insertSilently(room *model.Room) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rooms[room.ID] = copyRoom(room)
}

func (w *memWorld) resubscribe(userID string) {
	w.mu.Lock()
	var callbacks []func()
	for _, cb := range w.roomWatchers[userID] {
		cb := cb
		callbacks = append(callbacks, func() { cb(store.RoomChange{Kind: store.ChangeResync}) })
	}
	w.mu.Unlock()
	run(callbacks)
}

func (w *memWorld) DeleteNotification(ctx context.Context, id string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls["DeleteNotification"]++
	_, ok := w.notifs[id]
	delete(w.notifs, id)
	return ok, nil
}

func (w *memWorld) notificationCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.notifs)
}

func (w *memWorld) room(roomID string) *model.Room {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyRoom(w.rooms[roomID])
}

func (w *memWorld) FindRoomForUser(ctx context.Context, userID string) (*model.Room, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyRoom(w.roomForLocked(userID)), nil
}

func (w *memWorld) FindInviteForRoom(ctx context.Context, roomID, recipientID string) (*model.Notification, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range w.notifs {
		if n.RoomID != nil && *n.RoomID == roomID && n.RecipientID == recipientID {
			out := *n
			return &out, nil
		}
	}
	return nil, nil
}

func (w *memWorld) SubscribeRoomChanges(userID string, onChange func(store.RoomChange)) store.Watch {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	if w.roomWatchers[userID] == nil {
		w.roomWatchers[userID] = make(map[int]func(store.RoomChange))
	}
	w.roomWatchers[userID][id] = onChange
	return &memWatch{close: func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.roomWatchers[userID], id)
	}}
}

func (w *memWorld) SubscribeInvites(userID string, onInvite func(store.InviteEvent)) store.Watch {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	if w.inviteWatchers[userID] == nil {
		w.inviteWatchers[userID] = make(map[int]func(store.InviteEvent))
	}
	w.inviteWatchers[userID][id] = onInvite
	return &memWatch{close: func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.inviteWatchers[userID], id)
	}}
}

func (w *memWorld) watcherCount(userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.roomWatchers[userID]) + len(w.inviteWatchers[userID])
}

type fakePipeline struct {
	mu         sync.Mutex
	params     PipelineParams
	started    int
	stopped    int
	poses      []string
	reconnects int
}

func (p *fakePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
}

func (p *fakePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
}

func (p *fakePipeline) SetPose(pose string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poses = append(p.poses, pose)
}

func (p *fakePipeline) ReconnectAnalysis(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnects++
	return nil
}

func (p *fakePipeline) Stats() pipeline.Stats {
	return pipeline.Stats{PartnerFrames: 7}
}

func (p *fakePipeline) counts() (started, stopped int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started, p.stopped
}

type pipelineLog struct {
	mu  sync.Mutex
	all []*fakePipeline
}

func (l *pipelineLog) factory(params PipelineParams) Pipeline {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakePipeline{params: params}
	l.all = append(l.all, p)
	return p
}

func (l *pipelineLog) last() *fakePipeline {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.all) == 0 {
		return nil
	}
	return l.all[len(l.all)-1]
}

func (l *pipelineLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.all)
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *updateRecorder) drain(ctx context.Context, updates <-chan Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			r.mu.Lock()
			r.updates = append(r.updates, u)
			r.mu.Unlock()
		}
	}
}

func (r *updateRecorder) notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, u := range r.updates {
		if n, ok := u.Data.(Notice); ok && u.Kind == UpdateNotice {
			out = append(out, n)
		}
	}
	return out
}

func (r *updateRecorder) hasNotice(code string) bool {
	for _, n := range r.notices() {
		if n.Code == code {
			return true
		}
	}
	return false
}

func (r *updateRecorder) navigations() []Navigation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Navigation
	for _, u := range r.updates {
		if n, ok := u.Data.(Navigation); ok && u.Kind == UpdateNavigate {
			out = append(out, n)
		}
	}
	return out
}
