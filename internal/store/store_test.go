package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/reefmind/posepair/internal/database"
	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/realtime"
	"github.com/reefmind/posepair/internal/repository"
)

type mockRoomRepo struct {
	mock.Mock
}

func (m *mockRoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Room), args.Error(1)
}

func (m *mockRoomRepo) FindByUserID(ctx context.Context, userID string) (*model.Room, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Room), args.Error(1)
}

func (m *mockRoomRepo) Create(ctx context.Context, params model.CreateRoomParams) (*model.Room, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Room), args.Error(1)
}

func (m *mockRoomRepo) Activate(ctx context.Context, id string) (*model.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Room), args.Error(1)
}

func (m *mockRoomRepo) SetPose(ctx context.Context, id string, pose string, hostID string) (*model.Room, error) {
	args := m.Called(ctx, id, pose, hostID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Room), args.Error(1)
}

func (m *mockRoomRepo) Delete(ctx context.Context, id string) (*model.Room, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Room), args.Error(1)
}

func (m *mockRoomRepo) DeleteStalePending(ctx context.Context, createdBefore time.Time) ([]model.Room, error) {
	args := m.Called(ctx, createdBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Room), args.Error(1)
}

func (m *mockRoomRepo) WithTx(tx *sqlx.Tx) repository.RoomRepository {
	return m
}

type mockNotificationRepo struct {
	mock.Mock
}

func (m *mockNotificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *mockNotificationRepo) FindInviteForRoom(ctx context.Context, roomID string, recipientID string) (*model.Notification, error) {
	args := m.Called(ctx, roomID, recipientID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *mockNotificationRepo) FindByRecipient(ctx context.Context, recipientID string, notifType model.NotificationType) ([]model.Notification, error) {
	args := m.Called(ctx, recipientID, notifType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Notification), args.Error(1)
}

func (m *mockNotificationRepo) Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Notification), args.Error(1)
}

func (m *mockNotificationRepo) Delete(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockNotificationRepo) DeleteByRoomID(ctx context.Context, roomID string) (int64, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockNotificationRepo) DeleteOrphaned(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockNotificationRepo) WithTx(tx *sqlx.Tx) repository.NotificationRepository {
	return m
}

type fakeTx struct{}

func (fakeTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

type published struct {
	channel string
	event   realtime.Event
}

type fakeBus struct {
	mu        sync.Mutex
	published []published
	subs      map[string]*realtime.Subscription
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]*realtime.Subscription)}
}

func (b *fakeBus) Publish(ctx context.Context, channel string, event realtime.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, published{channel: channel, event: event})
	return nil
}

func (b *fakeBus) Subscribe(channel string) *realtime.Subscription {
	sub := &realtime.Subscription{
		Channel: channel,
		Events:  make(chan realtime.Event, 10),
		Done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[channel] = sub
	b.mu.Unlock()
	return sub
}

func (b *fakeBus) channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, p := range b.published {
		out = append(out, p.channel)
	}
	return out
}

func newTestStore() (*Store, *mockRoomRepo, *mockNotificationRepo, *fakeBus) {
	rooms := new(mockRoomRepo)
	notifs := new(mockNotificationRepo)
	bus := newFakeBus()
	return New(fakeTx{}, rooms, notifs, bus), rooms, notifs, bus
}

func pendingRoom() *model.Room {
	return &model.Room{ID: "room-1", HostID: "host", JoinerID: "joiner", Status: model.RoomStatusPending}
}

func TestStore_CreatePendingRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("makes the target the host and notifies both users", func(t *testing.T) {
		s, rooms, _, bus := newTestStore()
		rooms.On("FindByUserID", ctx, "joiner").Return(nil, nil)
		rooms.On("FindByUserID", ctx, "host").Return(nil, nil)
		rooms.On("Create", ctx, mock.MatchedBy(func(p model.CreateRoomParams) bool {
			return p.HostID == "host" && p.JoinerID == "joiner" && p.ID != ""
		})).Return(pendingRoom(), nil)

		room, err := s.CreatePendingRoom(ctx, "joiner", "host")

		require.NoError(t, err)
		assert.Equal(t, "room-1", room.ID)
		assert.ElementsMatch(t, []string{"rooms:host", "rooms:joiner"}, bus.channels())
		rooms.AssertExpectations(t)
	})

	t.Run("conflicts when the target already has a room", func(t *testing.T) {
		s, rooms, _, bus := newTestStore()
		rooms.On("FindByUserID", ctx, "joiner").Return(nil, nil)
		rooms.On("FindByUserID", ctx, "host").Return(pendingRoom(), nil)

		_, err := s.CreatePendingRoom(ctx, "joiner", "host")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
		assert.Empty(t, bus.channels())
		rooms.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("maps a lost insert race to conflict", func(t *testing.T) {
		s, rooms, _, _ := newTestStore()
		rooms.On("FindByUserID", ctx, mock.Anything).Return(nil, nil)
		rooms.On("Create", ctx, mock.Anything).Return(nil, repository.ErrParticipantTaken)

		_, err := s.CreatePendingRoom(ctx, "joiner", "host")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	})

	t.Run("rejects inviting yourself", func(t *testing.T) {
		s, _, _, _ := newTestStore()

		_, err := s.CreatePendingRoom(ctx, "same", "same")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
	})

	t.Run("wraps repository failures", func(t *testing.T) {
		s, rooms, _, _ := newTestStore()
		rooms.On("FindByUserID", ctx, mock.Anything).Return(nil, errors.New("boom"))

		_, err := s.CreatePendingRoom(ctx, "joiner", "host")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDatabase))
	})
}

func TestStore_CreateInvite(t *testing.T) {
	ctx := context.Background()
	s, _, notifs, bus := newTestStore()
	roomID := "room-1"
	notifs.On("Create", ctx, mock.MatchedBy(func(p model.CreateNotificationParams) bool {
		return p.RecipientID == "host" && p.SenderID == "joiner" && *p.RoomID == roomID
	})).Return(&model.Notification{ID: "n-1", RecipientID: "host", SenderID: "joiner", RoomID: &roomID}, nil)

	n, err := s.CreateInvite(ctx, pendingRoom())

	require.NoError(t, err)
	assert.Equal(t, "n-1", n.ID)
	require.Len(t, bus.published, 1)
	assert.Equal(t, "invites:host", bus.published[0].channel)
	assert.Equal(t, eventInviteCreated, bus.published[0].event.Type)

	var payload InviteEvent
	require.NoError(t, json.Unmarshal(bus.published[0].event.Data, &payload))
	assert.Equal(t, "room-1", payload.RoomID)
	assert.Equal(t, "joiner", payload.SenderID)
}

func TestStore_AcceptRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("activates a pending room", func(t *testing.T) {
		s, rooms, _, bus := newTestStore()
		active := pendingRoom()
		active.Status = model.RoomStatusActive
		rooms.On("Activate", ctx, "room-1").Return(active, nil)

		room, err := s.AcceptRoom(ctx, "room-1")

		require.NoError(t, err)
		assert.Equal(t, model.RoomStatusActive, room.Status)
		assert.Len(t, bus.published, 2)
	})

	t.Run("is idempotent on an active room", func(t *testing.T) {
		s, rooms, _, bus := newTestStore()
		active := pendingRoom()
		active.Status = model.RoomStatusActive
		rooms.On("Activate", ctx, "room-1").Return(nil, nil)
		rooms.On("FindByID", ctx, "room-1").Return(active, nil)

		room, err := s.AcceptRoom(ctx, "room-1")

		require.NoError(t, err)
		assert.Equal(t, model.RoomStatusActive, room.Status)
		assert.Empty(t, bus.published)
	})

	t.Run("fails when the room was withdrawn", func(t *testing.T) {
		s, rooms, _, _ := newTestStore()
		rooms.On("Activate", ctx, "room-1").Return(nil, nil)
		rooms.On("FindByID", ctx, "room-1").Return(nil, nil)

		_, err := s.AcceptRoom(ctx, "room-1")

		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestStore_SetPose(t *testing.T) {
	ctx := context.Background()
	active := pendingRoom()
	active.Status = model.RoomStatusActive

	t.Run("updates when the caller hosts an active room", func(t *testing.T) {
		s, rooms, _, bus := newTestStore()
		rooms.On("SetPose", ctx, "room-1", "tree", "host").Return(active, nil)

		err := s.SetPose(ctx, "room-1", "tree", "host")

		require.NoError(t, err)
		assert.Len(t, bus.published, 2)
	})

	t.Run("forbids the joiner", func(t *testing.T) {
		s, rooms, _, bus := newTestStore()
		rooms.On("SetPose", ctx, "room-1", "tree", "joiner").Return(nil, nil)
		rooms.On("FindByID", ctx, "room-1").Return(active, nil)

		err := s.SetPose(ctx, "room-1", "tree", "joiner")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
		assert.Empty(t, bus.published)
	})

	t.Run("forbids a pending room", func(t *testing.T) {
		s, rooms, _, _ := newTestStore()
		rooms.On("SetPose", ctx, "room-1", "tree", "host").Return(nil, nil)
		rooms.On("FindByID", ctx, "room-1").Return(pendingRoom(), nil)

		err := s.SetPose(ctx, "room-1", "tree", "host")

		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
	})

	t.Run("reports a missing room", func(t *testing.T) {
		s, rooms, _, _ := newTestStore()
		rooms.On("SetPose", ctx, "room-1", "tree", "host").Return(nil, nil)
		rooms.On("FindByID", ctx, "room-1").Return(nil, nil)

		err := s.SetPose(ctx, "room-1", "tree", "host")

		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestStore_DeleteRoom(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes room and invite and notifies both users", func(t *testing.T) {
		s, rooms, notifs, bus := newTestStore()
		rooms.On("Delete", ctx, "room-1").Return(pendingRoom(), nil)
		notifs.On("DeleteByRoomID", ctx, "room-1").Return(int64(1), nil)

		require.NoError(t, s.DeleteRoom(ctx, "room-1"))

		assert.ElementsMatch(t, []string{"rooms:host", "rooms:joiner"}, bus.channels())
		notifs.AssertExpectations(t)
	})

	t.Run("succeeds silently when already gone", func(t *testing.T) {
		s, rooms, notifs, bus := newTestStore()
		rooms.On("Delete", ctx, "room-1").Return(nil, nil)
		notifs.On("DeleteByRoomID", ctx, "room-1").Return(int64(0), nil)

		require.NoError(t, s.DeleteRoom(ctx, "room-1"))
		require.NoError(t, s.DeleteRoom(ctx, "room-1"))

		assert.Empty(t, bus.published)
	})
}

func TestStore_ExpirePendingRooms(t *testing.T) {
	ctx := context.Background()
	s, rooms, notifs, bus := newTestStore()
	cutoff := time.Now()
	rooms.On("DeleteStalePending", ctx, cutoff).Return([]model.Room{*pendingRoom()}, nil)
	notifs.On("DeleteByRoomID", ctx, "room-1").Return(int64(1), nil)

	n, err := s.ExpirePendingRooms(ctx, cutoff)

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, bus.published, 2)
}

func TestStore_SubscribeRoomChanges(t *testing.T) {
	s, _, _, bus := newTestStore()
	changes := make(chan RoomChange, 4)

	watch := s.SubscribeRoomChanges("host", func(c RoomChange) { changes <- c })

	sub := bus.subs["rooms:host"]
	require.NotNil(t, sub)

	data, _ := json.Marshal(RoomChange{Kind: ChangeUpdated, RoomID: "room-1"})
	sub.Events <- realtime.Event{Type: "unrelated"}
	sub.Events <- realtime.Event{Type: realtime.EventResubscribed}
	sub.Events <- realtime.Event{Type: eventRoomChanged, Data: data}

	assert.Equal(t, RoomChange{Kind: ChangeResync}, <-changes)
	assert.Equal(t, RoomChange{Kind: ChangeUpdated, RoomID: "room-1"}, <-changes)

	watch.Close()
	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}
