package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/reefmind/posepair/internal/database"
	apperrors "github.com/reefmind/posepair/internal/errors"
	"github.com/reefmind/posepair/internal/model"
	"github.com/reefmind/posepair/internal/realtime"
	redisclient "github.com/reefmind/posepair/internal/redis"
	"github.com/reefmind/posepair/internal/repository"
)

type EventBus interface {
	realtime.Publisher
	realtime.Subscriber
}

type txRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

// Watch is an open change feed. Close stops delivery and unsubscribes once.
type Watch interface {
	Close()
}

// Store is the room store adapter: row CRUD on rooms and notifications plus
// change notification over the realtime bus.
type Store struct {
	db     txRunner
	rooms  repository.RoomRepository
	notifs repository.NotificationRepository
	bus    EventBus
}

func New(
	db txRunner,
	rooms repository.RoomRepository,
	notifs repository.NotificationRepository,
	bus EventBus,
) *Store {
	return &Store{
		db:     db,
		rooms:  rooms,
		notifs: notifs,
		bus:    bus,
	}
}

// CreatePendingRoom records a join request from requesterID to targetID.
// The target becomes the host. Fails with Conflict if either user already
// has a room.
func (s *Store) CreatePendingRoom(ctx context.Context, requesterID, targetID string) (*model.Room, error) {
	if requesterID == "" {
		return nil, apperrors.MissingRequired("requesterId")
	}
	if targetID == "" {
		return nil, apperrors.MissingRequired("targetId")
	}
	if requesterID == targetID {
		return nil, apperrors.InvalidInput("targetId", "cannot invite yourself")
	}

	for _, userID := range []string{requesterID, targetID} {
		existing, err := s.rooms.FindByUserID(ctx, userID)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if existing != nil {
			return nil, roomConflict(userID)
		}
	}

	var room *model.Room
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		room, err = s.rooms.WithTx(tx).Create(ctx, model.CreateRoomParams{
			ID:       uuid.NewString(),
			HostID:   targetID,
			JoinerID: requesterID,
		})
		return err
	})
	if errors.Is(err, repository.ErrParticipantTaken) {
		return nil, roomConflict("")
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("roomId", room.ID).
		Str("hostId", room.HostID).
		Str("joinerId", room.JoinerID).
		Msg("pending room created")

	s.publishRoomChange(ctx, room, ChangeCreated)
	return room, nil
}

// CreateInvite records the invite notification for a pending room and
// notifies its recipient, the host.
func (s *Store) CreateInvite(ctx context.Context, room *model.Room) (*model.Notification, error) {
	roomID := room.ID
	n, err := s.notifs.Create(ctx, model.CreateNotificationParams{
		ID:          uuid.NewString(),
		RecipientID: room.HostID,
		SenderID:    room.JoinerID,
		RoomID:      &roomID,
		Type:        model.NotificationTypeInvite,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	s.publish(ctx, redisclient.InviteChannel(n.RecipientID), eventInviteCreated, InviteEvent{
		NotificationID: n.ID,
		RoomID:         roomID,
		SenderID:       n.SenderID,
	})
	return n, nil
}

// AcceptRoom activates a pending room. Accepting an already active room
// returns it unchanged; a room that no longer exists is NotFound.
func (s *Store) AcceptRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := s.rooms.Activate(ctx, roomID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if room != nil {
		log.Info().Str("roomId", room.ID).Msg("room activated")
		s.publishRoomChange(ctx, room, ChangeUpdated)
		return room, nil
	}

	current, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if current == nil {
		return nil, apperrors.NotFound("Room")
	}
	return current, nil
}

// SetPose changes the active pose. Only the host of an active room may.
func (s *Store) SetPose(ctx context.Context, roomID string, pose string, callerID string) error {
	room, err := s.rooms.SetPose(ctx, roomID, pose, callerID)
	if err != nil {
		return apperrors.Database(err)
	}
	if room != nil {
		log.Info().Str("roomId", roomID).Str("pose", pose).Msg("room pose changed")
		s.publishRoomChange(ctx, room, ChangeUpdated)
		return nil
	}

	current, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		return apperrors.Database(err)
	}
	if current == nil {
		return apperrors.NotFound("Room")
	}
	if !current.IsHost(callerID) {
		return apperrors.Forbidden("Only the host can change the pose")
	}
	return apperrors.Forbidden("Pose can only change while the room is active")
}

// DeleteRoom removes a room and any invite pointing at it. Deleting a room
// that does not exist is not an error.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	var deleted *model.Room
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		deleted, err = s.rooms.WithTx(tx).Delete(ctx, roomID)
		if err != nil {
			return err
		}
		_, err = s.notifs.WithTx(tx).DeleteByRoomID(ctx, roomID)
		return err
	})
	if err != nil {
		return apperrors.Database(err)
	}

	if deleted == nil {
		log.Debug().Str("roomId", roomID).Msg("delete room: already gone")
		return nil
	}

	log.Info().Str("roomId", roomID).Msg("room deleted")
	s.publishRoomChange(ctx, deleted, ChangeDeleted)
	return nil
}

// DeleteNotification reports whether this call removed the notification.
func (s *Store) DeleteNotification(ctx context.Context, id string) (bool, error) {
	removed, err := s.notifs.Delete(ctx, id)
	if err != nil {
		return false, apperrors.Database(err)
	}
	return removed, nil
}

func (s *Store) FindRoomForUser(ctx context.Context, userID string) (*model.Room, error) {
	room, err := s.rooms.FindByUserID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return room, nil
}

func (s *Store) FindInviteForRoom(ctx context.Context, roomID, recipientID string) (*model.Notification, error) {
	n, err := s.notifs.FindInviteForRoom(ctx, roomID, recipientID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return n, nil
}

func (s *Store) ListInvites(ctx context.Context, userID string) ([]model.Notification, error) {
	ns, err := s.notifs.FindByRecipient(ctx, userID, model.NotificationTypeInvite)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return ns, nil
}

// ExpirePendingRooms deletes pending rooms created before the cutoff and
// tells both participants.
func (s *Store) ExpirePendingRooms(ctx context.Context, createdBefore time.Time) (int64, error) {
	rooms, err := s.rooms.DeleteStalePending(ctx, createdBefore)
	if err != nil {
		return 0, err
	}
	for i := range rooms {
		room := &rooms[i]
		if _, err := s.notifs.DeleteByRoomID(ctx, room.ID); err != nil {
			log.Warn().Err(err).Str("roomId", room.ID).Msg("failed to delete invite of expired room")
		}
		s.publishRoomChange(ctx, room, ChangeDeleted)
	}
	return int64(len(rooms)), nil
}

func (s *Store) DeleteOrphanedNotifications(ctx context.Context) (int64, error) {
	return s.notifs.DeleteOrphaned(ctx)
}

// SubscribeRoomChanges delivers change notices for any room where userID is
// host or joiner. Delivery is at-least-once; onChange must be idempotent.
func (s *Store) SubscribeRoomChanges(userID string, onChange func(RoomChange)) Watch {
	sub := s.bus.Subscribe(redisclient.RoomChannel(userID))
	go func() {
		for {
			select {
			case <-sub.Done:
				return
			case event := <-sub.Events:
				if change, ok := decodeRoomChange(event); ok {
					onChange(change)
				}
			}
		}
	}()
	return sub
}

// SubscribeInvites delivers invite inserts addressed to userID.
func (s *Store) SubscribeInvites(userID string, onInvite func(InviteEvent)) Watch {
	sub := s.bus.Subscribe(redisclient.InviteChannel(userID))
	go func() {
		for {
			select {
			case <-sub.Done:
				return
			case event := <-sub.Events:
				if invite, ok := decodeInvite(event); ok {
					onInvite(invite)
				}
			}
		}
	}()
	return sub
}

func (s *Store) publishRoomChange(ctx context.Context, room *model.Room, kind ChangeKind) {
	change := RoomChange{Kind: kind, RoomID: room.ID}
	s.publish(ctx, redisclient.RoomChannel(room.HostID), eventRoomChanged, change)
	s.publish(ctx, redisclient.RoomChannel(room.JoinerID), eventRoomChanged, change)
}

// publish is best effort: the rows are the source of truth and clients
// re-derive on reconnect, so a lost notice only delays convergence.
func (s *Store) publish(ctx context.Context, channel string, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("failed to marshal event")
		return
	}
	if err := s.bus.Publish(ctx, channel, realtime.Event{Type: eventType, Data: data}); err != nil {
		log.Warn().Err(err).Str("channel", channel).Str("type", eventType).Msg("failed to publish event")
	}
}

func roomConflict(userID string) *apperrors.AppError {
	msg := "A participant is already in a room"
	if userID != "" {
		msg = fmt.Sprintf("User %s is already in a room", userID)
	}
	return apperrors.Conflict(msg).WithDetails(map[string]string{"userId": userID})
}
