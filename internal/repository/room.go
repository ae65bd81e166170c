package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reefmind/posepair/internal/model"
)

// ErrParticipantTaken is returned by Create when one of the users already
// has a row in room_participants.
var ErrParticipantTaken = errors.New("participant already in a room")

type RoomRepository interface {
	FindByID(ctx context.Context, id string) (*model.Room, error)
	FindByUserID(ctx context.Context, userID string) (*model.Room, error)
	Create(ctx context.Context, params model.CreateRoomParams) (*model.Room, error)
	Activate(ctx context.Context, id string) (*model.Room, error)
	SetPose(ctx context.Context, id string, pose string, hostID string) (*model.Room, error)
	Delete(ctx context.Context, id string) (*model.Room, error)
	DeleteStalePending(ctx context.Context, createdBefore time.Time) ([]model.Room, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) RoomRepository
}

// roomDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type roomDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type roomRepo struct {
	db roomDB
}

func NewRoomRepository(db *sqlx.DB) RoomRepository {
	return &roomRepo{db: db}
}

func (r *roomRepo) WithTx(tx *sqlx.Tx) RoomRepository {
	return &roomRepo{db: tx}
}

func (r *roomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.GetContext(ctx, &room, `
		SELECT * FROM rooms WHERE id = $1
	`, id)
	return HandleNotFound(&room, err)
}

func (r *roomRepo) FindByUserID(ctx context.Context, userID string) (*model.Room, error) {
	var room model.Room
	err := r.db.GetContext(ctx, &room, `
		SELECT rooms.* FROM rooms
		JOIN room_participants rp ON rp.room_id = rooms.id
		WHERE rp.user_id = $1
	`, userID)
	return HandleNotFound(&room, err)
}

// Create inserts a pending room and claims both participants. It must run
// inside a transaction so a failed claim leaves no room behind.
func (r *roomRepo) Create(ctx context.Context, params model.CreateRoomParams) (*model.Room, error) {
	var room model.Room
	err := r.db.GetContext(ctx, &room, `
		INSERT INTO rooms (id, host_id, joiner_id, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING *
	`, params.ID, params.HostID, params.JoinerID)
	if err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO room_participants (user_id, room_id)
		VALUES ($1, $3), ($2, $3)
	`, params.HostID, params.JoinerID, params.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrParticipantTaken
		}
		return nil, err
	}

	return &room, nil
}

// Activate moves a pending room to active. It returns nil when no pending
// row matched, either because the room is gone or already active.
func (r *roomRepo) Activate(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.GetContext(ctx, &room, `
		UPDATE rooms SET
			status = 'active',
			updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING *
	`, id, time.Now())
	return HandleNotFound(&room, err)
}

// SetPose returns nil when the row did not match host and active status.
func (r *roomRepo) SetPose(ctx context.Context, id string, pose string, hostID string) (*model.Room, error) {
	var room model.Room
	err := r.db.GetContext(ctx, &room, `
		UPDATE rooms SET
			current_pose = $2,
			updated_at = $4
		WHERE id = $1 AND host_id = $3 AND status = 'active'
		RETURNING *
	`, id, pose, hostID, time.Now())
	return HandleNotFound(&room, err)
}

// Delete removes the room and, by cascade, its participants. It returns the
// deleted row, or nil when there was nothing to delete.
func (r *roomRepo) Delete(ctx context.Context, id string) (*model.Room, error) {
	var room model.Room
	err := r.db.GetContext(ctx, &room, `
		DELETE FROM rooms WHERE id = $1
		RETURNING *
	`, id)
	return HandleNotFound(&room, err)
}

func (r *roomRepo) DeleteStalePending(ctx context.Context, createdBefore time.Time) ([]model.Room, error) {
	var rooms []model.Room
	err := r.db.SelectContext(ctx, &rooms, `
		DELETE FROM rooms
		WHERE status = 'pending' AND created_at < $1
		RETURNING *
	`, createdBefore)
	return rooms, err
}
