package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/reefmind/posepair/internal/model"
)

type NotificationRepository interface {
	FindByID(ctx context.Context, id string) (*model.Notification, error)
	FindInviteForRoom(ctx context.Context, roomID string, recipientID string) (*model.Notification, error)
	FindByRecipient(ctx context.Context, recipientID string, notifType model.NotificationType) ([]model.Notification, error)
	Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteByRoomID(ctx context.Context, roomID string) (int64, error)
	DeleteOrphaned(ctx context.Context) (int64, error)
	WithTx(tx *sqlx.Tx) NotificationRepository
}

type notificationDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type notificationRepo struct {
	db notificationDB
}

func NewNotificationRepository(db *sqlx.DB) NotificationRepository {
	return &notificationRepo{db: db}
}

func (r *notificationRepo) WithTx(tx *sqlx.Tx) NotificationRepository {
	return &notificationRepo{db: tx}
}

func (r *notificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	err := r.db.GetContext(ctx, &n, `
		SELECT * FROM notifications WHERE id = $1
	`, id)
	return HandleNotFound(&n, err)
}

func (r *notificationRepo) FindInviteForRoom(ctx context.Context, roomID string, recipientID string) (*model.Notification, error) {
	var n model.Notification
	err := r.db.GetContext(ctx, &n, `
		SELECT * FROM notifications
		WHERE room_id = $1 AND recipient_id = $2 AND type = 'invite'
		ORDER BY created_at DESC
		LIMIT 1
	`, roomID, recipientID)
	return HandleNotFound(&n, err)
}

func (r *notificationRepo) FindByRecipient(ctx context.Context, recipientID string, notifType model.NotificationType) ([]model.Notification, error) {
	var ns []model.Notification
	err := r.db.SelectContext(ctx, &ns, `
		SELECT * FROM notifications
		WHERE recipient_id = $1 AND type = $2
		ORDER BY created_at DESC
	`, recipientID, notifType)
	return ns, err
}

func (r *notificationRepo) Create(ctx context.Context, params model.CreateNotificationParams) (*model.Notification, error) {
	var n model.Notification
	err := r.db.GetContext(ctx, &n, `
		INSERT INTO notifications (id, recipient_id, sender_id, room_id, type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.ID, params.RecipientID, params.SenderID, params.RoomID, params.Type)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Delete reports whether a row was removed. A concurrent accept and decline
// race here; only one of them sees true.
func (r *notificationRepo) Delete(ctx context.Context, id string) (bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE id = $1
	`, id))
	return n > 0, err
}

func (r *notificationRepo) DeleteByRoomID(ctx context.Context, roomID string) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM notifications WHERE room_id = $1
	`, roomID))
}

func (r *notificationRepo) DeleteOrphaned(ctx context.Context) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM notifications n
		WHERE n.room_id IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM rooms WHERE rooms.id = n.room_id)
	`))
}
