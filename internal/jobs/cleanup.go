package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefmind/posepair/internal/audit"
)

// RoomJanitor is the part of the store the cleanup job needs.
type RoomJanitor interface {
	ExpirePendingRooms(ctx context.Context, createdBefore time.Time) (int64, error)
	DeleteOrphanedNotifications(ctx context.Context) (int64, error)
}

// CleanupJob expires join requests nobody answered and removes invites whose
// room is gone. Any agent may run it; the deletes are idempotent.
type CleanupJob struct {
	store     RoomJanitor
	inviteTTL time.Duration
	interval  time.Duration
	now       func() time.Time
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func NewCleanupJob(store RoomJanitor, inviteTTL, interval time.Duration) *CleanupJob {
	return &CleanupJob{
		store:     store,
		inviteTTL: inviteTTL,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("inviteTtl", j.inviteTTL).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.inviteTTL)
	expired := j.runCleanup(ctx, "pending rooms", func(ctx context.Context) (int64, error) {
		return j.store.ExpirePendingRooms(ctx, cutoff)
	})
	if expired > 0 {
		audit.Log(ctx, audit.Event{
			Type:    audit.EventRoomsExpired,
			Details: map[string]interface{}{"count": expired, "cutoff": cutoff.Format(time.RFC3339)},
		})
	}

	j.runCleanup(ctx, "orphaned invites", j.store.DeleteOrphanedNotifications)
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) int64 {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
		return 0
	}
	if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
	return count
}
