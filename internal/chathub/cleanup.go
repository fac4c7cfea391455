package chathub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wordchat/backend/internal/config"
	"wordchat/backend/internal/models"
	"wordchat/backend/internal/storage"
)

// CleanupService reclaims stale waiting entries and closed rooms. It is the only
// caller of the unconditional deletes, and only for records matching its
// staleness predicates.
type CleanupService struct {
	Storage  storage.Storage
	WaitTTL  time.Duration
	RoomTTL  time.Duration
	Interval time.Duration

	Now func() time.Time

	log *zap.Logger
}

func NewCleanupService(s storage.Storage, matching config.MatchingConfig, cleanup config.CleanupConfig, log *zap.Logger) *CleanupService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CleanupService{
		Storage:  s,
		WaitTTL:  matching.WaitTTL,
		RoomTTL:  matching.RoomTTL,
		Interval: cleanup.Interval,
		log:      log.Named("cleanup"),
	}
}

// RunCleanup deletes waiting entries created before now-WaitTTL, then inactive
// rooms created before now-RoomTTL together with their messages. A failing pass
// does not skip the other; both errors are returned joined.
func (c *CleanupService) RunCleanup(ctx context.Context, now time.Time) (models.CleanupReport, error) {
	var (
		report models.CleanupReport
		errs   []error
	)

	n, err := c.Storage.DeleteStaleWaiting(ctx, now.Add(-c.WaitTTL))
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup waiting entries: %w", err))
	}
	report.WaitingDeleted = n

	// Room TTL counts from creation, a hard ceiling independent of when the room
	// went inactive.
	n, err = c.Storage.DeleteExpiredRooms(ctx, now.Add(-c.RoomTTL))
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup rooms: %w", err))
	}
	report.RoomsDeleted = n

	return report, errors.Join(errs...)
}

// Run calls RunCleanup every Interval until ctx ends.
func (c *CleanupService) Run(ctx context.Context) {
	c.log.Info("cleanup scheduler started", zap.Duration("interval", c.Interval))
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			report, err := c.RunCleanup(ctx, currentTime(c.Now))
			if err != nil && ctx.Err() == nil {
				c.log.Error("cleanup failed",
					zap.Int("waiting_deleted", report.WaitingDeleted),
					zap.Int("rooms_deleted", report.RoomsDeleted),
					zap.Error(err))
				continue
			}
			if report.WaitingDeleted > 0 || report.RoomsDeleted > 0 {
				c.log.Info("cleanup finished",
					zap.Int("waiting_deleted", report.WaitingDeleted),
					zap.Int("rooms_deleted", report.RoomsDeleted))
			}
		}
	}
}
