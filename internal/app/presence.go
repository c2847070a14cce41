package app

import (
	"context"
	"time"

	"quiz-sync-service/internal/domain"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// StaleRecords returns online records not refreshed within staleAfter.
func StaleRecords(records []domain.PresenceRecord, now time.Time, staleAfter time.Duration) []domain.PresenceRecord {
	if staleAfter <= 0 {
		return nil
	}
	cutoff := now.Add(-staleAfter).UnixMilli()
	var out []domain.PresenceRecord
	for _, r := range records {
		if r.IsOnline && r.LastSeenAt < cutoff {
			out = append(out, r)
		}
	}
	return out
}

// PresenceKeeper heartbeats one participant and marks peers whose heartbeat
// stopped as offline, which is what triggers host failover for a host whose
// process died without a clean leave.
type PresenceKeeper struct {
	repo       *Repository
	clock      clockwork.Clock
	sessionID  string
	playerID   string
	interval   time.Duration
	staleAfter time.Duration
	log        zerolog.Logger
}

func NewPresenceKeeper(repo *Repository, clock clockwork.Clock, sessionID, playerID string, interval, staleAfter time.Duration, log zerolog.Logger) *PresenceKeeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PresenceKeeper{
		repo:       repo,
		clock:      clock,
		sessionID:  sessionID,
		playerID:   playerID,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log,
	}
}

// Run heartbeats and sweeps until ctx is cancelled.
func (k *PresenceKeeper) Run(ctx context.Context) {
	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := k.Sweep(ctx); err != nil && ctx.Err() == nil {
				k.log.Warn().Err(err).Str("session_id", k.sessionID).Msg("presence sweep failed")
			}
		}
	}
}

// Sweep sends one heartbeat and marks stale peers offline.
func (k *PresenceKeeper) Sweep(ctx context.Context) error {
	if err := k.repo.Heartbeat(ctx, k.sessionID, k.playerID); err != nil {
		return err
	}
	records, err := k.repo.ReadPresence(ctx, k.sessionID)
	if err != nil {
		return err
	}
	now, err := k.repo.Store().Now(ctx)
	if err != nil {
		return err
	}
	for _, r := range StaleRecords(records, now, k.staleAfter) {
		if r.PlayerID == k.playerID {
			continue
		}
		if err := k.repo.MarkOffline(ctx, k.sessionID, r.PlayerID); err != nil {
			return err
		}
		k.log.Info().Str("session_id", k.sessionID).Str("player_id", r.PlayerID).Msg("marked stale participant offline")
	}
	return nil
}
