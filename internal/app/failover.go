package app

import (
	"context"
	"errors"
	"sort"

	"quiz-sync-service/internal/domain"
	"quiz-sync-service/internal/metrics"

	"github.com/rs/zerolog"
)

// ElectHost picks the next host: the earliest joiner among online
// participants other than the current host, ties broken by player id.
// Every client computes the same winner from the same presence snapshot.
func ElectHost(records []domain.PresenceRecord, hostID string) (domain.PresenceRecord, bool) {
	candidates := make([]domain.PresenceRecord, 0, len(records))
	for _, r := range records {
		if r.IsOnline && r.PlayerID != hostID {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return domain.PresenceRecord{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].JoinedAt != candidates[j].JoinedAt {
			return candidates[i].JoinedAt < candidates[j].JoinedAt
		}
		return candidates[i].PlayerID < candidates[j].PlayerID
	})
	return candidates[0], true
}

// Failover reassigns the host role when the host's presence goes offline.
// It takes no lock: concurrent runs elect the same winner and the repeated
// write is harmless.
type Failover struct {
	repo *Repository
	log  zerolog.Logger
}

func NewFailover(repo *Repository, log zerolog.Logger) *Failover {
	return &Failover{repo: repo, log: log}
}

// Run re-reads session and presence and, if the host is offline, transfers
// the role or ends the session. It returns the host id in effect afterwards.
// Any partial failure can be retried from scratch.
func (f *Failover) Run(ctx context.Context, sessionID string) (string, error) {
	session, err := f.repo.ReadSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Finished() {
		return session.HostID, nil
	}
	records, err := f.repo.ReadPresence(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !hostOffline(records, session.HostID) {
		return session.HostID, nil
	}

	log := f.log.With().Str("session_id", sessionID).Str("host_id", session.HostID).Logger()
	candidate, ok := ElectHost(records, session.HostID)
	if !ok {
		if err := f.repo.SetPhase(ctx, sessionID, domain.PhaseFinished); err != nil && !errors.Is(err, domain.ErrSessionFinished) {
			metrics.Failovers.WithLabelValues("error").Inc()
			return "", err
		}
		metrics.Failovers.WithLabelValues("no_host").Inc()
		log.Info().Msg("host offline and no candidate left, ending session")
		return "", domain.ErrNoViableHost
	}

	if err := f.repo.TransferHost(ctx, sessionID, session.HostID, candidate.PlayerID); err != nil {
		metrics.Failovers.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.Failovers.WithLabelValues("transferred").Inc()
	log.Info().Str("new_host_id", candidate.PlayerID).Msg("host transferred")
	return candidate.PlayerID, nil
}

// hostOffline is true only when the host has a presence record marked
// offline. A host that never connected is not treated as lost.
func hostOffline(records []domain.PresenceRecord, hostID string) bool {
	for _, r := range records {
		if r.PlayerID == hostID {
			return !r.IsOnline
		}
	}
	return false
}
