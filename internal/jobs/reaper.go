package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/syncflow/link-server/internal/config"
	"github.com/syncflow/link-server/internal/model"
	"github.com/syncflow/link-server/internal/repository"
)

type SweepResult struct {
	Scanned int
	Deleted int
	Failed  int
}

// SessionReaper periodically deletes pairing sessions that are past their
// grace window, terminal and old, due for deletion, or unreadable.
type SessionReaper struct {
	sessionRepo   repository.SessionRepository
	vault         repository.CredentialVault
	deletionQueue repository.DeletionQueue
	interval      time.Duration
	now           func() time.Time
	done          chan struct{}
}

func NewSessionReaper(
	sessionRepo repository.SessionRepository,
	vault repository.CredentialVault,
	deletionQueue repository.DeletionQueue,
	interval time.Duration,
) *SessionReaper {
	return &SessionReaper{
		sessionRepo:   sessionRepo,
		vault:         vault,
		deletionQueue: deletionQueue,
		interval:      interval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

func (j *SessionReaper) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("session reaper started")
}

func (j *SessionReaper) Stop() {
	close(j.done)
	log.Info().Msg("session reaper stopped")
}

func (j *SessionReaper) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweepOnce()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweepOnce()
		}
	}
}

func (j *SessionReaper) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), config.ReaperSweepTimeout)
	defer cancel()

	result := j.Sweep(ctx)
	if result.Failed > 0 {
		log.Warn().
			Int("scanned", result.Scanned).
			Int("deleted", result.Deleted).
			Int("failed", result.Failed).
			Msg("session sweep finished with failures")
	} else if result.Deleted > 0 {
		log.Info().
			Int("scanned", result.Scanned).
			Int("deleted", result.Deleted).
			Msg("reaped pairing sessions")
	}
}

// Sweep scans both namespaces once. A failure on one record is counted and
// the sweep moves on.
func (j *SessionReaper) Sweep(ctx context.Context) SweepResult {
	var result SweepResult
	now := j.now()

	for _, version := range []model.ProtocolVersion{model.ProtocolV1, model.ProtocolV2} {
		entries, err := j.sessionRepo.ListChildren(ctx, version)
		if err != nil {
			log.Error().Err(err).Str("namespace", version.Namespace()).Msg("failed to list sessions")
			result.Failed++
		}

		for _, entry := range entries {
			result.Scanned++
			if !shouldReap(entry, now) {
				continue
			}
			if err := j.reap(ctx, entry); err != nil {
				log.Error().Err(err).
					Str("namespace", version.Namespace()).
					Msg("failed to reap session")
				result.Failed++
				continue
			}
			result.Deleted++
		}
	}
	return result
}

func (j *SessionReaper) reap(ctx context.Context, entry repository.SessionEntry) error {
	if err := j.sessionRepo.Delete(ctx, entry.Version, entry.Token); err != nil {
		return err
	}

	if entry.Record != nil && entry.Record.CredentialRef != "" {
		if err := j.vault.Discard(ctx, entry.Record.CredentialRef); err != nil {
			log.Warn().Err(err).Msg("failed to discard credential of reaped session")
		}
	}
	if err := j.deletionQueue.Remove(ctx, entry.Version, entry.Token); err != nil {
		log.Warn().Err(err).Msg("failed to clear deletion entry of reaped session")
	}
	return nil
}

func shouldReap(entry repository.SessionEntry, now time.Time) bool {
	rec := entry.Record
	if rec == nil {
		return true
	}

	nowMs := now.UnixMilli()
	if nowMs > rec.ExpiresAt+rec.Version.TTL().Milliseconds() {
		return true
	}
	if rec.Status.Terminal() && nowMs-rec.CreatedAt > config.TerminalSessionRetention.Milliseconds() {
		return true
	}
	return rec.DeleteAfter != 0 && nowMs >= rec.DeleteAfter
}
