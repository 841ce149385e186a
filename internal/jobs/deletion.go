package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/syncflow/link-server/internal/config"
	"github.com/syncflow/link-server/internal/repository"
)

const deletionBatchSize = 100

// DeletionJob carries out the post-resolution deletions recorded in the
// deletion queue. Entries survive restarts, and the reaper remains the
// backstop for anything this job misses.
type DeletionJob struct {
	sessionRepo   repository.SessionRepository
	vault         repository.CredentialVault
	deletionQueue repository.DeletionQueue
	interval      time.Duration
	now           func() time.Time
	done          chan struct{}
}

func NewDeletionJob(
	sessionRepo repository.SessionRepository,
	vault repository.CredentialVault,
	deletionQueue repository.DeletionQueue,
	interval time.Duration,
) *DeletionJob {
	return &DeletionJob{
		sessionRepo:   sessionRepo,
		vault:         vault,
		deletionQueue: deletionQueue,
		interval:      interval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

func (j *DeletionJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("deletion job started")
}

func (j *DeletionJob) Stop() {
	close(j.done)
	log.Info().Msg("deletion job stopped")
}

func (j *DeletionJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), config.ReaperSweepTimeout)
			if n := j.RunOnce(ctx); n > 0 {
				log.Info().Int("count", n).Msg("deleted resolved sessions")
			}
			cancel()
		}
	}
}

// RunOnce deletes every session whose scheduled deletion is due and returns
// how many were removed.
func (j *DeletionJob) RunOnce(ctx context.Context) int {
	due, err := j.deletionQueue.Due(ctx, j.now(), deletionBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to read deletion queue")
		return 0
	}

	deleted := 0
	for _, d := range due {
		// Read first so an unconsumed credential is removed with its session.
		record, err := j.sessionRepo.Get(ctx, d.Version, d.Token)
		if err == nil && record != nil && record.CredentialRef != "" {
			if err := j.vault.Discard(ctx, record.CredentialRef); err != nil {
				log.Warn().Err(err).Msg("failed to discard credential")
			}
		}

		if err := j.sessionRepo.Delete(ctx, d.Version, d.Token); err != nil {
			log.Warn().Err(err).Str("namespace", d.Version.Namespace()).Msg("scheduled session deletion failed")
			continue
		}
		if err := j.deletionQueue.Remove(ctx, d.Version, d.Token); err != nil {
			log.Warn().Err(err).Msg("failed to clear deletion entry")
			continue
		}
		deleted++
	}
	return deleted
}
