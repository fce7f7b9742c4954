package recognition

import (
	"context"
	"time"

	"github.com/K3das/diction/utils"
	"go.uber.org/zap"
)

// RunSweeper removes sessions that outlived SessionMaxAge, every
// SweepInterval, until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) error {
	if s.options.SessionMaxAge <= 0 || s.options.SweepInterval <= 0 {
		s.log.Info("session sweeper disabled")
		return nil
	}

	ticker := time.NewTicker(s.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep removes the sessions older than SessionMaxAge and returns how many
// it removed. Sessions waiting on their archive upload are left to the
// upload callback.
func (s *Service) Sweep() int {
	expired := s.registry.Sweep(s.options.SessionMaxAge)
	for _, sess := range expired {
		s.metrics.SessionsRegistered.Dec()
		s.metrics.SessionsSwept.Inc()

		log := s.log.With(utils.SessionFields(sess.Request.UserID, sess.ClientID)...).
			With(zap.Time("created_at", sess.CreatedAt))
		if s.options.RecycleGarbage {
			s.removeSample(log, sess.AudioFilePath)
		}
		log.Warn("swept orphaned session")
	}
	return len(expired)
}
