package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/mohammad-safakhou/fitplan/internal/rag"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
)

const reindexLockKey = "fitplan:sched:reindex"

// Reindexer re-processes the documents folders of the corpora.
type Reindexer interface {
	Reindex(ctx context.Context) (map[string]rag.FolderReport, error)
}

// Scheduler re-indexes the corpora on a cron schedule. With redis set, a
// lock keeps concurrent replicas from indexing at the same time.
type Scheduler struct {
	Target   Reindexer
	Rdb      *redis.Client
	Interval time.Duration
	expr     *cronexpr.Expression
	logger   log.FieldLogger
	last     *time.Time
	now      func() time.Time
}

// NewScheduler parses spec ("@daily", "@hourly" or a cron expression).
func NewScheduler(spec string, target Reindexer, rdb *redis.Client, logger log.FieldLogger) (*Scheduler, error) {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("reindex cron %q: %w", spec, err)
	}
	return &Scheduler{
		Target:   target,
		Rdb:      rdb,
		Interval: time.Minute,
		expr:     expr,
		logger:   runtime.Component(logger, "scheduler"),
		now:      time.Now,
	}, nil
}

// Start ticks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	go func() {
		defer ticker.Stop()
		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) tick(ctx context.Context) bool {
	now := s.now()
	if !isDue(s.expr, s.last, now) {
		return false
	}
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, reindexLockKey, "1", 10*time.Minute).Result()
		if err != nil {
			s.logger.WithError(err).Warn("reindex lock")
			return false
		}
		if !ok {
			return false
		}
		defer s.Rdb.Del(context.WithoutCancel(ctx), reindexLockKey)
	}
	s.last = &now
	reports, err := s.Target.Reindex(ctx)
	if err != nil {
		s.logger.WithError(err).Error("reindex failed")
	}
	for name, r := range reports {
		s.logger.WithFields(log.Fields{"corpus": name, "processed": r.Processed, "failed": r.Failed}).Info("scheduled reindex")
	}
	return true
}

// isDue reports whether a run is due at now given the previous run.
// A schedule that never ran is due immediately.
func isDue(expr *cronexpr.Expression, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	next := expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}
