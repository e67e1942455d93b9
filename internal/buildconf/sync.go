package buildconf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/prcache"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

type SyncStats struct {
	StartTime       time.Time
	EndTime         time.Time
	Seen            uint
	BranchesDeleted uint
	RecordsDropped  uint
	Failures        uint
}

func (s *SyncStats) LogFields() []zap.Field {
	return []zap.Field{
		zap.Duration("sync_duration", s.EndTime.Sub(s.StartTime)),
		zap.Uint("branch_sync.seen", s.Seen),
		zap.Uint("branch_sync.failures", s.Failures),
		zap.Uint("branch_sync.branches_deleted", s.BranchesDeleted),
		zap.Uint("branch_sync.records_dropped", s.RecordsDropped),
		zap.Uint("branch_sync.out_of_sync", s.BranchesDeleted+s.RecordsDropped),
	}
}

// SynchronizeBranches reconciles the override branches and the cache with
// the currently open pull requests.
// open must contain all open pull requests of the tracked repositories.
//
// Override branches of pull requests that are not open anymore are deleted
// and their cache records are removed.
// Cache records of open pull requests without an override branch are
// removed, the branches are recreated when the pull requests are processed
// the next time.
// The cache is persisted when it was changed.
func (m *Manager) SynchronizeBranches(ctx context.Context, cache *prcache.Cache, open map[vcs.Key]*vcs.PullRequest) (*SyncStats, error) {
	stats := SyncStats{StartTime: time.Now()}

	logger := m.logger.With(logfields.Repository(m.manifest.Buildconf.Repo.String()))
	logger.Info("starting branch synchronization", logfields.Event("branch_sync_started"))

	repo := m.manifest.Buildconf.Repo

	svc, err := m.services.Lookup(repo)
	if err != nil {
		return nil, err
	}

	branches, err := svc.Branches(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("listing branches of %s failed: %w", repo, err)
	}

	reposByPath := map[string]gitref.RepositoryRef{}
	for _, r := range m.manifest.Repositories() {
		reposByPath[r.Path] = r
	}

	var errs error
	existing := map[vcs.Key]struct{}{}

	for _, b := range branches {
		repoPath, number, ok := parseBranchName(m.project, b.Name)
		if !ok {
			continue
		}

		stats.Seen++

		var key vcs.Key
		prRepo, known := reposByPath[repoPath]
		if known {
			key = vcs.Key{Repo: prRepo, Number: number}
			if _, isOpen := open[key]; isOpen {
				existing[key] = struct{}{}
				continue
			}
		}

		err := svc.DeleteBranch(ctx, repo, b.Name)
		if err != nil && !errors.Is(err, apierr.ErrNotFound) {
			stats.Failures++
			errs = multierr.Append(errs, fmt.Errorf("deleting branch %q failed: %w", b.Name, err))
			continue
		}

		stats.BranchesDeleted++
		logger.Info(
			"deleted override branch of pull request that is not open",
			logfields.Event("stale_override_branch_deleted"),
			logfields.Branch(b.Name),
		)

		if known && cache.Delete(key) {
			stats.RecordsDropped++
		}
	}

	for _, rec := range cache.Records() {
		key := rec.Key()

		if _, isOpen := open[key]; !isOpen {
			cache.Delete(key)
			stats.RecordsDropped++
			logger.Debug(
				"dropped cache record of pull request that is not open",
				logfields.Event("stale_cache_record_dropped"),
				logfields.Repository(key.Repo.String()),
				logfields.PullRequest(key.Number),
			)
			continue
		}

		if _, exist := existing[key]; !exist {
			cache.Delete(key)
			stats.RecordsDropped++
			logger.Info(
				"dropped cache record of pull request without override branch",
				logfields.Event("orphaned_cache_record_dropped"),
				logfields.Repository(key.Repo.String()),
				logfields.PullRequest(key.Number),
			)
		}
	}

	if stats.RecordsDropped > 0 {
		if err := cache.Dump(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	stats.EndTime = time.Now()

	logger.Info("branch synchronization finished", stats.LogFields()...)

	return &stats, errs
}
