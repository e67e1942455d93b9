// Package poller implements the reconciliation loop that polls the hosting
// services of the workspace repositories, maintains the override branches
// of pull requests and triggers builds.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/buildbot"
	"github.com/simplesurance/buildconfd/internal/buildconf"
	"github.com/simplesurance/buildconfd/internal/deps"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/prcache"
	"github.com/simplesurance/buildconfd/internal/prfilter"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/vcs"
	"github.com/simplesurance/buildconfd/internal/workspace"
)

const loggerName = "poller"

const defPollingPeriod = time.Minute

// Signal is returned by Daemon.Run to tell the caller what to do next.
type Signal int

const (
	SignalNone Signal = iota
	// SignalRestart requests to update the workspace and to start a new
	// Daemon.
	SignalRestart
)

func (s Signal) String() string {
	if s == SignalRestart {
		return "restart"
	}

	return "none"
}

// Buildconf maintains the override branches.
type Buildconf interface {
	Project() string
	BranchName(vcs.Key) string
	OverridesForPullRequest(*vcs.PullRequest) ([]*buildconf.Override, error)
	CommitAndPushOverrides(context.Context, *vcs.PullRequest, []*buildconf.Override) (*buildconf.Commit, error)
	DeleteBranch(ctx context.Context, branch string) error
	SynchronizeBranches(context.Context, *prcache.Cache, map[vcs.Key]*vcs.PullRequest) (*buildconf.SyncStats, error)
}

// Daemon polls the repositories of a workspace manifest.
// It runs in a single goroutine, a new Daemon is created after every
// workspace update.
type Daemon struct {
	manifest  *workspace.Manifest
	services  deps.ServiceLookup
	buildconf Buildconf
	cache     *prcache.Cache
	notifier  buildbot.Notifier
	state     *State

	filter        *prfilter.Filter
	status        *Status
	pollingPeriod time.Duration
	maxAge        time.Duration
	now           func() time.Time

	logger *zap.Logger
}

type Option func(*Daemon)

func WithPollingPeriod(d time.Duration) Option {
	return func(daemon *Daemon) {
		daemon.pollingPeriod = d
	}
}

// WithMaxAge ignores pull requests without cache record that were not
// updated within d. 0 disables it.
func WithMaxAge(d time.Duration) Option {
	return func(daemon *Daemon) {
		daemon.maxAge = d
	}
}

// WithFilter only processes pull requests matching f.
func WithFilter(f *prfilter.Filter) Option {
	return func(daemon *Daemon) {
		daemon.filter = f
	}
}

// WithStatus publishes a snapshot to s after every poll cycle.
func WithStatus(s *Status) Option {
	return func(daemon *Daemon) {
		daemon.status = s
	}
}

func withClock(now func() time.Time) Option {
	return func(daemon *Daemon) {
		daemon.now = now
	}
}

func NewDaemon(
	manifest *workspace.Manifest,
	services deps.ServiceLookup,
	bc Buildconf,
	cache *prcache.Cache,
	notifier buildbot.Notifier,
	state *State,
	opts ...Option,
) *Daemon {
	d := Daemon{
		manifest:      manifest,
		services:      services,
		buildconf:     bc,
		cache:         cache,
		notifier:      notifier,
		state:         state,
		pollingPeriod: defPollingPeriod,
		now:           time.Now,
		logger:        zap.L().Named(loggerName),
	}

	for _, o := range opts {
		o(&d)
	}

	return &d
}

// Run synchronizes the override branches and then polls in intervals
// until a restart is requested or ctx is cancelled.
// When ctx is cancelled ctx.Err() is returned.
func (d *Daemon) Run(ctx context.Context) (Signal, error) {
	d.logger.Info(
		"daemon started",
		logfields.Event("daemon_started"),
		zap.Duration("polling_period", d.pollingPeriod),
		zap.Bool("update_failed", d.state.UpdateFailed()),
	)

	d.Synchronize(ctx)

	for {
		if ctx.Err() != nil {
			return SignalNone, ctx.Err()
		}

		if sig := d.Cycle(ctx); sig == SignalRestart {
			d.logger.Info("restart requested, terminating daemon", logfields.Event("daemon_restart_requested"))
			return sig, nil
		}

		select {
		case <-ctx.Done():
			return SignalNone, ctx.Err()
		case <-time.After(d.pollingPeriod):
		}
	}
}

// packageRepositories returns the repositories that contain packages.
func (d *Daemon) packageRepositories() []gitref.RepositoryRef {
	var result []gitref.RepositoryRef

	for _, repo := range d.manifest.Repositories() {
		if len(d.manifest.PackagesOf(repo)) > 0 {
			result = append(result, repo)
		}
	}

	return result
}

func (d *Daemon) openPullRequests(ctx context.Context, repo gitref.RepositoryRef) ([]*vcs.PullRequest, error) {
	svc, err := d.services.Lookup(repo)
	if err != nil {
		return nil, err
	}

	prs, err := svc.PullRequests(ctx, repo, &service.ListOptions{State: service.StateFilterOpen})
	if err != nil {
		return nil, fmt.Errorf("listing open pull requests of %s failed: %w", repo, err)
	}

	return prs, nil
}

// Synchronize reconciles the override branches with the open pull
// requests.
// It is skipped when the pull requests of a repository can not be
// retrieved, branches of its pull requests would be deleted otherwise.
func (d *Daemon) Synchronize(ctx context.Context) {
	open := map[vcs.Key]*vcs.PullRequest{}

	for _, repo := range d.packageRepositories() {
		prs, err := d.openPullRequests(ctx, repo)
		if err != nil {
			metrics.PollErrorsInc(repo.String())
			d.logger.Warn(
				"skipping branch synchronization, retrieving pull requests failed",
				logfields.Event("branch_sync_skipped"),
				logfields.Repository(repo.String()),
				zap.Error(err),
			)

			return
		}

		for _, pr := range prs {
			open[pr.Key()] = pr
		}
	}

	_, err := d.buildconf.SynchronizeBranches(ctx, d.cache, open)
	if err != nil {
		d.logger.Warn(
			"branch synchronization failed",
			logfields.Event("branch_sync_failed"),
			zap.Error(err),
		)
	}
}

// Cycle runs a single poll iteration.
// Errors are logged, processing continues with the next repository.
func (d *Daemon) Cycle(ctx context.Context) Signal {
	start := time.Now()

	sig := d.pollMainlines(ctx)
	if sig == SignalRestart {
		return sig
	}

	resolver := deps.NewResolver(d.services)
	open := map[vcs.Key]struct{}{}
	listed := map[gitref.RepositoryRef]struct{}{}

	for _, repo := range d.packageRepositories() {
		if ctx.Err() != nil {
			return SignalNone
		}

		prs, err := d.openPullRequests(ctx, repo)
		if err != nil {
			metrics.PollErrorsInc(repo.String())
			d.logger.Error(
				"retrieving pull requests failed",
				logfields.Event("pull_request_poll_failed"),
				logfields.Repository(repo.String()),
				zap.Error(err),
			)

			continue
		}

		listed[repo] = struct{}{}

		prs = resolver.Add(repo, prs)
		for _, pr := range prs {
			open[pr.Key()] = struct{}{}
		}

		for _, pr := range prs {
			if err := d.processPullRequest(ctx, resolver, pr); err != nil {
				metrics.PollErrorsInc(repo.String())
				d.logger.Error(
					"processing pull request failed",
					append(pr.LogFields(), logfields.Event("pull_request_processing_failed"), zap.Error(err))...,
				)
			}
		}
	}

	for _, rec := range d.cache.Records() {
		if _, exist := listed[rec.Repo]; !exist {
			continue
		}

		if _, exist := open[rec.Key()]; exist {
			continue
		}

		d.processClosedPullRequest(ctx, rec)
	}

	end := time.Now()

	metrics.PollCyclesInc()
	metrics.CachedPRsSet(d.cache.Len())
	metrics.LastCycleDurationSet(end.Sub(start).Seconds())

	if d.status != nil {
		d.status.Publish(newStatusSnapshot(d, start, end))
	}

	d.logger.Debug(
		"poll cycle finished",
		logfields.Event("poll_cycle_finished"),
		zap.Duration("duration", end.Sub(start)),
		zap.Int("open_pull_requests", len(open)),
		zap.Int("cached_pull_requests", d.cache.Len()),
	)

	return SignalNone
}

// pollMainlines compares the head commits of the tracked branches with the
// ones seen before and processes changes as push events.
// The first observation of a branch without a persisted head only records
// it. The heads are persisted after the pushes were processed.
func (d *Daemon) pollMainlines(ctx context.Context) Signal {
	result := SignalNone

	defer func() {
		if err := d.state.Dump(); err != nil {
			d.logger.Error("persisting mainline heads failed", logfields.Event("state_dump_failed"), zap.Error(err))
		}
	}()

	for _, tb := range d.manifest.TrackedBranches() {
		if ctx.Err() != nil {
			return SignalNone
		}

		logger := d.logger.With(logfields.Repository(tb.Repo.String()), logfields.Branch(tb.Branch))

		svc, err := d.services.Lookup(tb.Repo)
		if err != nil {
			logger.Error("polling mainline failed", logfields.Event("mainline_poll_failed"), zap.Error(err))
			continue
		}

		branch, err := svc.Branch(ctx, tb.Repo, tb.Branch)
		if err != nil {
			metrics.PollErrorsInc(tb.Repo.String())
			logger.Error("polling mainline failed", logfields.Event("mainline_poll_failed"), zap.Error(err))
			continue
		}

		prev, known := d.state.MainlineHead(tb)
		d.state.SetMainlineHead(tb, branch.HeadSHA)

		if !known {
			logger.Debug(
				"recorded initial mainline head",
				logfields.Event("mainline_head_recorded"),
				logfields.Commit(branch.HeadSHA),
			)
			continue
		}

		if prev == branch.HeadSHA {
			continue
		}

		d.processMainlinePush(ctx, &vcs.PushEvent{
			Repo:      tb.Repo,
			Branch:    tb.Branch,
			HeadSHA:   branch.HeadSHA,
			Author:    branch.CommitAuthor,
			CreatedAt: branch.CommitDate,
		})

		result = SignalRestart
	}

	return result
}

// processMainlinePush handles a changed head of a tracked branch.
// A push to the build configuration mainline invalidates all override
// branches, the cache is cleared and pull requests are processed again in
// the next cycle. A push to a package mainline triggers a build.
// In both cases the caller must restart the daemon.
func (d *Daemon) processMainlinePush(ctx context.Context, ev *vcs.PushEvent) {
	logger := d.logger.With(ev.LogFields()...)

	if d.manifest.IsBuildconf(ev.Repo) && ev.Branch == d.manifest.Buildconf.Branch {
		logger.Info(
			"build configuration mainline changed, clearing cache",
			logfields.Event("buildconf_mainline_changed"),
		)

		d.cache.Clear()
		if err := d.cache.Dump(); err != nil {
			logger.Error("persisting cache failed", logfields.Event("cache_dump_failed"), zap.Error(err))
		}

		return
	}

	if d.state.UpdateFailed() {
		logger.Info(
			"mainline changed, not triggering build, previous workspace update failed",
			logfields.Event("mainline_build_suppressed"),
		)

		return
	}

	logger.Info("mainline changed", logfields.Event("mainline_changed"))

	d.notify(ctx, logger, &buildbot.Change{
		Author:       ev.Author,
		Branch:       ev.Branch,
		SourceBranch: ev.Branch,
		Category:     buildbot.CategoryPush,
		Repository:   ev.Repo.URL(),
		Revision:     ev.HeadSHA,
		When:         ev.CreatedAt,
		Project:      d.buildconf.Project(),
	})
}

func (d *Daemon) tracksBranch(repo gitref.RepositoryRef, branch string) bool {
	for _, pkg := range d.manifest.PackagesOf(repo) {
		if pkg.Branch == branch {
			return true
		}
	}

	return false
}

// processPullRequest creates or updates the override branch of an open
// pull request and triggers a build when the pull request or its
// dependencies changed since the last time.
func (d *Daemon) processPullRequest(ctx context.Context, resolver *deps.Resolver, pr *vcs.PullRequest) error {
	logger := d.logger.With(pr.LogFields()...)
	ignored := logfields.Event("pull_request_ignored")

	if d.manifest.IsBuildconf(pr.Repo) {
		logger.Debug("ignoring pull request, it targets the build configuration", ignored)
		return nil
	}

	if d.state.UpdateFailed() {
		logger.Debug("ignoring pull request, previous workspace update failed", ignored)
		return nil
	}

	rec, cached := d.cache.Get(pr.Key())

	if !d.tracksBranch(pr.Repo, pr.BaseBranch) {
		if cached {
			// the base branch was changed to an untracked one
			d.processClosedPullRequest(ctx, rec)
			return nil
		}

		logger.Debug("ignoring pull request, base branch is not tracked", ignored)
		return nil
	}

	if !cached && d.maxAge > 0 && d.now().Sub(pr.UpdatedAt) > d.maxAge {
		logger.Debug(
			"ignoring pull request, last update is older than max age",
			ignored,
			zap.Time("updated_at", pr.UpdatedAt),
			zap.Duration("max_age", d.maxAge),
		)
		return nil
	}

	if d.filter != nil {
		match, err := d.filter.Match(ctx, pr)
		if err != nil {
			return fmt.Errorf("evaluating pull request filter failed: %w", err)
		}

		if !match {
			logger.Debug("ignoring pull request, filter query does not match", ignored)
			return nil
		}
	}

	pr, err := resolver.Resolve(ctx, pr)
	if err != nil {
		return err
	}

	if !d.cache.Changed(pr) {
		logger.Debug("pull request did not change", logfields.Event("pull_request_unchanged"))
		return nil
	}

	overrides, err := d.buildconf.OverridesForPullRequest(pr)
	if err != nil {
		return err
	}

	if len(overrides) == 0 {
		logger.Debug("ignoring pull request, no package is built from its repository", ignored)
		return nil
	}

	commit, err := d.buildconf.CommitAndPushOverrides(ctx, pr, overrides)
	if err != nil {
		return err
	}

	if commit.Pushed {
		metrics.BranchOpsInc(operationLabelPushVal)
	}

	d.cache.Add(pr)
	if err := d.cache.Dump(); err != nil {
		return fmt.Errorf("persisting cache failed: %w", err)
	}

	ch := buildbot.Change{
		Author:       pr.Author,
		Branch:       d.buildconf.BranchName(pr.Key()),
		SourceBranch: pr.HeadBranch,
		Category:     buildbot.CategoryPullRequest,
		Repository:   d.manifest.Buildconf.Repo.URL(),
		Revision:     commit.SHA,
		Revlink:      pr.WebURL,
		Comments:     pr.Title,
		When:         pr.UpdatedAt,
		Project:      d.buildconf.Project(),
	}
	if pr.HeadRepoID != 0 {
		ch.SourceProjectID = fmt.Sprint(pr.HeadRepoID)
	}

	logger.Info(
		"pull request changed, triggering build",
		logfields.Event("pull_request_changed"),
		zap.Int("dependencies", len(deps.RecursiveDependencies(pr))),
	)

	d.notify(ctx, logger, &ch)

	return nil
}

// processClosedPullRequest deletes the override branch and the cache
// record of a pull request that is not open anymore.
func (d *Daemon) processClosedPullRequest(ctx context.Context, rec *prcache.Record) {
	key := rec.Key()
	branch := d.buildconf.BranchName(key)

	logger := d.logger.With(
		logfields.Repository(key.Repo.String()),
		logfields.PullRequest(key.Number),
		logfields.Branch(branch),
	)

	err := d.buildconf.DeleteBranch(ctx, branch)
	switch {
	case err == nil:
		metrics.BranchOpsInc(operationLabelDeleteVal)
		logger.Info("pull request closed, deleted override branch", logfields.Event("override_branch_deleted"))

	case errors.Is(err, apierr.ErrNotFound):
		logger.Info(
			"pull request closed, override branch does not exist",
			logfields.Event("override_branch_already_deleted"),
		)

	default:
		metrics.PollErrorsInc(key.Repo.String())
		logger.Warn(
			"pull request closed, deleting override branch failed",
			logfields.Event("override_branch_deletion_failed"),
			zap.Error(err),
		)
	}

	d.cache.Delete(key)
	if err := d.cache.Dump(); err != nil {
		logger.Error("persisting cache failed", logfields.Event("cache_dump_failed"), zap.Error(err))
	}
}

func (d *Daemon) notify(ctx context.Context, logger *zap.Logger, ch *buildbot.Change) {
	if err := d.notifier.Notify(ctx, ch); err != nil {
		logger.Error(
			"triggering build failed",
			logfields.Event("build_trigger_failed"),
			zap.Error(err),
		)

		return
	}

	metrics.BuildsTriggeredInc(ch.Category)
}
