// Package buildconf computes the overrides for pull requests and
// materializes them as branches in the build configuration repository.
//
// For every pull request that should be built a branch named
// <project>/<repository path>/pulls/<number> is created in the build
// configuration repository. The branch contains a single commit on top of
// the mainline of the build configuration that adds the override file.
// The override file redirects the packages that are built from the
// repositories of the pull request and of its dependencies to the git
// reference that tests the pull request.
package buildconf

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/vcs"
	"github.com/simplesurance/buildconfd/internal/workspace"
)

const loggerName = "buildconf"

// ServiceLookup returns the Service for a repository.
type ServiceLookup interface {
	Lookup(gitref.RepositoryRef) (service.Service, error)
}

// Manager maintains the override branches in the build configuration
// repository.
type Manager struct {
	project   string
	manifest  *workspace.Manifest
	services  ServiceLookup
	porcelain Porcelain
	logger    *zap.Logger
}

// NewManager returns a Manager for the build configuration repository of
// manifest.
// All override branches are created with the "<project>/" prefix.
func NewManager(project string, manifest *workspace.Manifest, services ServiceLookup, porcelain Porcelain) *Manager {
	return &Manager{
		project:   project,
		manifest:  manifest,
		services:  services,
		porcelain: porcelain,
		logger:    zap.L().Named(loggerName).With(zap.String("project", project)),
	}
}

// Project returns the project name that prefixes all override branches.
func (m *Manager) Project() string {
	return m.project
}

// BranchName returns the name of the override branch for a pull request.
func (m *Manager) BranchName(pr vcs.Key) string {
	return BranchName(m.project, pr)
}

// CommitAndPushOverrides writes the overrides file to the override branch of
// pr and pushes it.
// If the branch already contains the same overrides on top of the current
// build configuration mainline, no commit is created and nothing is pushed.
func (m *Manager) CommitAndPushOverrides(ctx context.Context, pr *vcs.PullRequest, overrides []*Override) (*Commit, error) {
	branch := m.BranchName(pr.Key())

	content, err := RenderOverrides(overrides)
	if err != nil {
		return nil, err
	}

	commit, err := m.porcelain.CommitAndPush(
		ctx,
		branch,
		[]*File{{Path: OverridesFilePath, Content: content}},
		commitMessage(pr, overrides),
	)
	if err != nil {
		return nil, fmt.Errorf("committing overrides to branch %q failed: %w", branch, err)
	}

	logger := m.logger.With(pr.LogFields()...).With(
		logfields.Branch(branch),
		logfields.Commit(commit.SHA),
		zap.Int("overrides", len(overrides)),
	)

	if commit.Pushed {
		logger.Info("overrides pushed", logfields.Event("overrides_pushed"))
	} else {
		logger.Debug("override branch is up to date", logfields.Event("overrides_unchanged"))
	}

	return commit, nil
}

func commitMessage(pr *vcs.PullRequest, overrides []*Override) string {
	msg := fmt.Sprintf("override packages for %s\n\n", pr.Key())
	for _, o := range overrides {
		msg += fmt.Sprintf("- %s: %s\n", o.Package, o.Ref)
	}

	return msg
}

// DeleteBranch deletes a branch in the build configuration repository.
// If the branch does not exist an error wrapping apierr.ErrNotFound is
// returned.
func (m *Manager) DeleteBranch(ctx context.Context, branch string) error {
	repo := m.manifest.Buildconf.Repo

	svc, err := m.services.Lookup(repo)
	if err != nil {
		return err
	}

	return svc.DeleteBranch(ctx, repo, branch)
}
