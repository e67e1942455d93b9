package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

// DryService is a Service that does not do any changes at the hosting
// service.
// All operations that could cause a change are simulated and always succeed.
// All other operations are forwarded to a wrapped Service.
type DryService struct {
	svc    Service
	logger *zap.Logger
}

func NewDryService(svc Service, logger *zap.Logger) *DryService {
	return &DryService{
		svc:    svc,
		logger: logger.Named("dry_service"),
	}
}

func (s *DryService) PullRequests(ctx context.Context, repo gitref.RepositoryRef, opts *ListOptions) ([]*vcs.PullRequest, error) {
	return s.svc.PullRequests(ctx, repo, opts)
}

func (s *DryService) Branches(ctx context.Context, repo gitref.RepositoryRef) ([]*vcs.Branch, error) {
	return s.svc.Branches(ctx, repo)
}

func (s *DryService) Branch(ctx context.Context, repo gitref.RepositoryRef, name string) (*vcs.Branch, error) {
	return s.svc.Branch(ctx, repo, name)
}

func (s *DryService) DeleteBranch(_ context.Context, repo gitref.RepositoryRef, name string) error {
	s.logger.Info(
		"simulated deleting branch, branch was not deleted",
		logfields.Event("branch_delete_simulated"),
		logfields.Repository(repo.String()),
		logfields.Branch(name),
	)

	return nil
}

func (s *DryService) RateLimit(ctx context.Context) (*vcs.RateLimit, error) {
	return s.svc.RateLimit(ctx)
}

func (s *DryService) TestBranchName(pr *vcs.PullRequest) string {
	return s.svc.TestBranchName(pr)
}

func (s *DryService) Dialect() vcs.Dialect {
	return s.svc.Dialect()
}
