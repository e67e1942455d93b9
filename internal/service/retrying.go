package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

// Retryer is an interface used for running Service methods repeatedly if
// they fail with a temporary error.
type Retryer interface {
	Run(context.Context, func(context.Context) error, []zap.Field) error
}

// RetryingService runs all API calls of a wrapped Service via a Retryer.
type RetryingService struct {
	svc     Service
	retryer Retryer
}

func WithRetries(svc Service, retryer Retryer) *RetryingService {
	return &RetryingService{svc: svc, retryer: retryer}
}

func (s *RetryingService) PullRequests(ctx context.Context, repo gitref.RepositoryRef, opts *ListOptions) ([]*vcs.PullRequest, error) {
	var result []*vcs.PullRequest

	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.svc.PullRequests(ctx, repo, opts)
		return err
	}, []zap.Field{logfields.Repository(repo.String()), zap.String("operation", "list_pull_requests")})

	return result, err
}

func (s *RetryingService) Branches(ctx context.Context, repo gitref.RepositoryRef) ([]*vcs.Branch, error) {
	var result []*vcs.Branch

	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.svc.Branches(ctx, repo)
		return err
	}, []zap.Field{logfields.Repository(repo.String()), zap.String("operation", "list_branches")})

	return result, err
}

func (s *RetryingService) Branch(ctx context.Context, repo gitref.RepositoryRef, name string) (*vcs.Branch, error) {
	var result *vcs.Branch

	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.svc.Branch(ctx, repo, name)
		return err
	}, []zap.Field{logfields.Repository(repo.String()), logfields.Branch(name), zap.String("operation", "get_branch")})

	return result, err
}

func (s *RetryingService) DeleteBranch(ctx context.Context, repo gitref.RepositoryRef, name string) error {
	return s.retryer.Run(ctx, func(ctx context.Context) error {
		return s.svc.DeleteBranch(ctx, repo, name)
	}, []zap.Field{logfields.Repository(repo.String()), logfields.Branch(name), zap.String("operation", "delete_branch")})
}

// RateLimit is not retried, it is called by the Retryer when the rate
// limit is exceeded.
func (s *RetryingService) RateLimit(ctx context.Context) (*vcs.RateLimit, error) {
	return s.svc.RateLimit(ctx)
}

func (s *RetryingService) TestBranchName(pr *vcs.PullRequest) string {
	return s.svc.TestBranchName(pr)
}

func (s *RetryingService) Dialect() vcs.Dialect {
	return s.svc.Dialect()
}
