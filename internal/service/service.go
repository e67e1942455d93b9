// Package service defines the provider independent interface to git hosting
// services like GitHub and GitLab.
package service

import (
	"context"
	"fmt"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

//go:generate mockgen -package mocks -destination mocks/service.go . Service

// Service is the interface to a git hosting service.
// Implementations return errors that wrap exactly one of
// apierr.ErrNotFound, apierr.ErrConnectionFailed and
// apierr.ErrTooManyRequests when an API call fails, no provider specific
// error types are returned.
type Service interface {
	// PullRequests returns all pull requests of repo matching opts.
	PullRequests(ctx context.Context, repo gitref.RepositoryRef, opts *ListOptions) ([]*vcs.PullRequest, error)
	// Branches returns all branches of repo.
	Branches(ctx context.Context, repo gitref.RepositoryRef) ([]*vcs.Branch, error)
	// Branch returns a single branch including information about its
	// head commit.
	Branch(ctx context.Context, repo gitref.RepositoryRef, name string) (*vcs.Branch, error)
	// DeleteBranch deletes a branch, if it does not exist an
	// apierr.ErrNotFound error is returned.
	DeleteBranch(ctx context.Context, repo gitref.RepositoryRef, name string) error
	// RateLimit returns the current API rate limit state.
	RateLimit(ctx context.Context) (*vcs.RateLimit, error)
	// TestBranchName returns the git reference that should be built to
	// test the pull request.
	TestBranchName(pr *vcs.PullRequest) string
	// Dialect returns the syntax used to reference pull requests in
	// descriptions.
	Dialect() vcs.Dialect
}

// ListOptions filter the pull requests returned by Service.PullRequests.
// Empty fields do not filter.
type ListOptions struct {
	// State is one of "open", "closed", "all", empty means "open".
	State string
	// Base filters pull requests by the name of their base branch.
	Base string
}

const (
	StateFilterOpen   = "open"
	StateFilterClosed = "closed"
	StateFilterAll    = "all"
)

// CommitStrategy defines which git reference of a pull request is built.
type CommitStrategy string

const (
	// CommitStrategyAuto builds the merge ref when the pull request is
	// mergeable, otherwise the head ref.
	CommitStrategyAuto CommitStrategy = "auto"
	// CommitStrategyMerge always builds the merge ref.
	CommitStrategyMerge CommitStrategy = "merge"
	// CommitStrategyHead always builds the head ref.
	CommitStrategyHead CommitStrategy = "head"
)

func ParseCommitStrategy(s string) (CommitStrategy, error) {
	switch cs := CommitStrategy(s); cs {
	case CommitStrategyAuto, CommitStrategyMerge, CommitStrategyHead:
		return cs, nil
	case "":
		return CommitStrategyAuto, nil
	default:
		return "", fmt.Errorf("unsupported pull request commit strategy: %q, supported values: auto, merge, head", s)
	}
}

// SelectTestRef chooses between the merge and head ref of pr according to
// the strategy.
// Draft pull requests are always built from their head ref.
func SelectTestRef(strategy CommitStrategy, pr *vcs.PullRequest, mergeRef, headRef string) string {
	if pr.Draft {
		return headRef
	}

	switch strategy {
	case CommitStrategyHead:
		return headRef
	case CommitStrategyMerge:
		return mergeRef
	default:
		if pr.Mergeable == vcs.MergeableYes {
			return mergeRef
		}

		return headRef
	}
}
