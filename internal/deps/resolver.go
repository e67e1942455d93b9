// Package deps resolves the dependencies between pull requests that are
// declared by referencing other pull requests in the description.
package deps

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

const loggerName = "dependency_resolver"

// ServiceLookup returns the Service for a repository.
type ServiceLookup interface {
	Lookup(gitref.RepositoryRef) (service.Service, error)
}

// Resolver populates the Dependencies field of pull requests.
// It keeps an arena of all pull requests it has seen, keyed by repository
// and number, each pull request is represented by exactly one
// *vcs.PullRequest. References to the same pull request therefore share the
// pointer and the graph can contain cycles.
//
// The open pull requests of a repository are retrieved once per Resolver.
// A Resolver should be used for a single poll cycle.
type Resolver struct {
	services ServiceLookup
	logger   *zap.Logger

	arena    map[vcs.Key]*vcs.PullRequest
	listed   map[gitref.RepositoryRef]struct{}
	resolved map[vcs.Key]struct{}
}

// NewResolver returns an empty Resolver that retrieves pull requests via
// the Service registered for their host in services.
func NewResolver(services ServiceLookup) *Resolver {
	return &Resolver{
		services: services,
		logger:   zap.L().Named(loggerName),
		arena:    map[vcs.Key]*vcs.PullRequest{},
		listed:   map[gitref.RepositoryRef]struct{}{},
		resolved: map[vcs.Key]struct{}{},
	}
}

// Add adds the open pull requests of repo to the arena, repo is not listed
// again by the Resolver.
// If a pull request with the same key already exists in the arena, the
// existing one is kept and returned in the result instead.
func (r *Resolver) Add(repo gitref.RepositoryRef, prs []*vcs.PullRequest) []*vcs.PullRequest {
	r.listed[repo] = struct{}{}

	result := make([]*vcs.PullRequest, 0, len(prs))
	for _, pr := range prs {
		result = append(result, r.add(pr))
	}

	return result
}

func (r *Resolver) add(pr *vcs.PullRequest) *vcs.PullRequest {
	if existing, exist := r.arena[pr.Key()]; exist {
		return existing
	}

	r.arena[pr.Key()] = pr
	return pr
}

// Resolve populates the Dependencies of pr and of all pull requests that
// are transitively referenced by it.
// References to pull requests that do not exist, are not open or are on
// hosts without configured service are ignored.
// pr is added to the arena if no pull request with the same key exists in
// it yet, the pull request from the arena is returned.
func (r *Resolver) Resolve(ctx context.Context, pr *vcs.PullRequest) (*vcs.PullRequest, error) {
	pr = r.add(pr)

	queue := []*vcs.PullRequest{pr}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if _, done := r.resolved[cur.Key()]; done {
			continue
		}

		deps, err := r.directDependencies(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("resolving dependencies of %s failed: %w", cur, err)
		}

		cur.Dependencies = deps
		r.resolved[cur.Key()] = struct{}{}

		queue = append(queue, deps...)
	}

	return pr, nil
}

func (r *Resolver) directDependencies(ctx context.Context, pr *vcs.PullRequest) ([]*vcs.PullRequest, error) {
	svc, err := r.services.Lookup(pr.Repo)
	if err != nil {
		return nil, err
	}

	var result []*vcs.PullRequest

	for _, key := range vcs.ParseReferences(pr.Body, pr.Repo, svc.Dialect()) {
		if key == pr.Key() {
			continue
		}

		dep, err := r.get(ctx, key)
		if err != nil {
			return nil, err
		}

		if dep == nil {
			r.logger.Debug(
				"ignoring reference to unknown or closed pull request",
				logfields.Event("pull_request_reference_ignored"),
				logfields.Repository(pr.Repo.String()),
				logfields.PullRequest(pr.Number),
				zap.Stringer("reference", key),
			)

			continue
		}

		result = append(result, dep)
	}

	return result, nil
}

// get returns the open pull request with the given key or nil if it does
// not exist or can not be retrieved because no service for the host
// exists.
func (r *Resolver) get(ctx context.Context, key vcs.Key) (*vcs.PullRequest, error) {
	if pr, exist := r.arena[key]; exist {
		return pr, nil
	}

	if _, exist := r.listed[key.Repo]; exist {
		return nil, nil
	}

	svc, err := r.services.Lookup(key.Repo)
	if err != nil {
		r.logger.Debug(
			"ignoring pull request reference, no service for host configured",
			logfields.Event("pull_request_reference_ignored"),
			zap.Stringer("reference", key),
			zap.Error(err),
		)

		r.listed[key.Repo] = struct{}{}
		return nil, nil
	}

	prs, err := svc.PullRequests(ctx, key.Repo, &service.ListOptions{State: service.StateFilterOpen})
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			r.listed[key.Repo] = struct{}{}
			return nil, nil
		}

		return nil, fmt.Errorf("retrieving pull requests of %s failed: %w", key.Repo, err)
	}

	r.Add(key.Repo, prs)

	return r.arena[key], nil
}

// RecursiveDependencies returns all pull requests that are reachable via
// the Dependencies of pr, excluding pr.
// Each pull request is returned once, the order is undefined.
func RecursiveDependencies(pr *vcs.PullRequest) []*vcs.PullRequest {
	visited := map[vcs.Key]struct{}{pr.Key(): {}}
	var result []*vcs.PullRequest

	stack := append([]*vcs.PullRequest(nil), pr.Dependencies...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, exist := visited[cur.Key()]; exist {
			continue
		}

		visited[cur.Key()] = struct{}{}
		result = append(result, cur)
		stack = append(stack, cur.Dependencies...)
	}

	return result
}
