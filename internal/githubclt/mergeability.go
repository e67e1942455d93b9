package githubclt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

type mergeabilityKey struct {
	repo    gitref.RepositoryRef
	number  int
	baseSHA string
	headSHA string
}

type mergeabilityEntry struct {
	mergeable  vcs.Mergeable
	lastAccess time.Time
}

// mergeabilityCache memoizes resolved mergeability states.
// An entry is only valid for the combination of base and head commit it was
// computed for.
type mergeabilityCache struct {
	lock     sync.Mutex
	lifetime time.Duration
	entries  map[mergeabilityKey]*mergeabilityEntry
}

func newMergeabilityCache(lifetime time.Duration) *mergeabilityCache {
	return &mergeabilityCache{
		lifetime: lifetime,
		entries:  map[mergeabilityKey]*mergeabilityEntry{},
	}
}

func (c *mergeabilityCache) Get(key mergeabilityKey, now time.Time) (vcs.Mergeable, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	e, exist := c.entries[key]
	if !exist {
		return vcs.MergeableUnknown, false
	}

	e.lastAccess = now

	return e.mergeable, true
}

func (c *mergeabilityCache) Put(key mergeabilityKey, v vcs.Mergeable, now time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.entries[key] = &mergeabilityEntry{mergeable: v, lastAccess: now}
}

// Sweep removes entries that were not accessed within the lifetime and
// returns how many were removed.
func (c *mergeabilityCache) Sweep(now time.Time) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	var cnt int

	for k, e := range c.entries {
		if now.Sub(e.lastAccess) > c.lifetime {
			delete(c.entries, k)
			cnt++
		}
	}

	return cnt
}

func (c *mergeabilityCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.entries)
}

func mergeabilityKeyOf(pr *vcs.PullRequest) mergeabilityKey {
	return mergeabilityKey{
		repo:    pr.Repo,
		number:  pr.Number,
		baseSHA: pr.BaseSHA,
		headSHA: pr.HeadSHA,
	}
}

// resolveMergeable sets pr.Mergeable to a known value.
// When the list result did not contain it, the cache is consulted, then the
// pull request is polled until GitHub computed it or the mergeability
// timeout expired. On timeout the pull request is considered as not
// mergeable.
func (clt *Client) resolveMergeable(ctx context.Context, pr *vcs.PullRequest) error {
	key := mergeabilityKeyOf(pr)
	now := time.Now()

	if pr.Mergeable != vcs.MergeableUnknown {
		clt.mergeability.Put(key, pr.Mergeable, now)
		return nil
	}

	if v, exist := clt.mergeability.Get(key, now); exist {
		pr.Mergeable = v
		return nil
	}

	v, err := clt.pollMergeable(ctx, pr)
	if err != nil {
		return err
	}

	pr.Mergeable = v
	clt.mergeability.Put(key, v, time.Now())

	return nil
}

type mergeableQuery struct {
	Repository struct {
		PullRequest struct {
			Mergeable githubv4.MergeableState
		} `graphql:"pullRequest(number: $number)"`
	} `graphql:"repository(owner: $owner, name: $name)"`
}

// pollMergeable queries the mergeability via the GraphQL API, its responses
// are never served from an HTTP cache.
func (clt *Client) pollMergeable(ctx context.Context, pr *vcs.PullRequest) (vcs.Mergeable, error) {
	vars := map[string]any{
		"owner":  githubv4.String(pr.Repo.Owner()),
		"name":   githubv4.String(pr.Repo.Name()),
		"number": githubv4.Int(pr.Number),
	}

	startTime := time.Now()

	for {
		var q mergeableQuery

		if err := clt.graphQLClt.Query(ctx, &q, vars); err != nil {
			if ctx.Err() != nil {
				return vcs.MergeableUnknown, ctx.Err()
			}

			return vcs.MergeableUnknown, fmt.Errorf("querying mergeability failed: %w", clt.wrapGraphQLErr(err))
		}

		switch q.Repository.PullRequest.Mergeable {
		case githubv4.MergeableStateMergeable:
			return vcs.MergeableYes, nil
		case githubv4.MergeableStateConflicting:
			return vcs.MergeableNo, nil
		}

		if waited := time.Since(startTime); waited >= clt.mergeabilityTimeout {
			clt.logger.Warn(
				"mergeability of pull request was not computed in time, considering it as not mergeable",
				append(
					pr.LogFields(),
					logfields.Event("github_mergeability_timeout"),
					zap.Duration("timeout", clt.mergeabilityTimeout),
					zap.Duration("waited", waited),
				)...,
			)

			return vcs.MergeableNo, nil
		}

		select {
		case <-ctx.Done():
			return vcs.MergeableUnknown, ctx.Err()
		case <-time.After(clt.mergeabilityPollInterval):
		}
	}
}
