// Package githubclt provides a GitHub implementation of service.Service.
package githubclt

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/routines"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

const DefaultHTTPClientTimeout = time.Minute

const (
	DefaultMergeabilityTimeout       = time.Minute
	DefaultMergeabilityPollInterval  = 100 * time.Millisecond
	DefaultMergeabilityCacheLifetime = 7 * 24 * time.Hour
)

const loggerName = "github_client"

const perPage = 100

const mergeabilityWorkers = 4

// Client is a GitHub API client.
// All methods return errors wrapping one of the apierr kinds.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger

	commitStrategy           service.CommitStrategy
	mergeabilityTimeout      time.Duration
	mergeabilityPollInterval time.Duration
	mergeability             *mergeabilityCache
}

type Option func(*Client)

func WithCommitStrategy(s service.CommitStrategy) Option {
	return func(c *Client) {
		c.commitStrategy = s
	}
}

// WithMergeabilityTimeout sets for how long the mergeability of a pull
// request is polled when GitHub did not compute it yet.
func WithMergeabilityTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.mergeabilityTimeout = d
	}
}

func WithMergeabilityPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.mergeabilityPollInterval = d
	}
}

// WithMergeabilityCacheLifetime sets after which duration without access
// cached mergeability results are evicted.
func WithMergeabilityCacheLifetime(d time.Duration) Option {
	return func(c *Client) {
		c.mergeability.lifetime = d
	}
}

// New returns a new GitHub API client.
// If apiEndpoint is empty, github.com is used, otherwise it is the URL of
// the REST API of a GitHub Enterprise server, e.g.
// https://github.example.com/api/v3.
func New(oauthAPItoken, apiEndpoint string, opts ...Option) (*Client, error) {
	httpClient := newHTTPClient(oauthAPItoken)

	restClt := github.NewClient(httpClient)
	graphQLClt := githubv4.NewClient(httpClient)

	if apiEndpoint != "" {
		var err error

		restClt, err = restClt.WithEnterpriseURLs(apiEndpoint, apiEndpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid api endpoint url: %w", err)
		}

		graphQLClt = githubv4.NewEnterpriseClient(graphQLEndpoint(apiEndpoint), httpClient)
	}

	return newClient(restClt, graphQLClt, opts...), nil
}

func newClient(restClt *github.Client, graphQLClt *githubv4.Client, opts ...Option) *Client {
	clt := Client{
		restClt:                  restClt,
		graphQLClt:               graphQLClt,
		logger:                   zap.L().Named(loggerName),
		commitStrategy:           service.CommitStrategyAuto,
		mergeabilityTimeout:      DefaultMergeabilityTimeout,
		mergeabilityPollInterval: DefaultMergeabilityPollInterval,
		mergeability:             newMergeabilityCache(DefaultMergeabilityCacheLifetime),
	}

	for _, o := range opts {
		o(&clt)
	}

	return &clt
}

// graphQLEndpoint derives the GraphQL endpoint URL of a GitHub Enterprise
// server from its REST API URL.
func graphQLEndpoint(restEndpoint string) string {
	ep := strings.TrimSuffix(restEndpoint, "/")
	ep = strings.TrimSuffix(ep, "/v3")

	if !strings.HasSuffix(ep, "/api") {
		ep += "/api"
	}

	return ep + "/graphql"
}

func newHTTPClient(apiToken string) *http.Client {
	if apiToken == "" {
		return &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiToken},
	)

	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

// PullRequests returns the pull requests of repo.
// The mergeability of open pull requests is resolved, if GitHub did not
// compute it yet, it is polled until it is known or the mergeability
// timeout expired.
func (clt *Client) PullRequests(ctx context.Context, repo gitref.RepositoryRef, opts *service.ListOptions) ([]*vcs.PullRequest, error) {
	listOpts := github.PullRequestListOptions{
		State:       service.StateFilterOpen,
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	if opts != nil {
		if opts.State != "" {
			listOpts.State = opts.State
		}
		listOpts.Base = opts.Base
	}

	var result []*vcs.PullRequest

	for {
		prs, resp, err := clt.restClt.PullRequests.List(ctx, repo.Owner(), repo.Name(), &listOpts)
		if err != nil {
			return nil, clt.wrapErr(err)
		}

		for _, ghPR := range prs {
			result = append(result, toPullRequest(repo, ghPR))
		}

		if resp.NextPage == 0 || len(prs) == 0 {
			break
		}

		listOpts.Page = resp.NextPage
	}

	if err := clt.resolveMergeableAll(ctx, result); err != nil {
		return nil, err
	}

	if evicted := clt.mergeability.Sweep(time.Now()); evicted > 0 {
		clt.logger.Debug(
			"evicted stale mergeability cache entries",
			logfields.Event("github_mergeability_cache_swept"),
			zap.Int("evicted", evicted),
		)
	}

	return result, nil
}

// resolveMergeableAll resolves the mergeability of all open pull requests
// in prs concurrently.
func (clt *Client) resolveMergeableAll(ctx context.Context, prs []*vcs.PullRequest) error {
	errs := make([]error, len(prs))
	pool := routines.NewPool(mergeabilityWorkers)

	for i, pr := range prs {
		if pr.State != vcs.StateOpen {
			continue
		}

		pool.Queue(func() {
			errs[i] = clt.resolveMergeable(ctx, pr)
		})
	}

	pool.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

func toPullRequest(repo gitref.RepositoryRef, pr *github.PullRequest) *vcs.PullRequest {
	state := vcs.StateClosed
	if pr.GetState() == "open" {
		state = vcs.StateOpen
	}

	mergeable := vcs.MergeableUnknown
	if pr.Mergeable != nil {
		mergeable = vcs.MergeableFromBool(*pr.Mergeable)
	}

	base := pr.GetBase()
	head := pr.GetHead()

	return &vcs.PullRequest{
		Repo:        repo,
		Number:      pr.GetNumber(),
		State:       state,
		Title:       pr.GetTitle(),
		Body:        pr.GetBody(),
		BaseBranch:  base.GetRef(),
		BaseSHA:     base.GetSHA(),
		BaseOwner:   base.GetRepo().GetOwner().GetLogin(),
		BaseName:    base.GetRepo().GetName(),
		HeadBranch:  head.GetRef(),
		HeadSHA:     head.GetSHA(),
		HeadOwner:   head.GetRepo().GetOwner().GetLogin(),
		HeadName:    head.GetRepo().GetName(),
		HeadRepoID:  head.GetRepo().GetID(),
		HeadRepoURL: head.GetRepo().GetCloneURL(),
		Draft:       pr.GetDraft(),
		Mergeable:   mergeable,
		UpdatedAt:   pr.GetUpdatedAt().Time,
		Author:      pr.GetUser().GetLogin(),
		WebURL:      pr.GetHTMLURL(),
	}
}

// Branches returns all branches of repo.
// The returned branches do not contain information about the author and
// date of the head commit.
func (clt *Client) Branches(ctx context.Context, repo gitref.RepositoryRef) ([]*vcs.Branch, error) {
	opts := github.BranchListOptions{ListOptions: github.ListOptions{PerPage: perPage}}

	var result []*vcs.Branch

	for {
		branches, resp, err := clt.restClt.Repositories.ListBranches(ctx, repo.Owner(), repo.Name(), &opts)
		if err != nil {
			return nil, clt.wrapErr(err)
		}

		for _, b := range branches {
			result = append(result, &vcs.Branch{
				Repo:    repo,
				Name:    b.GetName(),
				HeadSHA: b.GetCommit().GetSHA(),
			})
		}

		if resp.NextPage == 0 || len(branches) == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

// Branch returns a branch including information about its head commit.
func (clt *Client) Branch(ctx context.Context, repo gitref.RepositoryRef, name string) (*vcs.Branch, error) {
	b, _, err := clt.restClt.Repositories.GetBranch(ctx, repo.Owner(), repo.Name(), name, 1)
	if err != nil {
		return nil, clt.wrapErr(err)
	}

	commit := b.GetCommit()
	author := commit.GetCommit().GetAuthor()

	authorName := commit.GetAuthor().GetLogin()
	if authorName == "" {
		authorName = author.GetName()
	}

	return &vcs.Branch{
		Repo:         repo,
		Name:         b.GetName(),
		HeadSHA:      commit.GetSHA(),
		CommitAuthor: authorName,
		CommitDate:   author.GetDate().Time,
	}, nil
}

// DeleteBranch deletes a branch.
// If the branch does not exist an apierr.ErrNotFound error is returned.
func (clt *Client) DeleteBranch(ctx context.Context, repo gitref.RepositoryRef, name string) error {
	_, err := clt.restClt.Git.DeleteRef(ctx, repo.Owner(), repo.Name(), "heads/"+name)
	if err != nil {
		return clt.wrapErr(err)
	}

	clt.logger.Debug(
		"branch deleted",
		logfields.Event("github_branch_deleted"),
		logfields.Repository(repo.String()),
		logfields.Branch(name),
	)

	return nil
}

// TestBranchName returns the merge or head ref of the pull request,
// according to the configured commit strategy.
func (clt *Client) TestBranchName(pr *vcs.PullRequest) string {
	return service.SelectTestRef(
		clt.commitStrategy,
		pr,
		fmt.Sprintf("refs/pull/%d/merge", pr.Number),
		fmt.Sprintf("refs/pull/%d/head", pr.Number),
	)
}

func (*Client) Dialect() vcs.Dialect {
	return vcs.DialectGitHub
}
