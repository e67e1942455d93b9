// Package gitlabclt provides a GitLab implementation of service.Service.
package gitlabclt

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

const DefaultHTTPClientTimeout = time.Minute

const loggerName = "gitlab_client"

const perPage = 100

var draftTitlePrefixes = []string{"draft:", "[draft]", "(draft)", "wip:", "[wip]"}

// Client is a GitLab API client.
// All methods return errors wrapping one of the apierr kinds.
type Client struct {
	clt            *gl.Client
	logger         *zap.Logger
	commitStrategy service.CommitStrategy

	mu             sync.Mutex
	projectURLs    map[int64]string
	rateLimitReset time.Time
}

type Option func(*Client)

func WithCommitStrategy(s service.CommitStrategy) Option {
	return func(c *Client) {
		c.commitStrategy = s
	}
}

// New returns a new GitLab API client.
// If apiEndpoint is empty, gitlab.com is used.
// Retries are done by the caller, the client itself does not retry
// requests.
func New(token, apiEndpoint string, opts ...Option) (*Client, error) {
	clientOpts := []gl.ClientOptionFunc{
		gl.WithoutRetries(),
		gl.WithHTTPClient(&http.Client{Timeout: DefaultHTTPClientTimeout}),
	}

	if apiEndpoint != "" {
		clientOpts = append(clientOpts, gl.WithBaseURL(apiEndpoint))
	}

	glClt, err := gl.NewClient(token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client failed: %w", err)
	}

	clt := Client{
		clt:            glClt,
		logger:         zap.L().Named(loggerName),
		commitStrategy: service.CommitStrategyAuto,
		projectURLs:    map[int64]string{},
	}

	for _, o := range opts {
		o(&clt)
	}

	return &clt, nil
}

func stateFilter(s string) string {
	switch s {
	case "", service.StateFilterOpen:
		return "opened"
	case service.StateFilterAll, service.StateFilterClosed:
		// closed and merged merge requests can not be queried together
		return "all"
	default:
		return s
	}
}

// PullRequests returns the merge requests of repo.
func (clt *Client) PullRequests(ctx context.Context, repo gitref.RepositoryRef, opts *service.ListOptions) ([]*vcs.PullRequest, error) {
	var state, base string
	if opts != nil {
		state = opts.State
		base = opts.Base
	}

	listOpts := gl.ListProjectMergeRequestsOptions{
		ListOptions: gl.ListOptions{PerPage: perPage},
		State:       gl.Ptr(stateFilter(state)),
	}

	if base != "" {
		listOpts.TargetBranch = gl.Ptr(base)
	}

	var result []*vcs.PullRequest

	for {
		mrs, resp, err := clt.clt.MergeRequests.ListProjectMergeRequests(repo.Path, &listOpts, gl.WithContext(ctx))
		if err != nil {
			return nil, clt.wrapErr(resp, err)
		}

		for _, mr := range mrs {
			pr := toPullRequest(repo, mr)

			if state == service.StateFilterClosed && pr.State != vcs.StateClosed {
				continue
			}

			if mr.SourceProjectID != mr.TargetProjectID {
				url, err := clt.projectURL(ctx, int64(mr.SourceProjectID))
				if err != nil {
					return nil, err
				}
				pr.HeadRepoURL = url
			} else {
				pr.HeadRepoURL = repo.URL() + ".git"
			}

			result = append(result, pr)
		}

		if resp.NextPage == 0 || len(mrs) == 0 {
			break
		}

		listOpts.Page = resp.NextPage
	}

	return result, nil
}

// projectURL returns the HTTP clone URL of a project, results are cached.
func (clt *Client) projectURL(ctx context.Context, id int64) (string, error) {
	clt.mu.Lock()
	url, exist := clt.projectURLs[id]
	clt.mu.Unlock()

	if exist {
		return url, nil
	}

	p, resp, err := clt.clt.Projects.GetProject(id, nil, gl.WithContext(ctx))
	if err != nil {
		return "", clt.wrapErr(resp, err)
	}

	clt.mu.Lock()
	clt.projectURLs[id] = p.HTTPURLToRepo
	clt.mu.Unlock()

	return p.HTTPURLToRepo, nil
}

func isDraft(mr *gl.BasicMergeRequest) bool {
	if mr.Draft {
		return true
	}

	title := strings.ToLower(strings.TrimSpace(mr.Title))
	for _, prefix := range draftTitlePrefixes {
		if strings.HasPrefix(title, prefix) {
			return true
		}
	}

	return false
}

func mergeable(mr *gl.BasicMergeRequest) vcs.Mergeable {
	switch mr.DetailedMergeStatus {
	case "mergeable":
		return vcs.MergeableYes
	case "conflict", "broken_status", "need_rebase":
		return vcs.MergeableNo
	case "checking", "unchecked", "preparing", "approvals_syncing":
		return vcs.MergeableUnknown
	}

	// the detailed status also reports non-git reasons that block merging,
	// e.g. missing approvals, the legacy status only reports conflicts
	switch mr.MergeStatus {
	case "can_be_merged":
		return vcs.MergeableYes
	case "cannot_be_merged", "cannot_be_merged_recheck":
		return vcs.MergeableNo
	default:
		return vcs.MergeableUnknown
	}
}

func toPullRequest(repo gitref.RepositoryRef, mr *gl.BasicMergeRequest) *vcs.PullRequest {
	state := vcs.StateClosed
	if mr.State == "opened" {
		state = vcs.StateOpen
	}

	var updatedAt time.Time
	if mr.UpdatedAt != nil {
		updatedAt = *mr.UpdatedAt
	}

	var author string
	if mr.Author != nil {
		author = mr.Author.Username
	}

	return &vcs.PullRequest{
		Repo:       repo,
		Number:     int(mr.IID),
		State:      state,
		Title:      mr.Title,
		Body:       mr.Description,
		BaseBranch: mr.TargetBranch,
		BaseOwner:  repo.Owner(),
		BaseName:   repo.Name(),
		HeadBranch: mr.SourceBranch,
		HeadSHA:    mr.SHA,
		HeadRepoID: int64(mr.SourceProjectID),
		Draft:      isDraft(mr),
		Mergeable:  mergeable(mr),
		UpdatedAt:  updatedAt,
		Author:     author,
		WebURL:     mr.WebURL,
	}
}

// Branches returns all branches of repo.
func (clt *Client) Branches(ctx context.Context, repo gitref.RepositoryRef) ([]*vcs.Branch, error) {
	opts := gl.ListBranchesOptions{ListOptions: gl.ListOptions{PerPage: perPage}}

	var result []*vcs.Branch

	for {
		branches, resp, err := clt.clt.Branches.ListBranches(repo.Path, &opts, gl.WithContext(ctx))
		if err != nil {
			return nil, clt.wrapErr(resp, err)
		}

		for _, b := range branches {
			result = append(result, toBranch(repo, b))
		}

		if resp.NextPage == 0 || len(branches) == 0 {
			break
		}

		opts.Page = resp.NextPage
	}

	return result, nil
}

func toBranch(repo gitref.RepositoryRef, b *gl.Branch) *vcs.Branch {
	result := vcs.Branch{
		Repo: repo,
		Name: b.Name,
	}

	if b.Commit != nil {
		result.HeadSHA = b.Commit.ID
		result.CommitAuthor = b.Commit.AuthorName

		if b.Commit.AuthoredDate != nil {
			result.CommitDate = *b.Commit.AuthoredDate
		}
	}

	return &result
}

func (clt *Client) Branch(ctx context.Context, repo gitref.RepositoryRef, name string) (*vcs.Branch, error) {
	b, resp, err := clt.clt.Branches.GetBranch(repo.Path, name, gl.WithContext(ctx))
	if err != nil {
		return nil, clt.wrapErr(resp, err)
	}

	return toBranch(repo, b), nil
}

// DeleteBranch deletes a branch.
// If the branch does not exist an apierr.ErrNotFound error is returned.
func (clt *Client) DeleteBranch(ctx context.Context, repo gitref.RepositoryRef, name string) error {
	resp, err := clt.clt.Branches.DeleteBranch(repo.Path, name, gl.WithContext(ctx))
	if err != nil {
		return clt.wrapErr(resp, err)
	}

	clt.logger.Debug(
		"branch deleted",
		logfields.Event("gitlab_branch_deleted"),
		logfields.Repository(repo.String()),
		logfields.Branch(name),
	)

	return nil
}

// RateLimit returns the time until the rate limit resets when a previous
// request was rejected because of it.
// Otherwise a value with unlimited remaining requests is returned, GitLab
// does not provide an endpoint to query the rate limit state.
func (clt *Client) RateLimit(context.Context) (*vcs.RateLimit, error) {
	clt.mu.Lock()
	reset := clt.rateLimitReset
	clt.mu.Unlock()

	if d := time.Until(reset); d > 0 {
		return &vcs.RateLimit{Remaining: 0, ResetsIn: d}, nil
	}

	return &vcs.RateLimit{Remaining: math.MaxInt, ResetsIn: 0}, nil
}

func (clt *Client) TestBranchName(pr *vcs.PullRequest) string {
	return service.SelectTestRef(
		clt.commitStrategy,
		pr,
		fmt.Sprintf("refs/merge-requests/%d/merge", pr.Number),
		fmt.Sprintf("refs/merge-requests/%d/head", pr.Number),
	)
}

func (*Client) Dialect() vcs.Dialect {
	return vcs.DialectGitLab
}
