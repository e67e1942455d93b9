package gitlabclt

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

var testRepo = gitref.MustParse("https://gitlab.example.com/group/sub/repo")

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	clt, err := New("token", srv.URL, opts...)
	require.NoError(t, err)

	return clt
}

const mergeRequestsJSON = `[
  {
    "iid": 4,
    "title": "Draft: improve things",
    "description": "needs group/other!3",
    "state": "opened",
    "target_branch": "main",
    "source_branch": "feature",
    "sha": "abc",
    "source_project_id": 10,
    "target_project_id": 10,
    "draft": false,
    "detailed_merge_status": "mergeable",
    "updated_at": "2024-03-01T10:00:00Z",
    "author": {"username": "jane"},
    "web_url": "https://gitlab.example.com/group/sub/repo/-/merge_requests/4"
  },
  {
    "iid": 5,
    "title": "fork contribution",
    "state": "opened",
    "target_branch": "main",
    "source_branch": "fix",
    "sha": "def",
    "source_project_id": 99,
    "target_project_id": 10,
    "detailed_merge_status": "conflict",
    "updated_at": "2024-03-02T10:00:00Z"
  }
]`

func TestPullRequests(t *testing.T) {
	var projectLookups int

	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/v4/projects/group/sub/repo/merge_requests":
			assert.Equal(t, "opened", r.URL.Query().Get("state"))
			assert.Equal(t, "main", r.URL.Query().Get("target_branch"))
			_, _ = io.WriteString(w, mergeRequestsJSON)

		case "/api/v4/projects/99":
			projectLookups++
			_, _ = io.WriteString(w, `{"id": 99, "http_url_to_repo": "https://gitlab.example.com/fork/repo.git"}`)

		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message":"404 Not Found"}`)
		}
	}))

	for range 2 {
		prs, err := clt.PullRequests(context.Background(), testRepo, &service.ListOptions{Base: "main"})
		require.NoError(t, err)
		require.Len(t, prs, 2)

		assert.Equal(t, 4, prs[0].Number)
		assert.Equal(t, vcs.StateOpen, prs[0].State)
		assert.True(t, prs[0].Draft)
		assert.Equal(t, vcs.MergeableYes, prs[0].Mergeable)
		assert.Equal(t, "abc", prs[0].HeadSHA)
		assert.Equal(t, "main", prs[0].BaseBranch)
		assert.Equal(t, "jane", prs[0].Author)
		assert.Equal(t, "https://gitlab.example.com/group/sub/repo.git", prs[0].HeadRepoURL)
		assert.True(t, prs[0].UpdatedAt.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))

		assert.Equal(t, 5, prs[1].Number)
		assert.False(t, prs[1].Draft)
		assert.Equal(t, vcs.MergeableNo, prs[1].Mergeable)
		assert.Equal(t, "https://gitlab.example.com/fork/repo.git", prs[1].HeadRepoURL)
		assert.Equal(t, int64(99), prs[1].HeadRepoID)
	}

	assert.Equal(t, 1, projectLookups)
}

func TestDeleteBranchNotFound(t *testing.T) {
	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"404 Branch Not Found"}`)
	}))

	err := clt.DeleteBranch(context.Background(), testRepo, "prj/group/sub/repo/pulls/4")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestRateLimitIsRecorded(t *testing.T) {
	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	rl, err := clt.RateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt, rl.Remaining)
	assert.Zero(t, rl.ResetsIn)

	_, err = clt.Branches(context.Background(), testRepo)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrTooManyRequests)

	rl, err = clt.RateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rl.Remaining)
	assert.InDelta(t, (2 * time.Minute).Seconds(), rl.ResetsIn.Seconds(), 5)
}

func TestServerErrorIsConnectionFailed(t *testing.T) {
	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := clt.Branch(context.Background(), testRepo, "main")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrConnectionFailed)
}

func TestIsDraft(t *testing.T) {
	tcs := []struct {
		title string
		flag  bool
		want  bool
	}{
		{"Draft: x", false, true},
		{"draft: x", false, true},
		{"[Draft] x", false, true},
		{"(Draft) x", false, true},
		{"WIP: x", false, true},
		{"x", true, true},
		{"Fix drafting", false, false},
		{"x", false, false},
	}

	for _, tc := range tcs {
		t.Run(fmt.Sprintf("%s-%t", tc.title, tc.flag), func(t *testing.T) {
			assert.Equal(t, tc.want, isDraft(&gl.BasicMergeRequest{Title: tc.title, Draft: tc.flag}))
		})
	}
}

func TestMergeable(t *testing.T) {
	assert.Equal(t, vcs.MergeableYes, mergeable(&gl.BasicMergeRequest{DetailedMergeStatus: "mergeable"}))
	assert.Equal(t, vcs.MergeableNo, mergeable(&gl.BasicMergeRequest{DetailedMergeStatus: "conflict"}))
	assert.Equal(t, vcs.MergeableUnknown, mergeable(&gl.BasicMergeRequest{DetailedMergeStatus: "checking", MergeStatus: "can_be_merged"}))
	assert.Equal(t, vcs.MergeableYes, mergeable(&gl.BasicMergeRequest{DetailedMergeStatus: "not_approved", MergeStatus: "can_be_merged"}))
	assert.Equal(t, vcs.MergeableNo, mergeable(&gl.BasicMergeRequest{DetailedMergeStatus: "ci_must_pass", MergeStatus: "cannot_be_merged"}))
	assert.Equal(t, vcs.MergeableUnknown, mergeable(&gl.BasicMergeRequest{}))
}

func TestStateIsTranslated(t *testing.T) {
	assert.Equal(t, "opened", stateFilter(""))
	assert.Equal(t, "opened", stateFilter(service.StateFilterOpen))
	assert.Equal(t, "all", stateFilter(service.StateFilterClosed))

	assert.Equal(t, vcs.StateOpen, toPullRequest(testRepo, &gl.BasicMergeRequest{State: "opened"}).State)
	assert.Equal(t, vcs.StateClosed, toPullRequest(testRepo, &gl.BasicMergeRequest{State: "merged"}).State)
	assert.Equal(t, vcs.StateClosed, toPullRequest(testRepo, &gl.BasicMergeRequest{State: "closed"}).State)
}

func TestTestBranchName(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	clt, err := New("", "", WithCommitStrategy(service.CommitStrategyAuto))
	require.NoError(t, err)

	pr := vcs.PullRequest{Repo: testRepo, Number: 4, Mergeable: vcs.MergeableYes}
	assert.Equal(t, "refs/merge-requests/4/merge", clt.TestBranchName(&pr))

	pr.Mergeable = vcs.MergeableNo
	assert.Equal(t, "refs/merge-requests/4/head", clt.TestBranchName(&pr))

	assert.Equal(t, vcs.DialectGitLab, clt.Dialect())
}

func TestRateLimitWait(t *testing.T) {
	assert.Equal(t, 30*time.Second, rateLimitWait(http.Header{"Retry-After": []string{"30"}}))
	assert.Equal(t, defaultRateLimitWait, rateLimitWait(http.Header{}))

	h := http.Header{}
	h.Set("RateLimit-Reset", fmt.Sprint(time.Now().Add(time.Hour).Unix()))
	assert.InDelta(t, time.Hour.Seconds(), rateLimitWait(h).Seconds(), 5)
}
