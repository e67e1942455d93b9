package githubclt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v59/github"
	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/buildconfd/internal/apierr"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/service"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

var testRepo = gitref.MustParse("https://github.com/owner/repo")

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	restClt := github.NewClient(srv.Client())
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	restClt.BaseURL = baseURL

	graphQLClt := githubv4.NewEnterpriseClient(srv.URL+"/graphql", srv.Client())

	return newClient(restClt, graphQLClt, opts...)
}

type ghRepoJSON struct {
	ID       int64             `json:"id,omitempty"`
	Name     string            `json:"name,omitempty"`
	CloneURL string            `json:"clone_url,omitempty"`
	Owner    map[string]string `json:"owner,omitempty"`
}

type ghRefJSON struct {
	Ref  string     `json:"ref"`
	SHA  string     `json:"sha"`
	Repo ghRepoJSON `json:"repo"`
}

type ghPullRequestJSON struct {
	Number    int               `json:"number"`
	State     string            `json:"state"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Draft     bool              `json:"draft"`
	Mergeable *bool             `json:"mergeable"`
	UpdatedAt time.Time         `json:"updated_at"`
	Base      ghRefJSON         `json:"base"`
	Head      ghRefJSON         `json:"head"`
	User      map[string]string `json:"user"`
}

func ghPR(number int, headSHA string, mergeable *bool) *ghPullRequestJSON {
	return &ghPullRequestJSON{
		Number:    number,
		State:     "open",
		Title:     fmt.Sprintf("pr %d", number),
		Mergeable: mergeable,
		UpdatedAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Base: ghRefJSON{
			Ref:  "master",
			SHA:  "base-sha",
			Repo: ghRepoJSON{Name: "repo", Owner: map[string]string{"login": "owner"}},
		},
		Head: ghRefJSON{
			Ref: "feature",
			SHA: headSHA,
			Repo: ghRepoJSON{
				ID:       42,
				Name:     "repo",
				CloneURL: "https://github.com/owner/repo.git",
				Owner:    map[string]string{"login": "owner"},
			},
		},
		User: map[string]string{"login": "author"},
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func graphQLMergeableHandler(t *testing.T, cnt *atomic.Int32, states ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "mergeable")

		i := int(cnt.Add(1)) - 1
		if i >= len(states) {
			i = len(states) - 1
		}

		fmt.Fprintf(w, `{"data":{"repository":{"pullRequest":{"mergeable":%q}}}}`, states[i])
	}
}

func TestPullRequestsPaginatesAndResolvesMergeability(t *testing.T) {
	var graphQLCalls atomic.Int32
	var listCalls atomic.Int32
	yes := true

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, r *http.Request) {
		listCalls.Add(1)
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		assert.Equal(t, "master", r.URL.Query().Get("base"))

		if r.URL.Query().Get("page") == "2" {
			writeJSON(t, w, []*ghPullRequestJSON{ghPR(2, "sha2", nil)})
			return
		}

		w.Header().Set("Link", fmt.Sprintf(`<http://%s/repos/owner/repo/pulls?page=2>; rel="next"`, r.Host))
		writeJSON(t, w, []*ghPullRequestJSON{ghPR(1, "sha1", &yes)})
	})
	mux.HandleFunc("/graphql", graphQLMergeableHandler(t, &graphQLCalls, "UNKNOWN", "UNKNOWN", "MERGEABLE"))

	clt := newTestClient(t, mux, WithMergeabilityPollInterval(time.Millisecond))

	prs, err := clt.PullRequests(context.Background(), testRepo, &service.ListOptions{Base: "master"})
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, int32(2), listCalls.Load())

	assert.Equal(t, 1, prs[0].Number)
	assert.Equal(t, vcs.MergeableYes, prs[0].Mergeable)
	assert.Equal(t, "sha1", prs[0].HeadSHA)
	assert.Equal(t, "master", prs[0].BaseBranch)
	assert.Equal(t, "owner", prs[0].HeadOwner)
	assert.Equal(t, int64(42), prs[0].HeadRepoID)
	assert.Equal(t, "author", prs[0].Author)
	assert.Equal(t, testRepo, prs[0].Repo)

	assert.Equal(t, 2, prs[1].Number)
	assert.Equal(t, vcs.MergeableYes, prs[1].Mergeable)
	assert.Equal(t, int32(3), graphQLCalls.Load())
	assert.Equal(t, 2, clt.mergeability.Len())

	// unchanged pull requests are served from the mergeability cache
	prs, err = clt.PullRequests(context.Background(), testRepo, &service.ListOptions{Base: "master"})
	require.NoError(t, err)
	require.Len(t, prs, 2)
	assert.Equal(t, vcs.MergeableYes, prs[1].Mergeable)
	assert.Equal(t, int32(3), graphQLCalls.Load())
}

func TestMergeabilityTimeoutIsNotMergeable(t *testing.T) {
	var graphQLCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, []*ghPullRequestJSON{ghPR(7, "sha7", nil)})
	})
	mux.HandleFunc("/graphql", graphQLMergeableHandler(t, &graphQLCalls, "UNKNOWN"))

	clt := newTestClient(t, mux,
		WithMergeabilityPollInterval(time.Millisecond),
		WithMergeabilityTimeout(20*time.Millisecond),
		WithCommitStrategy(service.CommitStrategyAuto),
	)

	prs, err := clt.PullRequests(context.Background(), testRepo, nil)
	require.NoError(t, err)
	require.Len(t, prs, 1)

	assert.Equal(t, vcs.MergeableNo, prs[0].Mergeable)
	assert.Greater(t, graphQLCalls.Load(), int32(1))
	assert.Equal(t, "refs/pull/7/head", clt.TestBranchName(prs[0]))
}

func TestMergeabilityCacheSweep(t *testing.T) {
	c := newMergeabilityCache(time.Hour)
	now := time.Now()

	k1 := mergeabilityKey{repo: testRepo, number: 1, baseSHA: "b", headSHA: "h1"}
	k2 := mergeabilityKey{repo: testRepo, number: 2, baseSHA: "b", headSHA: "h2"}

	c.Put(k1, vcs.MergeableYes, now.Add(-2*time.Hour))
	c.Put(k2, vcs.MergeableNo, now.Add(-2*time.Hour))

	v, exist := c.Get(k2, now)
	require.True(t, exist)
	assert.Equal(t, vcs.MergeableNo, v)

	assert.Equal(t, 1, c.Sweep(now))

	_, exist = c.Get(k1, now)
	assert.False(t, exist)
	_, exist = c.Get(k2, now)
	assert.True(t, exist)

	_, exist = c.Get(mergeabilityKey{repo: testRepo, number: 2, baseSHA: "b", headSHA: "new"}, now)
	assert.False(t, exist, "entry must only match the same head commit")
}

func TestErrorsAreMapped(t *testing.T) {
	tcs := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		want    error
	}{
		{name: "notfound", status: http.StatusNotFound, body: `{"message":"Not Found"}`, want: apierr.ErrNotFound},
		{name: "servererror", status: http.StatusBadGateway, body: `{"message":"bad gateway"}`, want: apierr.ErrConnectionFailed},
		{name: "toomanyrequests", status: http.StatusTooManyRequests, body: `{"message":"slow down"}`, want: apierr.ErrTooManyRequests},
		{
			name:   "ratelimit",
			status: http.StatusForbidden,
			headers: map[string]string{
				"X-RateLimit-Limit":     "5000",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     fmt.Sprint(time.Now().Add(time.Hour).Unix()),
			},
			body: `{"message":"API rate limit exceeded"}`,
			want: apierr.ErrTooManyRequests,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))

			_, err := clt.Branches(context.Background(), testRepo)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var apiErr *apierr.Error
			assert.ErrorAs(t, err, &apiErr)
		})
	}
}

func TestDeleteBranch(t *testing.T) {
	var deleted []string

	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ref := strings.TrimPrefix(r.URL.Path, "/repos/owner/repo/git/refs/")
		if ref == "heads/buildconfd/gone" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"message":"Reference does not exist"}`)
			return
		}

		deleted = append(deleted, ref)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, clt.DeleteBranch(context.Background(), testRepo, "prj/pulls/1"))
	assert.Equal(t, []string{"heads/prj/pulls/1"}, deleted)

	err := clt.DeleteBranch(context.Background(), testRepo, "buildconfd/gone")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestBranch(t *testing.T) {
	clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/owner/repo/branches/main", r.URL.Path)

		_, _ = io.WriteString(w, `{
			"name": "main",
			"commit": {
				"sha": "abc",
				"author": {"login": "jane"},
				"commit": {"author": {"name": "Jane Doe", "date": "2024-03-01T10:00:00Z"}}
			}
		}`)
	}))

	b, err := clt.Branch(context.Background(), testRepo, "main")
	require.NoError(t, err)

	assert.Equal(t, "main", b.Name)
	assert.Equal(t, "abc", b.HeadSHA)
	assert.Equal(t, "jane", b.CommitAuthor)
	assert.True(t, b.CommitDate.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, testRepo, b.Repo)
}

func TestRateLimit(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()

	t.Run("core", func(t *testing.T) {
		clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `{"resources":{"core":{"limit":5000,"remaining":0,"reset":%d},"graphql":{"limit":5000,"remaining":10,"reset":%d}}}`, reset, reset+60)
		}))

		rl, err := clt.RateLimit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, rl.Remaining)
		assert.InDelta(t, time.Hour.Seconds(), rl.ResetsIn.Seconds(), 5)
	})

	t.Run("graphql", func(t *testing.T) {
		clt := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, `{"resources":{"core":{"limit":5000,"remaining":10,"reset":%d},"graphql":{"limit":5000,"remaining":0,"reset":%d}}}`, reset, reset+600)
		}))

		rl, err := clt.RateLimit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, rl.Remaining)
		assert.InDelta(t, (time.Hour + 10*time.Minute).Seconds(), rl.ResetsIn.Seconds(), 5)
	})
}

func TestTestBranchName(t *testing.T) {
	tcs := []struct {
		strategy  service.CommitStrategy
		mergeable vcs.Mergeable
		draft     bool
		want      string
	}{
		{service.CommitStrategyAuto, vcs.MergeableYes, false, "refs/pull/3/merge"},
		{service.CommitStrategyAuto, vcs.MergeableNo, false, "refs/pull/3/head"},
		{service.CommitStrategyAuto, vcs.MergeableUnknown, false, "refs/pull/3/head"},
		{service.CommitStrategyAuto, vcs.MergeableYes, true, "refs/pull/3/head"},
		{service.CommitStrategyMerge, vcs.MergeableNo, false, "refs/pull/3/merge"},
		{service.CommitStrategyMerge, vcs.MergeableYes, true, "refs/pull/3/head"},
		{service.CommitStrategyHead, vcs.MergeableYes, false, "refs/pull/3/head"},
	}

	for _, tc := range tcs {
		t.Run(fmt.Sprintf("%s-%s-draft:%t", tc.strategy, tc.mergeable, tc.draft), func(t *testing.T) {
			clt := newClient(nil, nil, WithCommitStrategy(tc.strategy))
			pr := vcs.PullRequest{Repo: testRepo, Number: 3, Mergeable: tc.mergeable, Draft: tc.draft}

			assert.Equal(t, tc.want, clt.TestBranchName(&pr))
		})
	}
}

func TestWrapGraphQLErr(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))
	clt := newClient(nil, nil)

	assert.ErrorIs(t, clt.wrapGraphQLErr(errors.New("non-200 OK status code: 404 Not Found body: \"\"")), apierr.ErrNotFound)
	assert.ErrorIs(t, clt.wrapGraphQLErr(errors.New("non-200 OK status code: 429 Too Many Requests body: \"\"")), apierr.ErrTooManyRequests)
	assert.ErrorIs(t, clt.wrapGraphQLErr(errors.New("non-200 OK status code: 503 Service Unavailable body: \"\"")), apierr.ErrConnectionFailed)
	assert.ErrorIs(t, clt.wrapGraphQLErr(errors.New("error")), apierr.ErrConnectionFailed)
	assert.NoError(t, clt.wrapGraphQLErr(nil))

	assert.ErrorIs(t, clt.wrapGraphQLErr(errors.New("API rate limit exceeded for user ID 1.")), apierr.ErrTooManyRequests)
	assert.ErrorIs(t,
		clt.wrapGraphQLErr(errors.New(`non-200 OK status code: 403 Forbidden body: "{\"message\":\"You have exceeded a secondary rate limit.\"}"`)),
		apierr.ErrTooManyRequests,
	)
	assert.ErrorIs(t,
		clt.wrapGraphQLErr(errors.New(`non-200 OK status code: 403 Forbidden body: "{\"message\":\"Resource not accessible by integration\"}"`)),
		apierr.ErrConnectionFailed,
	)
}

func TestGraphQLRateLimitIsTooManyRequests(t *testing.T) {
	tcs := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "primary",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, `{"data":null,"errors":[{"type":"RATE_LIMITED","message":"API rate limit exceeded for user ID 1."}]}`)
			},
		},
		{
			name: "secondary",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprint(w, `{"message":"You have exceeded a secondary rate limit. Please wait a few minutes before you try again."}`)
			},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/owner/repo/pulls", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(t, w, []*ghPullRequestJSON{ghPR(7, "sha7", nil)})
			})
			mux.HandleFunc("/graphql", tc.handler)

			clt := newTestClient(t, mux, WithMergeabilityPollInterval(time.Millisecond))

			_, err := clt.PullRequests(context.Background(), testRepo, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, apierr.ErrTooManyRequests)
			assert.NotErrorIs(t, err, apierr.ErrConnectionFailed)
		})
	}
}

func TestGraphQLEndpoint(t *testing.T) {
	assert.Equal(t, "https://ghe.example.com/api/graphql", graphQLEndpoint("https://ghe.example.com/api/v3"))
	assert.Equal(t, "https://ghe.example.com/api/graphql", graphQLEndpoint("https://ghe.example.com/api/v3/"))
	assert.Equal(t, "https://ghe.example.com/api/graphql", graphQLEndpoint("https://ghe.example.com"))
}
