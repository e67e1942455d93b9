// Package vcs contains the provider independent representation of pull
// requests, branches and push events.
package vcs

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/logfields"
)

type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Mergeable is the tri-state mergeability of a pull request.
// Hosting services compute it asynchronously, until then it is
// MergeableUnknown.
type Mergeable int8

const (
	MergeableUnknown Mergeable = iota
	MergeableYes
	MergeableNo
)

func MergeableFromBool(v bool) Mergeable {
	if v {
		return MergeableYes
	}

	return MergeableNo
}

func (m Mergeable) String() string {
	switch m {
	case MergeableYes:
		return "true"
	case MergeableNo:
		return "false"
	default:
		return "unknown"
	}
}

// Key identifies a pull request across all hosting services.
type Key struct {
	Repo   gitref.RepositoryRef
	Number int
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.Repo, k.Number)
}

// PullRequest is a GitHub pull request or a GitLab merge request.
type PullRequest struct {
	// Repo is the repository the pull request was opened in, it is the
	// base repository.
	Repo   gitref.RepositoryRef
	Number int
	State  State
	Title  string
	Body   string

	BaseBranch string
	BaseSHA    string
	BaseOwner  string
	BaseName   string

	HeadBranch string
	HeadSHA    string
	HeadOwner  string
	HeadName   string
	// HeadRepoID is the numeric ID of the source repository at the
	// hosting service, 0 if unknown.
	HeadRepoID int64
	// HeadRepoURL is the clone URL of the source repository, empty if
	// unknown.
	HeadRepoURL string

	Draft     bool
	Mergeable Mergeable
	UpdatedAt time.Time
	Author    string
	WebURL    string

	// Dependencies are the open pull requests referenced in Body.
	// They are populated by the dependency resolver, nil before.
	// The graph can contain cycles.
	Dependencies []*PullRequest
}

func (p *PullRequest) Key() Key {
	return Key{Repo: p.Repo, Number: p.Number}
}

func (p *PullRequest) String() string {
	return p.Key().String()
}

func (p *PullRequest) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Repository(p.Repo.String()),
		logfields.PullRequest(p.Number),
		logfields.BaseBranch(p.BaseBranch),
		logfields.Commit(p.HeadSHA),
	}
}

// Branch is a branch in a repository.
type Branch struct {
	Repo    gitref.RepositoryRef
	Name    string
	HeadSHA string
	// CommitAuthor and CommitDate describe the head commit, they are
	// empty when the branch was retrieved via a list operation.
	CommitAuthor string
	CommitDate   time.Time
}

// PushEvent describes a change of the head commit of a branch.
type PushEvent struct {
	Repo      gitref.RepositoryRef
	Branch    string
	HeadSHA   string
	Author    string
	CreatedAt time.Time
}

func (e *PushEvent) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Repository(e.Repo.String()),
		logfields.Branch(e.Branch),
		logfields.Commit(e.HeadSHA),
	}
}

// RateLimit is the API rate limit state of a hosting service.
type RateLimit struct {
	Remaining int
	ResetsIn  time.Duration
}
