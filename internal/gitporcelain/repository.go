// Package gitporcelain commits files to branches of a remote git repository.
package gitporcelain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/buildconf"
	"github.com/simplesurance/buildconfd/internal/logfields"
)

const loggerName = "git_porcelain"

const remoteName = "origin"

const (
	defaultAuthorName  = "buildconfd"
	defaultAuthorEmail = "buildconfd@localhost"
)

// Repository is a local checkout of a remote repository.
// Commits are always created on top of the tip of the remote mainline
// branch.
type Repository struct {
	dir      string
	url      string
	mainline string

	auth        transport.AuthMethod
	authorName  string
	authorEmail string
	logger      *zap.Logger

	mu   sync.Mutex
	repo *git.Repository
}

type Option func(*Repository)

// WithBasicAuth authenticates via HTTP basic auth.
// For GitHub and GitLab the password is an access token, username can be
// any non-empty value.
func WithBasicAuth(username, password string) Option {
	return func(r *Repository) {
		r.auth = &http.BasicAuth{Username: username, Password: password}
	}
}

func WithAuthor(name, email string) Option {
	return func(r *Repository) {
		r.authorName = name
		r.authorEmail = email
	}
}

// New returns a Repository that is checked out in dir.
// The checkout is created on first use when dir does not contain a git
// repository.
func New(dir, url, mainline string, opts ...Option) *Repository {
	r := Repository{
		dir:         dir,
		url:         url,
		mainline:    mainline,
		authorName:  defaultAuthorName,
		authorEmail: defaultAuthorEmail,
		logger:      zap.L().Named(loggerName).With(zap.String("git.url", url)),
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

func (r *Repository) open() (*git.Repository, error) {
	if r.repo != nil {
		return r.repo, nil
	}

	repo, err := git.PlainOpen(r.dir)
	if err == nil {
		r.repo = repo
		return repo, nil
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("opening git repository %s failed: %w", r.dir, err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, err
	}

	repo, err = git.PlainInit(r.dir, false)
	if err != nil {
		return nil, fmt.Errorf("initializing git repository in %s failed: %w", r.dir, err)
	}

	_, err = repo.CreateRemote(&config.RemoteConfig{
		Name: remoteName,
		URLs: []string{r.url},
	})
	if err != nil {
		return nil, fmt.Errorf("creating git remote failed: %w", err)
	}

	r.logger.Info(
		"initialized git repository",
		logfields.Event("git_repository_initialized"),
		zap.String("git.dir", r.dir),
	)

	r.repo = repo
	return repo, nil
}

func remoteRefName(branch string) plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(remoteName, branch)
}

// fetch updates the remote-tracking reference of branch.
// It returns false when the branch does not exist in the remote
// repository.
func (r *Repository) fetch(ctx context.Context, repo *git.Repository, branch string) (bool, error) {
	refSpec := config.RefSpec(fmt.Sprintf("+%s:%s", plumbing.NewBranchReferenceName(branch), remoteRefName(branch)))

	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       r.auth,
		Tags:       git.NoTags,
		Force:      true,
	})
	if err == nil || errors.Is(err, git.NoErrAlreadyUpToDate) {
		return true, nil
	}

	var noMatchErr git.NoMatchingRefSpecError
	if errors.As(err, &noMatchErr) {
		return false, nil
	}

	return false, fmt.Errorf("fetching branch %q failed: %w", branch, err)
}

func (r *Repository) remoteCommit(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(remoteRefName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolving remote branch %q failed: %w", branch, err)
	}

	return repo.CommitObject(ref.Hash())
}

// CommitAndPush creates a commit with files on top of the remote mainline
// and force-pushes it to branch.
// When the remote branch already is a single commit with the same tree on
// top of the current mainline, nothing is pushed.
func (r *Repository) CommitAndPush(ctx context.Context, branch string, files []*buildconf.File, message string) (*buildconf.Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := r.logger.With(logfields.Branch(branch))

	repo, err := r.open()
	if err != nil {
		return nil, err
	}

	found, err := r.fetch(ctx, repo, r.mainline)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("mainline branch %q does not exist in %s", r.mainline, r.url)
	}

	mainline, err := r.remoteCommit(repo, r.mainline)
	if err != nil {
		return nil, err
	}

	branchExists, err := r.fetch(ctx, repo, branch)
	if err != nil {
		return nil, err
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}

	err = wt.Checkout(&git.CheckoutOptions{Hash: mainline.Hash, Force: true})
	if err != nil {
		return nil, fmt.Errorf("checking out %s failed: %w", mainline.Hash, err)
	}

	for _, f := range files {
		if err := r.writeFile(f); err != nil {
			return nil, err
		}

		if _, err := wt.Add(filepath.ToSlash(f.Path)); err != nil {
			return nil, fmt.Errorf("staging %s failed: %w", f.Path, err)
		}
	}

	sig := object.Signature{Name: r.authorName, Email: r.authorEmail, When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author:            &sig,
		Committer:         &sig,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating commit failed: %w", err)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, err
	}

	if branchExists {
		remote, err := r.remoteCommit(repo, branch)
		if err != nil {
			return nil, err
		}

		if upToDate(remote, commit, mainline) {
			logger.Debug(
				"remote branch is up to date, skipping push",
				logfields.Event("git_push_skipped"),
				logfields.Commit(remote.Hash.String()),
			)

			return &buildconf.Commit{SHA: remote.Hash.String()}, nil
		}
	}

	localRef := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), hash)
	if err := repo.Storer.SetReference(localRef); err != nil {
		return nil, fmt.Errorf("updating local branch %q failed: %w", branch, err)
	}

	refSpec := config.RefSpec(fmt.Sprintf("+%s:%s", localRef.Name(), localRef.Name()))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       r.auth,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("pushing branch %q failed: %w", branch, err)
	}

	logger.Info(
		"pushed branch",
		logfields.Event("git_branch_pushed"),
		logfields.Commit(hash.String()),
		zap.String("git.base", mainline.Hash.String()),
	)

	return &buildconf.Commit{SHA: hash.String(), Pushed: true}, nil
}

func upToDate(remote, commit, mainline *object.Commit) bool {
	return remote.TreeHash == commit.TreeHash &&
		len(remote.ParentHashes) == 1 &&
		remote.ParentHashes[0] == mainline.Hash
}

func (r *Repository) writeFile(f *buildconf.File) error {
	path := filepath.Join(r.dir, filepath.FromSlash(f.Path))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(path, f.Content, 0o644); err != nil {
		return fmt.Errorf("writing %s failed: %w", f.Path, err)
	}

	return nil
}
