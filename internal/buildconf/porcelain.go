package buildconf

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/logfields"
)

// File is a file that is committed to the build configuration repository.
type File struct {
	// Path is relative to the repository root.
	Path    string
	Content []byte
}

// Commit is the result of Porcelain.CommitAndPush.
type Commit struct {
	// SHA is the head commit of the branch.
	SHA string
	// Pushed is false when the remote branch was already up to date.
	Pushed bool
}

// Porcelain commits files to branches of the build configuration
// repository and pushes them.
type Porcelain interface {
	// CommitAndPush creates a commit on top of the build configuration
	// mainline that adds files and force-pushes it to branch.
	// If the remote branch already has the same content on top of the
	// same mainline commit nothing is pushed.
	CommitAndPush(ctx context.Context, branch string, files []*File, message string) (*Commit, error)
}

// DryPorcelain is a Porcelain that only logs the changes it would do.
type DryPorcelain struct {
	logger *zap.Logger
}

func NewDryPorcelain(logger *zap.Logger) *DryPorcelain {
	return &DryPorcelain{logger: logger.Named("dry_porcelain")}
}

func (p *DryPorcelain) CommitAndPush(_ context.Context, branch string, files []*File, _ string) (*Commit, error) {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}

	p.logger.Info(
		"simulated committing and pushing files, branch was not changed",
		logfields.Event("commit_and_push_simulated"),
		logfields.Branch(branch),
		zap.Strings("files", paths),
	)

	return &Commit{Pushed: true}, nil
}
