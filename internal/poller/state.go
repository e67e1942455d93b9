package poller

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/simplesurance/buildconfd/internal/fsutil"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/workspace"
)

// State is kept across Daemon restarts for the lifetime of the process.
// The mainline heads are also persisted to a file when State was created
// with LoadState.
// It is not safe for concurrent use.
type State struct {
	updateFailed  bool
	mainlineHeads map[workspace.TrackedBranch]string
	path          string
	dirty         bool
}

// NewState returns a State that is only kept in memory.
func NewState() *State {
	return &State{mainlineHeads: map[workspace.TrackedBranch]string{}}
}

type fileMainlineHead struct {
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	Head       string `yaml:"head"`
}

// LoadState returns a State with the mainline heads read from path.
// A missing file results in a State without known heads.
func LoadState(path string) (*State, error) {
	s := NewState()
	s.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}

		return nil, fmt.Errorf("reading state file failed: %w", err)
	}

	var heads []*fileMainlineHead
	if err := yaml.Unmarshal(data, &heads); err != nil {
		return nil, fmt.Errorf("parsing state file %s failed: %w", path, err)
	}

	for i, h := range heads {
		if h == nil {
			continue
		}

		repo, err := gitref.Parse(h.Repository)
		if err != nil {
			return nil, fmt.Errorf("state file %s: entry %d: %w", path, i, err)
		}

		s.mainlineHeads[workspace.TrackedBranch{Repo: repo, Branch: h.Branch}] = h.Head
	}

	return s, nil
}

// UpdateFailed returns true if the last workspace update failed.
// While it is set pull requests are not processed and no builds are
// triggered.
func (s *State) UpdateFailed() bool {
	return s.updateFailed
}

func (s *State) SetUpdateFailed(v bool) {
	s.updateFailed = v
	metrics.UpdateFailedSet(v)
}

// MainlineHead returns the last seen head commit of a tracked branch.
func (s *State) MainlineHead(tb workspace.TrackedBranch) (string, bool) {
	sha, exist := s.mainlineHeads[tb]
	return sha, exist
}

func (s *State) SetMainlineHead(tb workspace.TrackedBranch, sha string) {
	if prev, exist := s.mainlineHeads[tb]; exist && prev == sha {
		return
	}

	s.mainlineHeads[tb] = sha
	s.dirty = true
}

// Dump writes the mainline heads to the state file if they changed since
// the last Dump. It is a noop for a State created by NewState.
func (s *State) Dump() error {
	if s.path == "" || !s.dirty {
		return nil
	}

	heads := make([]*fileMainlineHead, 0, len(s.mainlineHeads))
	for tb, sha := range s.mainlineHeads {
		heads = append(heads, &fileMainlineHead{
			Repository: tb.Repo.URL(),
			Branch:     tb.Branch,
			Head:       sha,
		})
	}

	sort.Slice(heads, func(i, j int) bool {
		if heads[i].Repository != heads[j].Repository {
			return heads[i].Repository < heads[j].Repository
		}
		return heads[i].Branch < heads[j].Branch
	})

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(heads); err != nil {
		return fmt.Errorf("encoding state failed: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding state failed: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.path, buf.Bytes()); err != nil {
		return fmt.Errorf("writing state file failed: %w", err)
	}

	s.dirty = false

	return nil
}
