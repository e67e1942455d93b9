package prcache

import (
	"sort"
	"time"

	"github.com/simplesurance/buildconfd/internal/deps"
	"github.com/simplesurance/buildconfd/internal/gitref"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

// Dependency is the state of a dependency of a pull request at the time it
// was acted upon.
type Dependency struct {
	Repo       gitref.RepositoryRef
	Number     int
	BaseBranch string
	HeadSHA    string
	Draft      bool
}

// Record is the state of a pull request at the time it was acted upon.
type Record struct {
	Repo       gitref.RepositoryRef
	Number     int
	BaseBranch string
	HeadSHA    string
	Draft      bool
	UpdatedAt  time.Time
	// Dependencies is the dependency fingerprint, it is sorted and
	// does not contain duplicates.
	Dependencies []Dependency
}

func (r *Record) Key() vcs.Key {
	return vcs.Key{Repo: r.Repo, Number: r.Number}
}

func newRecord(pr *vcs.PullRequest) *Record {
	return &Record{
		Repo:         pr.Repo,
		Number:       pr.Number,
		BaseBranch:   pr.BaseBranch,
		HeadSHA:      pr.HeadSHA,
		Draft:        pr.Draft,
		UpdatedAt:    pr.UpdatedAt,
		Dependencies: Fingerprint(pr),
	}
}

// Fingerprint returns the state of all recursive dependencies of pr that is
// relevant for building it.
func Fingerprint(pr *vcs.PullRequest) []Dependency {
	set := map[Dependency]struct{}{}

	for _, dep := range deps.RecursiveDependencies(pr) {
		set[Dependency{
			Repo:       dep.Repo,
			Number:     dep.Number,
			BaseBranch: dep.BaseBranch,
			HeadSHA:    dep.HeadSHA,
			Draft:      dep.Draft,
		}] = struct{}{}
	}

	return sortedDependencies(set)
}

func sortedDependencies(set map[Dependency]struct{}) []Dependency {
	result := make([]Dependency, 0, len(set))
	for d := range set {
		result = append(result, d)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]

		if a.Repo != b.Repo {
			return a.Repo.String() < b.Repo.String()
		}

		if a.Number != b.Number {
			return a.Number < b.Number
		}

		if a.BaseBranch != b.BaseBranch {
			return a.BaseBranch < b.BaseBranch
		}

		if a.HeadSHA != b.HeadSHA {
			return a.HeadSHA < b.HeadSHA
		}

		return !a.Draft && b.Draft
	})

	return result
}

func fingerprintEqual(a, b []Dependency) bool {
	if len(a) != len(b) {
		return false
	}

	set := make(map[Dependency]struct{}, len(a))
	for _, d := range a {
		set[d] = struct{}{}
	}

	for _, d := range b {
		if _, exist := set[d]; !exist {
			return false
		}
	}

	return true
}
