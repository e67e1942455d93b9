// Package workspace loads the manifest describing the packages of a
// workspace and updates the local workspace checkout.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/simplesurance/buildconfd/internal/gitref"
)

const DefaultBranch = "master"

// Package is a git repository that is part of the workspace.
type Package struct {
	Name string
	// URL is the clone URL as written in the manifest.
	URL  string
	Repo gitref.RepositoryRef
	// Branch is the mainline branch that is built for the package.
	Branch string
}

// Manifest describes the packages of a workspace and the build
// configuration repository.
type Manifest struct {
	Name      string
	Buildconf *Package
	Packages  []*Package
}

type filePackage struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

type fileManifest struct {
	Name      string         `yaml:"name"`
	Buildconf *filePackage   `yaml:"buildconf"`
	Packages  []*filePackage `yaml:"packages"`
}

// LoadManifest reads a manifest file in YAML format.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest failed: %w", err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	return m, nil
}

// ParseManifest parses a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var fm fileManifest

	if err := yaml.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("parsing manifest failed: %w", err)
	}

	if fm.Name == "" {
		return nil, errors.New("name is empty")
	}

	if fm.Buildconf == nil {
		return nil, errors.New("buildconf section is missing")
	}

	if fm.Buildconf.Name == "" {
		fm.Buildconf.Name = "buildconf"
	}

	buildconf, err := toPackage(fm.Buildconf)
	if err != nil {
		return nil, fmt.Errorf("buildconf: %w", err)
	}

	result := Manifest{
		Name:      fm.Name,
		Buildconf: buildconf,
		Packages:  make([]*Package, 0, len(fm.Packages)),
	}

	names := map[string]struct{}{}
	// override branch names and buildconf files only contain the path of
	// a repository, it must identify the repository on its own
	hosts := map[string]string{buildconf.Repo.Path: buildconf.Repo.Host}

	for i, fp := range fm.Packages {
		if fp == nil {
			continue
		}

		pkg, err := toPackage(fp)
		if err != nil {
			return nil, fmt.Errorf("package %d: %w", i, err)
		}

		if _, exist := names[pkg.Name]; exist {
			return nil, fmt.Errorf("package %q is defined multiple times", pkg.Name)
		}
		names[pkg.Name] = struct{}{}

		if host, exist := hosts[pkg.Repo.Path]; exist && host != pkg.Repo.Host {
			return nil, fmt.Errorf(
				"package %q: repository path %q is already used by a repository on %s",
				pkg.Name, pkg.Repo.Path, host,
			)
		}
		hosts[pkg.Repo.Path] = pkg.Repo.Host

		result.Packages = append(result.Packages, pkg)
	}

	sort.Slice(result.Packages, func(i, j int) bool {
		return result.Packages[i].Name < result.Packages[j].Name
	})

	return &result, nil
}

func toPackage(fp *filePackage) (*Package, error) {
	if fp.Name == "" {
		return nil, errors.New("name is empty")
	}

	repo, err := gitref.Parse(fp.URL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fp.Name, err)
	}

	branch := fp.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	return &Package{
		Name:   fp.Name,
		URL:    fp.URL,
		Repo:   repo,
		Branch: branch,
	}, nil
}

// TrackedBranch is a mainline branch of a repository that is watched.
type TrackedBranch struct {
	Repo   gitref.RepositoryRef
	Branch string
}

// TrackedBranches returns the distinct mainline branches of the build
// configuration and of all packages, the build configuration comes first.
func (m *Manifest) TrackedBranches() []TrackedBranch {
	seen := map[TrackedBranch]struct{}{}
	result := make([]TrackedBranch, 0, len(m.Packages)+1)

	add := func(p *Package) {
		tb := TrackedBranch{Repo: p.Repo, Branch: p.Branch}
		if _, exist := seen[tb]; exist {
			return
		}

		seen[tb] = struct{}{}
		result = append(result, tb)
	}

	add(m.Buildconf)
	for _, p := range m.Packages {
		add(p)
	}

	return result
}

// Repositories returns the distinct repositories of the build configuration
// and all packages.
func (m *Manifest) Repositories() []gitref.RepositoryRef {
	seen := map[gitref.RepositoryRef]struct{}{}
	var result []gitref.RepositoryRef

	for _, tb := range m.TrackedBranches() {
		if _, exist := seen[tb.Repo]; exist {
			continue
		}

		seen[tb.Repo] = struct{}{}
		result = append(result, tb.Repo)
	}

	return result
}

// PackagesOf returns the packages that are built from repo.
func (m *Manifest) PackagesOf(repo gitref.RepositoryRef) []*Package {
	var result []*Package

	for _, p := range m.Packages {
		if p.Repo == repo {
			result = append(result, p)
		}
	}

	return result
}

// IsBuildconf returns true if repo is the build configuration repository.
func (m *Manifest) IsBuildconf(repo gitref.RepositoryRef) bool {
	return m.Buildconf.Repo == repo
}
