package buildconf

import (
	"bytes"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/simplesurance/buildconfd/internal/deps"
	"github.com/simplesurance/buildconfd/internal/vcs"
)

// OverridesFilePath is the path of the overrides file in the build
// configuration repository.
const OverridesFilePath = "overrides.d/990-buildconfd.yml"

const overridesFileHeader = "# generated by buildconfd, do not edit\n"

// Override redirects a package to the git reference that tests a pull
// request.
type Override struct {
	Package string
	// URL is the clone URL of the package repository.
	URL string
	// Ref is the git reference that is built instead of the package
	// branch.
	Ref         string
	PullRequest vcs.Key
	// PullRequestURL is the web URL of the pull request, it can be
	// empty.
	PullRequestURL string
}

// OverridesForPullRequest returns the overrides for pr and its recursive
// dependencies.
// Every package that is built from the repository of one of the pull
// requests is overridden with its test reference. When multiple pull
// requests exist for the same repository, the first one wins, pr itself
// always comes first.
// The result is sorted by package name.
// The Dependencies of pr must have been resolved.
func (m *Manager) OverridesForPullRequest(pr *vcs.PullRequest) ([]*Override, error) {
	overridden := map[string]*Override{}

	prs := append([]*vcs.PullRequest{pr}, deps.RecursiveDependencies(pr)...)

	for _, cur := range prs {
		pkgs := m.manifest.PackagesOf(cur.Repo)
		if len(pkgs) == 0 {
			continue
		}

		svc, err := m.services.Lookup(cur.Repo)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cur.Key(), err)
		}

		ref := svc.TestBranchName(cur)

		for _, pkg := range pkgs {
			if _, exist := overridden[pkg.Name]; exist {
				continue
			}

			overridden[pkg.Name] = &Override{
				Package:        pkg.Name,
				URL:            pkg.URL,
				Ref:            ref,
				PullRequest:    cur.Key(),
				PullRequestURL: cur.WebURL,
			}
		}
	}

	result := make([]*Override, 0, len(overridden))
	for _, o := range overridden {
		result = append(result, o)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Package < result[j].Package
	})

	return result, nil
}

type fileOverride struct {
	Package     string `yaml:"package"`
	URL         string `yaml:"url"`
	Ref         string `yaml:"ref"`
	PullRequest string `yaml:"pull_request"`
}

type overridesFile struct {
	Overrides []*fileOverride `yaml:"overrides"`
}

// RenderOverrides returns the content of the overrides file.
// The output only depends on overrides, rendering the same overrides
// results in identical content.
func RenderOverrides(overrides []*Override) ([]byte, error) {
	f := overridesFile{Overrides: make([]*fileOverride, 0, len(overrides))}

	for _, o := range overrides {
		prRef := o.PullRequestURL
		if prRef == "" {
			prRef = o.PullRequest.String()
		}

		f.Overrides = append(f.Overrides, &fileOverride{
			Package:     o.Package,
			URL:         o.URL,
			Ref:         o.Ref,
			PullRequest: prRef,
		})
	}

	var buf bytes.Buffer
	buf.WriteString(overridesFileHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	if err := enc.Encode(&f); err != nil {
		return nil, fmt.Errorf("encoding overrides failed: %w", err)
	}

	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding overrides failed: %w", err)
	}

	return buf.Bytes(), nil
}
