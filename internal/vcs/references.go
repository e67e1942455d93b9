package vcs

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/simplesurance/buildconfd/internal/gitref"
)

// Dialect is the syntax a hosting service uses to reference pull requests
// in texts.
type Dialect int

const (
	// DialectGitHub supports "#12", "owner/repo#12" and
	// "https://host/owner/repo/pull/12" references.
	DialectGitHub Dialect = iota
	// DialectGitLab supports "!12", "group/project!12" and
	// "https://host/group/project/-/merge_requests/12" references.
	DialectGitLab
)

type refPattern struct {
	re *regexp.Regexp
	// toKey converts the submatches of re to a Key.
	toKey func(base gitref.RepositoryRef, m []string) (Key, bool)
}

var githubPatterns = []refPattern{
	{
		re:    regexp.MustCompile(`https?://[^\s/]+/[\w.-]+/[\w.-]+/pull/\d+`),
		toKey: urlRef(regexp.MustCompile(`^(https?://[^\s/]+/[\w.-]+/[\w.-]+)/pull/(\d+)$`)),
	},
	{
		re:    regexp.MustCompile(`(?:^|[^\w/.-])([\w.-]+/[\w.-]+)#(\d+)\b`),
		toKey: qualifiedRef,
	},
	{
		re:    regexp.MustCompile(`(?:^|[^\w/&])#(\d+)\b`),
		toKey: shortRef,
	},
}

var gitlabPatterns = []refPattern{
	{
		re:    regexp.MustCompile(`https?://[^\s/]+(?:/[\w.-]+)+/-/merge_requests/\d+`),
		toKey: urlRef(regexp.MustCompile(`^(https?://[^\s/]+(?:/[\w.-]+)+)/-/merge_requests/(\d+)$`)),
	},
	{
		re:    regexp.MustCompile(`(?:^|[^\w/.-])([\w.-]+(?:/[\w.-]+)+)!(\d+)\b`),
		toKey: qualifiedRef,
	},
	{
		// "project!12" references a project in the namespace of base
		re:    regexp.MustCompile(`(?:^|[^\w/.-])([\w.-]+)!(\d+)\b`),
		toKey: namespaceRef,
	},
	{
		re:    regexp.MustCompile(`(?:^|[^\w/])!(\d+)\b`),
		toKey: shortRef,
	},
}

func urlRef(re *regexp.Regexp) func(gitref.RepositoryRef, []string) (Key, bool) {
	return func(_ gitref.RepositoryRef, m []string) (Key, bool) {
		sm := re.FindStringSubmatch(m[0])
		if sm == nil {
			return Key{}, false
		}

		repo, err := gitref.Parse(sm[1])
		if err != nil {
			return Key{}, false
		}

		return toKey(repo, sm[2])
	}
}

func qualifiedRef(base gitref.RepositoryRef, m []string) (Key, bool) {
	return toKey(gitref.RepositoryRef{Host: base.Host, Path: m[1]}, m[2])
}

func namespaceRef(base gitref.RepositoryRef, m []string) (Key, bool) {
	ns := base.Owner()
	if ns == "" {
		return Key{}, false
	}

	return toKey(gitref.RepositoryRef{Host: base.Host, Path: ns + "/" + m[1]}, m[2])
}

func shortRef(base gitref.RepositoryRef, m []string) (Key, bool) {
	return toKey(base, m[1])
}

func toKey(repo gitref.RepositoryRef, number string) (Key, bool) {
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return Key{}, false
	}

	return Key{Repo: repo, Number: n}, true
}

// ParseReferences returns the pull requests referenced in text in the
// order of their first occurrence.
// Short references ("#12", "!12") and qualified references without host
// are resolved relative to base.
// Each pull request is returned once, a reference to base itself is
// returned like any other.
func ParseReferences(text string, base gitref.RepositoryRef, dialect Dialect) []Key {
	patterns := githubPatterns
	if dialect == DialectGitLab {
		patterns = gitlabPatterns
	}

	type match struct {
		pos int
		key Key
	}

	var matches []match

	// matched spans are blanked, to prevent that e.g. the "#12" of
	// "owner/repo#12" is also reported as short reference.
	masked := []byte(text)

	for _, p := range patterns {
		idxs := p.re.FindAllSubmatchIndex(masked, -1)

		for _, idx := range idxs {
			sm := make([]string, len(idx)/2)
			for i := range sm {
				if idx[2*i] >= 0 {
					sm[i] = string(masked[idx[2*i]:idx[2*i+1]])
				}
			}

			if key, ok := p.toKey(base, sm); ok {
				matches = append(matches, match{pos: idx[0], key: key})
			}
		}

		for _, idx := range idxs {
			for i := idx[0]; i < idx[1]; i++ {
				if masked[i] != '\n' {
					masked[i] = ' '
				}
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].pos < matches[j].pos
	})

	result := make([]Key, 0, len(matches))
	seen := make(map[Key]struct{}, len(matches))

	for _, m := range matches {
		if _, exist := seen[m.key]; exist {
			continue
		}

		seen[m.key] = struct{}{}
		result = append(result, m.key)
	}

	return result
}
