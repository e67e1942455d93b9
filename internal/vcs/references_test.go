package vcs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/simplesurance/buildconfd/internal/gitref"
)

func TestParseReferencesGitHub(t *testing.T) {
	base := gitref.MustParse("https://github.com/rock-core/base-types")

	body := `This builds on #12 and rock-core/tools-orogen#3.

Depends on:
- https://github.com/rock-gazebo/simulation-rock_gazebo/pull/101
- #12 again
- &#34; is an html entity, not a reference
- issue#5 is not a reference either
`

	refs := ParseReferences(body, base, DialectGitHub)
	assert.Equal(t, []Key{
		{Repo: base, Number: 12},
		{Repo: gitref.MustParse("github.com/rock-core/tools-orogen"), Number: 3},
		{Repo: gitref.MustParse("github.com/rock-gazebo/simulation-rock_gazebo"), Number: 101},
	}, refs)
}

func TestParseReferencesGitLab(t *testing.T) {
	base := gitref.MustParse("https://gitlab.example.com/group/project")

	body := "needs !7, group/sub/lib!2 and https://gitlab.example.com/other/tool/-/merge_requests/9\n" +
		"#4 is not a merge request reference"

	refs := ParseReferences(body, base, DialectGitLab)
	assert.Equal(t, []Key{
		{Repo: base, Number: 7},
		{Repo: gitref.MustParse("gitlab.example.com/group/sub/lib"), Number: 2},
		{Repo: gitref.MustParse("gitlab.example.com/other/tool"), Number: 9},
	}, refs)
}

func TestParseReferencesGitLabNamespaceRelative(t *testing.T) {
	base := gitref.MustParse("https://gitlab.com/grp/sub/web")

	refs := ParseReferences("needs !5 and grp/other!6 and proj!7 and sub/proj!8", base, DialectGitLab)
	assert.Equal(t, []Key{
		{Repo: base, Number: 5},
		{Repo: gitref.MustParse("gitlab.com/grp/other"), Number: 6},
		{Repo: gitref.MustParse("gitlab.com/grp/sub/proj"), Number: 7},
		{Repo: gitref.MustParse("gitlab.com/sub/proj"), Number: 8},
	}, refs)
}

func TestParseReferencesEmptyBody(t *testing.T) {
	assert.Empty(t, ParseReferences("", gitref.MustParse("github.com/a/b"), DialectGitHub))
	assert.Empty(t, ParseReferences("no references here", gitref.MustParse("github.com/a/b"), DialectGitHub))
}
