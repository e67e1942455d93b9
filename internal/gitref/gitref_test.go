package gitref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEquivalentNotations(t *testing.T) {
	want := RepositoryRef{Host: "github.com", Path: "rock-core/tools-rubigen"}

	for _, raw := range []string{
		"https://github.com/rock-core/tools-rubigen",
		"https://github.com/rock-core/tools-rubigen.git",
		"https://github.com/rock-core/tools-rubigen/",
		"http://www.github.com/rock-core/tools-rubigen",
		"https://GitHub.com/rock-core/tools-rubigen",
		"git@github.com:rock-core/tools-rubigen.git",
		"ssh://git@github.com:22/rock-core/tools-rubigen.git",
		"git://github.com/rock-core/tools-rubigen",
		"git+ssh://git@github.com/rock-core/tools-rubigen",
		"github.com/rock-core/tools-rubigen",
		"https://github.com//rock-core//tools-rubigen",
		"  https://github.com/rock-core/tools-rubigen  ",
	} {
		t.Run(raw, func(t *testing.T) {
			ref, err := Parse(raw)
			require.NoError(t, err)
			assert.Equal(t, want, ref)
		})
	}
}

func TestParseDistinguishesRepositories(t *testing.T) {
	a := MustParse("https://github.com/owner/repo")

	for _, raw := range []string{
		"https://github.com/owner/repo2",
		"https://github.com/other/repo",
		"https://gitlab.com/owner/repo",
	} {
		assert.NotEqual(t, a, MustParse(raw), raw)
	}
}

func TestParseKeepsPathCase(t *testing.T) {
	ref := MustParse("https://GITLAB.example.com/Group/SubGroup/Project.git")
	assert.Equal(t, "gitlab.example.com", ref.Host)
	assert.Equal(t, "Group/SubGroup/Project", ref.Path)
	assert.Equal(t, "Group/SubGroup", ref.Owner())
	assert.Equal(t, "Project", ref.Name())
	assert.Equal(t, "https://gitlab.example.com/Group/SubGroup/Project", ref.URL())
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"https://github.com",
		"https://github.com/",
		"https:///owner/repo",
	} {
		_, err := Parse(raw)
		assert.Error(t, err, raw)
	}
}

func TestRepositoryRefAsMapKey(t *testing.T) {
	m := map[RepositoryRef]int{
		MustParse("git@github.com:owner/repo.git"): 1,
	}

	assert.Equal(t, 1, m[MustParse("https://www.github.com/owner/repo")])
}
