package buildconf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/simplesurance/buildconfd/internal/vcs"
)

const pullsPathElem = "/pulls/"

// BranchName returns the name of the override branch for a pull request.
// The host of the repository is not part of the name, repositories of a
// workspace are identified by their path.
func BranchName(project string, pr vcs.Key) string {
	return fmt.Sprintf("%s/%s%s%d", project, pr.Repo.Path, pullsPathElem, pr.Number)
}

// parseBranchName splits an override branch name into the repository path
// and pull request number.
// It returns false if branch is not an override branch of project.
func parseBranchName(project, branch string) (repoPath string, number int, ok bool) {
	rest, found := strings.CutPrefix(branch, project+"/")
	if !found {
		return "", 0, false
	}

	idx := strings.LastIndex(rest, pullsPathElem)
	if idx <= 0 {
		return "", 0, false
	}

	number, err := strconv.Atoi(rest[idx+len(pullsPathElem):])
	if err != nil || number <= 0 {
		return "", 0, false
	}

	return rest[:idx], number, true
}
