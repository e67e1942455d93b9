package logfields

import "go.uber.org/zap"

func PullRequest(val int) zap.Field {
	return zap.Int("git.pull_request", val)
}

func Repository(val string) zap.Field {
	return zap.String("git.repository", val)
}

func Host(val string) zap.Field {
	return zap.String("git.host", val)
}

func BaseBranch(val string) zap.Field {
	return zap.String("git.base_branch", val)
}

func Branch(val string) zap.Field {
	return zap.String("git.branch", val)
}

func Commit(val string) zap.Field {
	return zap.String("git.commit", val)
}
