// Package buildbot notifies a Buildbot master about changes via its base
// change hook.
package buildbot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/logfields"
)

type Category string

const (
	CategoryPush        Category = "push"
	CategoryPullRequest Category = "pull_request"
)

// Change describes a change that Buildbot should build.
type Change struct {
	Author string
	// Branch is the branch that is built. For pull requests it is the
	// override branch in the build configuration repository.
	Branch string
	// SourceBranch is the branch that was changed, for pull requests the
	// pull request branch.
	SourceBranch string
	Category     Category
	// Repository is the canonical URL of the changed repository.
	Repository string
	Revision   string
	Revlink    string
	Comments   string
	When       time.Time
	Project    string
	// SourceProjectID identifies the project of the source branch on
	// GitLab, it is empty for other services.
	SourceProjectID string
}

func (c *Change) LogFields() []zap.Field {
	return []zap.Field{
		logfields.Branch(c.Branch),
		logfields.Repository(c.Repository),
		logfields.Commit(c.Revision),
		zap.String("buildbot.category", string(c.Category)),
		zap.String("buildbot.source_branch", c.SourceBranch),
	}
}

// Notifier submits changes to the build trigger.
type Notifier interface {
	Notify(context.Context, *Change) error
}

// DryNotifier logs changes instead of submitting them.
type DryNotifier struct {
	logger *zap.Logger
}

func NewDryNotifier(logger *zap.Logger) *DryNotifier {
	return &DryNotifier{logger: logger.Named("dry_buildbot")}
}

func (n *DryNotifier) Notify(_ context.Context, c *Change) error {
	n.logger.Info(
		"simulated build notification, buildbot was not notified",
		append(c.LogFields(), logfields.Event("buildbot_notification_simulated"))...,
	)

	return nil
}
