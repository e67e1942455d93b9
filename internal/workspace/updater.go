package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/logfields"
)

const loggerName = "workspace_updater"

// Updater updates the local workspace to the latest state of the
// repositories.
type Updater interface {
	Update(ctx context.Context) error
}

// CommandUpdater updates the workspace by running an external command.
type CommandUpdater struct {
	argv   []string
	dir    string
	logger *zap.Logger
}

// NewCommandUpdater returns an updater that runs argv in dir.
func NewCommandUpdater(dir string, argv ...string) *CommandUpdater {
	return &CommandUpdater{
		argv:   argv,
		dir:    dir,
		logger: zap.L().Named(loggerName),
	}
}

// Update runs the update command.
// The output of the command is included in the returned error when it
// fails.
func (u *CommandUpdater) Update(ctx context.Context) error {
	if len(u.argv) == 0 {
		return errors.New("update command is empty")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, u.argv[0], u.argv[1:]...)
	cmd.Dir = u.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger := u.logger.With(zap.Strings("command", u.argv), zap.String("dir", u.dir))
	logger.Info("updating workspace", logfields.Event("workspace_update_started"))

	start := time.Now()

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s in %s: %w (stderr: %s)",
			strings.Join(u.argv, " "), u.dir, err, strings.TrimSpace(stderr.String()))
	}

	logger.Info(
		"workspace updated",
		logfields.Event("workspace_update_finished"),
		zap.Duration("duration", time.Since(start)),
		zap.String("output", strings.TrimSpace(stdout.String())),
	)

	return nil
}
