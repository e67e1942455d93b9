package poller

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/buildconfd/internal/logfields"
	"github.com/simplesurance/buildconfd/internal/workspace"
)

// Runner is a daemon that runs until it requests a restart or ctx is
// cancelled.
type Runner interface {
	Run(context.Context) (Signal, error)
}

// RunnerFactory creates the Runner for a manifest.
type RunnerFactory func(*workspace.Manifest, *State) (Runner, error)

// ManifestLoader loads the workspace manifest.
type ManifestLoader func() (*workspace.Manifest, error)

// Supervisor runs a daemon and acts on its restart requests by updating
// the workspace, reloading the manifest and starting a new daemon.
type Supervisor struct {
	loadManifest ManifestLoader
	newRunner    RunnerFactory
	updater      workspace.Updater
	state        *State
	logger       *zap.Logger
}

func NewSupervisor(loadManifest ManifestLoader, newRunner RunnerFactory, updater workspace.Updater, state *State) *Supervisor {
	return &Supervisor{
		loadManifest: loadManifest,
		newRunner:    newRunner,
		updater:      updater,
		state:        state,
		logger:       zap.L().Named(loggerName).Named("supervisor"),
	}
}

// Run loads the manifest and runs daemons until ctx is cancelled.
// It only returns an error when the initial manifest can not be loaded,
// a daemon can not be created or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	manifest, err := s.loadManifest()
	if err != nil {
		return err
	}

	for {
		runner, err := s.newRunner(manifest, s.state)
		if err != nil {
			return err
		}

		sig, err := runner.Run(ctx)
		if err != nil {
			return err
		}

		if sig != SignalRestart {
			continue
		}

		s.update(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m, err := s.loadManifest()
		if err != nil {
			s.state.SetUpdateFailed(true)
			s.logger.Error(
				"reloading manifest failed, continuing with previous one",
				logfields.Event("manifest_reload_failed"),
				zap.Error(err),
			)

			continue
		}

		manifest = m
	}
}

func (s *Supervisor) update(ctx context.Context) {
	s.logger.Info("restarting daemon, updating workspace", logfields.Event("daemon_restarting"))

	if err := s.updater.Update(ctx); err != nil {
		s.state.SetUpdateFailed(true)
		s.logger.Error(
			"updating workspace failed, pull requests are not processed until the next successful update",
			logfields.Event("workspace_update_failed"),
			zap.Error(err),
		)

		return
	}

	s.state.SetUpdateFailed(false)
}
