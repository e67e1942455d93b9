package poller

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/buildconfd/internal/workspace"
)

type runnerFunc func(context.Context) (Signal, error)

func (fn runnerFunc) Run(ctx context.Context) (Signal, error) {
	return fn(ctx)
}

type updaterFunc func(context.Context) error

func (fn updaterFunc) Update(ctx context.Context) error {
	return fn(ctx)
}

type fakeManifests struct {
	manifests []*workspace.Manifest
	errs      []error
	calls     int
}

func (f *fakeManifests) load() (*workspace.Manifest, error) {
	i := f.calls
	f.calls++

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}

	return f.manifests[i], nil
}

func TestSupervisorRestartsWithReloadedManifest(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	m1 := &workspace.Manifest{Name: "first"}
	m2 := &workspace.Manifest{Name: "second"}
	loader := fakeManifests{manifests: []*workspace.Manifest{m1, m2}}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	var started []string
	var updates int

	state := NewState()
	sv := NewSupervisor(
		loader.load,
		func(m *workspace.Manifest, s *State) (Runner, error) {
			assert.Same(t, state, s)
			started = append(started, m.Name)

			return runnerFunc(func(context.Context) (Signal, error) {
				if len(started) == 1 {
					return SignalRestart, nil
				}

				cancelFn()
				return SignalNone, ctx.Err()
			}), nil
		},
		updaterFunc(func(context.Context) error {
			updates++
			return nil
		}),
		state,
	)

	err := sv.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"first", "second"}, started)
	assert.Equal(t, 1, updates)
	assert.False(t, state.UpdateFailed())
}

func TestSupervisorFailedUpdate(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	m1 := &workspace.Manifest{Name: "first"}
	m2 := &workspace.Manifest{Name: "second"}
	m3 := &workspace.Manifest{Name: "third"}
	loader := fakeManifests{
		manifests: []*workspace.Manifest{m1, m2, m3},
		errs:      []error{nil, nil, errors.New("broken manifest")},
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	var started []string
	var updateFailedSeen []bool

	state := NewState()
	updateErrs := []error{errors.New("update failed"), nil}

	sv := NewSupervisor(
		loader.load,
		func(m *workspace.Manifest, s *State) (Runner, error) {
			started = append(started, m.Name)
			updateFailedSeen = append(updateFailedSeen, s.UpdateFailed())

			return runnerFunc(func(context.Context) (Signal, error) {
				if len(started) < 3 {
					return SignalRestart, nil
				}

				cancelFn()
				return SignalNone, ctx.Err()
			}), nil
		},
		updaterFunc(func(context.Context) error {
			err := updateErrs[0]
			updateErrs = updateErrs[1:]
			return err
		}),
		state,
	)

	err := sv.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// the 2. update succeeds but reloading the manifest fails, the
	// previous manifest is kept
	assert.Equal(t, []string{"first", "second", "second"}, started)
	assert.Equal(t, []bool{false, true, true}, updateFailedSeen)
	assert.True(t, state.UpdateFailed())
}

func TestSupervisorInitialManifestError(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	loadErr := errors.New("no such file")
	loader := fakeManifests{manifests: []*workspace.Manifest{nil}, errs: []error{loadErr}}

	sv := NewSupervisor(
		loader.load,
		func(*workspace.Manifest, *State) (Runner, error) {
			t.Error("runner must not be created")
			return nil, nil
		},
		updaterFunc(func(context.Context) error { return nil }),
		NewState(),
	)

	require.ErrorIs(t, sv.Run(context.Background()), loadErr)
}
