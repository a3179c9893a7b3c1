package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ixpantia/dispenser/pkg/runtime"
	"github.com/ixpantia/dispenser/pkg/types"
)

// fakeDeps lets a test script a sequence of observed states per peer.
type fakeDeps struct {
	mu     sync.Mutex
	states map[string]types.ObservedContainer
}

func (f *fakeDeps) Observe(ctx context.Context, name string) (types.ObservedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[name], nil
}

func (f *fakeDeps) set(name string, obs types.ObservedContainer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = obs
}

type fakeRuntime struct {
	runtime.Runtime
	existsFn   func(name string) bool
	started    []string
	lastSpec   runtime.ContainerSpec
	mu         sync.Mutex
}

func (f *fakeRuntime) ContainerExists(ctx context.Context, name string) (bool, error) {
	if f.existsFn != nil {
		return f.existsFn(name), nil
	}
	return true, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	return nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error { return nil }

func (f *fakeRuntime) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string) error { return nil }

func (f *fakeRuntime) ConnectNetwork(ctx context.Context, network, container, ip string) error {
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSpec = spec
	return nil
}

func TestRunBlocksUntilComposedDependsOnSatisfied(t *testing.T) {
	deps := &fakeDeps{states: map[string]types.ObservedContainer{
		"db":        {Exists: true, State: types.ContainerOther},
		"migrator":  {Exists: true, State: types.ContainerRunning},
	}}
	rt := &fakeRuntime{}

	decl := types.ServiceDecl{
		Name: "web",
		DependsOn: map[string]types.DependsOnCondition{
			"db":       types.DependsOnHealthy,
			"migrator": types.DependsOnCompleted,
		},
	}
	inst, err := New(Config{Decl: decl, Runtime: rt, Deps: deps, Log: zerolog.Nop(), Now: time.Now()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- inst.Run(context.Background()) }()

	// Neither peer satisfies its condition yet; Run must still be blocked.
	select {
	case <-done:
		t.Fatal("Run returned before dependencies were satisfied")
	case <-time.After(50 * time.Millisecond):
	}

	deps.set("db", types.ObservedContainer{Exists: true, State: types.ContainerRunning, Healthy: true})
	deps.set("migrator", types.ObservedContainer{Exists: true, State: types.ContainerExited, ExitCode: 0})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not unblock once dependencies were satisfied")
	}

	assert.Equal(t, []string{"web"}, rt.started)
}

func TestRecreateDisambiguatesVolumeAndBindMounts(t *testing.T) {
	rt := &fakeRuntime{}
	decl := types.ServiceDecl{
		Name: "db",
		Dir:  "/opt/dispenser/services/db",
		Volumes: []types.VolumeMount{
			{Source: "pgdata", Target: "/var/lib/postgresql/data"},
			{Source: "./config", Target: "/etc/postgres"},
			{Source: "/srv/shared", Target: "/shared"},
		},
	}
	inst, err := New(Config{Decl: decl, Runtime: rt, Log: zerolog.Nop(), Now: time.Now()})
	require.NoError(t, err)

	require.NoError(t, inst.Recreate(context.Background()))

	mounts := rt.lastSpec.Mounts
	require.Len(t, mounts, 3)
	assert.Equal(t, mount.TypeVolume, mounts[0].Type)
	assert.Equal(t, "pgdata", mounts[0].Source)
	assert.Equal(t, mount.TypeBind, mounts[1].Type)
	assert.Equal(t, "/opt/dispenser/services/db/config", mounts[1].Source)
	assert.Equal(t, mount.TypeBind, mounts[2].Type)
	assert.Equal(t, "/srv/shared", mounts[2].Source)
}

func TestDeclarationChanged(t *testing.T) {
	rt := &fakeRuntime{}
	decl := types.ServiceDecl{Name: "web", ImageRef: "example/web:latest"}
	inst, err := New(Config{Decl: decl, Runtime: rt, Log: zerolog.Nop(), Now: time.Now()})
	require.NoError(t, err)

	assert.False(t, inst.DeclarationChanged(decl))

	changed := decl
	changed.ImageRef = "example/web:v2"
	assert.True(t, inst.DeclarationChanged(changed))
}

func TestConditionSatisfied(t *testing.T) {
	cases := []struct {
		name string
		cond types.DependsOnCondition
		obs  types.ObservedContainer
		want bool
	}{
		{"started-running", types.DependsOnStarted, types.ObservedContainer{Exists: true, State: types.ContainerRunning}, true},
		{"started-exited", types.DependsOnStarted, types.ObservedContainer{Exists: true, State: types.ContainerExited}, false},
		{"completed-zero-exit", types.DependsOnCompleted, types.ObservedContainer{Exists: true, State: types.ContainerExited, ExitCode: 0}, true},
		{"completed-nonzero-exit", types.DependsOnCompleted, types.ObservedContainer{Exists: true, State: types.ContainerExited, ExitCode: 1}, false},
		{"healthy-no-healthcheck", types.DependsOnHealthy, types.ObservedContainer{Exists: true, State: types.ContainerRunning, HasHealthCheck: false}, true},
		{"healthy-with-healthcheck-unhealthy", types.DependsOnHealthy, types.ObservedContainer{Exists: true, State: types.ContainerRunning, HasHealthCheck: true, Healthy: false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, conditionSatisfied(tc.cond, tc.obs))
		})
	}
}
