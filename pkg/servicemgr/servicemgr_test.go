package servicemgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ixpantia/dispenser/pkg/ipalloc"
	"github.com/ixpantia/dispenser/pkg/runtime"
	"github.com/ixpantia/dispenser/pkg/types"
)

type fakeRuntime struct {
	runtime.Runtime

	mu          sync.Mutex
	exists      bool
	pullCount   int
	createCount int
}

func (f *fakeRuntime) EnsureNetwork(ctx context.Context, name, subnet, gateway string) (string, error) {
	return "net-" + name, nil
}

func (f *fakeRuntime) NetworkExists(ctx context.Context, name string) (bool, error) {
	return true, nil
}

func (f *fakeRuntime) ContainerExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCount++
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCount++
	f.exists = true
	return nil
}

func (f *fakeRuntime) ConnectNetwork(ctx context.Context, network, container, ip string) error {
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, name string) (types.ObservedContainer, error) {
	return types.ObservedContainer{Exists: false}, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	return nil
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, name string) error {
	return nil
}

func declWithProxy(name, host, path string, ip int) types.ServiceDecl {
	return types.ServiceDecl{
		Name:     name,
		ImageRef: "example/" + name + ":latest",
		Proxy: &types.ProxySettings{
			Host:        host,
			Path:        path,
			ServicePort: 8080,
		},
	}
}

func TestBuildAggregatesRoutesWithOperatorCertPreference(t *testing.T) {
	rt := &fakeRuntime{}
	netmgr := ipalloc.New(rt, ipalloc.DefaultSubnet, ipalloc.DefaultGateway)

	first := declWithProxy("a", "example.com", "/", 0)
	second := declWithProxy("b", "example.com", "/api", 0)
	second.Proxy.CertFile = "/certs/example.com.crt"
	second.Proxy.KeyFile = "/certs/example.com.key"

	mgr, err := Build(context.Background(), BuildConfig{
		Runtime:    rt,
		NetworkMgr: netmgr,
		Log:        zerolog.Nop(),
		Delay:      time.Minute,
		Services:   []types.ServiceDecl{first, second},
		Now:        time.Now(),
	})
	require.NoError(t, err)

	cfgs := mgr.ProxyConfigs()
	require.Contains(t, cfgs, "example.com")
	assert.True(t, cfgs["example.com"].HasOperatorCert())

	up, ok := mgr.ResolveRoute("example.com", "/api")
	require.True(t, ok)
	assert.Equal(t, 8080, up.ServicePort)
}

func TestBuildPrunesUnknownDependsOn(t *testing.T) {
	rt := &fakeRuntime{}
	netmgr := ipalloc.New(rt, ipalloc.DefaultSubnet, ipalloc.DefaultGateway)

	decl := types.ServiceDecl{
		Name:      "web",
		ImageRef:  "example/web:latest",
		DependsOn: map[string]types.DependsOnCondition{"ghost": types.DependsOnStarted},
	}

	mgr, err := Build(context.Background(), BuildConfig{
		Runtime:    rt,
		NetworkMgr: netmgr,
		Log:        zerolog.Nop(),
		Delay:      time.Minute,
		Services:   []types.ServiceDecl{decl},
		Now:        time.Now(),
	})
	require.NoError(t, err)
	assert.Len(t, mgr.instances, 1)
	assert.Empty(t, mgr.instances[0].inst.Declaration().DependsOn)
}

func TestIPMapReflectsAllocation(t *testing.T) {
	rt := &fakeRuntime{}
	netmgr := ipalloc.New(rt, ipalloc.DefaultSubnet, ipalloc.DefaultGateway)

	services := []types.ServiceDecl{
		{Name: "a", ImageRef: "example/a:latest"},
		{Name: "b", ImageRef: "example/b:latest"},
	}
	mgr, err := Build(context.Background(), BuildConfig{
		Runtime:    rt,
		NetworkMgr: netmgr,
		Log:        zerolog.Nop(),
		Delay:      time.Minute,
		Services:   services,
		Now:        time.Now(),
	})
	require.NoError(t, err)

	ips := mgr.IPMap()
	assert.Equal(t, "172.28.0.2", ips["a"])
	assert.Equal(t, "172.28.0.3", ips["b"])
}

func TestBuildAssignsDistinctGenerationIDs(t *testing.T) {
	rt := &fakeRuntime{}
	netmgr := ipalloc.New(rt, ipalloc.DefaultSubnet, ipalloc.DefaultGateway)
	services := []types.ServiceDecl{{Name: "a", ImageRef: "example/a:latest"}}

	first, err := Build(context.Background(), BuildConfig{
		Runtime: rt, NetworkMgr: netmgr, Log: zerolog.Nop(), Delay: time.Minute,
		Services: services, Now: time.Now(),
	})
	require.NoError(t, err)
	second, err := Build(context.Background(), BuildConfig{
		Runtime: rt, NetworkMgr: netmgr, Log: zerolog.Nop(), Delay: time.Minute,
		Services: services, Now: time.Now(),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID())
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestBuildRecreatesSurvivorsWithChangedDeclarations(t *testing.T) {
	rt := &fakeRuntime{exists: true}
	netmgr := ipalloc.New(rt, ipalloc.DefaultSubnet, ipalloc.DefaultGateway)

	decl := types.ServiceDecl{Name: "a", ImageRef: "example/a:latest"}
	first, err := Build(context.Background(), BuildConfig{
		Runtime: rt, NetworkMgr: netmgr, Log: zerolog.Nop(), Delay: time.Minute,
		Services: []types.ServiceDecl{decl}, Now: time.Now(),
	})
	require.NoError(t, err)

	rt.mu.Lock()
	rt.createCount = 0
	rt.mu.Unlock()

	changed := decl
	changed.Env = map[string]string{"NEW_VAR": "1"}
	_, err = Build(context.Background(), BuildConfig{
		Runtime: rt, NetworkMgr: netmgr, Log: zerolog.Nop(), Delay: time.Minute,
		Services: []types.ServiceDecl{changed}, ExistingIPs: first.IPMap(),
		Previous: first.DeclMap(), Now: time.Now(),
	})
	require.NoError(t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, 1, rt.createCount, "a changed declaration should trigger exactly one recreate")
}

func TestBuildDoesNotRecreateUnchangedSurvivors(t *testing.T) {
	rt := &fakeRuntime{exists: true}
	netmgr := ipalloc.New(rt, ipalloc.DefaultSubnet, ipalloc.DefaultGateway)

	decl := types.ServiceDecl{Name: "a", ImageRef: "example/a:latest"}
	first, err := Build(context.Background(), BuildConfig{
		Runtime: rt, NetworkMgr: netmgr, Log: zerolog.Nop(), Delay: time.Minute,
		Services: []types.ServiceDecl{decl}, Now: time.Now(),
	})
	require.NoError(t, err)

	rt.mu.Lock()
	rt.createCount = 0
	rt.mu.Unlock()

	_, err = Build(context.Background(), BuildConfig{
		Runtime: rt, NetworkMgr: netmgr, Log: zerolog.Nop(), Delay: time.Minute,
		Services: []types.ServiceDecl{decl}, ExistingIPs: first.IPMap(),
		Previous: first.DeclMap(), Now: time.Now(),
	})
	require.NoError(t, err)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, 0, rt.createCount, "an unchanged declaration with its container intact must not be recreated")
}
