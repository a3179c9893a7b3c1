// Package servicemgr implements the Services Manager: one
// generation of the reconciled service set, its route table, and the
// polling task group that drives every instance's poll() on a tick.
package servicemgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ixpantia/dispenser/pkg/ipalloc"
	"github.com/ixpantia/dispenser/pkg/metrics"
	"github.com/ixpantia/dispenser/pkg/runtime"
	"github.com/ixpantia/dispenser/pkg/service"
	"github.com/ixpantia/dispenser/pkg/types"
)

// namedInstance pairs a declared service with its live instance in
// declaration order, preserved for deterministic route-table ordering.
type namedInstance struct {
	name string
	inst *service.Instance
}

// Manager holds one generation: the ordered instances, the immutable
// route table built from their proxy blocks, and the machinery to run
// and later tear down their polling group.
type Manager struct {
	id       string
	rt       runtime.Runtime
	netmgr   *ipalloc.NetworkManager
	log      zerolog.Logger
	delay    time.Duration
	networks []types.NetworkDecl

	instances []namedInstance
	routes    *RouteTable
	proxyCfgs map[string]types.ProxySettings

	cancel chan struct{}
	wg     sync.WaitGroup
}

// BuildConfig bundles the inputs Build needs to construct a generation.
type BuildConfig struct {
	Runtime      runtime.Runtime
	NetworkMgr   *ipalloc.NetworkManager
	Log          zerolog.Logger
	Delay        time.Duration
	Services     []types.ServiceDecl
	Networks     []types.NetworkDecl
	ExistingIPs  map[string]string
	Now          time.Time

	// Previous holds the outgoing generation's declarations, keyed by
	// service name, so a surviving service whose declaration changed
	// can be recreated immediately rather than waiting for an
	// unrelated cron or image trigger to notice the drift.
	Previous map[string]types.ServiceDecl
}

// Build constructs a new generation from a parsed configuration,
// following the six-step sequence
func Build(ctx context.Context, cfg BuildConfig) (*Manager, error) {
	id := uuid.New().String()
	m := &Manager{
		id:       id,
		rt:       cfg.Runtime,
		netmgr:   cfg.NetworkMgr,
		log:      cfg.Log.With().Str("generation", id).Logger(),
		delay:    cfg.Delay,
		networks: cfg.Networks,
		cancel:   make(chan struct{}),
	}

	// 1. Ensure the dispenser network exists.
	networkID, err := cfg.NetworkMgr.EnsureDispenserNetwork(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure dispenser network: %w", err)
	}

	// 2. Ensure each declared user network exists.
	for _, n := range cfg.Networks {
		if err := cfg.NetworkMgr.EnsureUserNetwork(ctx, n.Name, n.External); err != nil {
			return nil, fmt.Errorf("ensure network %s: %w", n.Name, err)
		}
	}

	// 3. Prune depends_on keys referring to services absent from this load.
	declared := make(map[string]struct{}, len(cfg.Services))
	for _, s := range cfg.Services {
		declared[s.Name] = struct{}{}
	}
	services := make([]types.ServiceDecl, len(cfg.Services))
	copy(services, cfg.Services)
	for i := range services {
		for peer := range services[i].DependsOn {
			if _, ok := declared[peer]; !ok {
				delete(services[i].DependsOn, peer)
				m.log.Warn().Str("service", services[i].Name).Str("depends_on", peer).
					Msg("pruning dependency on a service not present in this load")
			}
		}
	}

	// 4. Allocate IPs.
	names := make([]string, len(services))
	for i, s := range services {
		names[i] = s.Name
	}
	ips, err := ipalloc.Allocate(cfg.NetworkMgr.Subnet(), cfg.NetworkMgr.Gateway(), names, cfg.ExistingIPs)
	if err != nil {
		return nil, fmt.Errorf("allocate ips: %w", err)
	}

	// 5. Build each instance concurrently.
	checker := &liveChecker{rt: cfg.Runtime}
	instances := make([]namedInstance, len(services))
	errs := make([]error, len(services))
	var buildWG sync.WaitGroup
	buildWG.Add(len(services))
	for i, decl := range services {
		go func(i int, decl types.ServiceDecl) {
			defer buildWG.Done()
			inst, err := service.New(service.Config{
				Decl:       decl,
				Runtime:    cfg.Runtime,
				Deps:       checker,
				Log:        m.log,
				NetworkID:  networkID,
				AssignedIP: ips[decl.Name],
				Now:        cfg.Now,
			})
			if err != nil {
				errs[i] = err
				return
			}
			instances[i] = namedInstance{name: decl.Name, inst: inst}
		}(i, decl)
	}
	buildWG.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("build instances: %w", err)
		}
	}
	m.instances = instances

	// 5b. Recreate-on-diff: a surviving service whose declaration
	// changed, or whose container has gone missing underneath it,
	// is recreated now rather than left to drift until an unrelated
	// cron or image trigger eventually forces it.
	var recreateWG sync.WaitGroup
	for _, ni := range instances {
		prev, ok := cfg.Previous[ni.name]
		if !ok {
			continue
		}
		changed := ni.inst.DeclarationChanged(prev)
		exists, err := cfg.Runtime.ContainerExists(ctx, ni.name)
		if err != nil {
			m.log.Warn().Err(err).Str("service", ni.name).Msg("existence check failed during recreate-on-diff")
		}
		if !changed && err == nil && exists {
			continue
		}
		recreateWG.Add(1)
		go func(ni namedInstance) {
			defer recreateWG.Done()
			if err := ni.inst.Recreate(ctx); err != nil {
				m.log.Error().Err(err).Str("service", ni.name).Msg("recreate-on-diff failed")
			}
		}(ni)
	}
	recreateWG.Wait()

	// 6. Route table: one route per service with a proxy block, proxy
	// config aggregated per host (operator cert wins).
	var entries []RouteEntry
	proxyCfgs := make(map[string]types.ProxySettings)
	for _, ni := range instances {
		decl := ni.inst.Declaration()
		if !decl.HasProxy() {
			continue
		}
		p := *decl.Proxy
		entries = append(entries, RouteEntry{
			Host: p.Host,
			Path: p.Path,
			Upstream: Upstream{
				IP:          ni.inst.AssignedIP(),
				ServicePort: p.ServicePort,
			},
		})

		existing, ok := proxyCfgs[p.Host]
		if !ok || (!existing.HasOperatorCert() && p.HasOperatorCert()) {
			proxyCfgs[p.Host] = p
		}
	}
	m.routes = NewRouteTable(entries)
	m.proxyCfgs = proxyCfgs

	return m, nil
}

type liveChecker struct {
	rt runtime.Runtime
}

func (c *liveChecker) Observe(ctx context.Context, name string) (types.ObservedContainer, error) {
	return c.rt.InspectContainer(ctx, name)
}

// ValidateContainersNotPresent is the startup precondition:
// every instance's container-does-not-exist check must pass concurrently.
func (m *Manager) ValidateContainersNotPresent(ctx context.Context) error {
	var wg sync.WaitGroup
	conflicts := make([]string, len(m.instances))
	wg.Add(len(m.instances))
	for i, ni := range m.instances {
		go func(i int, ni namedInstance) {
			defer wg.Done()
			absent, err := ni.inst.ContainerDoesNotExist(ctx)
			if err != nil {
				m.log.Warn().Err(err).Str("service", ni.name).Msg("existence check failed")
				return
			}
			if !absent {
				conflicts[i] = ni.name
			}
		}(i, ni)
	}
	wg.Wait()

	for _, name := range conflicts {
		if name != "" {
			return fmt.Errorf("container %q already exists; remove it before starting", name)
		}
	}
	return nil
}

// ID returns this generation's unique identifier, used to correlate log
// lines and reload/shutdown diagnostics across generation swaps.
func (m *Manager) ID() string {
	return m.id
}

// IPMap returns the current generation's service→IP assignments, the
// input the next generation's allocator carries forward.
func (m *Manager) IPMap() map[string]string {
	out := make(map[string]string, len(m.instances))
	for _, ni := range m.instances {
		out[ni.name] = ni.inst.AssignedIP()
	}
	return out
}

// DeclMap returns this generation's service→declaration snapshot, the
// input the next generation's Build compares against to detect
// recreate-on-diff candidates.
func (m *Manager) DeclMap() map[string]types.ServiceDecl {
	out := make(map[string]types.ServiceDecl, len(m.instances))
	for _, ni := range m.instances {
		out[ni.name] = ni.inst.Declaration()
	}
	return out
}

// ResolveRoute implements resolve_route(host, path)
func (m *Manager) ResolveRoute(host, path string) (Upstream, bool) {
	return m.routes.Resolve(host, path)
}

// ProxyConfigs returns the per-host aggregated proxy settings, operator
// certificates taking precedence over managed ones.
func (m *Manager) ProxyConfigs() map[string]types.ProxySettings {
	return m.proxyCfgs
}

// StartPolling launches the polling task group: one goroutine per
// instance, each on its own last-poll clock, cooperatively sleeping one
// second between ticks.
func (m *Manager) StartPolling(ctx context.Context) {
	for _, ni := range m.instances {
		if err := ni.inst.InitializeImageBaseline(ctx); err != nil {
			m.log.Warn().Err(err).Str("service", ni.name).Msg("image baseline initialization failed")
		}

		m.wg.Add(1)
		go m.pollLoop(ctx, ni)
	}
}

func (m *Manager) pollLoop(ctx context.Context, ni namedInstance) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastImagePoll := time.Time{}
	firstTick := true

	for {
		select {
		case <-m.cancel:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pollImages := lastImagePoll.IsZero() || now.Sub(lastImagePoll) >= m.delay
			if pollImages {
				lastImagePoll = now
			}
			if err := ni.inst.Poll(ctx, now, pollImages, firstTick); err != nil {
				m.log.Error().Err(err).Str("service", ni.name).Msg("poll cycle failed")
			}
			metrics.PollCyclesTotal.WithLabelValues(ni.name).Inc()
			firstTick = false
		}
	}
}

// CancelPolling aborts the whole polling group via a single broadcast
// channel close, then waits for every poll goroutine to exit.
func (m *Manager) CancelPolling() {
	select {
	case <-m.cancel:
		// already cancelled
	default:
		close(m.cancel)
	}
	m.wg.Wait()
}

// Shutdown stops and removes every managed container concurrently, then
// removes user networks (external ones skipped) and finally the
// dispenser network.
func (m *Manager) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(len(m.instances))
	for _, ni := range m.instances {
		go func(ni namedInstance) {
			defer wg.Done()
			decl := ni.inst.Declaration()
			if err := m.rt.StopContainer(ctx, decl.Name, 10*time.Second); err != nil {
				m.log.Warn().Err(err).Str("service", decl.Name).Msg("shutdown stop failed")
			}
			if err := m.rt.RemoveContainer(ctx, decl.Name); err != nil {
				m.log.Warn().Err(err).Str("service", decl.Name).Msg("shutdown remove failed")
			}
		}(ni)
	}
	wg.Wait()

	for _, n := range m.networks {
		if n.External {
			continue
		}
		if err := m.rt.RemoveNetwork(ctx, n.Name); err != nil {
			m.log.Warn().Err(err).Str("network", n.Name).Msg("failed to remove user network")
		}
	}
	if err := m.rt.RemoveNetwork(ctx, ipalloc.DispenserNetworkName); err != nil {
		m.log.Warn().Err(err).Msg("failed to remove dispenser network")
	}
}
