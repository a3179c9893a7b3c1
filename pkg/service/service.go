// Package service implements the Service Instance: the unit
// that owns one declared service's runtime lifecycle — dependency
// gating, pull/recreate/start, and the poll contract the Services
// Manager's polling group drives on a tick.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/rs/zerolog"

	"github.com/ixpantia/dispenser/pkg/cronwatch"
	"github.com/ixpantia/dispenser/pkg/imagewatch"
	"github.com/ixpantia/dispenser/pkg/runtime"
	"github.com/ixpantia/dispenser/pkg/types"
)

// DependencyChecker reports the observed state of a peer service by
// name, so the dependency gate can evaluate depends_on conditions
// without the Service Instance needing direct knowledge of its
// siblings' internals.
type DependencyChecker interface {
	Observe(ctx context.Context, name string) (types.ObservedContainer, error)
}

// Instance owns one declared service's container lifecycle.
type Instance struct {
	decl types.ServiceDecl
	rt   runtime.Runtime
	deps DependencyChecker
	log  zerolog.Logger

	cron   *cronwatch.Watcher
	images *imagewatch.Watcher

	assignedIP string
	networkID  string
}

// Config bundles the collaborators an Instance needs at construction.
type Config struct {
	Decl       types.ServiceDecl
	Runtime    runtime.Runtime
	Deps       DependencyChecker
	Log        zerolog.Logger
	NetworkID  string
	AssignedIP string
	Now        time.Time
}

// New builds an Instance, priming its cron watcher (if a schedule is
// declared) and image watcher (if dispenser.watch is set).
func New(cfg Config) (*Instance, error) {
	inst := &Instance{
		decl:       cfg.Decl,
		rt:         cfg.Runtime,
		deps:       cfg.Deps,
		log:        cfg.Log.With().Str("service", cfg.Decl.Name).Logger(),
		assignedIP: cfg.AssignedIP,
		networkID:  cfg.NetworkID,
	}

	if cfg.Decl.Dispenser.Cron != "" {
		sched, err := cronwatch.ParseSchedule(cfg.Decl.Dispenser.Cron)
		if err != nil {
			return nil, fmt.Errorf("service %s: invalid cron schedule: %w", cfg.Decl.Name, err)
		}
		inst.cron = cronwatch.New(sched, cfg.Now)
	}

	if cfg.Decl.Dispenser.Watch {
		inst.images = imagewatch.New(cfg.Runtime, cfg.Decl.ImageRef, inst.log)
	}

	return inst, nil
}

// Declaration returns the service declaration this instance was built from.
func (i *Instance) Declaration() types.ServiceDecl {
	return i.decl
}

// AssignedIP returns the static IPv4 address attached to the dispenser network.
func (i *Instance) AssignedIP() string {
	return i.assignedIP
}

// ContainerDoesNotExist reports whether no container by this service's
// name currently exists — the precondition the Services Manager checks
// at startup to guarantee single-writer semantics.
func (i *Instance) ContainerDoesNotExist(ctx context.Context) (bool, error) {
	exists, err := i.rt.ContainerExists(ctx, i.decl.Name)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// InitializeImageBaseline pulls the image once to establish a digest
// baseline without treating the first pull as a change.
func (i *Instance) InitializeImageBaseline(ctx context.Context) error {
	if i.images == nil {
		return nil
	}
	return i.images.Initialize(ctx)
}

// Poll implements the poll contract
func (i *Instance) Poll(ctx context.Context, now time.Time, pollImages, isFirstTick bool) error {
	if isFirstTick && i.decl.Dispenser.Initialize == types.InitializeImmediately {
		return i.Run(ctx)
	}

	if i.cron != nil && i.cron.IsReady(now) {
		if err := i.Recreate(ctx); err != nil {
			return err
		}
		return i.Run(ctx)
	}

	if i.decl.Dispenser.Watch && pollImages && i.images != nil {
		result, err := i.images.Update(ctx)
		if err != nil {
			i.log.Warn().Err(err).Msg("image poll failed")
			return nil
		}
		if result == types.Updated {
			if err := i.Recreate(ctx); err != nil {
				return err
			}
			return i.Run(ctx)
		}
	}

	return nil
}

// Run executes the dependency gate then the create/start procedure.
func (i *Instance) Run(ctx context.Context) error {
	if err := i.waitForDependencies(ctx); err != nil {
		return err
	}

	exists, err := i.rt.ContainerExists(ctx, i.decl.Name)
	if err != nil {
		i.log.Warn().Err(err).Msg("container existence check failed")
	}

	if i.decl.Dispenser.Pull == types.PullAlways || !exists {
		if err := i.Recreate(ctx); err != nil {
			return fmt.Errorf("service %s: %w", i.decl.Name, err)
		}
	}

	if err := i.rt.StartContainer(ctx, i.decl.Name); err != nil {
		return fmt.Errorf("service %s: start: %w", i.decl.Name, err)
	}
	return nil
}

// waitForDependencies blocks, polling once a second, until every
// depends_on peer satisfies its declared condition. There is no
// timeout; each unmet pass is logged.
func (i *Instance) waitForDependencies(ctx context.Context) error {
	if len(i.decl.DependsOn) == 0 {
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		allSatisfied := true
		for peer, condition := range i.decl.DependsOn {
			observed, err := i.deps.Observe(ctx, peer)
			if err != nil {
				i.log.Debug().Err(err).Str("depends_on", peer).Msg("dependency observation failed")
				allSatisfied = false
				continue
			}
			if !conditionSatisfied(condition, observed) {
				allSatisfied = false
			}
		}
		if allSatisfied {
			return nil
		}

		i.log.Info().Msg("waiting on unsatisfied dependencies")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func conditionSatisfied(cond types.DependsOnCondition, obs types.ObservedContainer) bool {
	switch cond {
	case types.DependsOnStarted:
		return obs.Exists && obs.State == types.ContainerRunning
	case types.DependsOnCompleted:
		return obs.Exists && obs.State == types.ContainerExited && obs.ExitCode == 0
	case types.DependsOnHealthy:
		return obs.Exists && obs.State == types.ContainerRunning && (obs.Healthy || !obs.HasHealthCheck)
	default:
		return false
	}
}

// Recreate pulls the image, best-effort stops and removes any existing
// container, then creates a fresh one. Starting it is the caller's
// responsibility").
func (i *Instance) Recreate(ctx context.Context) error {
	if err := i.rt.PullImage(ctx, i.decl.ImageRef); err != nil {
		i.log.Warn().Err(err).Msg("pull failed during recreate, continuing best-effort")
	}

	if err := i.rt.StopContainer(ctx, i.decl.Name, 10*time.Second); err != nil {
		i.log.Warn().Err(err).Msg("best-effort stop failed")
	}
	if err := i.rt.RemoveContainer(ctx, i.decl.Name); err != nil {
		i.log.Warn().Err(err).Msg("best-effort remove failed")
	}

	spec, err := i.buildContainerSpec()
	if err != nil {
		return fmt.Errorf("build container spec: %w", err)
	}
	if err := i.rt.CreateContainer(ctx, spec); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	if len(i.decl.Networks) > 0 {
		for _, netName := range i.decl.Networks {
			if err := i.rt.ConnectNetwork(ctx, netName, i.decl.Name, ""); err != nil {
				i.log.Warn().Err(err).Str("network", netName).Msg("failed to attach additional network")
			}
		}
	}

	return nil
}

// looksLikeBindSource reports whether a declared volume source names a
// host path rather than a named Docker volume. A named volume is a bare
// identifier; anything containing a path separator or starting with
// "." or "/" is a path, matching how the Docker Engine API distinguishes
// mount.TypeBind from mount.TypeVolume.
func looksLikeBindSource(src string) bool {
	if strings.HasPrefix(src, "/") || strings.HasPrefix(src, ".") {
		return true
	}
	return strings.ContainsRune(src, filepath.Separator) || strings.ContainsRune(src, '/')
}

func (i *Instance) buildContainerSpec() (runtime.ContainerSpec, error) {
	env := make([]string, 0, len(i.decl.Env))
	for k, v := range i.decl.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(i.decl.Volumes))
	for _, v := range i.decl.Volumes {
		src := v.Source
		mountType := mount.TypeVolume
		if looksLikeBindSource(src) {
			mountType = mount.TypeBind
			if !filepath.IsAbs(src) {
				src = filepath.Join(i.decl.Dir, src)
			}
		}
		mounts = append(mounts, mount.Mount{
			Type:     mountType,
			Source:   src,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	var memLimit, nanoCPUs int64
	if i.decl.MemoryLimitBytes != nil {
		memLimit = *i.decl.MemoryLimitBytes
	}
	if i.decl.NanoCPUs != nil {
		nanoCPUs = *i.decl.NanoCPUs
	}

	return runtime.ContainerSpec{
		Name:             i.decl.Name,
		Image:            i.decl.ImageRef,
		Env:              env,
		Entrypoint:       i.decl.Entrypoint,
		Command:          i.decl.Command,
		User:             i.decl.User,
		Hostname:         i.decl.Hostname,
		WorkingDir:       i.decl.WorkingDir,
		Ports:            i.decl.Ports,
		Mounts:           mounts,
		RestartPolicy:    i.decl.RestartPolicy,
		MemoryLimitBytes: memLimit,
		NanoCPUs:         nanoCPUs,
		NetworkID:        i.networkID,
		IPv4:             i.assignedIP,
	}, nil
}

// DeclarationChanged reports whether decl differs structurally from the
// instance's current declaration, driving the recreate-on-diff check
// during reload.
func (i *Instance) DeclarationChanged(decl types.ServiceDecl) bool {
	return !reflect.DeepEqual(i.decl, decl)
}
