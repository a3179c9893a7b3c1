// Package coordinator implements the process's main lifecycle loop,
// bridging OS signal notifications to generation construction,
// polling-group lifetime, the proxy's graceful handover, and ACME
// maintenance.
package coordinator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ixpantia/dispenser/pkg/servicemgr"
)

// ProxySignal is sent on the shared signal channel to coordinate a
// listener handover without dropping in-flight connections.
type ProxySignal int

const (
	// GracefulUpgrade tells the previous proxy instance to release its
	// listener slot now that a replacement is ready.
	GracefulUpgrade ProxySignal = iota
	// GracefulTerminate tells the running proxy to drain and exit.
	GracefulTerminate
)

// ProxyRunner runs one proxy generation until it receives a signal on
// signals, then returns. It is invoked with spawn_blocking semantics in
// the original design; here it simply runs on its own goroutine.
type ProxyRunner func(ctx context.Context, mgr *servicemgr.Manager, signals <-chan ProxySignal) error

// CertMaintainer runs the Certificate Manager's hourly sweep until ctx
// is cancelled, signaling restartNotify whenever a host's certificate
// was refreshed.
type CertMaintainer func(ctx context.Context, mgr *servicemgr.Manager, restartNotify chan<- struct{})

// ManagerFactory builds a fresh generation, given the outgoing
// generation's IP assignments to preserve.
type ManagerFactory func(ctx context.Context, existingIPs map[string]string) (*servicemgr.Manager, error)

// Notifier carries a single outstanding signal; duplicate sends
// coalesce onto the same buffered slot.
type Notifier chan struct{}

// NewNotifier creates a single-slot notification channel.
func NewNotifier() Notifier {
	return make(Notifier, 1)
}

// Notify delivers one notification, dropping it silently if a prior
// notification is still pending.
func (n Notifier) Notify() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// Config bundles the Coordinator's collaborators.
type Config struct {
	Log            zerolog.Logger
	ProxyEnabled   bool
	NewManager     ManagerFactory
	RunProxy       ProxyRunner
	MaintainCerts  CertMaintainer
	Reload         Notifier
	Shutdown       Notifier
}

// Coordinator owns the holder for the currently active generation and
// runs the main lifecycle loop until a shutdown notification arrives.
type Coordinator struct {
	cfg    Config
	log    zerolog.Logger
	signals chan ProxySignal
}

// New creates a Coordinator. The proxy-signal channel is buffered so a
// send never blocks even when nothing has parked a receive on it yet.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		log:     cfg.Log,
		signals: make(chan ProxySignal, 1),
	}
}

// Run executes the outer/inner loop until a shutdown notification is
// processed, then returns. A reload that fails to construct its
// replacement generation leaves the current generation running
// untouched: the error is logged and the inner loop continues.
func (c *Coordinator) Run(ctx context.Context) error {
	mgr, err := c.cfg.NewManager(ctx, nil)
	if err != nil {
		return fmt.Errorf("construct initial generation: %w", err)
	}

	// A dummy holder parks on the signal slot before the first real
	// proxy is ever spawned, playing the role of "the previous proxy
	// instance" at boot. Without it, the very first GracefulUpgrade
	// send below has no one yet waiting to receive it, so it would sit
	// in the channel's buffer until the brand-new proxy's own select
	// dequeues its own startup signal and immediately tears itself
	// down. Every later handover stays safe for the same reason the
	// boot case needs fixing at all: RunProxy below is given the
	// top-level ctx rather than genCtx, so the outgoing generation's
	// proxy is still parked on <-signals, not already torn down by
	// generation cancellation, when the next GracefulUpgrade arrives.
	go func() { <-c.signals }()

outer:
	for {
		genCtx, cancelGen := context.WithCancel(ctx)
		mgr.StartPolling(genCtx)

		restartNotify := make(chan struct{}, 1)
		if c.cfg.ProxyEnabled && c.cfg.MaintainCerts != nil {
			go c.cfg.MaintainCerts(genCtx, mgr, restartNotify)
		}

		for {
			if c.cfg.ProxyEnabled && c.cfg.RunProxy != nil {
				// The proxy is handed the top-level ctx, not genCtx: its
				// lifetime is governed entirely by the signal channel
				// (GracefulUpgrade/GracefulTerminate), not by the
				// generation's polling/cert-maintenance cancellation. A
				// reload cancels genCtx for polling and certs but must
				// leave the outgoing proxy generation's listeners bound
				// until the next generation's proxy explicitly signals
				// it to step down — otherwise nothing is left parked to
				// receive that signal and the brand-new proxy would
				// dequeue its own startup signal instead.
				active := mgr
				go func() {
					if err := c.cfg.RunProxy(ctx, active, c.signals); err != nil {
						c.log.Error().Err(err).Msg("proxy generation exited with error")
					}
				}()
				c.signals <- GracefulUpgrade
			}

			select {
			case <-restartNotify:
				c.log.Info().Msg("certificate change detected, restarting proxy listener")
				continue

			case <-c.cfg.Reload:
				c.log.Info().Str("generation", mgr.ID()).Msg("reload requested")
				next, err := c.cfg.NewManager(ctx, mgr.IPMap())
				if err != nil {
					c.log.Error().Err(err).Str("generation", mgr.ID()).
						Msg("reload failed, previous generation remains active")
					continue
				}
				cancelGen()
				mgr.CancelPolling()
				c.log.Info().Str("previous", mgr.ID()).Str("next", next.ID()).Msg("generation swapped")
				mgr = next
				continue outer

			case <-c.cfg.Shutdown:
				c.log.Info().Msg("shutdown requested")
				cancelGen()
				mgr.CancelPolling()
				mgr.Shutdown(ctx)
				c.signals <- GracefulTerminate
				return nil

			case <-ctx.Done():
				cancelGen()
				mgr.CancelPolling()
				mgr.Shutdown(ctx)
				return ctx.Err()
			}
		}
	}
}
