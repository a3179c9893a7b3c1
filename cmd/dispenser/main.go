// Command dispenser runs the container orchestrator control core:
// service reconciliation, IP allocation, the TLS-terminating routing
// proxy, and ACME certificate management.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ixpantia/dispenser/internal/config"
	"github.com/ixpantia/dispenser/pkg/certmanager"
	"github.com/ixpantia/dispenser/pkg/coordinator"
	"github.com/ixpantia/dispenser/pkg/ingress"
	"github.com/ixpantia/dispenser/pkg/ipalloc"
	"github.com/ixpantia/dispenser/pkg/log"
	"github.com/ixpantia/dispenser/pkg/metrics"
	"github.com/ixpantia/dispenser/pkg/runtime"
	"github.com/ixpantia/dispenser/pkg/servicemgr"
	"github.com/ixpantia/dispenser/pkg/types"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispenser",
	Short: "Single-host container orchestration control core",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/dispenser/config.yaml", "path to the top-level configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, err := config.Load(configPath); err != nil {
			return err
		}
		fmt.Println("Dispenser config is ok.")
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator control core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	cfg, services, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rootLog := log.WithComponent("dispenser")

	rt, err := runtime.NewDocker("")
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}
	defer rt.Close()

	netmgr := ipalloc.New(rt, ipalloc.DefaultSubnet, ipalloc.DefaultGateway)

	mode := certmanager.ModeSimulation
	if cfg.Certbot.Email != "" {
		mode = certmanager.ModeACME
	}
	certMgr := certmanager.New(certmanager.Config{
		Mode:         mode,
		Email:        cfg.Certbot.Email,
		CertDir:      "/etc/dispenser/certs",
		ChallengeDir: "/var/lib/dispenser/acme-challenge",
		Log:          log.WithComponent("certmanager"),
	})

	reload := coordinator.NewNotifier()
	shutdown := coordinator.NewNotifier()
	bridgeSignals(reload, shutdown)

	go serveMetrics()

	var prevDecls map[string]types.ServiceDecl
	coord := coordinator.New(coordinator.Config{
		Log:          rootLog,
		ProxyEnabled: cfg.Proxy.Enabled,
		Reload:       reload,
		Shutdown:     shutdown,
		NewManager: func(ctx context.Context, existingIPs map[string]string) (*servicemgr.Manager, error) {
			mgr, err := servicemgr.Build(ctx, servicemgr.BuildConfig{
				Runtime:     rt,
				NetworkMgr:  netmgr,
				Log:         log.WithComponent("servicemgr"),
				Delay:       time.Duration(cfg.DelaySeconds) * time.Second,
				Services:    services,
				Networks:    cfg.Networks,
				ExistingIPs: existingIPs,
				Previous:    prevDecls,
				Now:         time.Now(),
			})
			if err != nil {
				return nil, err
			}
			if existingIPs == nil {
				if err := mgr.ValidateContainersNotPresent(ctx); err != nil {
					return nil, err
				}
			}
			prevDecls = mgr.DeclMap()
			return mgr, nil
		},
		RunProxy: func(ctx context.Context, mgr *servicemgr.Manager, signals <-chan coordinator.ProxySignal) error {
			p := ingress.New(ingress.Config{
				Strategy:     cfg.ProxyStrategy(),
				HTTPAddr:     ":80",
				HTTPSAddr:    ":443",
				ChallengeDir: "/var/lib/dispenser/acme-challenge",
				Log:          log.WithComponent("ingress"),
			}, certMgr.Inventory())
			return p.Run(ctx, mgr, signals)
		},
		MaintainCerts: func(ctx context.Context, mgr *servicemgr.Manager, restartNotify chan<- struct{}) {
			certMgr.Maintain(ctx, routedHostsFrom(mgr), restartNotify)
		},
	})

	return coord.Run(ctx)
}

// routedHostsFrom adapts a generation's aggregated proxy configs to the
// Certificate Manager's host-enumeration contract.
func routedHostsFrom(mgr *servicemgr.Manager) certmanager.HostSource {
	return hostSourceFunc(func() []certmanager.HostEntry {
		cfgs := mgr.ProxyConfigs()
		entries := make([]certmanager.HostEntry, 0, len(cfgs))
		for host, p := range cfgs {
			entries = append(entries, certmanager.HostEntry{
				Host:            host,
				HasOperatorCert: p.HasOperatorCert(),
			})
		}
		return entries
	})
}

type hostSourceFunc func() []certmanager.HostEntry

func (f hostSourceFunc) RoutedHosts() []certmanager.HostEntry { return f() }

// bridgeSignals translates SIGHUP into a reload notification and
// SIGINT/SIGTERM into a shutdown notification. Each
// signal handler's only side effect is the single notify, per the
// duplicate-signals-coalesce design.
func bridgeSignals(reload, shutdown coordinator.Notifier) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				reload.Notify()
			default:
				shutdown.Notify()
			}
		}
	}()
}

func serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	_ = http.ListenAndServe("127.0.0.1:9090", mux)
}
