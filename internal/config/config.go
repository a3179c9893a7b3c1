// Package config loads the top-level process configuration and the set
// of declared services from YAML using gopkg.in/yaml.v3. Service-directory
// discovery lives here because it sits outside the reconciliation core;
// the core only ever consumes the resulting ServiceDecl/Config values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ixpantia/dispenser/pkg/ingress"
	"github.com/ixpantia/dispenser/pkg/types"
)

// ProxyConfig is the top-level proxy block.
type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Strategy string `yaml:"strategy"` // "http_only" | "https_only" | "both"
}

// CertbotConfig holds ACME contact details.
type CertbotConfig struct {
	Email string `yaml:"email"`
}

// Config is the top-level process configuration.
type Config struct {
	DelaySeconds int             `yaml:"delay"`
	Proxy        ProxyConfig     `yaml:"proxy"`
	Certbot      CertbotConfig   `yaml:"certbot"`
	ServiceDirs  []string        `yaml:"service_dirs"`
	Networks     []types.NetworkDecl `yaml:"networks"`
}

// ProxyStrategy converts the configured strategy string to the
// ingress.Strategy enum, defaulting to Both when unset.
func (c Config) ProxyStrategy() ingress.Strategy {
	switch c.Proxy.Strategy {
	case "http_only":
		return ingress.HTTPOnly
	case "https_only":
		return ingress.HTTPSOnly
	default:
		return ingress.Both
	}
}

// serviceFile is the on-disk shape of one service directory's
// declaration file, decoded then converted to types.ServiceDecl.
type serviceFile struct {
	Name             string                      `yaml:"name"`
	ImageRef         string                      `yaml:"image_ref"`
	WorkingDir       string                      `yaml:"working_dir"`
	Env              map[string]string           `yaml:"env"`
	Ports            []types.PortBinding         `yaml:"ports"`
	Volumes          []types.VolumeMount         `yaml:"volumes"`
	Networks         []string                    `yaml:"networks"`
	RestartPolicy    types.RestartPolicy         `yaml:"restart_policy"`
	MemoryLimitBytes *int64                      `yaml:"memory_limit_bytes"`
	NanoCPUs         *int64                      `yaml:"nano_cpus"`
	Entrypoint       []string                    `yaml:"entrypoint"`
	Command          []string                    `yaml:"command"`
	User             string                      `yaml:"user"`
	Hostname         string                      `yaml:"hostname"`
	DependsOn        map[string]types.DependsOnCondition `yaml:"depends_on"`
	Dispenser        types.DispenserSettings     `yaml:"dispenser"`
	Proxy            *types.ProxySettings        `yaml:"proxy"`
}

// Load reads the top-level config file and every service declaration
// referenced by its service_dirs entries.
func Load(path string) (Config, []types.ServiceDecl, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	services := make([]types.ServiceDecl, 0, len(cfg.ServiceDirs))
	declared := make(map[string]struct{}, len(cfg.ServiceDirs))
	for _, dir := range cfg.ServiceDirs {
		decl, err := loadService(dir)
		if err != nil {
			return Config{}, nil, fmt.Errorf("load service in %s: %w", dir, err)
		}
		if _, dup := declared[decl.Name]; dup {
			return Config{}, nil, fmt.Errorf("duplicate service name %q", decl.Name)
		}
		declared[decl.Name] = struct{}{}
		services = append(services, decl)
	}

	if err := validateDependsOn(services); err != nil {
		return Config{}, nil, err
	}

	return cfg, services, nil
}

func loadService(dir string) (types.ServiceDecl, error) {
	path := filepath.Join(dir, "service.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.ServiceDecl{}, fmt.Errorf("read %s: %w", path, err)
	}

	var sf serviceFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return types.ServiceDecl{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if sf.Name == "" {
		return types.ServiceDecl{}, fmt.Errorf("%s: missing required field name", path)
	}
	if sf.Proxy != nil && sf.Proxy.ServicePort == 0 {
		return types.ServiceDecl{}, fmt.Errorf("%s: proxy block requires service_port", path)
	}

	return types.ServiceDecl{
		Name:             sf.Name,
		ImageRef:         sf.ImageRef,
		WorkingDir:       sf.WorkingDir,
		Env:              sf.Env,
		Ports:            sf.Ports,
		Volumes:          sf.Volumes,
		Networks:         sf.Networks,
		RestartPolicy:    sf.RestartPolicy,
		MemoryLimitBytes: sf.MemoryLimitBytes,
		NanoCPUs:         sf.NanoCPUs,
		Entrypoint:       sf.Entrypoint,
		Command:          sf.Command,
		User:             sf.User,
		Hostname:         sf.Hostname,
		DependsOn:        sf.DependsOn,
		Dispenser:        sf.Dispenser,
		Proxy:            sf.Proxy,
		Dir:              dir,
	}, nil
}

// validateDependsOn rejects an unknown service-dependency reference at
// validation time; the core additionally
// prunes unknown references defensively at construction.
func validateDependsOn(services []types.ServiceDecl) error {
	declared := make(map[string]struct{}, len(services))
	for _, s := range services {
		declared[s.Name] = struct{}{}
	}
	for _, s := range services {
		for peer := range s.DependsOn {
			if _, ok := declared[peer]; !ok {
				return fmt.Errorf("service %q depends on unknown service %q", s.Name, peer)
			}
		}
	}
	return nil
}
