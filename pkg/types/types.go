// Package types holds the declarative data model consumed by the core:
// service declarations as parsed from configuration, and the small set of
// runtime-observed enums the reconciliation engine compares them against.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// RestartPolicy controls how a Service Instance responds to container exit.
type RestartPolicy string

const (
	RestartAlways        RestartPolicy = "always"
	RestartNo            RestartPolicy = "no"
	RestartOnFailure     RestartPolicy = "on_failure"
	RestartUnlessStopped RestartPolicy = "unless_stopped"
)

// InitializeMode controls whether a service runs on the first tick.
type InitializeMode string

const (
	InitializeImmediately InitializeMode = "immediately"
	InitializeOnTrigger   InitializeMode = "on_trigger"
)

// PullPolicy controls when the image is re-pulled.
type PullPolicy string

const (
	PullAlways    PullPolicy = "always"
	PullOnStartup PullPolicy = "on_startup"
)

// DependsOnCondition is the state a peer service must reach before a
// dependent service is allowed to start.
type DependsOnCondition string

const (
	DependsOnStarted   DependsOnCondition = "started"
	DependsOnCompleted DependsOnCondition = "completed"
	DependsOnHealthy   DependsOnCondition = "healthy"
)

// PortBinding maps a host port to a container port.
type PortBinding struct {
	HostPort      int    `yaml:"host_port"`
	ContainerPort int    `yaml:"container_port"`
	Protocol      string `yaml:"protocol"` // "tcp" or "udp"; empty means "tcp"
}

// VolumeMount describes a bind mount or named volume attachment.
type VolumeMount struct {
	// Source is a volume name, or an absolute/relative path. Relative
	// paths are resolved against the service declaration's directory.
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"readonly"`
}

// DispenserSettings holds the orchestrator-specific trigger configuration
// for a service (as opposed to the plain container shape below it).
type DispenserSettings struct {
	Watch      bool           `yaml:"watch"`
	Initialize InitializeMode `yaml:"initialize"`
	Cron       string         `yaml:"cron"` // empty means "no cron trigger"
	Pull       PullPolicy     `yaml:"pull"`
}

// ProxySettings declares how a service is exposed through the routing proxy.
type ProxySettings struct {
	Host        string `yaml:"host"`
	Path        string `yaml:"path"` // empty means "/"
	ServicePort int    `yaml:"service_port"`
	CertFile    string `yaml:"cert_file"` // operator-supplied certificate chain path
	KeyFile     string `yaml:"key_file"`  // operator-supplied private key path
}

// HasOperatorCert reports whether the operator supplied their own
// certificate material for this host, in which case the Certificate
// Manager must never touch it.
func (p *ProxySettings) HasOperatorCert() bool {
	return p != nil && p.CertFile != "" && p.KeyFile != ""
}

// NetworkDecl is a user-declared additional network. External networks
// must pre-exist; the core never creates or removes them.
type NetworkDecl struct {
	Name     string `yaml:"name"`
	External bool   `yaml:"external"`
}

// ServiceDecl is the desired state for one service, as produced by the
// (out-of-core) configuration parser.
type ServiceDecl struct {
	Name         string
	ImageRef     string
	WorkingDir   string
	Env          map[string]string
	Ports        []PortBinding
	Volumes      []VolumeMount
	Networks     []string
	RestartPolicy RestartPolicy
	MemoryLimitBytes *int64
	NanoCPUs         *int64
	Entrypoint       []string
	Command          []string
	User             string
	Hostname         string
	DependsOn        map[string]DependsOnCondition
	Dispenser        DispenserSettings
	Proxy            *ProxySettings

	// Dir is the directory the declaration was loaded from; relative
	// volume sources are resolved against it. Not part of the wire
	// format, populated by the loader.
	Dir string
}

// HasProxy reports whether this service is routed.
func (s *ServiceDecl) HasProxy() bool {
	return s.Proxy != nil
}

// Digest is a fixed-size 256-bit content hash identifying an image
// version. The zero value carries no valid flag and is the "unknown"
// marker (named NoDigest below); a zero-filled hash parsed from a real
// reference is still distinguishable from it by that flag.
type Digest struct {
	valid bool
	bytes [sha256.Size]byte
}

// NoDigest is the "unknown" sentinel: it never compares equal to any
// concrete digest, including another NoDigest produced independently.
var NoDigest = Digest{}

// ParseDigest parses a manifest/image reference of the form
// "sha256:<hex>" into a Digest. Any other prefix is rejected.
func ParseDigest(s string) (Digest, error) {
	const prefix = "sha256:"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return Digest{}, ErrInvalidDigestPrefix
	}
	hexPart := s[len(prefix):]
	if len(hexPart) != sha256.Size*2 {
		return Digest{}, ErrInvalidDigestPrefix
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %s", ErrInvalidDigestPrefix, s)
	}
	var d Digest
	copy(d.bytes[:], raw)
	d.valid = true
	return d, nil
}

// Equal reports bytewise equality. An unknown ("None") digest never
// equals anything, even another unknown digest.
func (d Digest) Equal(other Digest) bool {
	if !d.valid || !other.valid {
		return false
	}
	return d.bytes == other.bytes
}

// String returns the "sha256:<hex>" form, or "<none>" when unknown.
func (d Digest) String() string {
	if !d.valid {
		return "<none>"
	}
	return fmt.Sprintf("sha256:%x", d.bytes)
}

// ImageUpdateResult is the outcome of one Image Watcher poll.
type ImageUpdateResult int

const (
	NotUpdated ImageUpdateResult = iota
	Updated
	Deleted
)

func (r ImageUpdateResult) String() string {
	switch r {
	case NotUpdated:
		return "not_updated"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ContainerState mirrors the subset of container runtime lifecycle states
// the reconciler cares about.
type ContainerState string

const (
	ContainerAbsent  ContainerState = "absent"
	ContainerRunning ContainerState = "running"
	ContainerExited  ContainerState = "exited"
	ContainerOther   ContainerState = "other"
)

// ObservedContainer is the runtime-reported state of one service's container.
type ObservedContainer struct {
	Exists       bool
	State        ContainerState
	ExitCode     int
	Healthy      bool // true if Running and (Healthy or no healthcheck defined)
	HasHealthCheck bool
}
