// Package ipalloc implements the Network Manager: ensuring
// the dispenser bridge network exists, and the Reserve-then-Fill
// algorithm that assigns stable IPv4 addresses to declared services.
package ipalloc

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ixpantia/dispenser/pkg/runtime"
)

// DispenserNetworkName is the well-known bridge network all service
// instances attach to.
const DispenserNetworkName = "dispenser_net"

// Defaults for the dispenser network's reserved subnet, chosen to stay
// clear of the common Docker default pools.
const (
	DefaultSubnet  = "172.28.0.0/16"
	DefaultGateway = "172.28.0.1"
)

// NetworkManager ensures the dispenser network and any user-declared
// networks exist External networks are never created
// or removed by the core — only checked for presence.
type NetworkManager struct {
	rt      runtime.Runtime
	subnet  string
	gateway string
}

// New creates a NetworkManager bound to the given subnet/gateway pair.
func New(rt runtime.Runtime, subnet, gateway string) *NetworkManager {
	if subnet == "" {
		subnet = DefaultSubnet
	}
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &NetworkManager{rt: rt, subnet: subnet, gateway: gateway}
}

// EnsureDispenserNetwork creates the dispenser bridge network if absent
// and returns its runtime ID.
func (m *NetworkManager) EnsureDispenserNetwork(ctx context.Context) (string, error) {
	return m.rt.EnsureNetwork(ctx, DispenserNetworkName, m.subnet, m.gateway)
}

// EnsureUserNetwork ensures a user-declared network exists. external
// networks must already exist — the core creates nothing for them and
// an absence is reported as an error rather than silently created.
func (m *NetworkManager) EnsureUserNetwork(ctx context.Context, name string, external bool) error {
	exists, err := m.rt.NetworkExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking network %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if external {
		return fmt.Errorf("external network %q does not exist and is not managed by this core", name)
	}
	_, err = m.rt.EnsureNetwork(ctx, name, "", "")
	if err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	return nil
}

// Gateway returns the dispenser network's gateway address.
func (m *NetworkManager) Gateway() string {
	return m.gateway
}

// Subnet returns the dispenser network's reserved CIDR.
func (m *NetworkManager) Subnet() string {
	return m.subnet
}

// Allocate runs the Reserve-then-Fill algorithm over the
// ordered service names, carrying forward IPs from previous where a
// service survives and filling gaps lowest-first for newcomers. The
// gateway address is always excluded.
func Allocate(subnetCIDR, gateway string, serviceNames []string, previous map[string]string) (map[string]string, error) {
	_, ipNet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", subnetCIDR, err)
	}
	gw := net.ParseIP(gateway)
	if gw == nil {
		return nil, fmt.Errorf("invalid gateway %q", gateway)
	}

	base := ipToUint32(ipNet.IP)
	ones, bits := ipNet.Mask.Size()
	broadcast := base | (uint32(1)<<(bits-ones) - 1)

	used := map[uint32]struct{}{ipToUint32(gw.To4()): {}}
	assigned := make(map[string]string, len(serviceNames))

	// Reserve phase: carry forward survivors verbatim.
	for _, name := range serviceNames {
		prior, ok := previous[name]
		if !ok {
			continue
		}
		priorIP := net.ParseIP(prior)
		if priorIP == nil {
			return nil, fmt.Errorf("previous allocation for %q is not a valid IP: %q", name, prior)
		}
		v := ipToUint32(priorIP.To4())
		assigned[name] = prior
		used[v] = struct{}{}
	}

	// Fill phase: lowest free address in [base+2, broadcast-1] for newcomers.
	lowWatermark := base + 2
	for _, name := range serviceNames {
		if _, ok := assigned[name]; ok {
			continue
		}
		candidate := lowWatermark
		for {
			if candidate >= broadcast {
				return nil, fmt.Errorf("no free address remaining in %s for service %q", subnetCIDR, name)
			}
			if _, taken := used[candidate]; !taken {
				break
			}
			candidate++
		}
		ip := uint32ToIP(candidate)
		assigned[name] = ip.String()
		used[candidate] = struct{}{}
		lowWatermark = candidate + 1
	}

	return assigned, nil
}

func ipToUint32(ip net.IP) uint32 {
	b := ip.To4()
	return binary.BigEndian.Uint32(b)
}

func uint32ToIP(v uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
