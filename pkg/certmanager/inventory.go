package certmanager

import (
	"crypto/tls"
	"sync"
)

// Inventory is the SNI lookup table the proxy consults during TLS
// handshakes. Set updates it in place under a lock, and every handshake
// reads the current table, so an installed certificate is served by the
// running listener without a restart.
type Inventory struct {
	mu       sync.RWMutex
	certs    map[string]*tls.Certificate
	fallback *tls.Certificate
}

// NewInventory creates an empty inventory with the given fallback
// certificate, served when SNI is absent or the host is unknown.
func NewInventory(fallback *tls.Certificate) *Inventory {
	return &Inventory{certs: make(map[string]*tls.Certificate), fallback: fallback}
}

// Set installs or replaces the certificate for a host.
func (inv *Inventory) Set(host string, cert *tls.Certificate) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.certs[host] = cert
}

// Lookup returns the certificate for host, falling back to the default
// when the host is unknown or empty (SNI absent).
func (inv *Inventory) Lookup(host string) *tls.Certificate {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if host != "" {
		if c, ok := inv.certs[host]; ok {
			return c
		}
	}
	return inv.fallback
}

// GetCertificateFunc adapts Lookup to tls.Config.GetCertificate,
// selecting the TLS context by SNI host before the handshake completes.
func (inv *Inventory) GetCertificateFunc() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		return inv.Lookup(hello.ServerName), nil
	}
}
