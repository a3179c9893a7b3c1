// Package certmanager implements the Certificate Manager:
// an hourly background sweep that keeps every routed host covered by a
// valid certificate, either via ACME HTTP-01 issuance or, in simulation
// mode, a locally generated self-signed leaf.
package certmanager

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"

	"github.com/ixpantia/dispenser/pkg/metrics"
	"github.com/ixpantia/dispenser/pkg/security"
)

// minValidityDays is the "valid ≥ 30 days" threshold
const minValidityDays = 30

const sweepInterval = time.Hour

// acmeUser adapts an account key to lego's registration.User interface.
type acmeUser struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource  { return u.reg }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey         { return u.key }

// Mode selects how new certificates are obtained.
type Mode int

const (
	// ModeSimulation generates self-signed leaves instead of talking to
	// an ACME server, for local/offline development.
	ModeSimulation Mode = iota
	// ModeACME obtains real certificates via HTTP-01.
	ModeACME
)

// Config bundles the Certificate Manager's dependencies.
type Config struct {
	Mode            Mode
	Email           string
	CADirURL        string
	CertDir         string
	ChallengeDir    string
	Log             zerolog.Logger
}

// Manager runs the hourly certificate sweep and owns the SNI inventory.
type Manager struct {
	cfg       Config
	inventory *Inventory
	client    *lego.Client
	user      *acmeUser
	provider  *FileChallengeProvider
}

// HostSource enumerates the routed hosts and their operator-cert status
// for one sweep; the caller (the coordinator, via the active generation)
// supplies this so the Certificate Manager has no direct dependency on
// the Services Manager's internals.
type HostSource interface {
	RoutedHosts() []HostEntry
}

// HostEntry is one host to ensure coverage for.
type HostEntry struct {
	Host           string
	HasOperatorCert bool
}

// New creates a Manager. ACME account registration happens lazily on
// the first sweep that needs it, so simulation-mode deployments never
// touch the network.
func New(cfg Config) *Manager {
	fallbackCert, fallbackKey, _ := security.GenerateSelfSigned("dispenser-default", 365*24*time.Hour)
	fallback, _ := tls.X509KeyPair(fallbackCert, fallbackKey)

	return &Manager{
		cfg:       cfg,
		inventory: NewInventory(&fallback),
		provider:  NewFileChallengeProvider(cfg.ChallengeDir),
	}
}

// Inventory returns the SNI lookup table the proxy consults.
func (m *Manager) Inventory() *Inventory {
	return m.inventory
}

// Maintain runs the hourly sweep until ctx is cancelled, notifying
// restartNotify once per sweep if any host's certificate was refreshed.
func (m *Manager) Maintain(ctx context.Context, hosts HostSource, restartNotify chan<- struct{}) {
	m.sweep(ctx, hosts, restartNotify)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx, hosts, restartNotify)
		}
	}
}

func (m *Manager) sweep(ctx context.Context, hosts HostSource, restartNotify chan<- struct{}) {
	refreshed := false
	for _, h := range hosts.RoutedHosts() {
		if h.HasOperatorCert {
			continue
		}
		if m.isCovered(h.Host) {
			continue
		}
		if err := m.obtain(ctx, h.Host); err != nil {
			m.cfg.Log.Error().Err(err).Str("host", h.Host).Msg("certificate issuance failed")
			metrics.CertificatesIssuedTotal.WithLabelValues(modeLabel(m.cfg.Mode), "failure").Inc()
			continue
		}
		metrics.CertificatesIssuedTotal.WithLabelValues(modeLabel(m.cfg.Mode), "success").Inc()
		refreshed = true
	}

	if refreshed {
		select {
		case restartNotify <- struct{}{}:
		default:
		}
	}
}

func modeLabel(mode Mode) string {
	if mode == ModeACME {
		return "acme"
	}
	return "simulation"
}

func (m *Manager) isCovered(host string) bool {
	cert, err := security.LoadCertKeyPair(m.cfg.CertDir, host)
	if err != nil || len(cert.Certificate) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false
	}
	return time.Until(leaf.NotAfter) >= minValidityDays*24*time.Hour
}

func (m *Manager) obtain(ctx context.Context, host string) error {
	if m.cfg.Mode == ModeSimulation {
		certPEM, keyPEM, err := security.GenerateSelfSigned(host, 90*24*time.Hour)
		if err != nil {
			return fmt.Errorf("generate self-signed cert for %s: %w", host, err)
		}
		if err := security.WriteCertKeyPair(m.cfg.CertDir, host, certPEM, keyPEM); err != nil {
			return err
		}
		return m.installFromDisk(host)
	}

	if m.cfg.Email == "" {
		return fmt.Errorf("acme mode requires a contact email, host %s has none configured", host)
	}

	if err := m.ensureClient(); err != nil {
		return fmt.Errorf("initialize acme client: %w", err)
	}

	request := certificate.ObtainRequest{
		Domains: []string{host},
		Bundle:  true,
	}
	res, err := m.client.Certificate.Obtain(request)
	if err != nil {
		return fmt.Errorf("obtain certificate for %s: %w", host, err)
	}

	if err := security.WriteCertKeyPair(m.cfg.CertDir, host, res.Certificate, res.PrivateKey); err != nil {
		return err
	}
	if err := Clear(m.cfg.ChallengeDir); err != nil {
		m.cfg.Log.Warn().Err(err).Msg("failed to clear challenge directory after issuance")
	}
	return m.installFromDisk(host)
}

func (m *Manager) installFromDisk(host string) error {
	cert, err := security.LoadCertKeyPair(m.cfg.CertDir, host)
	if err != nil {
		return fmt.Errorf("load issued certificate for %s: %w", host, err)
	}
	m.inventory.Set(host, &cert)
	return nil
}

// ensureClient lazily registers an ACME account and wires the HTTP-01
// challenge provider, caching the client across calls.
func (m *Manager) ensureClient() error {
	if m.client != nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate account key: %w", err)
	}
	user := &acmeUser{email: m.cfg.Email, key: key}

	cfg := lego.NewConfig(user)
	if m.cfg.CADirURL != "" {
		cfg.CADirURL = m.cfg.CADirURL
	}
	cfg.Certificate.KeyType = certcrypto.RSA2048
	cfg.Certificate.Timeout = 30 * time.Second

	client, err := lego.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("create acme client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(m.provider); err != nil {
		return fmt.Errorf("set http-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("register acme account: %w", err)
	}
	user.reg = reg

	m.client = client
	m.user = user
	return nil
}
