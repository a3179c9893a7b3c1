package certmanager

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHosts []HostEntry

func (s staticHosts) RoutedHosts() []HostEntry { return s }

func TestSimulationModeIssuesAndInstallsCertificate(t *testing.T) {
	dir := t.TempDir()
	challengeDir := t.TempDir()

	m := New(Config{
		Mode:         ModeSimulation,
		CertDir:      dir,
		ChallengeDir: challengeDir,
		Log:          zerolog.Nop(),
	})

	restart := make(chan struct{}, 1)
	m.sweep(context.Background(), staticHosts{{Host: "example.test"}}, restart)

	select {
	case <-restart:
	default:
		t.Fatal("expected a restart notification after issuing a certificate")
	}

	cert := m.Inventory().Lookup("example.test")
	require.NotNil(t, cert)
}

func TestSweepSkipsHostsWithOperatorCert(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{Mode: ModeSimulation, CertDir: dir, ChallengeDir: t.TempDir(), Log: zerolog.Nop()})

	restart := make(chan struct{}, 1)
	m.sweep(context.Background(), staticHosts{{Host: "operator.test", HasOperatorCert: true}}, restart)

	select {
	case <-restart:
		t.Fatal("did not expect a restart notification when every host has an operator cert")
	default:
	}
	// No host-specific entry was installed, so the lookup yields the fallback.
	assert.Same(t, m.Inventory().Lookup(""), m.Inventory().Lookup("operator.test"))
}

func TestSweepDoesNotReissueWhenAlreadyCovered(t *testing.T) {
	dir := t.TempDir()
	m := New(Config{Mode: ModeSimulation, CertDir: dir, ChallengeDir: t.TempDir(), Log: zerolog.Nop()})

	restart := make(chan struct{}, 1)
	m.sweep(context.Background(), staticHosts{{Host: "example.test"}}, restart)
	<-restart

	m.sweep(context.Background(), staticHosts{{Host: "example.test"}}, restart)
	select {
	case <-restart:
		t.Fatal("should not re-issue a certificate that is still valid")
	case <-time.After(10 * time.Millisecond):
	}
}
