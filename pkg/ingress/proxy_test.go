package ingress

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ixpantia/dispenser/pkg/certmanager"
	"github.com/ixpantia/dispenser/pkg/servicemgr"
)

type staticRoutes map[string]servicemgr.Upstream

func (s staticRoutes) ResolveRoute(host, path string) (servicemgr.Upstream, bool) {
	up, ok := s[host+path]
	return up, ok
}

func newTestInventory(t *testing.T) *certmanager.Inventory {
	t.Helper()
	return certmanager.NewInventory(nil)
}

func TestServeChallengeReturns404WhenTokenMissing(t *testing.T) {
	p := New(Config{ChallengeDir: t.TempDir(), Log: zerolog.Nop()}, newTestInventory(t))

	req := httptest.NewRequest(http.MethodGet, acmeChallengePrefix+"unknown-token", nil)
	rec := httptest.NewRecorder()
	p.serveChallenge(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReturnsBadGatewayWhenNoRouteMatches(t *testing.T) {
	p := New(Config{ChallengeDir: t.TempDir(), Log: zerolog.Nop()}, newTestInventory(t))
	routes := staticRoutes{}

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()
	p.handle(rec, req, routes, false)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleRedirectsUnderHTTPSOnly(t *testing.T) {
	p := New(Config{Strategy: HTTPSOnly, ChallengeDir: t.TempDir(), Log: zerolog.Nop()}, newTestInventory(t))

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()
	p.handleRedirect(rec, req)

	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://example.com/dashboard", rec.Header().Get("Location"))
}

func TestEffectiveHostStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com:8443"
	assert.Equal(t, "example.com", effectiveHost(req))
}
