// Package ingress implements a dual plaintext/TLS listener pair that
// serves ACME challenges, terminates TLS by SNI, and reverse-proxies
// matched requests to a service instance's static IP over ports 80/443,
// with HTTP/2 and a graceful-handover signal channel.
package ingress

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"

	"github.com/ixpantia/dispenser/pkg/certmanager"
	"github.com/ixpantia/dispenser/pkg/coordinator"
	"github.com/ixpantia/dispenser/pkg/metrics"
	"github.com/ixpantia/dispenser/pkg/servicemgr"
)

// Strategy selects which listeners are active.
type Strategy int

const (
	// HTTPOnly serves only the plaintext listener.
	HTTPOnly Strategy = iota
	// HTTPSOnly serves only TLS, redirecting plaintext traffic to it.
	HTTPSOnly
	// Both serves plaintext and TLS concurrently.
	Both
)

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// RouteResolver is the subset of *servicemgr.Manager the proxy needs.
type RouteResolver interface {
	ResolveRoute(host, path string) (servicemgr.Upstream, bool)
}

// Config bundles a proxy generation's dependencies.
type Config struct {
	Strategy     Strategy
	HTTPAddr     string
	HTTPSAddr    string
	ChallengeDir string
	Log          zerolog.Logger
}

// Proxy is one generation of the routing proxy; the Coordinator spawns
// a fresh one per reload and hands it off via the shared signal channel.
type Proxy struct {
	cfg       Config
	inventory *certmanager.Inventory

	httpServer  *http.Server
	httpsServer *http.Server
}

// New creates a Proxy bound to a certificate inventory for SNI
// selection; the route resolver is supplied to Run.
func New(cfg Config, inventory *certmanager.Inventory) *Proxy {
	return &Proxy{cfg: cfg, inventory: inventory}
}

// Run starts the configured listeners and blocks until ctx is
// cancelled or a GracefulTerminate/GracefulUpgrade signal is received,
// draining connections via http.Server.Shutdown before returning.
func (p *Proxy) Run(ctx context.Context, routes RouteResolver, signals <-chan coordinator.ProxySignal) error {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.handle(w, r, routes, false)
	})

	var httpListener, httpsListener net.Listener
	var err error

	// The plaintext listener is always opened: under HTTPSOnly it serves
	// only challenges and redirects; under HTTPOnly/Both it proxies
	// directly.
	httpHandler := handler
	if p.cfg.Strategy == HTTPSOnly {
		httpHandler = http.HandlerFunc(p.handleRedirect)
	}
	p.httpServer = &http.Server{Addr: p.cfg.HTTPAddr, Handler: httpHandler}
	httpListener, err = net.Listen("tcp", p.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.HTTPAddr, err)
	}
	go func() {
		if err := p.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			p.cfg.Log.Error().Err(err).Msg("http listener error")
		}
	}()

	if p.cfg.Strategy != HTTPOnly {
		tlsConfig := &tls.Config{
			GetCertificate: p.inventory.GetCertificateFunc(),
			MinVersion:     tls.VersionTLS12,
		}
		p.httpsServer = &http.Server{
			Addr:      p.cfg.HTTPSAddr,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p.handle(w, r, routes, true)
			}),
			TLSConfig: tlsConfig,
		}
		if err := http2.ConfigureServer(p.httpsServer, &http2.Server{}); err != nil {
			return fmt.Errorf("configure http2: %w", err)
		}

		rawListener, err := net.Listen("tcp", p.cfg.HTTPSAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", p.cfg.HTTPSAddr, err)
		}
		httpsListener = tls.NewListener(rawListener, tlsConfig)
		go func() {
			if err := p.httpsServer.Serve(httpsListener); err != nil && err != http.ErrServerClosed {
				p.cfg.Log.Error().Err(err).Msg("https listener error")
			}
		}()
	}

	// Both GracefulUpgrade and GracefulTerminate mean the same thing to
	// this generation: release the listeners and drain in-flight work.
	select {
	case <-ctx.Done():
	case <-signals:
	}

	return p.shutdown()
}

func (p *Proxy) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.httpServer != nil {
		if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
			p.cfg.Log.Warn().Err(err).Msg("http server shutdown error")
		}
	}
	if p.httpsServer != nil {
		if err := p.httpsServer.Shutdown(shutdownCtx); err != nil {
			p.cfg.Log.Warn().Err(err).Msg("https server shutdown error")
		}
	}
	return nil
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request, routes RouteResolver, tlsTerminated bool) {
	if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		p.serveChallenge(w, r)
		return
	}

	host := effectiveHost(r)
	upstream, ok := routes.ResolveRoute(host, r.URL.Path)
	if !ok {
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		http.Error(w, "no route for this host/path", http.StatusBadGateway)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", upstream.IP, upstream.ServicePort)}
	rp := httputil.NewSingleHostReverseProxy(target)

	proto := "http"
	if tlsTerminated {
		proto = "https"
	}
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = r.Host
		req.Header.Set("X-Forwarded-Proto", proto)
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		metrics.ProxyRequestsTotal.WithLabelValues("502").Inc()
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}

	metrics.ProxyRequestsTotal.WithLabelValues("200").Inc()
	rp.ServeHTTP(w, r)
}

func (p *Proxy) handleRedirect(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		p.serveChallenge(w, r)
		return
	}
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (p *Proxy) serveChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
	keyAuth, ok := certmanager.Lookup(p.cfg.ChallengeDir, token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}

func effectiveHost(r *http.Request) string {
	if host := r.URL.Host; host != "" {
		return stripPort(host)
	}
	return stripPort(r.Host)
}

func stripPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
