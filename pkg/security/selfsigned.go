// Package security generates and persists the certificate material the
// proxy serves: self-signed leaves for simulation mode and the
// fallback "default" certificate, built directly on crypto/x509 key and
// template construction. No third-party library does self-signed leaf
// generation better than the standard library, which the ACME client
// itself defers to for the same purpose.
package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// GenerateSelfSigned creates a short-lived self-signed leaf certificate
// for host (or "dispenser-default" for the SNI fallback) and returns it
// PEM-encoded, ready for tls.X509KeyPair or disk persistence.
func GenerateSelfSigned(host string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// WriteCertKeyPair persists a cert/key pair to disk as "<host>.crt" and
// "<host>.key" under dir filesystem layout.
func WriteCertKeyPair(dir, host string, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, host+".crt"), certPEM, 0o644); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, host+".key"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// LoadCertKeyPair reads a host's on-disk cert/key pair into a
// tls.Certificate, for installation into a TLS session.
func LoadCertKeyPair(dir, host string) (tls.Certificate, error) {
	certPath := filepath.Join(dir, host+".crt")
	keyPath := filepath.Join(dir, host+".key")
	return tls.LoadX509KeyPair(certPath, keyPath)
}

// DaysRemaining parses a PEM certificate and returns how many whole days
// remain until its expiry.
func DaysRemaining(certPEM []byte) (int, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return 0, fmt.Errorf("no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return 0, fmt.Errorf("parse certificate: %w", err)
	}
	remaining := time.Until(cert.NotAfter)
	return int(remaining.Hours() / 24), nil
}
