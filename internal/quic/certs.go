package quic

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
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/saveenergy/quicperf/internal/config"
	"github.com/saveenergy/quicperf/internal/logging"
)

// GetTLSConfig returns the perf server's TLS config: the configured cert/key
// pair if set, otherwise a self-signed certificate cached under CertDir.
func GetTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS cert/key: %w", err)
		}
		logging.Info("Loaded TLS certificate",
			logging.Field{Key: "cert", Value: cfg.TLSCertFile},
			logging.Field{Key: "key", Value: cfg.TLSKeyFile})
		return serverTLSConfig(cert, cfg.ALPN), nil
	}

	if cfg.TLSAutoGen {
		return loadOrGenerateCert(cfg)
	}

	return nil, fmt.Errorf("no TLS certificate configured and auto-generation disabled")
}

// SelfSignedTLSConfig returns a config with a fresh in-memory certificate
// for hosts. Nothing is written to disk.
func SelfSignedTLSConfig(alpn string, hosts ...string) (*tls.Config, error) {
	certPEM, keyPEM, err := newSelfSignedCert(hosts)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated cert: %w", err)
	}
	return serverTLSConfig(cert, alpn), nil
}

func serverTLSConfig(cert tls.Certificate, alpn string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
}

func certDir(cfg *config.Config) string {
	if cfg.CertDir != "" {
		return cfg.CertDir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = os.TempDir()
	}
	return filepath.Join(homeDir, ".quicperf", "certs")
}

func loadOrGenerateCert(cfg *config.Config) (*tls.Config, error) {
	dir := certDir(cfg)
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")

	if cert, err := tls.LoadX509KeyPair(certFile, keyFile); err == nil {
		logging.Info("Using existing self-signed certificate",
			logging.Field{Key: "path", Value: dir})
		return serverTLSConfig(cert, cfg.ALPN), nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}

	hosts := []string{"localhost"}
	if host, _, err := net.SplitHostPort(cfg.ServerListenAddress); err == nil && host != "" {
		hosts = append(hosts, host)
	}
	certPEM, keyPEM, err := newSelfSignedCert(hosts)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("failed to write cert file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	logging.Info("Generated self-signed certificate",
		logging.Field{Key: "path", Value: dir},
		logging.Field{Key: "valid_for", Value: "1 year"})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated cert: %w", err)
	}
	return serverTLSConfig(cert, cfg.ALPN), nil
}

func newSelfSignedCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"quicperf"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	return certPEM, keyPEM, nil
}
