// Package certs generates the private CA and the daemon/client
// certificate pair used for mutual TLS, if they are not already present
// (spec §4.7, §6 filesystem layout). Certificate/key generation is an
// out-of-scope external collaborator per spec §1; this package provides
// the minimal bootstrap so the daemon can start from an empty base
// directory.
package certs

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

// Paths are the six PEM files that make up a bootstrap, relative to
// <base>/certs (spec §6).
type Paths struct {
	CACert     string
	CAKey      string
	DaemonCert string
	DaemonKey  string
	ClientCert string
	ClientKey  string
}

// NewPaths returns the standard Paths rooted at <base>/certs.
func NewPaths(baseDir string) Paths {
	dir := filepath.Join(baseDir, "certs")
	return Paths{
		CACert:     filepath.Join(dir, "ca.cert"),
		CAKey:      filepath.Join(dir, "ca.key"),
		DaemonCert: filepath.Join(dir, "daemon.cert"),
		DaemonKey:  filepath.Join(dir, "daemon.key"),
		ClientCert: filepath.Join(dir, "client.cert"),
		ClientKey:  filepath.Join(dir, "client.key"),
	}
}

// EnsureAll generates the CA, daemon, and client cert/key pairs under
// paths if any file is missing. Existing files are left untouched.
func EnsureAll(paths Paths) error {
	if allExist(paths) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(paths.CACert), 0o700); err != nil {
		return fmt.Errorf("certs: create cert directory: %w", err)
	}

	caCert, caKey, err := generateCA()
	if err != nil {
		return fmt.Errorf("certs: generate CA: %w", err)
	}
	if err := writePair(paths.CACert, paths.CAKey, caCert.Raw, caKey); err != nil {
		return err
	}

	daemonCert, daemonKey, err := generateLeaf(caCert, caKey, "pueued-daemon", true)
	if err != nil {
		return fmt.Errorf("certs: generate daemon cert: %w", err)
	}
	if err := writePair(paths.DaemonCert, paths.DaemonKey, daemonCert, daemonKey); err != nil {
		return err
	}

	clientCert, clientKey, err := generateLeaf(caCert, caKey, "pueued-client", false)
	if err != nil {
		return fmt.Errorf("certs: generate client cert: %w", err)
	}
	if err := writePair(paths.ClientCert, paths.ClientKey, clientCert, clientKey); err != nil {
		return err
	}

	return nil
}

func allExist(p Paths) bool {
	for _, path := range []string{p.CACert, p.CAKey, p.DaemonCert, p.DaemonKey, p.ClientCert, p.ClientKey} {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

func generateCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randSerial()
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "pueued local CA", Organization: []string{"pueued"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func generateLeaf(caCert *x509.Certificate, caKey *ecdsa.PrivateKey, commonName string, isServer bool) ([]byte, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randSerial()
	if err != nil {
		return nil, nil, err
	}
	extKeyUsage := x509.ExtKeyUsageClientAuth
	if isServer {
		extKeyUsage = x509.ExtKeyUsageServerAuth
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"pueued"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{extKeyUsage},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	return der, key, nil
}

func randSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func writePair(certPath, keyPath string, certDER []byte, key *ecdsa.PrivateKey) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("certs: write %s: %w", certPath, err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("certs: marshal key for %s: %w", keyPath, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("certs: write %s: %w", keyPath, err)
	}
	return nil
}

// LoadServerTLSConfig builds a *tls.Config for the daemon: presents the
// daemon cert, requires and verifies a client cert signed by the private
// CA (spec §4.6 "mutual TLS against a private CA").
func LoadServerTLSConfig(paths Paths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.DaemonCert, paths.DaemonKey)
	if err != nil {
		return nil, fmt.Errorf("certs: load daemon keypair: %w", err)
	}
	pool, err := loadCAPool(paths.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig builds a *tls.Config for a client: trusts only the
// private CA, presents the client cert.
func LoadClientTLSConfig(paths Paths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.ClientCert, paths.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("certs: load client keypair: %w", err)
	}
	pool, err := loadCAPool(paths.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		ServerName:   "localhost",
	}, nil
}

func loadCAPool(caCertPath string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("certs: read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("certs: failed to parse CA cert at %s", caCertPath)
	}
	return pool, nil
}
