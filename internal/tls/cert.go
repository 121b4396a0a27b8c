package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// Identity describes the self-signed certificate issued for the API.
type Identity struct {
	Hosts    []string // DNS names and IP literals; the first is the common name
	Org      string
	ValidFor time.Duration
}

// KeyPair is a PEM encoded certificate with its private key.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

// Issue creates an ECDSA P-256 certificate for id, signed by its own key.
func Issue(id Identity) (KeyPair, error) {
	if len(id.Hosts) == 0 {
		return KeyPair{}, errors.New("certificate needs at least one host")
	}
	if id.ValidFor <= 0 {
		return KeyPair{}, errors.New("certificate validity must be positive")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 126))
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: id.Hosts[0], Organization: []string{id.Org}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(id.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		// clients trust the certificate itself, so it doubles as its CA
		IsCA: true,
	}
	for _, h := range id.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("marshal key: %w", err)
	}
	return KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// WriteFiles stores the key owner-readable only and the certificate at
// certPath plus every path in copies.
func (kp KeyPair) WriteFiles(certPath, keyPath string, copies ...string) error {
	if err := os.WriteFile(keyPath, kp.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	for _, p := range append([]string{certPath}, copies...) {
		if err := os.WriteFile(p, kp.CertPEM, 0o644); err != nil {
			return fmt.Errorf("write certificate: %w", err)
		}
	}
	return nil
}
