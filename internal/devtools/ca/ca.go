// Package ca provides a minimal, test-only certificate authority used to
// mint short-lived device certificates for fixtures and integration
// tests. Real device provisioning is an offline, external process; this
// package exists only so the test suite can produce valid certificate
// chains without depending on an external binary.
package ca

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/blemesh/meshcore"
)

// Authority is an in-memory test CA: a self-signed P-521 certificate and
// the private key that issues leaf certificates.
type Authority struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	der  []byte
}

// NewAuthority generates a fresh self-signed CA certificate.
func NewAuthority() (a *Authority, err error) {
	key, err := meshcore.GenerateP521Key()
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "meshcore test CA", Organization: []string{"meshcore"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("ca: self-signing CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{cert: cert, key: key, der: der}, nil
}

// CACertDER returns the CA certificate in DER form.
func (a *Authority) CACertDER() []byte { return a.der }

// IssueLeaf mints a leaf certificate for nid under role, with a fresh
// P-521 key pair, valid for the given duration starting now.
func (a *Authority) IssueLeaf(nid meshcore.Nid, role meshcore.Role, validFor time.Duration) (certDER []byte, key *ecdsa.PrivateKey, err error) {
	key, err = meshcore.GenerateP521Key()
	if err != nil {
		return nil, nil, err
	}

	ou := "Node"
	if role == meshcore.RoleSink {
		ou = "Sink"
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:         nid.String(),
			OrganizationalUnit: []string{ou},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validFor),
		KeyUsage:               x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: issuing leaf certificate for %s: %w", nid, err)
	}
	return der, key, nil
}
