package meshcore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// CertStore loads a device's own certificate and private key, the CA
// certificate that issued it, and validates peer certificates presented
// during the AUTH handshake. All three PEM files are provisioned offline
// by the CA tooling; CertStore only ever reads them.
type CertStore struct {
	deviceCert *x509.Certificate
	deviceKey  *ecdsa.PrivateKey
	caCert     *x509.Certificate
	nid        Nid
	role       Role
}

// LoadCertStore reads and parses the device certificate, its private key,
// and the CA certificate from the given PEM file paths, verifying the
// device certificate's own NID and role can be extracted. It does not
// validate the device certificate against the CA: a device always trusts
// its own provisioned identity; only peer certificates go through
// ValidatePeerCertificate.
func LoadCertStore(certPath, keyPath, caCertPath string) (cs *CertStore, err error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("meshcore: reading device certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("meshcore: reading device private key: %w", err)
	}
	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("meshcore: reading ca certificate: %w", err)
	}

	deviceCert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("meshcore: parsing device certificate: %w", err)
	}
	caCert, err := parseCertPEM(caPEM)
	if err != nil {
		return nil, fmt.Errorf("meshcore: parsing ca certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("meshcore: no PEM block found in device private key file")
	}
	deviceKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("meshcore: parsing device private key: %w", err)
	}

	nid, err := extractNid(deviceCert)
	if err != nil {
		return nil, err
	}

	role := RoleNode
	if isSinkCertificate(deviceCert) {
		role = RoleSink
	}

	return &CertStore{
		deviceCert: deviceCert,
		deviceKey:  deviceKey,
		caCert:     caCert,
		nid:        nid,
		role:       role,
	}, nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// Nid returns this device's identifier, as extracted from its own
// certificate's Common Name.
func (cs *CertStore) Nid() Nid { return cs.nid }

// Role returns this device's role, as extracted from its own
// certificate's Organizational Unit.
func (cs *CertStore) Role() Role { return cs.role }

// PrivateKey returns this device's ECDSA private key, used to sign AUTH
// RESPONSE messages and (Sink only) heartbeats.
func (cs *CertStore) PrivateKey() *ecdsa.PrivateKey { return cs.deviceKey }

// CertificateDER returns this device's certificate in DER form, to embed
// in an AUTH CERT_OFFER message.
func (cs *CertStore) CertificateDER() []byte { return cs.deviceCert.Raw }

// ValidatePeerCertificate checks a peer-presented certificate, in DER
// form, against the CA: signature, temporal validity, and
// BasicConstraints. On success it returns the peer's Nid, role, and
// public key. Any failure returns a non-nil error and the certificate
// must be treated as untrusted.
func (cs *CertStore) ValidatePeerCertificate(der []byte) (peerNid Nid, peerRole Role, pub *ecdsa.PublicKey, err error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return peerNid, peerRole, nil, fmt.Errorf("meshcore: parsing peer certificate: %w", err)
	}

	if err := cert.CheckSignatureFrom(cs.caCert); err != nil {
		return peerNid, peerRole, nil, fmt.Errorf("%w: %v", ErrCertBadSignature, err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return peerNid, peerRole, nil, ErrCertNotYetValid
	}
	if now.After(cert.NotAfter) {
		return peerNid, peerRole, nil, ErrCertExpired
	}

	// A peer certificate missing BasicConstraints, or marked as a CA
	// itself, is rejected outright rather than merely logged.
	if !cert.BasicConstraintsValid || cert.IsCA {
		return peerNid, peerRole, nil, ErrCertNotCA
	}

	peerNid, err = extractNid(cert)
	if err != nil {
		return peerNid, peerRole, nil, err
	}

	peerRole = RoleNode
	if isSinkCertificate(cert) {
		peerRole = RoleSink
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return peerNid, peerRole, nil, fmt.Errorf("meshcore: peer certificate public key is not ECDSA")
	}

	return peerNid, peerRole, pub, nil
}

func extractNid(cert *x509.Certificate) (nid Nid, err error) {
	if cert.Subject.CommonName == "" {
		return nid, fmt.Errorf("meshcore: certificate has no Common Name")
	}
	return ParseNid(cert.Subject.CommonName)
}

func isSinkCertificate(cert *x509.Certificate) bool {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if ou == "Sink" {
			return true
		}
	}
	return false
}
