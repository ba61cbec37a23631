// Package signing produces and verifies the detached CMS signatures that
// establish the provenance of uploaded and downloaded key batches.
package signing

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"

	"efgs-sync/internal/federation/models"
)

// Signer signs outbound batches. One implementation is chosen at startup.
type Signer interface {
	Sign(keys []models.WireKey) (string, error)
	TrustAnchor() *x509.Certificate
}

type certSigner struct {
	cert   *x509.Certificate
	key    crypto.PrivateKey
	anchor *x509.Certificate
}

func (s *certSigner) Sign(keys []models.WireKey) (string, error) {
	sig, err := signDetached(CanonicalBytes(keys), s.cert, s.key)
	if err != nil {
		return "", fmt.Errorf("sign batch: %w", err)
	}
	return sig, nil
}

func (s *certSigner) TrustAnchor() *x509.Certificate {
	return s.anchor
}

// Certificate returns the certificate batches are signed with.
func (s *certSigner) Certificate() *x509.Certificate {
	return s.cert
}

// NewFileSigner loads the signing identity from a PKCS#12 keystore and the
// federation trust anchor from a PEM file.
func NewFileSigner(keystorePath, password, trustAnchorPath string) (Signer, error) {
	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode keystore: %w", err)
	}
	if _, err := certificateCountry(cert); err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	anchorPEM, err := os.ReadFile(trustAnchorPath)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor: %w", err)
	}
	anchor, err := ParseCertificatePEM(anchorPEM)
	if err != nil {
		return nil, fmt.Errorf("parse trust anchor: %w", err)
	}
	return &certSigner{cert: cert, key: key, anchor: anchor}, nil
}
