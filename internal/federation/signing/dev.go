package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"efgs-sync/internal/federation/models"
)

const devValidity = 365 * 24 * time.Hour

// DevSigner holds an ephemeral trust anchor and a leaf for the local region.
// It can also mint uploader identities for other countries, which makes it
// usable as the signing side of a fake gateway.
type DevSigner struct {
	certSigner
	anchorKey *ecdsa.PrivateKey
}

// Uploader is a country's batch signing identity.
type Uploader struct {
	Country string
	certSigner
}

// NewDevSigner generates a self-signed anchor and a leaf whose subject country
// is region.
func NewDevSigner(region string) (*DevSigner, error) {
	now := time.Now()
	anchorKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate anchor key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          randomSerial(),
		Subject:               pkix.Name{CommonName: "efgs-dev-trust-anchor", Country: []string{region}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(devValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, anchorKey.Public(), anchorKey)
	if err != nil {
		return nil, fmt.Errorf("create anchor certificate: %w", err)
	}
	anchor, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse anchor certificate: %w", err)
	}

	d := &DevSigner{anchorKey: anchorKey}
	d.anchor = anchor
	leaf, err := d.NewUploader(region, now.Add(-time.Hour), now.Add(devValidity))
	if err != nil {
		return nil, err
	}
	d.cert = leaf.cert
	d.key = leaf.key
	return d, nil
}

// NewUploader issues a leaf certificate for country, valid in [notBefore, notAfter].
func (d *DevSigner) NewUploader(country string, notBefore, notAfter time.Time) (*Uploader, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate uploader key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: randomSerial(),
		Subject:      pkix.Name{CommonName: "efgs-dev-uploader-" + country, Country: []string{country}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, d.anchor, key.Public(), d.anchorKey)
	if err != nil {
		return nil, fmt.Errorf("create uploader certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse uploader certificate: %w", err)
	}
	u := &Uploader{Country: country}
	u.cert = cert
	u.key = key
	u.anchor = d.anchor
	return u, nil
}

// OperatorSign signs the DER bytes of cert with the trust anchor, as the
// gateway operator does when onboarding an uploader.
func (d *DevSigner) OperatorSign(cert *x509.Certificate) (string, error) {
	sig, err := signDetached(cert.Raw, d.anchor, d.anchorKey)
	if err != nil {
		return "", fmt.Errorf("operator sign: %w", err)
	}
	return sig, nil
}

// AuditEntry signs keys as u and returns the matching audit record.
func (d *DevSigner) AuditEntry(u *Uploader, keys []models.WireKey) (models.AuditEntry, error) {
	sig, err := u.Sign(keys)
	if err != nil {
		return models.AuditEntry{}, err
	}
	operatorSig, err := d.OperatorSign(u.cert)
	if err != nil {
		return models.AuditEntry{}, err
	}
	return models.AuditEntry{
		Country:                             u.Country,
		Amount:                              len(keys),
		BatchSignature:                      sig,
		SigningCertificate:                  EncodeCertificatePEM(u.cert),
		SigningCertificateOperatorSignature: operatorSig,
	}, nil
}

func randomSerial() *big.Int {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}
