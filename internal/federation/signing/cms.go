package signing

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/smallstep/pkcs7"
)

var (
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrSignerMismatch     = errors.New("signer does not match certificate")
	ErrOriginMismatch     = errors.New("key origin does not match certificate country")
	ErrSliceOutOfRange    = errors.New("audit slice exceeds page")
)

// signDetached builds a detached CMS SignedData over content with the signer
// certificate embedded and returns it base64 encoded.
func signDetached(content []byte, cert *x509.Certificate, key crypto.PrivateKey) (string, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return "", fmt.Errorf("create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return "", fmt.Errorf("add signer: %w", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return "", fmt.Errorf("finish signed data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// parseDetached decodes a base64 envelope and attaches content to it.
func parseDetached(signature string, content []byte) (*pkcs7.PKCS7, error) {
	der, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidSignature, err)
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse envelope: %v", ErrInvalidSignature, err)
	}
	p7.Content = content
	return p7, nil
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no certificate PEM block", ErrInvalidCertificate)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

func EncodeCertificatePEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// certificateCountry returns the single Country attribute of the subject.
func certificateCountry(cert *x509.Certificate) (string, error) {
	if len(cert.Subject.Country) != 1 {
		return "", fmt.Errorf("%w: expected one subject country, got %d", ErrInvalidCertificate, len(cert.Subject.Country))
	}
	return cert.Subject.Country[0], nil
}
