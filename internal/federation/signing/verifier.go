package signing

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"efgs-sync/internal/federation/models"
)

// Verifier checks downloaded batch slices against their audit records.
type Verifier struct {
	anchor *x509.Certificate
	clock  func() time.Time
	logger *slog.Logger
}

type VerifierOption func(*Verifier)

func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.clock = clock
	}
}

func NewVerifier(anchor *x509.Certificate, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		anchor: anchor,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifySlice checks one uploader's slice. Any failure rejects the whole slice.
func (v *Verifier) VerifySlice(keys []models.WireKey, audit models.AuditEntry) error {
	cert, err := ParseCertificatePEM([]byte(audit.SigningCertificate))
	if err != nil {
		return err
	}

	now := v.clock()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: outside validity period %s - %s", ErrInvalidCertificate,
			cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	}

	country, err := certificateCountry(cert)
	if err != nil {
		return err
	}
	for i, k := range keys {
		if k.Origin != country {
			return fmt.Errorf("%w: key %d origin %q, certificate %q", ErrOriginMismatch, i, k.Origin, country)
		}
	}

	if err := v.verifyOperatorSignature(cert, audit.SigningCertificateOperatorSignature); err != nil {
		return err
	}

	p7, err := parseDetached(audit.BatchSignature, CanonicalBytes(keys))
	if err != nil {
		return err
	}
	signer := p7.GetOnlySigner()
	if signer == nil || !signer.Equal(cert) {
		return ErrSignerMismatch
	}
	if err := p7.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// verifyOperatorSignature checks that the trust anchor itself signed cert.
// Certificates issued by the anchor cannot vouch for others.
func (v *Verifier) verifyOperatorSignature(cert *x509.Certificate, signature string) error {
	p7, err := parseDetached(signature, cert.Raw)
	if err != nil {
		return fmt.Errorf("operator signature: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil || !signer.Equal(v.anchor) {
		return fmt.Errorf("operator signature: %w: not made by the trust anchor", ErrInvalidSignature)
	}
	if err := p7.Verify(); err != nil {
		return fmt.Errorf("operator signature: %w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// PageResult is the outcome of verifying every slice of a page.
type PageResult struct {
	Verified         []models.WireKey
	InvalidSignature int
}

// VerifyPage splits keys into contiguous slices following the audit records
// and verifies each slice independently. Keys no record accounts for are
// counted as failing verification.
func (v *Verifier) VerifyPage(ctx context.Context, keys []models.WireKey, audits []models.AuditEntry) PageResult {
	var res PageResult
	offset := 0
	for _, a := range audits {
		if a.Amount <= 0 || offset+a.Amount > len(keys) {
			v.warn(ctx, "audit slice does not fit page", a, fmt.Errorf("%w: offset %d amount %d page %d", ErrSliceOutOfRange, offset, a.Amount, len(keys)))
			break
		}
		slice := keys[offset : offset+a.Amount]
		offset += a.Amount
		if err := v.VerifySlice(slice, a); err != nil {
			v.warn(ctx, "rejecting batch slice", a, err)
			continue
		}
		res.Verified = append(res.Verified, slice...)
	}
	res.InvalidSignature = len(keys) - len(res.Verified)
	return res
}

func (v *Verifier) warn(ctx context.Context, msg string, a models.AuditEntry, err error) {
	if v.logger == nil {
		return
	}
	v.logger.WarnContext(ctx, msg,
		"country", a.Country,
		"amount", a.Amount,
		"error", err,
	)
}
