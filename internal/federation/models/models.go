// Package models holds the types shared by the federation sync engines, stores
// and the gateway adapter.
package models

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

const (
	KeyDataLength = 16

	MinRollingPeriod = 1
	MaxRollingPeriod = 144

	MinTransmissionRiskLevel = 0
	MaxTransmissionRiskLevel = 8

	MinDaysSinceOnset = -14
	MaxDaysSinceOnset = 14

	// MaxRetryCount caps failed attempts of an inbound operation and upload
	// attempts of an outbound key.
	MaxRetryCount = 3

	// StallThreshold is the age after which a STARTED operation is presumed crashed.
	StallThreshold = 10 * time.Minute

	// WireTransmissionRiskLevel is sent instead of the local risk level; receivers
	// derive risk from days since onset.
	WireTransmissionRiskLevel int32 = math.MaxInt32

	ReportTypeConfirmedTest int32 = 1

	// IntervalDuration is the length of one rolling interval.
	IntervalDuration = 10 * time.Minute

	DateLayout = "2006-01-02"
)

var (
	ErrInvalidKey = errors.New("invalid key")
)

type State string

const (
	StateStarted  State = "STARTED"
	StateFinished State = "FINISHED"
	StateError    State = "ERROR"
)

// LocalKey is a diagnosis key in the local representation.
type LocalKey struct {
	KeyData                    []byte
	TransmissionRiskLevel      int32
	RollingStartIntervalNumber int32
	RollingPeriod              int32
	VisitedCountries           []string
	DaysSinceOnsetOfSymptoms   *int32
	Origin                     string
	ConsentToShare             bool
}

// NewLocalKey copies the inputs, sorts the visited countries and validates the
// result.
func NewLocalKey(k LocalKey) (LocalKey, error) {
	out := k
	out.KeyData = slices.Clone(k.KeyData)
	out.VisitedCountries = SortedCountries(k.VisitedCountries)
	if k.DaysSinceOnsetOfSymptoms != nil {
		d := *k.DaysSinceOnsetOfSymptoms
		out.DaysSinceOnsetOfSymptoms = &d
	}
	if err := out.Validate(); err != nil {
		return LocalKey{}, err
	}
	return out, nil
}

// Validate checks the structural rules every stored key satisfies.
func (k LocalKey) Validate() error {
	if len(k.KeyData) != KeyDataLength {
		return fmt.Errorf("%w: key data length %d", ErrInvalidKey, len(k.KeyData))
	}
	if k.RollingPeriod < MinRollingPeriod || k.RollingPeriod > MaxRollingPeriod {
		return fmt.Errorf("%w: rolling period %d", ErrInvalidKey, k.RollingPeriod)
	}
	if k.RollingStartIntervalNumber < 0 {
		return fmt.Errorf("%w: rolling start %d", ErrInvalidKey, k.RollingStartIntervalNumber)
	}
	if k.TransmissionRiskLevel < MinTransmissionRiskLevel || k.TransmissionRiskLevel > MaxTransmissionRiskLevel {
		return fmt.Errorf("%w: transmission risk level %d", ErrInvalidKey, k.TransmissionRiskLevel)
	}
	if d := k.DaysSinceOnsetOfSymptoms; d != nil && (*d < MinDaysSinceOnset || *d > MaxDaysSinceOnset) {
		return fmt.Errorf("%w: days since onset %d", ErrInvalidKey, *d)
	}
	if !IsCountryCode(k.Origin) {
		return fmt.Errorf("%w: origin %q", ErrInvalidKey, k.Origin)
	}
	for _, c := range k.VisitedCountries {
		if !IsCountryCode(c) {
			return fmt.Errorf("%w: visited country %q", ErrInvalidKey, c)
		}
	}
	return nil
}

// WireKey is a diagnosis key as exchanged with the gateway.
type WireKey struct {
	KeyData                    []byte
	RollingStartIntervalNumber int32
	RollingPeriod              int32
	TransmissionRiskLevel      int32
	VisitedCountries           []string
	Origin                     string
	ReportType                 int32
	DaysSinceOnsetOfSymptoms   int32
}

type OutboundOperation struct {
	ID        int64
	State     State
	BatchTag  string
	Keys      []LocalKey
	KeysCount int
	Keys201   int
	Keys409   int
	Keys500   int
	UpdatedAt time.Time
}

type InboundOperation struct {
	ID                   int64
	State                State
	BatchTag             *string
	BatchDate            time.Time
	NextBatchTag         *string
	KeysCount            int
	KeysSuccess          int
	KeysValidationFailed int
	KeysInvalidSignature int
	RetryCount           int
	UpdatedAt            time.Time
}

// AuditEntry describes one uploader's contiguous slice of a downloaded page.
type AuditEntry struct {
	Country                             string `json:"country"`
	Amount                              int    `json:"amount"`
	BatchSignature                      string `json:"batchSignature"`
	SigningCertificate                  string `json:"signingCertificate"`
	SigningCertificateOperatorSignature string `json:"signingCertificateOperatorSignature"`
	UploaderThumbprint                  string `json:"uploaderThumbprint,omitempty"`
	UploadedTime                        string `json:"uploadedTime,omitempty"`
}

type DownloadPage struct {
	Keys         []WireKey
	BatchTag     string
	NextBatchTag *string
}

// UploadResult is the gateway's answer to an upload. Buckets is only set for
// partial (207) responses and maps status codes to indices into the batch.
type UploadResult struct {
	Partial bool
	Buckets map[int][]int
}

// SortedCountries returns a sorted copy without duplicates.
func SortedCountries(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// IsCountryCode reports whether s looks like an ISO 3166-1 alpha-2 code.
func IsCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// IntervalNumber returns the rolling interval containing t.
func IntervalNumber(t time.Time) int32 {
	return int32(t.Unix() / int64(IntervalDuration/time.Second))
}

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
