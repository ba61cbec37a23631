// Package transform maps diagnosis keys between the local representation and
// the federation wire representation.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"efgs-sync/internal/federation/models"
)

// Rejection records an inbound key dropped during conversion.
type Rejection struct {
	Index  int
	Reason string
}

type Transformer struct {
	logger *slog.Logger
}

type Option func(*Transformer)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

func New(opts ...Option) *Transformer {
	t := &Transformer{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Shareable returns the keys whose owners consented to federation sharing.
func Shareable(keys []models.LocalKey) []models.LocalKey {
	out := make([]models.LocalKey, 0, len(keys))
	for _, k := range keys {
		if k.ConsentToShare {
			out = append(out, k)
		}
	}
	return out
}

// ToWire converts shareable keys, in order, to the wire form.
func (t *Transformer) ToWire(keys []models.LocalKey) []models.WireKey {
	shareable := Shareable(keys)
	out := make([]models.WireKey, 0, len(shareable))
	for _, k := range shareable {
		dsos := DsosSymptomExistenceUnknown
		if k.DaysSinceOnsetOfSymptoms != nil {
			dsos = *k.DaysSinceOnsetOfSymptoms
		}
		out = append(out, models.WireKey{
			KeyData:                    slices.Clone(k.KeyData),
			RollingStartIntervalNumber: k.RollingStartIntervalNumber,
			RollingPeriod:              k.RollingPeriod,
			TransmissionRiskLevel:      models.WireTransmissionRiskLevel,
			VisitedCountries:           slices.Clone(k.VisitedCountries),
			Origin:                     k.Origin,
			ReportType:                 models.ReportTypeConfirmedTest,
			DaysSinceOnsetOfSymptoms:   dsos,
		})
	}
	return out
}

// ToLocal converts verified wire keys. Keys failing structural validation or
// starting after currentInterval are dropped and reported; the rest are kept.
func (t *Transformer) ToLocal(ctx context.Context, wire []models.WireKey, currentInterval int32) ([]models.LocalKey, []Rejection) {
	out := make([]models.LocalKey, 0, len(wire))
	var rejected []Rejection
	for i, w := range wire {
		k, err := toLocal(w, currentInterval)
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, Reason: err.Error()})
			if t.logger != nil {
				t.logger.WarnContext(ctx, "dropping inbound key",
					"index", i,
					"origin", w.Origin,
					"error", err,
				)
			}
			continue
		}
		out = append(out, k)
	}
	return out, rejected
}

func toLocal(w models.WireKey, currentInterval int32) (models.LocalKey, error) {
	if w.RollingStartIntervalNumber > currentInterval {
		return models.LocalKey{}, fmt.Errorf("%w: rolling start %d is in the future", models.ErrInvalidKey, w.RollingStartIntervalNumber)
	}
	_, dsos := MapDsos(w.DaysSinceOnsetOfSymptoms)
	risk := DefaultRiskBucket
	if dsos != nil {
		risk = RiskBucket(*dsos)
	}
	return models.NewLocalKey(models.LocalKey{
		KeyData:                    w.KeyData,
		TransmissionRiskLevel:      risk,
		RollingStartIntervalNumber: w.RollingStartIntervalNumber,
		RollingPeriod:              w.RollingPeriod,
		VisitedCountries:           w.VisitedCountries,
		DaysSinceOnsetOfSymptoms:   dsos,
		Origin:                     w.Origin,
		ConsentToShare:             true,
	})
}
