package keys

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"efgs-sync/internal/federation/models"
)

// padding tops up claimed chunks with dummy keys so that upload sizes do not
// reveal how many real submissions were pending. Dummy keys never touch
// storage.
type padding struct {
	minBatchSize int
	region       string
	clock        func() time.Time
}

func (p padding) pad(keys []models.LocalKey) ([]models.LocalKey, error) {
	if len(keys) == 0 || len(keys) >= p.minBatchSize {
		return keys, nil
	}
	for len(keys) < p.minBatchSize {
		k, err := dummyKey(p.region, p.clock())
		if err != nil {
			return nil, fmt.Errorf("generate dummy key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func dummyKey(region string, now time.Time) (models.LocalKey, error) {
	data := make([]byte, models.KeyDataLength)
	if _, err := rand.Read(data); err != nil {
		return models.LocalKey{}, err
	}
	risk, err := randInt(models.MaxTransmissionRiskLevel + 1)
	if err != nil {
		return models.LocalKey{}, err
	}
	daysBack, err := randInt(14)
	if err != nil {
		return models.LocalKey{}, err
	}
	dsos, err := randInt(models.MaxDaysSinceOnset - models.MinDaysSinceOnset + 1)
	if err != nil {
		return models.LocalKey{}, err
	}
	onset := dsos + models.MinDaysSinceOnset
	day := models.Day(now).AddDate(0, 0, -int(daysBack))
	return models.LocalKey{
		KeyData:                    data,
		TransmissionRiskLevel:      risk,
		RollingStartIntervalNumber: models.IntervalNumber(day),
		RollingPeriod:              models.MaxRollingPeriod,
		DaysSinceOnsetOfSymptoms:   &onset,
		Origin:                     region,
		ConsentToShare:             true,
	}, nil
}

func randInt(n int32) (int32, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int32(v.Int64()), nil
}
