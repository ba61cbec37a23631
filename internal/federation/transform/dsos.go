package transform

// DsosBand classifies a wire days-since-onset value.
type DsosBand int

const (
	DsosBandExact DsosBand = iota
	DsosBandSymptomaticImprecise
	DsosBandSymptomaticNoDate
	DsosBandAsymptomatic
	DsosBandExistenceUnknown
	DsosBandUnrecognized
)

// DsosSymptomExistenceUnknown is the wire value for a key without onset information.
const DsosSymptomExistenceUnknown int32 = 4000

// DefaultRiskBucket is assigned when the onset date cannot be recovered.
const DefaultRiskBucket int32 = 4

var riskThresholds = [...]int32{14, 10, 8, 6, 4, 2, -3}

func (b DsosBand) String() string {
	switch b {
	case DsosBandExact:
		return "exact"
	case DsosBandSymptomaticImprecise:
		return "symptomatic_imprecise"
	case DsosBandSymptomaticNoDate:
		return "symptomatic_no_date"
	case DsosBandAsymptomatic:
		return "asymptomatic"
	case DsosBandExistenceUnknown:
		return "existence_unknown"
	default:
		return "unrecognized"
	}
}

// MapDsos decodes a wire value. Only the exact band yields a day offset.
func MapDsos(v int32) (DsosBand, *int32) {
	switch {
	case v >= -14 && v <= 14:
		d := v
		return DsosBandExact, &d
	case v >= 100 && v <= 1900:
		return DsosBandSymptomaticImprecise, nil
	case v >= 1986 && v <= 2014:
		return DsosBandSymptomaticNoDate, nil
	case v >= 2986 && v <= 3014:
		return DsosBandAsymptomatic, nil
	case v >= 3986 && v <= 4014:
		return DsosBandExistenceUnknown, nil
	default:
		return DsosBandUnrecognized, nil
	}
}

// RiskBucket returns the index of the first threshold exceeded by daysBetween,
// or 7 when none is.
func RiskBucket(daysBetween int32) int32 {
	for i, t := range riskThresholds {
		if daysBetween > t {
			return int32(i)
		}
	}
	return int32(len(riskThresholds))
}
