// Package wire encodes diagnosis key batches in the gateway's protobuf format:
//
//	message DiagnosisKeyBatch { repeated DiagnosisKey keys = 1; }
//	message DiagnosisKey {
//	  bytes  keyData = 1;
//	  uint32 rollingStartIntervalNumber = 2;
//	  uint32 rollingPeriod = 3;
//	  int32  transmissionRiskLevel = 4;
//	  repeated string visitedCountries = 5;
//	  string origin = 6;
//	  ReportType reportType = 7;
//	  sint32 days_since_onset_of_symptoms = 8;
//	}
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"efgs-sync/internal/federation/models"
)

// ContentType is the media type the gateway expects for batches.
const ContentType = "application/protobuf; version=1.0"

const (
	batchKeys protowire.Number = 1

	keyData          protowire.Number = 1
	keyRollingStart  protowire.Number = 2
	keyRollingPeriod protowire.Number = 3
	keyRiskLevel     protowire.Number = 4
	keyVisited       protowire.Number = 5
	keyOrigin        protowire.Number = 6
	keyReportType    protowire.Number = 7
	keyDsos          protowire.Number = 8
)

var ErrMalformed = errors.New("malformed batch")

func MarshalBatch(keys []models.WireKey) []byte {
	var b []byte
	for _, k := range keys {
		b = protowire.AppendTag(b, batchKeys, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalKey(k))
	}
	return b
}

func marshalKey(k models.WireKey) []byte {
	var b []byte
	if len(k.KeyData) > 0 {
		b = protowire.AppendTag(b, keyData, protowire.BytesType)
		b = protowire.AppendBytes(b, k.KeyData)
	}
	b = appendVarint(b, keyRollingStart, uint64(uint32(k.RollingStartIntervalNumber)))
	b = appendVarint(b, keyRollingPeriod, uint64(uint32(k.RollingPeriod)))
	b = appendVarint(b, keyRiskLevel, uint64(int64(k.TransmissionRiskLevel)))
	for _, c := range k.VisitedCountries {
		b = protowire.AppendTag(b, keyVisited, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	if k.Origin != "" {
		b = protowire.AppendTag(b, keyOrigin, protowire.BytesType)
		b = protowire.AppendString(b, k.Origin)
	}
	b = appendVarint(b, keyReportType, uint64(int64(k.ReportType)))
	b = appendVarint(b, keyDsos, protowire.EncodeZigZag(int64(k.DaysSinceOnsetOfSymptoms)))
	return b
}

// appendVarint skips proto3 default values.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// UnmarshalBatch decodes a batch, skipping unknown fields.
func UnmarshalBatch(b []byte) ([]models.WireKey, error) {
	var keys []models.WireKey
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if num == batchKeys && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			k, err := unmarshalKey(v)
			if err != nil {
				return nil, fmt.Errorf("key %d: %w", len(keys), err)
			}
			keys = append(keys, k)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return keys, nil
}

func unmarshalKey(b []byte) (models.WireKey, error) {
	var k models.WireKey
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return k, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == keyData || num == keyVisited || num == keyOrigin):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return k, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case keyData:
				k.KeyData = append([]byte(nil), v...)
			case keyVisited:
				k.VisitedCountries = append(k.VisitedCountries, string(v))
			case keyOrigin:
				k.Origin = string(v)
			}
			b = b[n:]
		case typ == protowire.VarintType && num >= keyRollingStart && num <= keyDsos && num != keyVisited && num != keyOrigin:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return k, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			switch num {
			case keyRollingStart:
				k.RollingStartIntervalNumber = int32(uint32(v))
			case keyRollingPeriod:
				k.RollingPeriod = int32(uint32(v))
			case keyRiskLevel:
				k.TransmissionRiskLevel = int32(v)
			case keyReportType:
				k.ReportType = int32(v)
			case keyDsos:
				k.DaysSinceOnsetOfSymptoms = int32(protowire.DecodeZigZag(v & 0xffffffff))
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return k, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return k, nil
}
