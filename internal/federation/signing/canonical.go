package signing

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"slices"
	"strings"

	"efgs-sync/internal/federation/models"
)

const fieldSeparator = "."

// CanonicalBytes renders keys into the signable payload. The output does not
// depend on the order of keys.
func CanonicalBytes(keys []models.WireKey) []byte {
	type entry struct {
		rendered string
		raw      []byte
	}
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		raw := keyBytes(k)
		entries = append(entries, entry{rendered: base64.StdEncoding.EncodeToString(raw), raw: raw})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return strings.Compare(a.rendered, b.rendered)
	})

	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(e.raw)
	}
	return buf.Bytes()
}

func keyBytes(k models.WireKey) []byte {
	var buf bytes.Buffer
	writeField(&buf, k.KeyData)
	writeInt(&buf, k.RollingStartIntervalNumber)
	writeInt(&buf, k.RollingPeriod)
	writeInt(&buf, k.TransmissionRiskLevel)
	writeField(&buf, []byte(strings.Join(k.VisitedCountries, ",")))
	writeField(&buf, []byte(k.Origin))
	writeInt(&buf, k.ReportType)
	writeInt(&buf, k.DaysSinceOnsetOfSymptoms)
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, b []byte) {
	buf.WriteString(base64.StdEncoding.EncodeToString(b))
	buf.WriteString(fieldSeparator)
}

func writeInt(buf *bytes.Buffer, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	writeField(buf, b[:])
}
