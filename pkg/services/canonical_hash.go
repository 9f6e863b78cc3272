package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Domain prefixes keep record hashes and match key hashes from ever
// colliding, and leave room for algorithm migration.
const (
	recordHashDomain = "meridian/record/v1"
	matchKeyDomain   = "meridian/matchkey/v1"
)

// Separators used in the canonical serialization. Field/value boundaries use
// distinct control bytes so "ab"+"c" and "a"+"bc" can never hash alike.
const (
	sepField = 0x1e
	sepValue = 0x1f
)

// ComputeRecordHash digests the tracked attributes of a merged record.
// Fields are visited in sorted order and values rendered canonically, so
// merge order and map iteration order never affect the result. Attributes
// outside the tracked set are excluded; absent tracked attributes are
// skipped rather than rendered, so adding an always-null column does not
// churn history.
func ComputeRecordHash(entityType string, trackedAttributes []string, attributes map[string]any) string {
	fields := make([]string, len(trackedAttributes))
	copy(fields, trackedAttributes)
	sort.Strings(fields)

	h := sha256.New()
	h.Write([]byte(recordHashDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(entityType))
	for _, f := range fields {
		v, ok := attributes[f]
		if !ok || v == nil {
			continue
		}
		h.Write([]byte{sepField})
		h.Write([]byte(f))
		h.Write([]byte{sepValue})
		h.Write([]byte(canonicalValue(v)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeMatchKeyHash digests the natural key columns a match rule requires.
// Columns are visited in sorted order; the method name participates so two
// rules over different column sets never share an index space.
func ComputeMatchKeyHash(entityType, method string, keyColumns []string, naturalKeys map[string]string) string {
	cols := make([]string, len(keyColumns))
	copy(cols, keyColumns)
	sort.Strings(cols)

	h := sha256.New()
	h.Write([]byte(matchKeyDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(entityType))
	h.Write([]byte{sepField})
	h.Write([]byte(method))
	for _, c := range cols {
		h.Write([]byte{sepField})
		h.Write([]byte(c))
		h.Write([]byte{sepValue})
		h.Write([]byte(naturalKeys[c]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalValue renders an attribute value to a stable string. JSON decoding
// turns all numbers into float64, so integral floats are rendered without a
// fraction to keep hashes identical across int/float representations of the
// same logical value.
func canonicalValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return canonicalFloat(float64(t))
	case float64:
		return canonicalFloat(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func canonicalFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
