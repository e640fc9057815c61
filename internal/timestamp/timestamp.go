// Package timestamp converts the "created at" shapes found in schema-less
// records into canonical epoch milliseconds.
package timestamp

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	Invalid Kind = iota
	EpochMillis
	NumericString
	ISOString
	SecondsObject
)

func (k Kind) String() string {
	switch k {
	case EpochMillis:
		return "epoch_ms"
	case NumericString:
		return "numeric_string"
	case ISOString:
		return "iso_string"
	case SecondsObject:
		return "seconds_object"
	default:
		return "invalid"
	}
}

// Raw is a tagged union over the accepted input shapes. Only the fields
// matching Kind are meaningful.
type Raw struct {
	Kind        Kind
	Millis      float64
	Text        string
	Seconds     float64
	Nanoseconds float64
}

func FromMillis(ms int64) Raw { return Raw{Kind: EpochMillis, Millis: float64(ms)} }

func FromString(s string) Raw {
	if _, ok := parseDecimal(s); ok {
		return Raw{Kind: NumericString, Text: s}
	}
	return Raw{Kind: ISOString, Text: s}
}

// parseDecimal accepts plain decimal notation only. Hex floats and digit
// separators, which strconv allows, are not numbers in stored records.
func parseDecimal(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "xXpP_") {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func FromSeconds(sec, nanos float64) Raw {
	return Raw{Kind: SecondsObject, Seconds: sec, Nanoseconds: nanos}
}

// Decode classifies a JSON value read from the store. Missing values, null,
// booleans, arrays and objects without a numeric "seconds" field are Invalid.
func Decode(b json.RawMessage) Raw {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Raw{}
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return Raw{}
		}
		return FromString(s)
	case '{':
		var obj struct {
			Seconds     *float64 `json:"seconds"`
			Nanoseconds *float64 `json:"nanoseconds"`
		}
		if err := json.Unmarshal(b, &obj); err != nil || obj.Seconds == nil {
			return Raw{}
		}
		var nanos float64
		if obj.Nanoseconds != nil {
			nanos = *obj.Nanoseconds
		}
		return FromSeconds(*obj.Seconds, nanos)
	case 'n', 't', 'f', '[':
		return Raw{}
	default:
		var f float64
		if err := json.Unmarshal(b, &f); err != nil {
			return Raw{}
		}
		return Raw{Kind: EpochMillis, Millis: f}
	}
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize returns epoch milliseconds, or false when the value must be rejected.
func Normalize(r Raw) (int64, bool) {
	switch r.Kind {
	case EpochMillis:
		return toMillis(r.Millis)
	case NumericString:
		f, ok := parseDecimal(r.Text)
		if !ok {
			return 0, false
		}
		return toMillis(f)
	case ISOString:
		s := strings.TrimSpace(r.Text)
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli(), true
			}
		}
		return 0, false
	case SecondsObject:
		return toMillis(r.Seconds*1000 + r.Nanoseconds/1e6)
	default:
		return 0, false
	}
}

// NormalizeJSON is Decode followed by Normalize.
func NormalizeJSON(b json.RawMessage) (int64, bool) {
	return Normalize(Decode(b))
}

// bound keeps results inside int64 and inside what time.UnixMilli can represent
const maxAbsMillis = 1 << 53

func toMillis(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxAbsMillis {
		return 0, false
	}
	return int64(math.Floor(f)), true
}
