package timestamp

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

const instant = int64(1700000000123) // 2023-11-14T22:13:20.123Z

func TestNormalizeSameInstantAcrossShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  Raw
		json string
	}{
		{"epoch ms", FromMillis(instant), `1700000000123`},
		{"numeric string", FromString("1700000000123"), `"1700000000123"`},
		{"iso string", FromString("2023-11-14T22:13:20.123Z"), `"2023-11-14T22:13:20.123Z"`},
		{"seconds object", FromSeconds(1700000000, 123000000), `{"seconds":1700000000,"nanoseconds":123000000}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Normalize(tc.raw)
			if !ok || got != instant {
				t.Fatalf("Normalize(%+v) = %d,%v want %d", tc.raw, got, ok, instant)
			}
			got, ok = NormalizeJSON(json.RawMessage(tc.json))
			if !ok || got != instant {
				t.Fatalf("NormalizeJSON(%s) = %d,%v want %d", tc.json, got, ok, instant)
			}
		})
	}
}

func TestDecodeKinds(t *testing.T) {
	cases := map[string]Kind{
		`1700000000123`:      EpochMillis,
		`"1700000000123"`:    NumericString,
		`"2023-11-14"`:       ISOString,
		`{"seconds": 1}`:     SecondsObject,
		`{}`:                 Invalid,
		`{"seconds":"soon"}`: Invalid,
		`null`:               Invalid,
		`true`:               Invalid,
		`[1]`:                Invalid,
		``:                   Invalid,
	}
	for in, want := range cases {
		if got := Decode(json.RawMessage(in)).Kind; got != want {
			t.Errorf("Decode(%q).Kind = %s, want %s", in, got, want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  Raw
	}{
		{"zero value", Raw{}},
		{"non-numeric non-iso string", FromString("abc")},
		{"empty string", FromString("")},
		{"nan millis", Raw{Kind: EpochMillis, Millis: math.NaN()}},
		{"inf millis", Raw{Kind: EpochMillis, Millis: math.Inf(1)}},
		{"nan string", FromString("NaN")},
		{"hex float string", FromString("0x1p40")},
		{"hex integer string", FromString("0x18BD")},
		{"digit separators", FromString("1_700_000_000_000")},
		{"hex float as numeric kind", Raw{Kind: NumericString, Text: "0x1p40"}},
		{"huge seconds", FromSeconds(1e300, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got, ok := Normalize(tc.raw); ok {
				t.Fatalf("expected rejection, got %d", got)
			}
		})
	}
	for _, in := range []string{`null`, `{}`, `"abc"`, ``} {
		if _, ok := NormalizeJSON(json.RawMessage(in)); ok {
			t.Errorf("NormalizeJSON(%q) should reject", in)
		}
	}
}

func TestNormalizeSecondsWithoutFraction(t *testing.T) {
	got, ok := NormalizeJSON(json.RawMessage(`{"seconds":1700000000}`))
	if !ok || got != 1700000000000 {
		t.Fatalf("got %d,%v", got, ok)
	}
}

func TestNormalizeISOWithoutZone(t *testing.T) {
	got, ok := Normalize(FromString("2023-11-14T22:13:20"))
	if !ok || got != 1700000000000 {
		t.Fatalf("got %d,%v", got, ok)
	}
}

func TestRelative(t *testing.T) {
	now := time.UnixMilli(instant)
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{-time.Minute, "just now"},
		{30 * time.Second, "just now"},
		{time.Minute, "1 min ago"},
		{42 * time.Minute, "42 min ago"},
		{65 * time.Minute, "1 h ago"},
		{3 * time.Hour, "3 h ago"},
	}
	for _, tc := range cases {
		if got := Relative(now.Add(-tc.ago).UnixMilli(), now); got != tc.want {
			t.Errorf("Relative(-%s) = %q, want %q", tc.ago, got, tc.want)
		}
	}
}
