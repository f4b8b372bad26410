// Package decode turns loosely typed column values, as they come out of
// binlog row images and SQL scans, into the handful of Go types the relay
// works with. Text decoding never fails: malformed bytes degrade to a lossy
// rendition instead of aborting stream processing.
package decode

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	ErrNil         = errors.New("value is nil")
	ErrUnsupported = errors.New("unsupported value type")
	ErrOutOfRange  = errors.New("value out of range")
)

// Text decodes v into a string. Byte slices are tried as UTF-8 first,
// then as Latin-1, then lossily with U+FFFD replacement. ok is false only
// when v is nil.
func Text(v any) (s string, ok bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case []byte:
		return Bytes(t), true
	case string:
		return Bytes([]byte(t)), true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// OptionalText is Text for nullable columns.
func OptionalText(v any) *string {
	s, ok := Text(v)
	if !ok {
		return nil
	}
	return &s
}

// Bytes decodes b with the UTF-8, Latin-1, lossy fallback chain.
func Bytes(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(b); err == nil {
		return string(out)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// Int64 coerces integer-like values, including numeric text.
func Int64(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, ErrNil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return uintToInt64(uint64(t))
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return uintToInt64(t)
	case float32:
		return floatToInt64(float64(t))
	case float64:
		return floatToInt64(t)
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// maxSeconds keeps a timestamp representable as unix microseconds.
const maxSeconds = math.MaxInt64 / 1e6

// Seconds coerces a unix timestamp column (DOUBLE, DECIMAL rendered as
// text, or an integer) into float seconds. NaN, infinities and values
// beyond the microsecond range report ErrOutOfRange.
func Seconds(v any) (float64, error) {
	f, err := rawSeconds(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.Abs(f) > maxSeconds {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, f)
	}
	return f, nil
}

func rawSeconds(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, ErrNil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case fmt.Stringer:
		return strconv.ParseFloat(t.String(), 64)
	default:
		i, err := Int64(v)
		if err != nil {
			return 0, err
		}
		return float64(i), nil
	}
}

func uintToInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, ErrOutOfRange
	}
	return int64(u), nil
}

func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, ErrOutOfRange
	}
	return int64(f), nil
}
