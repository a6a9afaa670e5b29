package transformer

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haohanyang/compass/internal/doc"
	"github.com/haohanyang/compass/internal/probe"
)

// caster converts one non-blank cell into a typed value.
type caster func(s string) (any, error)

var errNotNumber = errors.New("not a number")

// casterFor returns the conversion for a target type. Unknown types pass the
// string through.
func casterFor(t probe.Type) caster {
	switch t {
	case probe.TypeNumber:
		return castNumber
	case probe.TypeInt:
		return castInt
	case probe.TypeLong:
		return castLong
	case probe.TypeDouble:
		return castDouble
	case probe.TypeBoolean:
		return castBool
	case probe.TypeDate:
		return castDate
	case probe.TypeObjectID:
		return castObjectID
	case probe.TypeUUID:
		return castUUID
	case probe.TypeNull:
		return func(string) (any, error) { return nil, nil }
	case probe.TypeMixed:
		return castMixed
	default:
		return castString
	}
}

func castString(s string) (any, error) { return s, nil }

// castMixed casts each value by what it looks like on its own.
func castMixed(s string) (any, error) {
	switch t := probe.Classify(s); t {
	case probe.TypeInt, probe.TypeLong:
		// Keep mixed numeric columns in one Go type.
		return castLong(s)
	case probe.TypeString:
		return s, nil
	default:
		return casterFor(t)(s)
	}
}

func castNumber(s string) (any, error) {
	st := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(st, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(st, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errNotNumber
	}
	return f, nil
}

func castInt(s string) (any, error) {
	i, ok := toIntFast(strings.TrimSpace(s))
	if !ok {
		return nil, errNotNumber
	}
	if i < math.MinInt32 || i > math.MaxInt32 {
		return nil, fmt.Errorf("%d overflows int32", i)
	}
	return int32(i), nil
}

func castLong(s string) (any, error) {
	i, ok := toIntFast(strings.TrimSpace(s))
	if !ok {
		return nil, errNotNumber
	}
	return i, nil
}

func castDouble(s string) (any, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, errNotNumber
	}
	return f, nil
}

func castBool(s string) (any, error) {
	if v, ok := toBoolFast(strings.TrimSpace(s)); ok {
		return v, nil
	}
	return nil, errors.New("not a boolean")
}

// castDate accepts the probe layouts and integer epoch milliseconds.
func castDate(s string) (any, error) {
	st := strings.TrimSpace(s)
	if ts, ok := probe.ParseDate(st); ok {
		return ts, nil
	}
	if ms, err := strconv.ParseInt(st, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return nil, errors.New("not a date")
}

func castObjectID(s string) (any, error) {
	id, err := doc.ParseObjectID(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return id, nil
}

func castUUID(s string) (any, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return u, nil
}

// toIntFast parses integers quickly and only falls back to float parsing when
// the field contains a '.' (supporting inputs like "42.0").
func toIntFast(s string) (int64, bool) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if f == float64(int64(f)) {
				return int64(f), true
			}
		}
	}
	return 0, false
}

// toBoolFast resolves common textual booleans.
func toBoolFast(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}
