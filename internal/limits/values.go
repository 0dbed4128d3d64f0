package limits

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	language "github.com/hanpama/gqlguard/internal/language"
	"github.com/spf13/cast"
)

var errNullValue = errors.New("value is null")

// pageSize picks the first argument in declaration order whose name is a
// pagination argument and returns its integer value. ok is false when there
// is no such argument or its value is neither a variable nor an int literal.
func (w *walker) pageSize(args language.ArgumentList) (n int, ok bool, err error) {
	for _, arg := range args {
		if !w.pagination.has(arg.Name) {
			continue
		}
		if arg.Value == nil {
			return 0, false, nil
		}
		switch arg.Value.Kind {
		case language.Variable:
			name := arg.Value.Raw
			raw, found := w.variables[name]
			if !found {
				return 0, false, &Error{Kind: MissingVariableValue, Name: name}
			}
			v, err := toInt(raw)
			if err != nil {
				return 0, false, &Error{Kind: InvalidVariableValue, Name: name, Err: err}
			}
			return clamp(v), true, nil
		case language.IntValue:
			v, err := strconv.ParseInt(arg.Value.Raw, 10, 64)
			if err != nil && !errors.Is(err, strconv.ErrRange) {
				return 0, false, nil
			}
			// On ErrRange ParseInt already saturated v.
			return clamp(v), true, nil
		default:
			return 0, false, nil
		}
	}
	return 0, false, nil
}

// toInt converts a bound variable value the way JSON decoding produces them:
// float64 and json.Number for numbers, strings, booleans. Strings are
// decimal.
func toInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case nil:
		return 0, errNullValue
	case float64:
		return floatToInt(v)
	case float32:
		return floatToInt(float64(v))
	case json.Number:
		return parseDecimal(string(v))
	case string:
		return parseDecimal(v)
	}
	return cast.ToInt64E(raw)
}

// parseDecimal reads s as a base 10 integer, so "010" is 10. Values out of
// range saturate; non-integral numbers are truncated.
func parseDecimal(s string) (int64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseInt(s, 10, 64)
	if err == nil || errors.Is(err, strconv.ErrRange) {
		return v, nil
	}
	f, ferr := strconv.ParseFloat(s, 64)
	if ferr != nil {
		return 0, err
	}
	return floatToInt(f)
}

func floatToInt(f float64) (int64, error) {
	switch {
	case math.IsNaN(f):
		return 0, errors.New("value is NaN")
	case f >= math.MaxInt64:
		return math.MaxInt64, nil
	case f <= math.MinInt64:
		return math.MinInt64, nil
	}
	return int64(f), nil
}

// clamp maps a page size onto the range of node counts. Negative sizes fetch
// nothing.
func clamp(v int64) int {
	if v < 0 {
		return 0
	}
	if v > math.MaxInt {
		return math.MaxInt
	}
	return int(v)
}
