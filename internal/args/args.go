// Package args turns user-typed hub method arguments into call values.
package args

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type selects how an argument's text is interpreted.
type Type string

// Argument types.
const (
	Text   Type = "text"
	Number Type = "number"
	JSON   Type = "json"
)

// Types lists every argument type in display order.
func Types() []Type {
	return []Type{Text, Number, JSON}
}

// Errors returned by Build and ParseType.
var (
	ErrInvalidNumber = errors.New("number arguments must be valid numeric values")
	ErrInvalidJSON   = errors.New("json arguments must be valid json objects or arrays")
)

// ParseType accepts an argument type name in any case.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Text, Number, JSON:
		return t, nil
	default:
		return "", errors.Errorf("unknown argument type %q", s)
	}
}

// Arg is one argument as typed by the user.
type Arg struct {
	ID    string `json:"id"`
	Type  Type   `json:"type"`
	Value string `json:"value"`
}

// Build converts the arguments into the values sent to the hub. The first
// argument that fails to convert aborts the build.
func Build(list []Arg) ([]interface{}, error) {
	values := make([]interface{}, 0, len(list))
	for _, a := range list {
		v, err := a.value()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	return values, nil
}

func (a Arg) value() (interface{}, error) {
	value := strings.TrimSpace(a.Value)

	switch a.Type {
	case Number:
		return parseNumber(value)
	case JSON:
		return parseJSON(value)
	default:
		return value, nil
	}
}

// parseNumber treats blank input as zero. Integers may carry a 0x, 0o or 0b
// prefix; digit separators are not accepted.
func parseNumber(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	if strings.ContainsRune(value, '_') {
		return 0, ErrInvalidNumber
	}

	if base := radix(value); base != 0 {
		digits := value[2:]
		if digits == "" || digits[0] == '+' || digits[0] == '-' {
			return 0, ErrInvalidNumber
		}
		n, ok := new(big.Int).SetString(digits, base)
		if !ok {
			return 0, ErrInvalidNumber
		}
		f, _ := new(big.Float).SetInt(n).Float64()
		if math.IsInf(f, 0) {
			return 0, ErrInvalidNumber
		}
		return f, nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, ErrInvalidNumber
	}

	return f, nil
}

func radix(value string) int {
	if len(value) < 2 || value[0] != '0' {
		return 0
	}

	switch value[1] {
	case 'x', 'X':
		return 16
	case 'o', 'O':
		return 8
	case 'b', 'B':
		return 2
	}

	return 0
}

// parseJSON treats blank input as null. Numbers stay json.Number so they are
// sent back exactly as typed.
func parseJSON(value string) (interface{}, error) {
	if value == "" {
		return nil, nil
	}

	dec := json.NewDecoder(strings.NewReader(value))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, ErrInvalidJSON
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrInvalidJSON
	}

	return v, nil
}

// ParseSpec reads a command line argument of the form "type:value". Without
// a known type prefix the whole string is text.
func ParseSpec(spec string) Arg {
	a := Arg{ID: uuid.NewString(), Type: Text, Value: spec}

	if prefix, rest, found := strings.Cut(spec, ":"); found {
		if t, err := ParseType(prefix); err == nil {
			a.Type = t
			a.Value = rest
		}
	}

	return a
}

// Compact renders the built values as a single JSON line, for display.
func Compact(values []interface{}) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(values); err != nil {
		return "[]"
	}

	return strings.TrimSpace(buf.String())
}
