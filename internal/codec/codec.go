// internal/codec/codec.go
package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
)

// Kind is the type discriminant carried in front of every transported value.
// The numeric values are part of the wire format shared with the engine.
type Kind int

const (
	KindDouble Kind = 0
	KindBool   Kind = 1
	KindString Kind = 2
	KindNull   Kind = 3
	KindArray  Kind = 4
	KindError  Kind = 5
)

// InvalidReturnValue is the Error payload an engine sends when a script
// produced a value it cannot marshal (functions, plain objects, symbols...).
const InvalidReturnValue = "51"

// ErrInvalidReturnValue is returned by Decode for the InvalidReturnValue sentinel.
var ErrInvalidReturnValue = errors.New("script returned a value that cannot be transported")

// EvalError is a script-side failure reported by the engine.
type EvalError struct {
	Message string
}

func (e *EvalError) Error() string {
	return "failed to evaluate script: " + e.Message
}

func (k Kind) String() string {
	switch k {
	case KindDouble:
		return "double"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindNull:
		return "null"
	case KindArray:
		return "array"
	case KindError:
		return "error"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a single encoded value as it crosses the host/native boundary.
type Value struct {
	Kind    Kind
	Payload string
}

// String renders the transport form "<tag>,<payload>".
func (v Value) String() string {
	return strconv.Itoa(int(v.Kind)) + "," + v.Payload
}

// Parse splits a transport string produced by Value.String.
func Parse(s string) (Value, error) {
	tag, payload, ok := strings.Cut(s, ",")
	if !ok {
		return Value{}, fmt.Errorf("malformed transport value %q: missing tag separator", s)
	}
	k, err := parseKind(tag)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: k, Payload: payload}, nil
}

func parseKind(tag string) (Kind, error) {
	n, err := strconv.Atoi(strings.TrimSpace(tag))
	if err != nil {
		return 0, fmt.Errorf("malformed type tag %q: %w", tag, err)
	}
	k := Kind(n)
	if k < KindDouble || k > KindError {
		return 0, fmt.Errorf("unknown type tag %d", n)
	}
	return k, nil
}

// Element and tag separators. A delimiter only counts when it is followed by
// an even number of single quotes, i.e. it sits outside every quoted element.
var (
	elementSplitter = regexp2.MustCompile(`;(?=(?:[^']*'[^']*')*[^']*$)`, regexp2.None)
	tagSplitter     = regexp2.MustCompile(`,(?=(?:[^']*'[^']*')*[^']*$)`, regexp2.None)

	quoteEscaper = strings.NewReplacer(`'`, `\x27`)
)

// Null is the encoded form of a nil value.
var Null = Value{Kind: KindNull, Payload: "null"}

// Encode converts a host value into its transported form. Unsupported types
// are reported as Error values rather than failing, so the result can always
// be handed back to the engine.
func Encode(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null
	case Value:
		return t
	case bool:
		if t {
			return Value{Kind: KindBool, Payload: "1"}
		}
		return Value{Kind: KindBool, Payload: "0"}
	case string:
		return Value{Kind: KindString, Payload: t}
	case error:
		return Value{Kind: KindError, Payload: t.Error()}
	case float64:
		return encodeDouble(t)
	case float32:
		return encodeDouble(float64(t))
	case int:
		return encodeDouble(float64(t))
	case int64:
		return encodeDouble(float64(t))
	case int32:
		return encodeDouble(float64(t))
	case []any:
		return encodeArray(len(t), func(i int) any { return t[i] })
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return encodeDouble(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return encodeDouble(float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return encodeDouble(rv.Float())
	case reflect.Bool:
		return Encode(rv.Bool())
	case reflect.String:
		return Encode(rv.String())
	case reflect.Slice, reflect.Array:
		return encodeArray(rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null
		}
		return Encode(rv.Elem().Interface())
	}
	return Value{Kind: KindError, Payload: fmt.Sprintf("Unsupported return type %T", v)}
}

func encodeDouble(f float64) Value {
	return Value{Kind: KindDouble, Payload: strconv.FormatFloat(f, 'g', -1, 64)}
}

func encodeArray(n int, at func(int) any) Value {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(';')
		}
		elem := Encode(at(i))
		b.WriteByte('\'')
		b.WriteString(strconv.Itoa(int(elem.Kind)))
		b.WriteByte(',')
		b.WriteString(elementPayload(elem))
		b.WriteByte('\'')
	}
	b.WriteByte('"')
	return Value{Kind: KindArray, Payload: b.String()}
}

// elementPayload quotes the payloads that may contain delimiters.
func elementPayload(v Value) string {
	switch v.Kind {
	case KindString, KindArray, KindError:
		return quoteEscaper.Replace(strconv.Quote(v.Payload))
	default:
		return v.Payload
	}
}

// Decode maps a transported value back to a host value. Error values are
// always returned as errors: ErrInvalidReturnValue for the engine's sentinel,
// *EvalError for everything else.
func Decode(v Value) (any, error) {
	switch v.Kind {
	case KindError:
		if v.Payload == InvalidReturnValue {
			return nil, ErrInvalidReturnValue
		}
		return nil, &EvalError{Message: v.Payload}
	case KindNull:
		return nil, nil
	case KindBool:
		return v.Payload == "1", nil
	case KindDouble:
		return decodeDouble(v.Payload)
	case KindArray:
		return decodeArray(v.Payload)
	case KindString:
		return v.Payload, nil
	}
	return nil, fmt.Errorf("unknown value kind %d", int(v.Kind))
}

// DecodeString is a convenience for the transport form.
func DecodeString(s string) (any, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

func decodeDouble(payload string) (float64, error) {
	f, err := strconv.ParseFloat(payload, 64)
	if err == nil {
		return f, nil
	}
	// Some engines format with a grouping separator.
	f, err2 := strconv.ParseFloat(strings.ReplaceAll(payload, ",", ""), 64)
	if err2 != nil {
		return math.NaN(), fmt.Errorf("malformed double %q: %w", payload, err)
	}
	return f, nil
}

func decodeArray(payload string) ([]any, error) {
	if len(payload) < 2 || payload[0] != '"' || payload[len(payload)-1] != '"' {
		return nil, fmt.Errorf("malformed array payload %q", payload)
	}
	body := payload[1 : len(payload)-1]
	if body == "" {
		return []any{}, nil
	}

	elements, err := split(elementSplitter, body, -1)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(elements))
	for i, raw := range elements {
		if len(raw) < 2 || raw[0] != '\'' || raw[len(raw)-1] != '\'' {
			return nil, fmt.Errorf("malformed array element %d: %q", i, raw)
		}
		parts, err := split(tagSplitter, raw[1:len(raw)-1], 2)
		if err != nil {
			return nil, err
		}
		if len(parts) != 2 {
			return nil, fmt.Errorf("array element %d has no type tag: %q", i, raw)
		}
		kind, err := parseKind(parts[0])
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		payload := parts[1]
		if kind == KindString || kind == KindArray || kind == KindError {
			if payload, err = strconv.Unquote(payload); err != nil {
				return nil, fmt.Errorf("array element %d: bad quoting: %w", i, err)
			}
		}
		if out[i], err = Decode(Value{Kind: kind, Payload: payload}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// split behaves like strings.SplitN for a lookahead pattern.
func split(re *regexp2.Regexp, s string, n int) ([]string, error) {
	var parts []string
	last := 0
	m, err := re.FindStringMatch(s)
	for ; m != nil; m, err = re.FindNextMatch(m) {
		if n > 0 && len(parts) == n-1 {
			break
		}
		// regexp2 reports rune offsets.
		start := runeOffset(s, m.Index)
		parts = append(parts, s[last:start])
		last = start + len(m.String())
	}
	if err != nil {
		return nil, err
	}
	return append(parts, s[last:]), nil
}

func runeOffset(s string, runes int) int {
	if runes == 0 {
		return 0
	}
	i := 0
	for off := range s {
		if i == runes {
			return off
		}
		i++
	}
	return len(s)
}
