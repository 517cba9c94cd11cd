package beacon

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// CompactPrefix marks a value carried as base64url CBOR.
const CompactPrefix = "~c"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("beacon: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("beacon: CBOR decoder initialization failed: " + err.Error())
	}
}

// Serializer turns a structured value into a single URL parameter value.
type Serializer interface {
	Serialize(v any) (string, error)
}

// JSON serializes values with encoding/json.
type JSON struct{}

func (JSON) Serialize(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json serialize: %w", err)
	}
	return string(data), nil
}

// Compact serializes values as deterministic CBOR in unpadded base64url,
// falling back to JSON when CBOR encoding fails.
type Compact struct{}

func (Compact) Serialize(v any) (string, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return JSON{}.Serialize(v)
	}
	return CompactPrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCompact reverses Compact. ok is false when s is not a compact value.
func DecodeCompact(s string) (v any, ok bool, err error) {
	if !strings.HasPrefix(s, CompactPrefix) {
		return nil, false, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s[len(CompactPrefix):])
	if err != nil {
		return nil, true, fmt.Errorf("decode base64: %w", err)
	}
	if err := decMode.Unmarshal(data, &v); err != nil {
		return nil, true, fmt.Errorf("decode cbor: %w", err)
	}
	return v, true, nil
}

// FormatValue renders a variable value as an unencoded string. nil becomes
// "", scalars use their natural form, and structured values go through ser
// (Compact when ser is nil).
func FormatValue(v any, ser Serializer) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	}

	if ser == nil {
		ser = Compact{}
	}
	s, err := ser.Serialize(v)
	if err != nil {
		return ""
	}
	return s
}

// EncodeComponent percent-encodes s the way encodeURIComponent does:
// everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ) is escaped.
func EncodeComponent(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

// EncodePair returns name=value with both sides percent-encoded.
func EncodePair(name string, value any, ser Serializer) string {
	return EncodeComponent(name) + "=" + EncodeComponent(FormatValue(value, ser))
}

// Params joins every variable as name=value pairs in priority order.
func Params(v *Vars, ser Serializer) string {
	names := v.Ordered()
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		val, _ := v.Get(name)
		pairs = append(pairs, EncodePair(name, val, ser))
	}
	return strings.Join(pairs, "&")
}
