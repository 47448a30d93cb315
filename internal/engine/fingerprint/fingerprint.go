// Package fingerprint computes the stable hashes used for worker affinity
// and in-flight coalescing keys (spec.md §3, §9): a fast non-cryptographic
// fingerprint of callable source text, and an order-sensitive, type-tagged
// structural key over arbitrary argument/environment values.
package fingerprint

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes callable source text. Collisions are acceptable: the
// result feeds worker affinity (a best-effort hint) and the coalescer key,
// neither of which requires cryptographic strength.
func Fingerprint(source string) uint64 {
	return xxhash.Sum64String(source)
}

// FingerprintHex is Fingerprint rendered as a fixed-width hex string, handy
// for log lines and map keys that want to stay human-legible.
func FingerprintHex(source string) string {
	return fmt.Sprintf("%016x", Fingerprint(source))
}

// StructuralKey linearizes an arbitrary value into a stable, type-tagged
// string. Two values produce the same key iff they are structurally equal in
// the sense the coalescer and affinity set require: same shape, same types,
// and, for slices, same element order. Map entries are encoded in sorted key
// order, so two maps with the same entries always share a key. It isn't a
// JSON encoding: every scalar carries a type tag, so 1, 1.0 and "1" stay
// distinct.
func StructuralKey(v interface{}) string {
	buf := make([]byte, 0, 64)
	buf = appendKey(buf, v)
	return string(buf)
}

func appendKey(buf []byte, v interface{}) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, "n:"...)
	case bool:
		if t {
			return append(buf, "b:1"...)
		}
		return append(buf, "b:0"...)
	case string:
		buf = append(buf, "s:"...)
		buf = strconv.AppendInt(buf, int64(len(t)), 10)
		buf = append(buf, ':')
		return append(buf, t...)
	case int:
		return appendInt(buf, int64(t))
	case int32:
		return appendInt(buf, int64(t))
	case int64:
		return appendInt(buf, t)
	case float32:
		return appendFloat(buf, float64(t))
	case float64:
		return appendFloat(buf, t)
	case []interface{}:
		buf = append(buf, "a:"...)
		buf = strconv.AppendInt(buf, int64(len(t)), 10)
		buf = append(buf, '[')
		for _, e := range t {
			buf = appendKey(buf, e)
			buf = append(buf, ',')
		}
		return append(buf, ']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, "m:"...)
		buf = strconv.AppendInt(buf, int64(len(keys)), 10)
		buf = append(buf, '{')
		for _, k := range keys {
			buf = append(buf, "s:"...)
			buf = strconv.AppendInt(buf, int64(len(k)), 10)
			buf = append(buf, ':')
			buf = append(buf, k...)
			buf = append(buf, '=')
			buf = appendKey(buf, t[k])
			buf = append(buf, ',')
		}
		return append(buf, '}')
	default:
		// Fallback: type name plus fmt representation. Rare in practice —
		// callables are expected to pass JSON-shaped args/env.
		buf = append(buf, "o:"...)
		buf = append(buf, fmt.Sprintf("%T", t)...)
		buf = append(buf, ':')
		return append(buf, fmt.Sprintf("%+v", t)...)
	}
}

func appendInt(buf []byte, n int64) []byte {
	buf = append(buf, "i:"...)
	return strconv.AppendInt(buf, n, 10)
}

func appendFloat(buf []byte, f float64) []byte {
	buf = append(buf, "f:"...)
	return strconv.AppendFloat(buf, f, 'g', -1, 64)
}

// InFlightKey joins the callable fingerprint with the structural keys of
// args and env, exactly as spec.md §3/§4.5 define InFlightKey: a
// field-separator join of fingerprint(callable), structural-key(args) and
// structural-key(env).
func InFlightKey(source string, args []interface{}, env map[string]interface{}) string {
	var envVal interface{}
	if env != nil {
		envVal = map[string]interface{}(env)
	}
	return fmt.Sprintf("%s\x1f%s\x1f%s", FingerprintHex(source), StructuralKey(args), StructuralKey(envVal))
}
