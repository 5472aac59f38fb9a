package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Normalize converts v into the tree data model.
//
// Numbers of any Go type become float64, slices and arrays become objects
// keyed by index, nil children are dropped and empty objects collapse to
// nil (the node does not exist). Channels, functions, structs and
// non-finite floats are rejected with ErrInvalidValue.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrInvalidValue)
		}
		return t, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return f, nil
	case map[string]any:
		return normalizeMap(len(t), func(yield func(string, any) error) error {
			for k, child := range t {
				if err := yield(k, child); err != nil {
					return err
				}
			}
			return nil
		})
	case []any:
		return normalizeMap(len(t), func(yield func(string, any) error) error {
			for i, child := range t {
				if err := yield(strconv.Itoa(i), child); err != nil {
					return err
				}
			}
			return nil
		})
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32:
		return Normalize(rv.Float())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Map:
		switch rv.Type().Key().Kind() {
		case reflect.String, reflect.Interface,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return nil, fmt.Errorf("%w: map key type %s", ErrInvalidValue, rv.Type().Key())
		}
		// Decoded documents (YAML in particular) may carry integer keys.
		return normalizeMap(rv.Len(), func(yield func(string, any) error) error {
			iter := rv.MapRange()
			for iter.Next() {
				if err := yield(fmt.Sprint(iter.Key().Interface()), iter.Value().Interface()); err != nil {
					return err
				}
			}
			return nil
		})
	case reflect.Slice, reflect.Array:
		return normalizeMap(rv.Len(), func(yield func(string, any) error) error {
			for i := 0; i < rv.Len(); i++ {
				if err := yield(strconv.Itoa(i), rv.Index(i).Interface()); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
}

func normalizeMap(size int, each func(yield func(string, any) error) error) (any, error) {
	out := make(map[string]any, size)
	err := each(func(key string, child any) error {
		if err := ValidateKey(key); err != nil {
			return fmt.Errorf("%w: key %q", ErrInvalidValue, key)
		}
		n, err := Normalize(child)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if n != nil {
			out[key] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Equal reports whether two values are equal once normalized.
// Values that cannot be normalized are never equal.
func Equal(a, b any) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

// Clone deep-copies a normalized value.
func Clone(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, child := range m {
		out[k] = Clone(child)
	}
	return out
}
