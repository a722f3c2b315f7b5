package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"
)

// ErrUnsupportedValue is returned for parameter or property values the
// store cannot represent.
var ErrUnsupportedValue = errors.New("graph: unsupported value type")

// normalize converts v into the store's value model: nil, string, bool,
// int64, float64, time.Time, []byte, []any and map[string]any. The result
// never aliases a mutable input.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64, float64, time.Time:
		return x, nil
	case int:
		return int64(x), nil
	case []byte:
		return bytes.Clone(x), nil
	case Bag:
		return normalizeMap(x)
	case map[string]any:
		return normalizeMap(x)
	case []any:
		return normalizeSlice(reflect.ValueOf(x))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		return normalizeSlice(rv)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: %T (map keys must be strings)", ErrUnsupportedValue, v)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			nv, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = nv
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeSlice(rv reflect.Value) ([]any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		nv, err := normalize(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = nv
	}
	return out, nil
}

// properties turns a bag into node properties. Node properties cannot hold
// maps, so nested maps are flattened into "parent_child" keys and lists
// holding maps are stored as JSON text. Nil values are dropped.
func properties(b Bag) (map[string]any, error) {
	norm, err := normalizeMap(b)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(norm))
	if err := flatten("", norm, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(prefix string, m map[string]any, out map[string]any) error {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch x := v.(type) {
		case nil:
		case map[string]any:
			if err := flatten(key, x, out); err != nil {
				return err
			}
		case []any:
			if scalarList(x) {
				out[key] = x
				continue
			}
			raw, err := json.Marshal(x)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			out[key] = string(raw)
		default:
			out[key] = x
		}
	}
	return nil
}

func scalarList(l []any) bool {
	for _, v := range l {
		switch v.(type) {
		case map[string]any, []any, nil:
			return false
		}
	}
	return true
}
