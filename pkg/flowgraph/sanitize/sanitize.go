// Package sanitize prepares values for persistence.
//
// Both the result cache and the checkpoint store pass every snapshot
// through Marshal before writing it. The substitution policy is fixed:
//   - live handles (channels, functions, contexts, trace spans, closers,
//     locks) become null
//   - numeric library values (math/big, pgvector, json.Number) become
//     plain numbers or number slices
//   - queue containers (container/list, container/ring) become ordered slices
//
// Everything else is converted to maps, slices and scalars using the same
// field naming rules as encoding/json, so the output decodes back into the
// original type.
package sanitize

import (
	"container/list"
	"container/ring"
	"context"
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"strings"
	"sync"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/trace"
)

// maxDepth bounds recursion so self-referencing values terminate.
const maxDepth = 64

// Marshal sanitizes v and encodes the result as JSON.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(Value(v))
	if err != nil {
		return nil, fmt.Errorf("sanitize: %w", err)
	}
	return data, nil
}

// Value returns a portable copy of v built from map[string]any, []any and
// scalars. Values that cannot be persisted are replaced with nil.
func Value(v any) any {
	return walk(reflect.ValueOf(v), 0)
}

func walk(rv reflect.Value, depth int) any {
	if !rv.IsValid() || depth > maxDepth {
		return nil
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return walk(rv.Elem(), depth)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil
		}
	}

	if rv.CanInterface() {
		if out, ok := convert(rv.Interface(), depth); ok {
			return out
		}
	}

	switch rv.Kind() {
	case reflect.Pointer:
		return walk(rv.Elem(), depth+1)
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case reflect.Complex64, reflect.Complex128:
		c := rv.Complex()
		return []any{real(c), imag(c)}
	case reflect.String:
		return rv.String()
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes()
		}
		return walkSeq(rv, depth)
	case reflect.Array:
		return walkSeq(rv, depth)
	case reflect.Map:
		return walkMap(rv, depth)
	case reflect.Struct:
		return walkStruct(rv, depth)
	}
	return nil
}

// convert handles types that need a substitution rather than a structural walk.
func convert(v any, depth int) (any, bool) {
	// Live handles first: several of them also satisfy json.Marshaler.
	switch v.(type) {
	case context.Context, trace.Span, io.Closer, sync.Locker:
		return nil, true
	}

	switch val := v.(type) {
	case json.RawMessage:
		return val, true
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
		if f, err := val.Float64(); err == nil {
			return f, true
		}
		return nil, true
	case *big.Int:
		if val.IsInt64() {
			return val.Int64(), true
		}
		return val.String(), true
	case *big.Float:
		f, _ := val.Float64()
		return finite(f), true
	case *big.Rat:
		f, _ := val.Float64()
		return finite(f), true
	case pgvector.Vector:
		return floats(val.Slice()), true
	case *pgvector.Vector:
		return floats(val.Slice()), true
	case *list.List:
		return flattenList(val, depth), true
	case list.List:
		return flattenList(&val, depth), true
	case *ring.Ring:
		out := make([]any, 0, val.Len())
		val.Do(func(x any) {
			out = append(out, walk(reflect.ValueOf(x), depth+1))
		})
		return out, true
	case json.Marshaler, encoding.TextMarshaler:
		return v, true
	}
	return nil, false
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}

func floats(in []float32) []any {
	out := make([]any, len(in))
	for i, f := range in {
		out[i] = finite(float64(f))
	}
	return out
}

func flattenList(l *list.List, depth int) []any {
	out := make([]any, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, walk(reflect.ValueOf(e.Value), depth+1))
	}
	return out
}

func walkSeq(rv reflect.Value, depth int) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = walk(rv.Index(i), depth+1)
	}
	return out
}

func walkMap(rv reflect.Value, depth int) map[string]any {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[mapKey(iter.Key())] = walk(iter.Value(), depth+1)
	}
	return out
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
			if b, err := tm.MarshalText(); err == nil {
				return string(b)
			}
		}
	}
	return fmt.Sprint(k)
}

func walkStruct(rv reflect.Value, depth int) map[string]any {
	t := rv.Type()
	out := make(map[string]any, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, omitEmpty, skip := jsonName(f)
		if skip {
			continue
		}
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			ev := fv
			if ev.Kind() == reflect.Pointer {
				if ev.IsNil() {
					continue
				}
				ev = ev.Elem()
			}
			if ev.Kind() == reflect.Struct {
				// Promoted fields never shadow fields declared on the outer struct.
				for k, v := range walkStruct(ev, depth+1) {
					if _, exists := out[k]; !exists {
						out[k] = v
					}
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if omitEmpty && isEmpty(fv) {
			continue
		}
		out[name] = walk(fv, depth+1)
	}
	return out
}

func jsonName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	for _, opt := range strings.Split(opts, ",") {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	}
	return false
}
