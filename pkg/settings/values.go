package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Values wraps a nested map for typed extraction by dotted path
// ("retrieval.top_k"). Accessors return the default when the path is
// missing or the value cannot be converted. String values are parsed, so
// environment overrides can be stored as-is.
type Values struct {
	data map[string]any
}

// NewValues creates Values from m. A nil map yields empty Values.
func NewValues(m map[string]any) Values {
	if m == nil {
		m = make(map[string]any)
	}
	return Values{data: m}
}

// ValuesFromFile loads a .yaml, .yml or .json file.
func ValuesFromFile(path string) (Values, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Values{}, fmt.Errorf("read settings file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return ValuesFromYAML(data)
	case ".json":
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return Values{}, fmt.Errorf("parse json: %w", err)
		}
		return NewValues(m), nil
	default:
		return Values{}, fmt.Errorf("unsupported settings file extension: %s", ext)
	}
}

// ValuesFromYAML parses YAML data.
func ValuesFromYAML(data []byte) (Values, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Values{}, fmt.Errorf("parse yaml: %w", err)
	}
	return NewValues(m), nil
}

func (v Values) lookup(path string) (any, bool) {
	var cur any = v.data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set stores val at path, creating intermediate maps.
func (v Values) Set(path string, val any) {
	parts := strings.Split(path, ".")
	m := v.data
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = val
}

// Has reports whether path is present.
func (v Values) Has(path string) bool {
	_, ok := v.lookup(path)
	return ok
}

// String returns the string at path.
func (v Values) String(path, def string) string {
	val, ok := v.lookup(path)
	if !ok {
		return def
	}
	if s, ok := val.(string); ok {
		return s
	}
	return def
}

// Duration returns the duration at path. Strings are parsed with
// time.ParseDuration; numbers are seconds.
func (v Values) Duration(path string, def time.Duration) time.Duration {
	val, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch x := val.(type) {
	case string:
		if d, err := time.ParseDuration(x); err == nil {
			return d
		}
		if n, err := strconv.ParseFloat(x, 64); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	case float64:
		return time.Duration(x * float64(time.Second))
	case int:
		return time.Duration(x) * time.Second
	case int64:
		return time.Duration(x) * time.Second
	case time.Duration:
		return x
	}
	return def
}

// Bool returns the boolean at path.
func (v Values) Bool(path string, def bool) bool {
	val, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch x := val.(type) {
	case bool:
		return x
	case string:
		if b, err := strconv.ParseBool(x); err == nil {
			return b
		}
	}
	return def
}

// Int returns the integer at path. Floats with a fractional part are
// rejected.
func (v Values) Int(path string, def int) int {
	val, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch x := val.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		if x == float64(int(x)) {
			return int(x)
		}
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return def
}

// Float returns the float at path.
func (v Values) Float(path string, def float64) float64 {
	val, ok := v.lookup(path)
	if !ok {
		return def
	}
	switch x := val.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f
		}
	}
	return def
}

// Raw returns the underlying map.
func (v Values) Raw() map[string]any {
	return v.data
}
