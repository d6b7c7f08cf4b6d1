package plugin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Config is the plugin-specific settings map handed to OnLoad.
// Values come from JSON5, so numbers arrive as float64; the accessors
// below accept any numeric or string representation.
type Config map[string]any

// String returns the string at key, or def.
func (c Config) String(key, def string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int returns the integer at key, or def.
func (c Config) Int(key string, def int) int {
	if n, ok := toInt64(c[key]); ok {
		return int(n)
	}
	return def
}

// Bool returns the boolean at key, or def.
func (c Config) Bool(key string, def bool) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration reads key as seconds (number) or a Go duration string.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(n * float64(time.Second))
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		if n, ok := toInt64(v); ok {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

// Int64s returns the integer list at key. Elements that are not numeric are skipped.
func (c Config) Int64s(key string) []int64 {
	raw, ok := c[key].([]any)
	if !ok {
		if typed, ok := c[key].([]int64); ok {
			return typed
		}
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		if n, ok := toInt64(v); ok {
			out = append(out, n)
		}
	}
	return out
}

// Strings returns the string list at key.
func (c Config) Strings(key string) []string {
	raw, ok := c[key].([]any)
	if !ok {
		if typed, ok := c[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

// Sub returns the nested map at key (empty if absent).
func (c Config) Sub(key string) Config {
	switch v := c[key].(type) {
	case map[string]any:
		return Config(v)
	case Config:
		return v
	}
	return Config{}
}

// Decode re-encodes c into out via JSON, for plugins that prefer a typed settings struct.
func (c Config) Decode(out any) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode plugin config: %w", err)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
