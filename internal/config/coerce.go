package config

import (
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// unparsable records a scalar tunable whose configured value could not be
// read as the type of its default.
type unparsable struct {
	key   string
	value any
	def   any
}

// coerceScalars replaces every scalar value that does not parse as its
// default's type with that default. Normalize reports the replaced keys.
func coerceScalars(v, defaults *viper.Viper) []unparsable {
	var out []unparsable
	for _, key := range defaults.AllKeys() {
		def := defaults.Get(key)
		if !v.IsSet(key) {
			continue
		}
		raw := v.Get(key)
		if parses(raw, def) {
			continue
		}
		v.Set(key, def)
		out = append(out, unparsable{key: key, value: raw, def: def})
	}
	return out
}

func parses(raw, def any) bool {
	var err error
	switch def.(type) {
	case time.Duration:
		if s, ok := raw.(string); ok {
			_, err = time.ParseDuration(s)
		} else {
			_, err = cast.ToDurationE(raw)
		}
	case int:
		_, err = cast.ToIntE(raw)
	case int64:
		_, err = cast.ToInt64E(raw)
	case float64:
		_, err = cast.ToFloat64E(raw)
	case bool:
		_, err = cast.ToBoolE(raw)
	}
	return err == nil
}
