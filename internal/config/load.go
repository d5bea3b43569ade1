package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// OPENSTREAM_GROUPS_MAX_DELIVERIES=20.
const EnvPrefix = "OPENSTREAM"

// Load reads configuration from a yaml, json or toml file (by extension),
// overlays OPENSTREAM_* environment variables and validates the result.
// An empty path loads defaults plus environment.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply overrides first.
func Read(path string) (Config, error) {
	v := newViper(Default())
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// FromEnv overlays OPENSTREAM_* environment variables onto cfg. It does not
// validate.
func FromEnv(cfg *Config) error {
	v := newViper(*cfg)
	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return fmt.Errorf("unmarshal env: %w", err)
	}
	*cfg = out
	return nil
}

func newViper(base Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, "", reflect.ValueOf(base))
	return v
}

var timeType = reflect.TypeOf(time.Time{})

// setDefaults registers every leaf of base under its mapstructure path so
// AutomaticEnv can resolve keys that no file mentions.
func setDefaults(v *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := rv.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != timeType {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}
