package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when Load is given an empty path and the file exists.
const DefaultFile = "config.yaml"

// DotEnvFiles are loaded into the process environment by LoadDotEnv.
var DotEnvFiles = []string{".env", "env/.env"}

// ConfigurationError reports every problem found while loading or validating.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration: %d problems:\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

func (e *ConfigurationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// LoadDotEnv loads the .env files that exist. Variables already present in the
// environment are not overridden.
func LoadDotEnv() error {
	for _, name := range DotEnvFiles {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// Load builds the configuration: struct defaults, then the YAML file at path,
// then environment variables. An empty path reads DefaultFile when present.
// Missing required values and invalid settings are returned together as a
// *ConfigurationError.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	problems := &ConfigurationError{}

	applyDefaults(reflect.ValueOf(cfg).Elem(), problems)

	if err := loadFile(cfg, path); err != nil {
		problems.add("%v", err)
		return nil, problems
	}

	applyEnv(reflect.ValueOf(cfg).Elem(), problems)
	checkRequired(reflect.ValueOf(cfg).Elem(), problems)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			problems.Problems = append(problems.Problems, ce.Problems...)
		}
	}

	if len(problems.Problems) > 0 {
		return nil, problems
	}
	return cfg, nil
}

// normalize canonicalises values that are matched case-insensitively.
func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

func loadFile(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// walk calls fn for every tagged leaf field, recursing into nested structs.
func walk(v reflect.Value, fn func(field reflect.StructField, val reflect.Value)) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			walk(fieldVal, fn)
			continue
		}

		if field.Tag.Get("env") == "" {
			continue
		}
		fn(field, fieldVal)
	}
}

func applyDefaults(v reflect.Value, problems *ConfigurationError) {
	walk(v, func(field reflect.StructField, val reflect.Value) {
		def := field.Tag.Get("default")
		if def == "" {
			return
		}
		if err := setField(val, def); err != nil {
			problems.add("invalid default for %s=%q: %v", field.Tag.Get("env"), def, err)
		}
	})
}

// applyEnv overrides fields whose primary or alternate variable is set.
func applyEnv(v reflect.Value, problems *ConfigurationError) {
	walk(v, func(field reflect.StructField, val reflect.Value) {
		envName := field.Tag.Get("env")
		value := os.Getenv(envName)
		if value == "" {
			if alt := field.Tag.Get("envAlt"); alt != "" {
				value = os.Getenv(alt)
			}
		}
		if value == "" {
			return
		}
		if err := setField(val, value); err != nil {
			problems.add("invalid value for %s=%q: %v", envName, value, err)
		}
	})
}

func checkRequired(v reflect.Value, problems *ConfigurationError) {
	walk(v, func(field reflect.StructField, val reflect.Value) {
		if field.Tag.Get("required") != "true" || !val.IsZero() {
			return
		}
		name := field.Tag.Get("env")
		if key := yamlKey(field); key != "" {
			problems.add("%s is required (set %s or %q in the config file)", name, name, key)
			return
		}
		problems.add("%s is required", name)
	})
}

func yamlKey(field reflect.StructField) string {
	key, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
	return key
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}
