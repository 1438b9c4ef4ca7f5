package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Entry is one key as shown by `pveprov config show`.
type Entry struct {
	Key    Key
	Value  string
	Source string // env, file, default or unset
}

// ReadFile returns the key/value pairs stored in the config file, with
// upper-case keys. A missing file yields an empty map.
func ReadFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	v, err := fileViper(path)
	if err != nil {
		return nil, err
	}
	for k, val := range v.AllSettings() {
		s, ok := val.(string)
		if !ok {
			continue
		}
		values[strings.ToUpper(k)] = s
	}
	return values, nil
}

// Set writes key=value to the config file, keeping other values. An empty
// value removes the key.
func Set(path, key, value string) error {
	k, ok := LookupKey(key)
	if !ok {
		return errors.WithHint(
			errors.Newf("unknown config key %q", key),
			"run: pveprov config show",
		)
	}

	values, err := ReadFile(path)
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		delete(values, k.Name)
	} else {
		values[k.Name] = value
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	out := viper.New()
	out.SetConfigType("env")
	out.SetConfigPermissions(0o600)
	for name, val := range values {
		out.Set(name, val)
	}
	if err := out.WriteConfigAs(path); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// Entries reports the effective value and origin of every key. Secrets are
// masked.
func Entries(path string) ([]Entry, error) {
	fileValues, err := ReadFile(path)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(Keys))
	for _, k := range Keys {
		e := Entry{Key: k, Source: "unset"}
		switch {
		case os.Getenv(k.Name) != "":
			e.Value, e.Source = os.Getenv(k.Name), "env"
		case fileValues[k.Name] != "":
			e.Value, e.Source = fileValues[k.Name], "file"
		case k.Default != "":
			e.Value, e.Source = k.Default, "default"
		}
		if k.Secret {
			e.Value = Mask(e.Value)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Mask hides a secret, showing only the first 4 and last 4 characters.
func Mask(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func fileViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}
	return v, nil
}
