package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes one configurable key for display purposes.
type KeyInfo struct {
	Key   string
	Env   string
	Value string
}

// ShowAll returns the effective value of every non-secret key in cfg.
// Secret keys are listed with a placeholder so their env names stay
// discoverable without printing the values.
func ShowAll(cfg Config) []KeyInfo {
	out := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		info := KeyInfo{Key: s.key, Env: s.env}
		if s.secret {
			if s.extract(cfg).(string) != "" {
				info.Value = "(set)"
			} else {
				info.Value = "(unset)"
			}
		} else {
			info.Value = fmt.Sprintf("%v", s.extract(cfg))
		}
		out = append(out, info)
	}
	return out
}

// ValidKeys returns the names of all keys that SetKey accepts.
func ValidKeys() []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		out = append(out, s.key)
	}
	return out
}

// SetKey persists a single key in the config file. Secrets are refused;
// they are provided via environment variables only.
func SetKey(key, value string) error {
	return setKeyWith(newDefaultBackend(), key, value)
}

func setKeyWith(b Backend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		switch s.typ {
		case kString:
			return b.SetString(key, value)
		case kInt:
			i, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("key %s requires an integer value: %w", key, err)
			}
			return b.SetInt(key, i)
		case kBool:
			bv, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("key %s requires a boolean value: %w", key, err)
			}
			return b.SetString(key, strconv.FormatBool(bv))
		case kFloat:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("key %s requires a numeric value: %w", key, err)
			}
			return b.SetString(key, strconv.FormatFloat(f, 'g', -1, 64))
		}
	}
	return fmt.Errorf("unknown config key %q", key)
}

// UnsetKey removes a key from the config file, reverting it to the default.
func UnsetKey(key string) error {
	return unsetKeyWith(newDefaultBackend(), key)
}

func unsetKeyWith(b Backend, key string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("secret %q is not stored in config; unset environment variable %s instead", key, s.env)
		}
		return b.Delete(key)
	}
	return fmt.Errorf("unknown config key %q", key)
}
