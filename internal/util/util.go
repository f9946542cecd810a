package util

import (
	"fmt"
	"path/filepath"
)

// Canonical returns the absolute, symlink-resolved form of path. It is the
// identity key for a watched file.
func Canonical(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", err
	}
	return filepath.Clean(resolved), nil
}

func MustString(data any) string {
	if data == nil {
		return ""
	}
	var stringData string
	var ok bool
	if stringData, ok = data.(string); !ok {
		panic(fmt.Sprintf("cant convert %T to string", data))
	}
	return stringData
}

// OptionalBool reads a boolean option. A missing key yields def.
func OptionalBool(config map[string]any, key string, def bool) (bool, error) {
	raw, exists := config[key]
	if !exists || raw == nil {
		return def, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("cant convert %s parameter to bool", key)
	}
	return value, nil
}
