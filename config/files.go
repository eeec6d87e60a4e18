package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Limits on what a layer may contain. Configuration here is a handful of
// sections a few levels deep, so anything beyond these is a mistake.
const (
	maxLayerBytes = 1 << 20
	maxLayerDepth = 16
	maxEnvValue   = 4096
)

func layerFormat(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return "json", nil
	case ".yaml", ".yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("config %s: unsupported extension %q, want .json, .yaml or .yml", path, ext)
	}
}

// readLayer returns the bytes of one config layer. Symlinks are followed,
// but the target has to be a regular file of bounded size.
func readLayer(path string) ([]byte, error) {
	if _, err := layerFormat(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("config %s: not a regular file", path)
	}
	if info.Size() > maxLayerBytes {
		return nil, fmt.Errorf("config %s: %d bytes exceeds %d", path, info.Size(), maxLayerBytes)
	}
	return os.ReadFile(filepath.Clean(path))
}

// writeLayer stores a rendered config. It may hold secrets, so only the
// owner can read it.
func writeLayer(path string, data []byte) error {
	if _, err := layerFormat(path); err != nil {
		return err
	}
	if len(data) > maxLayerBytes {
		return fmt.Errorf("config %s: %d bytes exceeds %d", path, len(data), maxLayerBytes)
	}
	return os.WriteFile(filepath.Clean(path), data, 0o600)
}

// checkDepth walks a decoded layer. It runs after decoding so JSON and YAML
// layers get the same limit.
func checkDepth(v any, depth int, at string) error {
	if depth > maxLayerDepth {
		return fmt.Errorf("config nested deeper than %d levels at %s", maxLayerDepth, at)
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if err := checkDepth(child, depth+1, at+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := checkDepth(child, depth+1, fmt.Sprintf("%s[%d]", at, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValue {
		return fmt.Errorf("%s: value of %d bytes exceeds %d", key, len(value), maxEnvValue)
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return fmt.Errorf("%s: value contains a control character", key)
	}
	return nil
}
