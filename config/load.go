package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// maxConfigSize bounds config file reads. Config files are small; anything
// larger is almost certainly not a config file.
const maxConfigSize = 1 << 20

// Loader handles configuration loading with defaults and overrides
type Loader struct {
	envPrefix string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "VEHICLESTREAM",
	}
}

// LoadFile loads configuration from a JSON file, deep-merged over defaults.
// An empty or nonexistent path returns defaults unchanged; a file that
// exists but cannot be parsed is an error.
func (l *Loader) LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := l.loadRawJSON(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Warn("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		default:
			cfg, err = l.mergeFromMap(cfg, raw)
			if err != nil {
				return nil, fmt.Errorf("failed to merge %s: %w", path, err)
			}
		}
	}

	l.applyEnvOverrides(cfg)

	return cfg, nil
}

// loadRawJSON loads configuration from a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return nil, err
	}

	return rawConfig, nil
}

// mergeFromMap merges configuration from a raw map over base, only
// overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedMap := deepMergeMaps(baseMap, override)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}

	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any)

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		// If both base and override have maps at this key, merge them
		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_DEVICE_ID"); val != "" {
		cfg.General.DeviceID = val
	}
	if val := os.Getenv(l.envPrefix + "_CAN_INTERFACE"); val != "" {
		cfg.CAN.Interface = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_BROKER"); val != "" {
		cfg.MQTT.Broker = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_USERNAME"); val != "" {
		cfg.MQTT.Username = val
	}
	if val := os.Getenv(l.envPrefix + "_MQTT_PASSWORD"); val != "" {
		cfg.MQTT.Password = val
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_TRACCAR_URL"); val != "" {
		cfg.Traccar.ServerURL = val
	}
}

// safeReadFile reads a file with a size limit after cleaning the path
func safeReadFile(path string) ([]byte, error) {
	cleaned := filepath.Clean(path)

	info, err := os.Stat(cleaned)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file %s too large: %d bytes", cleaned, info.Size())
	}

	return os.ReadFile(cleaned)
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Clean(path), data, 0o600)
}
