// Package config loads the host agent's startup document: the small set
// of values it needs before it can construct anything else (listen port,
// shared secret, runtime socket, volume root). Full config-file semantics
// and a CLI wrapper are out of scope; this package only owns that narrow
// struct and its defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kswings/hostagent/common/environment"
)

const (
	defaultPort        = 5001
	defaultVersion     = "1.41"
	defaultStorageRoot = "/var/lib/hostagent"
)

// Document is the startup config document described in spec §6: at least
// {port, key, version}, plus this agent's own storage_root and docker_host.
type Document struct {
	Port        int    `yaml:"port"`
	Key         string `yaml:"key"`
	Version     string `yaml:"version"`
	DockerHost  string `yaml:"docker_host"`
	StorageRoot string `yaml:"storage_root"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
}

// Load reads the YAML document at path (if path is non-empty and the file
// exists) and applies environment variable overrides, in the order the
// teacher's own CLI entrypoint applies them: file first, then environment,
// then built-in defaults for anything still unset.
func Load(path string) (Document, error) {
	var doc Document
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Document{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	doc.Port = environment.IntOr("HOSTAGENT_PORT", orInt(doc.Port, defaultPort))
	doc.Key = environment.StringOr("HOSTAGENT_KEY", doc.Key)
	doc.Version = environment.StringOr("HOSTAGENT_VERSION", orString(doc.Version, defaultVersion))
	doc.DockerHost = environment.StringOr("HOSTAGENT_DOCKER_HOST", doc.DockerHost)
	doc.StorageRoot = environment.StringOr("HOSTAGENT_STORAGE_ROOT", orString(doc.StorageRoot, defaultStorageRoot))
	doc.LogLevel = environment.StringOr("HOSTAGENT_LOG_LEVEL", orString(doc.LogLevel, "info"))
	doc.LogJSON = environment.BoolOr("HOSTAGENT_LOG_JSON", doc.LogJSON)

	if doc.Key == "" {
		return Document{}, fmt.Errorf("config: key is required (set in config file or HOSTAGENT_KEY)")
	}
	return doc, nil
}

func orInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func orString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
