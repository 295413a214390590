// Package config loads tandemd's server configuration from YAML, with
// cobra flags overriding file values, mirroring the teacher's
// cmd/warren/main.go flag/init precedence (log-level, log-json as
// persistent flags layered over defaults).
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/laulauland/tandem/pkg/log"
	"github.com/laulauland/tandem/pkg/tderrors"
)

// Server holds tandemd's runtime configuration.
type Server struct {
	ListenAddr        string    `yaml:"listenAddr"`
	DataDir           string    `yaml:"dataDir"`
	RepoID            string    `yaml:"repoId"`
	LogLevel          log.Level `yaml:"logLevel"`
	LogJSON           bool      `yaml:"logJson"`
	MetricsAddr       string    `yaml:"metricsAddr"`
	DisableCoalescing bool      `yaml:"disableCoalescing"`
}

// Default returns the configuration used when no file is present.
func Default() Server {
	return Server{
		ListenAddr:  "127.0.0.1:7799",
		DataDir:     "./tandem-data",
		RepoID:      "default",
		LogLevel:    log.InfoLevel,
		LogJSON:     false,
		MetricsAddr: "127.0.0.1:9099",
	}
}

// Load reads a YAML config file at path over the defaults. A missing
// file is not an error: Default() is returned unchanged.
func Load(path string) (Server, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Server{}, tderrors.Wrap(tderrors.BackendIO, err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Server{}, tderrors.Wrap(tderrors.Decode, err, "parse config %s", path)
	}
	return cfg, nil
}
