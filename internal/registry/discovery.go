// ABOUTME: Discovers a daemon installed next to the panel on first start.
// ABOUTME: Reads the daemon's global.json for its key and port, or falls back to a configured key.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// DefaultLocalConfigPath is where a co-located daemon keeps its config,
	// relative to the panel's working directory.
	DefaultLocalConfigPath = "../daemon/data/Config/global.json"

	localHost    = "localhost"
	localRemarks = "local daemon"
)

// localDaemonConfig is the subset of the daemon's global.json the panel reads.
type localDaemonConfig struct {
	Key  string `json:"key"`
	Port int    `json:"port"`
}

// discoverLocal registers a daemon on localhost when one can be found.
func (r *Registry) discoverLocal(ctx context.Context) {
	path := r.params.LocalConfigPath
	if path == "" {
		path = DefaultLocalConfigPath
	}
	path = filepath.Clean(path)
	logger := r.logger.With("path", path)
	logger.Info("no daemons registered, looking for a local daemon")

	cfg, err := readLocalConfig(path)
	switch {
	case err == nil:
		logger.Info("found local daemon config, connecting", "port", cfg.Port)
		if _, err := r.Add(ctx, AddRequest{Host: localHost, Port: cfg.Port, Credential: cfg.Key, Remarks: localRemarks}); err != nil {
			logger.Warn("failed to register local daemon", "error", err)
		}
	case errors.Is(err, fs.ErrNotExist) && r.params.LocalFallbackKey != "":
		logger.Info("local daemon config not found, connecting with fallback key (unverified)")
		if _, err := r.Add(ctx, AddRequest{Host: localHost, Credential: r.params.LocalFallbackKey, Remarks: localRemarks}); err != nil {
			logger.Warn("failed to register local daemon", "error", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("no local daemon found, add one manually")
	default:
		logger.Warn("unreadable local daemon config", "error", err)
	}
}

func readLocalConfig(path string) (*localDaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg localDaemonConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
