package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

// ConfigStore persists run configs as YAML documents under a base
// directory, one subdirectory per run id.
type ConfigStore struct {
	baseDir string
	log     zerolog.Logger
}

// NewConfigStore anchors a store at baseDir.
func NewConfigStore(baseDir string, log zerolog.Logger) *ConfigStore {
	return &ConfigStore{baseDir: baseDir, log: log}
}

// BaseDir returns the store's anchor directory.
func (s *ConfigStore) BaseDir() string { return s.baseDir }

func (s *ConfigStore) configPath(runID string) string {
	return filepath.Join(s.baseDir, runID, configFileName)
}

// Save writes the config atomically and creates the run, shard and
// summaries directories when missing. The checkpoint is stored with
// seconds precision.
func (s *ConfigStore) Save(cfg RunConfig) error {
	if cfg.RunID == "" {
		return fmt.Errorf("%w: empty run id", ErrConfigPersistence)
	}
	if cfg.LastIngested != nil {
		t := cfg.LastIngested.Truncate(time.Second)
		cfg.LastIngested = &t
	}

	runDir := filepath.Join(s.baseDir, cfg.RunID)
	for _, dir := range []string{runDir, cfg.ShardDir, cfg.SummariesDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrConfigPersistence, dir, err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrConfigPersistence, cfg.RunID, err)
	}

	path := s.configPath(cfg.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConfigPersistence, path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: replace %s: %v", ErrConfigPersistence, path, err)
	}
	return nil
}

// Load reads the config for runID. Artifact paths absent from older
// documents default to the conventional layout.
func (s *ConfigStore) Load(runID string) (RunConfig, error) {
	path := s.configPath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("%w: read %s: %v", ErrConfigPersistence, path, err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("%w: parse %s: %v", ErrConfigPersistence, path, err)
	}

	if cfg.RunID == "" {
		cfg.RunID = runID
	}
	runDir := filepath.Join(s.baseDir, runID)
	if cfg.ShardDir == "" {
		cfg.ShardDir = filepath.Join(runDir, "shards")
	}
	if cfg.SummariesDir == "" {
		cfg.SummariesDir = filepath.Join(runDir, "summaries")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return cfg, nil
}

// List returns every readable config sorted by run id. Unparseable
// documents are logged and skipped, never fatal.
func (s *ConfigStore) List() ([]RunConfig, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: scan %s: %v", ErrConfigPersistence, s.baseDir, err)
	}

	var configs []RunConfig
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.configPath(e.Name())); err != nil {
			continue
		}
		cfg, err := s.Load(e.Name())
		if err != nil {
			s.log.Warn().Str("run_id", e.Name()).Err(err).Msg("skipping unreadable run config")
			continue
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].RunID < configs[j].RunID })
	return configs, nil
}

// Delete removes the config document only. Run artifacts are kept.
func (s *ConfigStore) Delete(runID string) error {
	if err := os.Remove(s.configPath(runID)); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrConfigPersistence, runID, err)
	}
	return nil
}
