package ingest

import (
	"path/filepath"
	"time"
)

// DefaultModel is used when a run config does not name one.
const DefaultModel = "llama3.2:1b"

const shardLabelLayout = "2006-01"

// RunConfig describes one ingestion job. Field tags follow the on-disk
// config.yaml document.
type RunConfig struct {
	RunID                string     `yaml:"run_id" json:"run_id"`
	Description          string     `yaml:"description" json:"description"`
	IncludeFolders       []string   `yaml:"include_folders" json:"include_folders"`
	IncludeSubfolders    bool       `yaml:"include_subfolders" json:"include_subfolders"`
	SummarizeAfterIngest bool       `yaml:"summarize_after_ingest" json:"summarize_after_ingest"`
	ShardDir             string     `yaml:"shard_path" json:"shard_path"`
	SummariesDir         string     `yaml:"summaries_path" json:"summaries_path"`
	Model                string     `yaml:"model" json:"model"`
	Overwrite            bool       `yaml:"overwrite" json:"overwrite"`
	LastIngested         *time.Time `yaml:"last_ingested,omitempty" json:"last_ingested,omitempty"`
	NextShardLabel       string     `yaml:"next_shard_label,omitempty" json:"next_shard_label,omitempty"`
	ProfileName          string     `yaml:"profile_name,omitempty" json:"profile_name,omitempty"`
}

// RunDir is the directory holding the config document and run artifacts.
func (c RunConfig) RunDir() string {
	return filepath.Dir(c.ShardDir)
}

// ShardFile resolves the target shard for the next run: the configured
// label, or the current year-month.
func (c RunConfig) ShardFile(now time.Time) string {
	label := c.NextShardLabel
	if label == "" {
		label = now.Format(shardLabelLayout)
	}
	return filepath.Join(c.ShardDir, label+".sqlite")
}

// DefaultRunConfig builds the conventional layout for a new run id under
// baseDir: subfolders included, summarization on, shard label preset to
// the current month.
func DefaultRunConfig(baseDir, runID string, now time.Time) RunConfig {
	runDir := filepath.Join(baseDir, runID)
	return RunConfig{
		RunID:                runID,
		IncludeFolders:       []string{},
		IncludeSubfolders:    true,
		SummarizeAfterIngest: true,
		ShardDir:             filepath.Join(runDir, "shards"),
		SummariesDir:         filepath.Join(runDir, "summaries"),
		Model:                DefaultModel,
		NextShardLabel:       now.Format(shardLabelLayout),
	}
}
