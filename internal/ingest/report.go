package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// InsertedRecord is one row of a run report's inserted_records array.
type InsertedRecord struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	Sender       string `json:"sender"`
	Folder       string `json:"folder"`
	ReceivedTime string `json:"received_time"`
}

// RunReport is the auditable artifact written after every completed run.
type RunReport struct {
	RunToken          string           `json:"run_token"`
	ConfigID          string           `json:"config_id"`
	ProfileName       string           `json:"profile_name"`
	IncludeFolders    []string         `json:"include_folders"`
	IncludeSubfolders bool             `json:"include_subfolders"`
	StartedAt         string           `json:"started_at"`
	CompletedAt       string           `json:"completed_at"`
	Cancelled         bool             `json:"cancelled"`
	InsertedCount     int              `json:"inserted_count"`
	SummarizedCount   int              `json:"summarized_count"`
	ShardPath         string           `json:"shard_path"`
	SummaryPath       string           `json:"summary_path,omitempty"`
	BriefSummary      string           `json:"brief_summary"`
	InsertedRecords   []InsertedRecord `json:"inserted_records"`
}

func buildRunReport(cfg RunConfig, res *IngestResult, inserted []Record) *RunReport {
	folders := cfg.IncludeFolders
	if folders == nil {
		folders = []string{}
	}
	rep := &RunReport{
		RunToken:          res.RunToken,
		ConfigID:          cfg.RunID,
		ProfileName:       cfg.ProfileName,
		IncludeFolders:    folders,
		IncludeSubfolders: cfg.IncludeSubfolders,
		StartedAt:         res.StartedAt.Format(time.RFC3339),
		CompletedAt:       res.CompletedAt.Format(time.RFC3339),
		Cancelled:         res.Cancelled,
		InsertedCount:     res.Inserted,
		SummarizedCount:   res.Summarized,
		ShardPath:         res.ShardPath,
		SummaryPath:       res.SummaryPath,
		BriefSummary:      res.BriefSummary,
		InsertedRecords:   make([]InsertedRecord, 0, len(inserted)),
	}
	for _, r := range inserted {
		rep.InsertedRecords = append(rep.InsertedRecords, InsertedRecord{
			ID:           r.ID,
			Subject:      r.Subject,
			Sender:       r.Sender,
			Folder:       r.Folder,
			ReceivedTime: r.ReceivedTime.Format(time.RFC3339),
		})
	}
	return rep
}

func writeRunReport(runDir string, rep *RunReport) (string, error) {
	dir := filepath.Join(runDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run_%s.json", rep.RunToken))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// ListReports reads the run reports of a config, newest first. Files
// that do not parse are skipped.
func ListReports(cfg RunConfig) ([]RunReport, error) {
	dir := filepath.Join(cfg.RunDir(), "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan reports: %w", err)
	}

	var reports []RunReport
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var r RunReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}

	// Run tokens are zero-padded timestamps, so lexical order is
	// chronological.
	sort.Slice(reports, func(i, j int) bool { return reports[i].RunToken > reports[j].RunToken })
	return reports, nil
}
