package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Record is one mail message normalized for shard storage.
type Record struct {
	ID           string // stable source identity
	Fingerprint  string // content hash, second dedup key
	ThreadID     string
	Folder       string // configured folder path the message came from
	Subject      string
	Sender       string
	Recipients   string
	ReceivedTime time.Time
	Body         string
	Summary      string
}

// ContentFingerprint derives the content dedup key from subject and body.
// Two messages with different source ids but identical content collapse
// onto the same fingerprint.
func ContentFingerprint(subject, body string) string {
	sum := sha256.Sum256([]byte(subject + "\n" + body))
	return hex.EncodeToString(sum[:])
}

// JoinRecipients joins the To and Cc lines, dropping empty segments.
func JoinRecipients(toLine, ccLine string) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{toLine, ccLine} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// IngestResult is what RunNow hands back to callers.
type IngestResult struct {
	RunToken        string     `json:"run_token"`
	Inserted        int        `json:"inserted"`
	Summarized      int        `json:"summarized"`
	ShardPath       string     `json:"shard_path"`
	SummaryPath     string     `json:"summary_path,omitempty"`
	NewestTimestamp *time.Time `json:"newest_timestamp,omitempty"`
	Cancelled       bool       `json:"cancelled"`
	BriefSummary    string     `json:"brief_summary"`
	ReportPath      string     `json:"report_path,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     time.Time  `json:"completed_at"`
}
