package ingest

import (
	"context"
	"time"
)

// Progress receives human-readable status lines during long operations.
// Callbacks run inline with the ingest loop and must be cheap.
type Progress func(message string)

func report(p Progress, msg string) {
	if p != nil {
		p(msg)
	}
}

// Session is an open connection to a mail store. Sessions are scoped to
// one operation: acquire, use, Close on every exit path.
type Session interface {
	// ListFolders returns slash-separated folder paths, skipping
	// well-known non-content folders. reporter is called periodically
	// with scan progress.
	ListFolders(ctx context.Context, reporter Progress) ([]string, error)

	// Messages streams the folder's messages in ascending received-time
	// order, restricted to items received strictly after since when set.
	// Items that are not mail messages or carry no stable id are skipped.
	Messages(ctx context.Context, folderPath string, includeSubfolders bool, since *time.Time, fn func(Record) error) error

	Close() error
}

// SessionFactory opens mail store sessions for a profile. An empty
// profile means the default account.
type SessionFactory interface {
	Open(ctx context.Context, profile string) (Session, error)
}

// DependencyReport describes the state of the optional summarization
// runtime.
type DependencyReport struct {
	Available      bool     `json:"available"`
	Missing        []string `json:"missing"`
	InstallCommand []string `json:"install_command"`
}

// Inspector probes and installs the optional summarization dependencies.
type Inspector interface {
	// Check never fails; problems surface as Available=false.
	Check(ctx context.Context) DependencyReport

	// Install pulls the named packages, streaming installer output lines
	// to observer, and returns the subprocess exit code.
	Install(ctx context.Context, packages []string, observer Progress) (int, error)
}

// Summarizer generates per-record summaries and the run briefing.
type Summarizer interface {
	Available() bool
	Report() DependencyReport

	// Summarize returns summaries keyed by record id and whether the
	// token cancelled the work between batches.
	Summarize(ctx context.Context, records []Record, progress Progress, token *CancelToken) (map[string]string, bool, error)

	// BriefSummary condenses the run into a few sentences for the run
	// report.
	BriefSummary(ctx context.Context, records []Record, summaries map[string]string, progress Progress, token *CancelToken) (string, error)

	// BuildSummaryDocument renders the human-readable summary file.
	BuildSummaryDocument(records []Record, summaries map[string]string) string
}

// EngineFactory builds a Summarizer for a model identifier.
type EngineFactory func(ctx context.Context, model string) Summarizer

// ShardWriter is the storage surface a run needs from a shard.
type ShardWriter interface {
	InsertRecords(ctx context.Context, records []Record) ([]Record, error)
	UpdateSummaries(ctx context.Context, summaries map[string]string) error
	Close() error
}

// ShardOpener opens the shard file backing a run.
type ShardOpener func(path, runID string) (ShardWriter, error)

// RunPublisher emits run-completion events. Publishing is best effort;
// failures are logged, never fatal.
type RunPublisher interface {
	PublishRunCompleted(ctx context.Context, rep *RunReport) error
}
