package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const runTokenLayout = "2006-01-02_150405"

// Options bound the external calls a run makes.
type Options struct {
	// SessionTimeout bounds mail source session acquisition.
	SessionTimeout time.Duration
	// SummarizeTimeout bounds each summarization model call.
	SummarizeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 30 * time.Second
	}
	if o.SummarizeTimeout <= 0 {
		o.SummarizeTimeout = 120 * time.Second
	}
	return o
}

// Manager drives ingestion runs. A Manager owns at most one run at a
// time; a second concurrent RunNow fails fast with ErrRunInProgress.
// Callers that need a run off-thread spawn RunNow on their own goroutine.
type Manager struct {
	store     *ConfigStore
	sources   SessionFactory
	engineFor EngineFactory
	inspector Inspector
	openShard ShardOpener
	publisher RunPublisher
	log       zerolog.Logger
	opts      Options

	cancel  CancelToken
	runMu   sync.Mutex
	running atomic.Bool
}

// NewManager wires the run pipeline. publisher may be nil.
func NewManager(store *ConfigStore, sources SessionFactory, engineFor EngineFactory, inspector Inspector, openShard ShardOpener, publisher RunPublisher, log zerolog.Logger, opts Options) *Manager {
	return &Manager{
		store:     store,
		sources:   sources,
		engineFor: engineFor,
		inspector: inspector,
		openShard: openShard,
		publisher: publisher,
		log:       log.With().Str("component", "ingest").Logger(),
		opts:      opts.withDefaults(),
	}
}

// RunNow executes one ingestion run to completion and returns its
// result. The cancel token is observed at folder and batch boundaries;
// partial progress stays committed and is never rolled back. On every
// path that returns a result, a JSON run report has been written.
func (m *Manager) RunNow(ctx context.Context, cfg RunConfig, progress Progress) (*IngestResult, error) {
	if !m.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	m.running.Store(true)
	defer func() {
		m.running.Store(false)
		m.runMu.Unlock()
	}()

	m.cancel.Reset()

	startedAt := time.Now()
	res := &IngestResult{
		RunToken:  startedAt.Format(runTokenLayout),
		ShardPath: cfg.ShardFile(startedAt),
		StartedAt: startedAt,
	}

	m.log.Info().
		Str("run_id", cfg.RunID).
		Str("run_token", res.RunToken).
		Str("shard", res.ShardPath).
		Msg("ingestion run started")
	report(progress, fmt.Sprintf("Target shard -> %s", res.ShardPath))

	openCtx, cancelOpen := context.WithTimeout(ctx, m.opts.SessionTimeout)
	sess, err := m.sources.Open(openCtx, cfg.ProfileName)
	cancelOpen()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", ErrSourceUnavailable, err)
	}
	defer sess.Close()

	var (
		collected []Record
		inserted  []Record
		cancelled bool
	)

	for _, folder := range cfg.IncludeFolders {
		if m.cancel.Cancelled() {
			cancelled = true
			report(progress, "Cancellation requested; stopping folder scan.")
			break
		}
		report(progress, fmt.Sprintf("Scanning folder: %s", folder))
		err := sess.Messages(ctx, folder, cfg.IncludeSubfolders, cfg.LastIngested, func(r Record) error {
			collected = append(collected, r)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan folder %q: %w", folder, err)
		}
	}

	newest := cfg.LastIngested

	if !cancelled {
		// Stable sort keeps the within-folder order for equal timestamps
		// while establishing global ascending order across folders.
		sort.SliceStable(collected, func(i, j int) bool {
			return collected[i].ReceivedTime.Before(collected[j].ReceivedTime)
		})

		store, err := m.openShard(res.ShardPath, cfg.RunID)
		if err != nil {
			return nil, fmt.Errorf("open shard %s: %w", res.ShardPath, err)
		}
		defer store.Close()

		if m.cancel.Cancelled() {
			cancelled = true
			report(progress, "Cancellation requested; skipping insert.")
		} else {
			inserted, err = store.InsertRecords(ctx, collected)
			if err != nil {
				return nil, fmt.Errorf("insert records: %w", err)
			}
			res.Inserted = len(inserted)
			report(progress, fmt.Sprintf("Inserted %d new records (%d fetched).", len(inserted), len(collected)))

			for i := range inserted {
				if newest == nil || inserted[i].ReceivedTime.After(*newest) {
					t := inserted[i].ReceivedTime
					newest = &t
				}
			}

			if len(inserted) > 0 && cfg.SummarizeAfterIngest && !m.cancel.Cancelled() {
				cancelled = m.summarizeStage(ctx, cfg, store, inserted, res, progress) || cancelled
			} else if len(inserted) == 0 {
				res.BriefSummary = "No new emails were ingested during this run."
			}
		}
	}

	// The checkpoint advances only on uncancelled runs that saw newer
	// mail, so a cancelled run re-fetches the same window next time.
	var saveErr error
	if !cancelled && newest != nil && (cfg.LastIngested == nil || newest.After(*cfg.LastIngested)) {
		t := newest.Truncate(time.Second)
		cfg.LastIngested = &t
		saveErr = m.store.Save(cfg)
	}

	res.NewestTimestamp = cfg.LastIngested
	res.Cancelled = cancelled
	if res.BriefSummary == "" {
		if cancelled {
			res.BriefSummary = "Run was cancelled before a briefing summary was generated."
		} else {
			res.BriefSummary = "Summary generation skipped."
		}
	}
	res.CompletedAt = time.Now()

	rep := buildRunReport(cfg, res, inserted)
	reportPath, reportErr := writeRunReport(cfg.RunDir(), rep)
	if reportErr == nil {
		res.ReportPath = reportPath
	}

	if saveErr != nil {
		// The report above is the audit trail for this failure.
		m.log.Error().Err(saveErr).Str("run_token", res.RunToken).Msg("checkpoint save failed")
		return nil, fmt.Errorf("advance checkpoint: %w", saveErr)
	}
	if reportErr != nil {
		return nil, fmt.Errorf("write run report: %w", reportErr)
	}

	m.publishCompleted(ctx, rep)

	m.log.Info().
		Str("run_token", res.RunToken).
		Int("inserted", res.Inserted).
		Int("summarized", res.Summarized).
		Bool("cancelled", cancelled).
		Msg("ingestion run finished")
	report(progress, "Ingestion run complete.")
	return res, nil
}

// summarizeStage runs the optional summarization pipeline. Model and
// storage failures in this stage degrade the run instead of aborting it;
// the inserted records are already committed. Returns whether the token
// cancelled the stage partway.
func (m *Manager) summarizeStage(ctx context.Context, cfg RunConfig, store ShardWriter, inserted []Record, res *IngestResult, progress Progress) bool {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	engine := m.engineFor(ctx, model)
	if !engine.Available() {
		dep := engine.Report()
		report(progress, fmt.Sprintf("Summarization skipped: missing %s. Run 'mailshard deps --install' to enable.", strings.Join(dep.Missing, ", ")))
		m.log.Warn().Strs("missing", dep.Missing).Msg("summarizer unavailable, skipping")
		return false
	}

	summaries, cancelledDuring, err := engine.Summarize(ctx, inserted, progress, &m.cancel)
	if err != nil {
		report(progress, fmt.Sprintf("Summarization failed: %v", err))
		m.log.Warn().Err(err).Msg("summarization degraded")
		res.BriefSummary = "Summarization was unavailable for this run; records were stored without summaries."
		return cancelledDuring
	}

	if len(summaries) > 0 {
		if err := store.UpdateSummaries(ctx, summaries); err != nil {
			report(progress, fmt.Sprintf("Storing summaries failed: %v", err))
			m.log.Warn().Err(err).Msg("summary update degraded")
		} else {
			res.Summarized = len(summaries)
			doc := engine.BuildSummaryDocument(inserted, summaries)
			path := filepath.Join(cfg.SummariesDir, fmt.Sprintf("summary_%s.txt", res.RunToken))
			err := os.MkdirAll(cfg.SummariesDir, 0o755)
			if err == nil {
				err = os.WriteFile(path, []byte(doc), 0o644)
			}
			if err != nil {
				report(progress, fmt.Sprintf("Writing summary document failed: %v", err))
				m.log.Warn().Err(err).Msg("summary document degraded")
			} else {
				res.SummaryPath = path
				report(progress, fmt.Sprintf("Summary document -> %s", path))
			}
		}
	}

	if !cancelledDuring {
		brief, err := engine.BriefSummary(ctx, inserted, summaries, progress, &m.cancel)
		if err != nil {
			m.log.Warn().Err(err).Msg("brief summary degraded")
		} else {
			res.BriefSummary = brief
		}
	}
	return cancelledDuring
}

func (m *Manager) publishCompleted(ctx context.Context, rep *RunReport) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishRunCompleted(ctx, rep); err != nil {
		m.log.Warn().Err(err).Str("run_token", rep.RunToken).Msg("run event publish failed")
	}
}

// CancelCurrentRun requests cooperative cancellation of the active run.
// It is a request, not preemption: the run stops at its next folder or
// batch boundary and everything already committed stays. Safe when idle.
func (m *Manager) CancelCurrentRun() {
	m.cancel.Cancel()
	m.log.Info().Msg("cancellation requested")
}

// Running reports whether a run is active.
func (m *Manager) Running() bool { return m.running.Load() }

// ListFolders enumerates source folder paths for the profile through a
// scoped session.
func (m *Manager) ListFolders(ctx context.Context, profile string, progress Progress) ([]string, error) {
	openCtx, cancelOpen := context.WithTimeout(ctx, m.opts.SessionTimeout)
	sess, err := m.sources.Open(openCtx, profile)
	cancelOpen()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", ErrSourceUnavailable, err)
	}
	defer sess.Close()
	return sess.ListFolders(ctx, progress)
}

// DependencyReport probes the optional summarization runtime.
func (m *Manager) DependencyReport(ctx context.Context) DependencyReport {
	return m.inspector.Check(ctx)
}

// InstallDependencies pulls the named summarization packages, streaming
// installer output to observer, and returns the installer exit code.
func (m *Manager) InstallDependencies(ctx context.Context, packages []string, observer Progress) (int, error) {
	return m.inspector.Install(ctx, packages, observer)
}

// CreateDefaultConfig builds and persists the conventional config for a
// new run id.
func (m *Manager) CreateDefaultConfig(runID string) (RunConfig, error) {
	cfg := DefaultRunConfig(m.store.BaseDir(), runID, time.Now())
	if err := m.store.Save(cfg); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Configs lists the persisted run configs.
func (m *Manager) Configs() ([]RunConfig, error) { return m.store.List() }

// LoadConfig loads one run config by id.
func (m *Manager) LoadConfig(runID string) (RunConfig, error) { return m.store.Load(runID) }

// SaveConfig persists a run config.
func (m *Manager) SaveConfig(cfg RunConfig) error { return m.store.Save(cfg) }

// DeleteConfig removes a run config document.
func (m *Manager) DeleteConfig(runID string) error { return m.store.Delete(runID) }

// Reports lists the run reports of a config, newest first.
func (m *Manager) Reports(cfg RunConfig) ([]RunReport, error) { return ListReports(cfg) }
