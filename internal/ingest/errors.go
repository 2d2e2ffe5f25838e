package ingest

import "errors"

// Sentinel errors callers discriminate with errors.Is.
var (
	// ErrConfigPersistence wraps any failure to read or write a run
	// config document.
	ErrConfigPersistence = errors.New("config persistence failed")

	// ErrSourceUnavailable wraps mail source session failures.
	ErrSourceUnavailable = errors.New("mail source unavailable")

	// ErrSummarizerUnavailable means the summarization runtime or model
	// is not installed.
	ErrSummarizerUnavailable = errors.New("summarizer unavailable")

	// ErrRunInProgress is returned when a second run is requested while
	// one is active.
	ErrRunInProgress = errors.New("ingestion run already in progress")
)
