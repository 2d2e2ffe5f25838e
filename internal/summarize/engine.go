package summarize

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

const (
	batchSize = 10

	// Model inputs are clipped to roughly this many tokens worth of
	// characters before prompting.
	maxInputTokens = 512
)

// Engine summarizes ingested records through a local ollama model. It
// satisfies ingest.Summarizer. Availability is decided once at
// construction; the model client itself is built lazily on first use.
type Engine struct {
	host        string
	model       string
	callTimeout time.Duration
	dep         ingest.DependencyReport
	log         zerolog.Logger

	llm llms.Model
}

// NewEngine probes the runtime for the model and prepares a lazy client.
func NewEngine(ctx context.Context, host, model string, callTimeout time.Duration, log zerolog.Logger) *Engine {
	if host == "" {
		host = DefaultHost
	}
	if model == "" {
		model = ingest.DefaultModel
	}
	insp := NewInspector(host, log, model)
	return &Engine{
		host:        strings.TrimRight(host, "/"),
		model:       model,
		callTimeout: callTimeout,
		dep:         insp.Check(ctx),
		log:         log.With().Str("component", "summarize").Str("model", model).Logger(),
	}
}

// Available reports whether the runtime and model are usable.
func (e *Engine) Available() bool { return e.dep.Available }

// Report returns the construction-time dependency probe.
func (e *Engine) Report() ingest.DependencyReport { return e.dep }

func (e *Engine) client() (llms.Model, error) {
	if e.llm != nil {
		return e.llm, nil
	}
	llm, err := ollama.New(ollama.WithModel(e.model), ollama.WithServerURL(e.host))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ingest.ErrSummarizerUnavailable, err)
	}
	e.llm = llm
	return e.llm, nil
}

// Summarize generates one summary per record in fixed-size batches. The
// cancel token is honored between batches; a batch already sent to the
// model runs to completion. A failed batch degrades and the remaining
// batches continue.
func (e *Engine) Summarize(ctx context.Context, records []ingest.Record, progress ingest.Progress, token *ingest.CancelToken) (map[string]string, bool, error) {
	if !e.dep.Available {
		return nil, false, fmt.Errorf("%w: missing %s", ingest.ErrSummarizerUnavailable, strings.Join(e.dep.Missing, ", "))
	}
	llm, err := e.client()
	if err != nil {
		return nil, false, err
	}

	summaries := make(map[string]string, len(records))
	total := (len(records) + batchSize - 1) / batchSize

	for n := 0; n*batchSize < len(records); n++ {
		if token != nil && token.Cancelled() {
			if progress != nil {
				progress(fmt.Sprintf("Cancellation requested; stopping after %d of %d batches.", n, total))
			}
			return summaries, true, nil
		}

		batch := records[n*batchSize : min(len(records), (n+1)*batchSize)]
		if progress != nil {
			progress(fmt.Sprintf("Summarizing batch %d/%d (%d emails)...", n+1, total, len(batch)))
		}

		if err := e.summarizeBatch(ctx, llm, batch, summaries); err != nil {
			e.log.Warn().Err(err).Int("batch", n+1).Msg("batch summarization failed")
			if progress != nil {
				progress(fmt.Sprintf("Batch %d failed: %v", n+1, err))
			}
		}
	}
	return summaries, false, nil
}

func (e *Engine) summarizeBatch(ctx context.Context, llm llms.Model, batch []ingest.Record, summaries map[string]string) error {
	minLen, maxLen := batchBounds(batch)

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize each of the following %d emails.\n", len(batch))
	fmt.Fprintf(&b, "Reply with exactly one numbered line per email, %d to %d words each, no other text.\n\n", minLen, maxLen)
	for i, r := range batch {
		subject := r.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(&b, "%d. Subject: %s\nBody: %s\n\n", i+1, subject, clipRunes(r.Body, maxInputTokens*4))
	}

	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	resp, err := llms.GenerateFromSinglePrompt(callCtx, llm, b.String(),
		llms.WithTemperature(0),
		llms.WithMinLength(minLen*len(batch)),
		llms.WithMaxLength(maxLen*len(batch)),
	)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}

	lines := parseNumbered(resp, len(batch))
	for i, r := range batch {
		line := lines[i]
		if line == "" {
			line = fallbackLine(r)
		}
		summaries[r.ID] = line
	}
	return nil
}

// BriefSummary condenses the run into a short briefing paragraph. Model
// failures fall back to the head of the raw digest.
func (e *Engine) BriefSummary(ctx context.Context, records []ingest.Record, summaries map[string]string, progress ingest.Progress, token *ingest.CancelToken) (string, error) {
	if len(records) == 0 {
		return "No new emails were ingested during this run.", nil
	}
	if token != nil && token.Cancelled() {
		return "Run was cancelled before a briefing summary was generated.", nil
	}

	segments := make([]string, 0, len(records))
	for _, r := range records {
		sender := r.Sender
		if sender == "" {
			sender = "unknown sender"
		}
		subject := r.Subject
		if subject == "" {
			subject = "no subject"
		}
		snippet := summaries[r.ID]
		if snippet == "" {
			snippet = clipRunes(r.Body, 260) + "..."
		}
		segments = append(segments, fmt.Sprintf("Email from %s about %s: %s", sender, subject, snippet))
	}
	combined := strings.Join(segments, " ")

	if progress != nil {
		progress("Generating briefing summary...")
	}

	llm, err := e.client()
	if err != nil {
		return clipRunes(combined, 500), nil
	}

	minLen, maxLen := briefBounds(combined)
	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	resp, err := llms.GenerateFromSinglePrompt(callCtx, llm,
		"Condense the following email digest into a short briefing paragraph:\n\n"+clipRunes(combined, maxInputTokens*4),
		llms.WithTemperature(0),
		llms.WithMinLength(minLen),
		llms.WithMaxLength(maxLen),
	)
	if err != nil {
		e.log.Warn().Err(err).Msg("briefing model call failed, using digest head")
		return clipRunes(combined, 500), nil
	}
	return strings.TrimSpace(resp), nil
}

// BuildSummaryDocument renders the run's summary file: one block per
// record in received-time order, blocks separated by a blank line.
func (e *Engine) BuildSummaryDocument(records []ingest.Record, summaries map[string]string) string {
	ordered := make([]ingest.Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ReceivedTime.Before(ordered[j].ReceivedTime)
	})

	var b strings.Builder
	for n, r := range ordered {
		if n > 0 {
			b.WriteString("\n")
		}
		subject := r.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		sender := r.Sender
		if sender == "" {
			sender = "unknown sender"
		}
		fmt.Fprintf(&b, "[%s] %s  -  %s\n", r.ReceivedTime.Format("2006-01-02 15:04"), subject, sender)
		summary := summaries[r.ID]
		if summary == "" {
			summary = "(no summary)"
		}
		b.WriteString(summary + "\n")
	}
	return b.String()
}

// batchBounds derives summary length bounds from the longest body in a
// batch, measured in whitespace tokens.
func batchBounds(records []ingest.Record) (minLen, maxLen int) {
	maxTokens := 1
	for _, r := range records {
		if n := len(strings.Fields(r.Body)); n > maxTokens {
			maxTokens = n
		}
	}
	maxLen = min(120, max(40, int(float64(maxTokens)*1.25)))
	minLen = max(20, min(maxLen-5, maxLen/2))
	if minLen >= maxLen {
		minLen = max(10, maxLen-10)
	}
	return minLen, maxLen
}

// briefBounds derives briefing length bounds from the digest token count.
func briefBounds(combined string) (minLen, maxLen int) {
	tokens := max(1, len(strings.Fields(combined)))
	maxLen = min(140, max(60, tokens/4))
	minLen = max(40, min(maxLen-10, tokens/6))
	return minLen, maxLen
}

var numberedLine = regexp.MustCompile(`^\s*(\d+)[.):\-]\s*(.+)$`)

// parseNumbered maps a numbered model response back onto batch positions.
// Lines that do not parse, or refer to positions outside the batch, are
// ignored.
func parseNumbered(resp string, n int) []string {
	out := make([]string, n)
	for _, line := range strings.Split(resp, "\n") {
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		if out[idx-1] == "" {
			out[idx-1] = strings.TrimSpace(m[2])
		}
	}
	return out
}

func fallbackLine(r ingest.Record) string {
	subject := r.Subject
	if subject == "" {
		subject = "no subject"
	}
	sender := r.Sender
	if sender == "" {
		sender = "unknown sender"
	}
	return fmt.Sprintf("Email from %s about %s.", sender, subject)
}

func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
