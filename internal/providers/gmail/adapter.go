package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

// Labels that never carry ingestible content.
var skippedLabels = map[string]struct{}{
	"SPAM":  {},
	"TRASH": {},
	"DRAFT": {},
}

// Factory opens Gmail sessions with a pre-acquired OAuth access token.
type Factory struct {
	token string
	log   zerolog.Logger
}

// NewFactory builds a Gmail session factory.
func NewFactory(token string, log zerolog.Logger) *Factory {
	return &Factory{token: token, log: log.With().Str("source", "gmail").Logger()}
}

// Open establishes a Gmail service for the profile's account. An empty
// profile means the token owner ("me").
func (f *Factory) Open(ctx context.Context, profile string) (ingest.Session, error) {
	if f.token == "" {
		return nil, fmt.Errorf("gmail access token not configured")
	}

	oauth2Token := &oauth2.Token{AccessToken: f.token}
	config := &oauth2.Config{Scopes: []string{gmail.GmailReadonlyScope}}
	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	user := profile
	if user == "" {
		user = "me"
	}
	return &Session{svc: svc, user: user, log: f.log}, nil
}

// Session is one scoped connection to a Gmail account. Gmail has no
// folder tree; labels play that role and nested labels already carry
// slash-separated names.
type Session struct {
	svc  *gmail.Service
	user string
	log  zerolog.Logger
}

// Close releases the session.
func (s *Session) Close() error { return nil }

// ListFolders returns the account's label names, skipping system labels
// that never carry ingestible content.
func (s *Session) ListFolders(ctx context.Context, reporter ingest.Progress) ([]string, error) {
	resp, err := s.svc.Users.Labels.List(s.user).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	var paths []string
	scanned := 0
	for _, l := range resp.Labels {
		scanned++
		if scanned%50 == 0 && reporter != nil {
			reporter(fmt.Sprintf("Scanned %d folders...", scanned))
		}
		if _, skip := skippedLabels[l.Id]; skip {
			continue
		}
		paths = append(paths, l.Name)
	}
	return paths, nil
}

// Messages streams the label's mail in ascending received-time order.
// includeSubfolders widens the pull to labels nested under the path.
func (s *Session) Messages(ctx context.Context, folderPath string, includeSubfolders bool, since *time.Time, fn func(ingest.Record) error) error {
	labels, err := s.matchLabels(ctx, folderPath, includeSubfolders)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	var records []ingest.Record

	for _, label := range labels {
		call := s.svc.Users.Messages.List(s.user).
			LabelIds(label.Id).
			IncludeSpamTrash(false).
			MaxResults(100)
		if since != nil {
			// The search index is coarser than a timestamp, so the local
			// strictly-greater filter below still applies.
			call = call.Q(fmt.Sprintf("after:%d", since.Unix()))
		}

		err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
			for _, m := range page.Messages {
				if _, dup := seen[m.Id]; dup {
					continue
				}
				seen[m.Id] = struct{}{}

				full, err := s.svc.Users.Messages.Get(s.user, m.Id).Format("full").Context(ctx).Do()
				if err != nil {
					return fmt.Errorf("get message %s: %w", m.Id, err)
				}
				rec, ok := normalize(full, label.Name)
				if !ok {
					continue
				}
				if since != nil && !rec.ReceivedTime.After(*since) {
					continue
				}
				records = append(records, rec)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("list messages in %q: %w", folderPath, err)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ReceivedTime.Before(records[j].ReceivedTime)
	})
	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// matchLabels resolves a folder path to its label, plus nested labels
// when includeSubfolders is set.
func (s *Session) matchLabels(ctx context.Context, path string, includeSubfolders bool) ([]*gmail.Label, error) {
	resp, err := s.svc.Users.Labels.List(s.user).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}

	var matched []*gmail.Label
	for _, l := range resp.Labels {
		if strings.EqualFold(l.Name, path) {
			matched = append([]*gmail.Label{l}, matched...)
			continue
		}
		if includeSubfolders && strings.HasPrefix(strings.ToLower(l.Name), strings.ToLower(path)+"/") {
			matched = append(matched, l)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("label %q not found in account", path)
	}
	return matched, nil
}

// normalize converts a Gmail message to a Record. Items without a stable
// id or internal date are dropped.
func normalize(m *gmail.Message, labelName string) (ingest.Record, bool) {
	if m == nil || m.Id == "" || m.InternalDate == 0 {
		return ingest.Record{}, false
	}

	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	body := extractBody(m.Payload)
	if body == "" {
		body = m.Snippet
	}

	rec := ingest.Record{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Folder:       labelName,
		Subject:      headers["Subject"],
		Sender:       headers["From"],
		Recipients:   ingest.JoinRecipients(headers["To"], headers["Cc"]),
		ReceivedTime: time.UnixMilli(m.InternalDate).Truncate(time.Second),
		Body:         body,
	}
	rec.Fingerprint = ingest.ContentFingerprint(rec.Subject, rec.Body)
	return rec, true
}

// extractBody walks the MIME tree for the first text/plain part.
func extractBody(p *gmail.MessagePart) string {
	if p == nil {
		return ""
	}
	if p.MimeType == "text/plain" && p.Body != nil && p.Body.Data != "" {
		if data, err := base64.URLEncoding.DecodeString(p.Body.Data); err == nil {
			return string(data)
		}
		if data, err := base64.RawURLEncoding.DecodeString(p.Body.Data); err == nil {
			return string(data)
		}
	}
	for _, part := range p.Parts {
		if body := extractBody(part); body != "" {
			return body
		}
	}
	return ""
}
