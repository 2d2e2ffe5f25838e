package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

const pageSize = 100

// Folders that never carry ingestible content.
var skippedFolders = map[string]struct{}{
	"deleted items":        {},
	"junk email":           {},
	"drafts":               {},
	"outbox":               {},
	"sync issues":          {},
	"conversation history": {},
}

// Factory opens Microsoft Graph mail sessions with a static bearer
// token. defaultUser names the mailbox used when a run config carries no
// profile.
type Factory struct {
	token       string
	defaultUser string
	log         zerolog.Logger
}

// NewFactory builds a Graph session factory.
func NewFactory(token, defaultUser string, log zerolog.Logger) *Factory {
	return &Factory{
		token:       token,
		defaultUser: defaultUser,
		log:         log.With().Str("source", "graph").Logger(),
	}
}

// Open establishes a Graph client for the profile's mailbox.
func (f *Factory) Open(ctx context.Context, profile string) (ingest.Session, error) {
	if f.token == "" {
		return nil, fmt.Errorf("graph access token not configured")
	}
	user := profile
	if user == "" {
		user = f.defaultUser
	}
	if user == "" {
		return nil, fmt.Errorf("no mailbox user configured for graph source")
	}

	cred := &staticTokenCredential{token: f.token}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("create graph client: %w", err)
	}

	return &Session{client: client, user: user, log: f.log}, nil
}

// Session is one scoped connection to a Graph mailbox.
type Session struct {
	client *msgraphsdk.GraphServiceClient
	user   string
	log    zerolog.Logger
}

// Close releases the session. The Graph client holds no connection
// state, so this only marks the scope as done.
func (s *Session) Close() error { return nil }

type folder struct {
	id         string
	name       string
	childCount int32
}

// ListFolders walks the mailbox folder tree and returns slash-separated
// paths, skipping well-known non-content folders.
func (s *Session) ListFolders(ctx context.Context, reporter ingest.Progress) ([]string, error) {
	tops, err := s.topLevelFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	var paths []string
	scanned := 0

	var walk func(f folder, prefix string) error
	walk = func(f folder, prefix string) error {
		path := f.name
		if prefix != "" {
			path = prefix + "/" + f.name
		}
		paths = append(paths, path)
		scanned++
		if scanned%50 == 0 && reporter != nil {
			reporter(fmt.Sprintf("Scanned %d folders...", scanned))
		}
		if f.childCount > 0 {
			children, err := s.childFolders(ctx, f.id)
			if err != nil {
				return err
			}
			for _, c := range children {
				if err := walk(c, path); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, f := range tops {
		if _, skip := skippedFolders[strings.ToLower(f.name)]; skip {
			continue
		}
		if err := walk(f, ""); err != nil {
			return nil, fmt.Errorf("list folders: %w", err)
		}
	}
	return paths, nil
}

// Messages streams the folder's mail in ascending received-time order,
// descending into child folders when requested.
func (s *Session) Messages(ctx context.Context, folderPath string, includeSubfolders bool, since *time.Time, fn func(ingest.Record) error) error {
	target, err := s.resolveFolder(ctx, folderPath)
	if err != nil {
		return err
	}

	var emit func(f folder, path string) error
	emit = func(f folder, path string) error {
		if err := s.folderMessages(ctx, f, path, since, fn); err != nil {
			return err
		}
		if includeSubfolders && f.childCount > 0 {
			children, err := s.childFolders(ctx, f.id)
			if err != nil {
				return err
			}
			for _, c := range children {
				if err := emit(c, path+"/"+c.name); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return emit(target, folderPath)
}

func (s *Session) folderMessages(ctx context.Context, f folder, path string, since *time.Time, fn func(ingest.Record) error) error {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.body-content-type="text"`)

	var skip int32
	for {
		qp := &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(pageSize),
			Skip:    int32Ptr(skip),
			Select:  []string{"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients", "receivedDateTime", "body"},
			Orderby: []string{"receivedDateTime asc"},
		}
		if since != nil {
			filter := fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format("2006-01-02T15:04:05Z"))
			qp.Filter = &filter
		}

		result, err := s.client.Users().ByUserId(s.user).MailFolders().ByMailFolderId(f.id).Messages().
			Get(ctx, &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
				QueryParameters: qp,
				Headers:         headers,
			})
		if err != nil {
			return fmt.Errorf("fetch messages in %q: %w", path, err)
		}

		msgs := result.GetValue()
		for _, m := range msgs {
			rec, ok := normalizeMessage(m, path, since)
			if !ok {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(msgs) < pageSize {
			return nil
		}
		skip += pageSize
	}
}

func (s *Session) topLevelFolders(ctx context.Context) ([]folder, error) {
	result, err := s.client.Users().ByUserId(s.user).MailFolders().
		Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{
				Top:    int32Ptr(pageSize),
				Select: []string{"id", "displayName", "childFolderCount"},
			},
		})
	if err != nil {
		return nil, err
	}
	return collectFolders(result.GetValue()), nil
}

func (s *Session) childFolders(ctx context.Context, parentID string) ([]folder, error) {
	result, err := s.client.Users().ByUserId(s.user).MailFolders().ByMailFolderId(parentID).ChildFolders().
		Get(ctx, &users.ItemMailFoldersItemChildFoldersRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemChildFoldersRequestBuilderGetQueryParameters{
				Top:    int32Ptr(pageSize),
				Select: []string{"id", "displayName", "childFolderCount"},
			},
		})
	if err != nil {
		return nil, err
	}
	return collectFolders(result.GetValue()), nil
}

// resolveFolder walks the slash-separated path segment by segment,
// matching display names case-insensitively.
func (s *Session) resolveFolder(ctx context.Context, path string) (folder, error) {
	segments := strings.Split(path, "/")
	current, err := s.topLevelFolders(ctx)
	if err != nil {
		return folder{}, fmt.Errorf("resolve folder %q: %w", path, err)
	}

	var match folder
	for i, seg := range segments {
		found := false
		for _, f := range current {
			if strings.EqualFold(f.name, seg) {
				match = f
				found = true
				break
			}
		}
		if !found {
			return folder{}, fmt.Errorf("folder %q not found in mailbox", path)
		}
		if i < len(segments)-1 {
			current, err = s.childFolders(ctx, match.id)
			if err != nil {
				return folder{}, fmt.Errorf("resolve folder %q: %w", path, err)
			}
		}
	}
	return match, nil
}

func collectFolders(values []models.MailFolderable) []folder {
	folders := make([]folder, 0, len(values))
	for _, v := range values {
		var f folder
		if id := v.GetId(); id != nil {
			f.id = *id
		}
		if name := v.GetDisplayName(); name != nil {
			f.name = *name
		}
		if count := v.GetChildFolderCount(); count != nil {
			f.childCount = *count
		}
		if f.id == "" || f.name == "" {
			continue
		}
		folders = append(folders, f)
	}
	return folders
}

// normalizeMessage converts a Graph message into a Record. Items without
// a stable id or received time, or not strictly newer than since, are
// dropped.
func normalizeMessage(m models.Messageable, folderPath string, since *time.Time) (ingest.Record, bool) {
	rec := ingest.Record{Folder: folderPath}

	if id := m.GetId(); id != nil {
		rec.ID = *id
	}
	if rec.ID == "" {
		return ingest.Record{}, false
	}

	rcvd := m.GetReceivedDateTime()
	if rcvd == nil {
		return ingest.Record{}, false
	}
	rec.ReceivedTime = rcvd.Truncate(time.Second)
	if since != nil && !rec.ReceivedTime.After(*since) {
		return ingest.Record{}, false
	}

	if convID := m.GetConversationId(); convID != nil {
		rec.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		rec.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if name := emailAddr.GetName(); name != nil && *name != "" {
				rec.Sender = *name
			} else if addr := emailAddr.GetAddress(); addr != nil {
				rec.Sender = *addr
			}
		}
	}

	toLine := strings.Join(extractAddresses(m.GetToRecipients()), ", ")
	ccLine := strings.Join(extractAddresses(m.GetCcRecipients()), ", ")
	rec.Recipients = ingest.JoinRecipients(toLine, ccLine)

	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			rec.Body = *content
		}
	}

	rec.Fingerprint = ingest.ContentFingerprint(rec.Subject, rec.Body)
	return rec, true
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil && *addr != "" {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// staticTokenCredential implements the Azure credential interface over a
// pre-acquired bearer token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
