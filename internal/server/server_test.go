package server_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvard-dev/mailshard/internal/auth"
	"github.com/halvard-dev/mailshard/internal/ingest"
	"github.com/halvard-dev/mailshard/internal/server"
	"github.com/halvard-dev/mailshard/internal/shard"
)

type stubSession struct {
	mu         sync.Mutex
	folders    map[string][]ingest.Record
	folderList []string

	gate      chan struct{}
	entered   chan struct{}
	enterOnce sync.Once
}

func (s *stubSession) ListFolders(ctx context.Context, reporter ingest.Progress) ([]string, error) {
	return s.folderList, nil
}

func (s *stubSession) Messages(ctx context.Context, folderPath string, includeSubfolders bool, since *time.Time, fn func(ingest.Record) error) error {
	if s.entered != nil {
		s.enterOnce.Do(func() { close(s.entered) })
	}
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	records := append([]ingest.Record(nil), s.folders[folderPath]...)
	s.mu.Unlock()

	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *stubSession) Close() error { return nil }

func (s *stubSession) setFolder(name string, records []ingest.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[name] = records
}

type stubFactory struct {
	session *stubSession
	err     error
}

func (f *stubFactory) Open(ctx context.Context, profile string) (ingest.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type stubSummarizer struct{}

func (stubSummarizer) Available() bool { return true }

func (stubSummarizer) Report() ingest.DependencyReport {
	return ingest.DependencyReport{Available: true}
}

func (stubSummarizer) Summarize(ctx context.Context, records []ingest.Record, progress ingest.Progress, token *ingest.CancelToken) (map[string]string, bool, error) {
	out := make(map[string]string, len(records))
	for _, r := range records {
		out[r.ID] = "Summary of " + r.Subject
	}
	return out, false, nil
}

func (stubSummarizer) BriefSummary(ctx context.Context, records []ingest.Record, summaries map[string]string, progress ingest.Progress, token *ingest.CancelToken) (string, error) {
	return "All quiet.", nil
}

func (stubSummarizer) BuildSummaryDocument(records []ingest.Record, summaries map[string]string) string {
	return "digest\n"
}

type stubInspector struct {
	rep   ingest.DependencyReport
	lines []string
	code  int
	err   error
}

func (f *stubInspector) Check(ctx context.Context) ingest.DependencyReport { return f.rep }

func (f *stubInspector) Install(ctx context.Context, packages []string, observer ingest.Progress) (int, error) {
	for _, l := range f.lines {
		if observer != nil {
			observer(l)
		}
	}
	return f.code, f.err
}

type testServer struct {
	t       *testing.T
	mgr     *ingest.Manager
	session *stubSession
	factory *stubFactory
	insp    *stubInspector
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithAuth(t, nil)
}

func newTestServerWithAuth(t *testing.T, verifier *auth.Verifier) *testServer {
	t.Helper()

	ts := &testServer{t: t}
	store := ingest.NewConfigStore(t.TempDir(), zerolog.Nop())
	ts.session = &stubSession{folders: map[string][]ingest.Record{}}
	ts.factory = &stubFactory{session: ts.session}
	ts.insp = &stubInspector{rep: ingest.DependencyReport{Available: true}}

	engineFor := func(ctx context.Context, model string) ingest.Summarizer {
		return stubSummarizer{}
	}
	ts.mgr = ingest.NewManager(store, ts.factory, engineFor, ts.insp, shard.OpenWriter, nil, zerolog.Nop(), ingest.Options{})

	srv := server.New(ts.mgr, verifier, zerolog.Nop())
	ts.handler = srv.Handler()
	return ts
}

// seedConfig persists a run config scanning Inbox through the API.
func (ts *testServer) seedConfig(id string) {
	ts.t.Helper()
	rec := doRequest(ts.t, ts.handler, http.MethodPost, "/api/configs", map[string]any{
		"run_id":                 id,
		"include_folders":        []string{"Inbox"},
		"summarize_after_ingest": true,
	})
	require.Equal(ts.t, http.StatusCreated, rec.Code)
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doRaw(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type jobView struct {
	ID       string               `json:"id"`
	ConfigID string               `json:"config_id"`
	State    string               `json:"state"`
	Error    string               `json:"error"`
	Result   *ingest.IngestResult `json:"result"`
}

func waitForJobState(t *testing.T, h http.Handler, state string) jobView {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doRequest(t, h, http.MethodGet, "/api/runs/current", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var job jobView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
		if job.State == state {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached state %q", state)
	return jobView{}
}

func mail(id, folder, subject string, at time.Time) ingest.Record {
	return ingest.Record{
		ID:           id,
		Folder:       folder,
		Subject:      subject,
		Sender:       "Dana Ortiz",
		Body:         "Body of " + subject,
		ReceivedTime: at,
	}
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ListConfigs_Empty(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/configs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_ConfigLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/configs/demo/default", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created ingest.RunConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "demo", created.RunID)
	assert.True(t, created.SummarizeAfterIngest)

	rec = doRequest(t, ts.handler, http.MethodGet, "/api/configs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ingest.RunConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "demo", list[0].RunID)

	rec = doRequest(t, ts.handler, http.MethodGet, "/api/configs/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, ts.handler, http.MethodGet, "/api/configs/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, ts.handler, http.MethodDelete, "/api/configs/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, ts.handler, http.MethodDelete, "/api/configs/demo", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SaveConfig(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/configs", map[string]any{
		"run_id":          "hand",
		"include_folders": []string{"Inbox", "Archive"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, ts.handler, http.MethodGet, "/api/configs/hand", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg ingest.RunConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, []string{"Inbox", "Archive"}, cfg.IncludeFolders)
}

func TestServer_SaveConfig_Validation(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/configs", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "run_id is required")

	rec = doRaw(t, ts.handler, http.MethodPost, "/api/configs", "{")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListReports(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/configs/ghost/reports", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	ts.seedConfig("demo")
	rec = doRequest(t, ts.handler, http.MethodGet, "/api/configs/demo/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_DependencyReport(t *testing.T) {
	ts := newTestServer(t)
	ts.insp.rep = ingest.DependencyReport{
		Available:      false,
		Missing:        []string{"ollama"},
		InstallCommand: []string{"ollama", "pull", "llama3.2:1b"},
	}

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/dependencies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep ingest.DependencyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.False(t, rep.Available)
	assert.Equal(t, []string{"ollama"}, rep.Missing)
	assert.Equal(t, []string{"ollama", "pull", "llama3.2:1b"}, rep.InstallCommand)
}

func TestServer_InstallDependencies_AlreadySatisfied(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/dependencies/install", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"dependencies already satisfied"}`, rec.Body.String())
}

func TestServer_InstallDependencies_StreamsInstallerOutput(t *testing.T) {
	ts := newTestServer(t)
	ts.insp.rep = ingest.DependencyReport{Available: false, Missing: []string{"llama3.2:1b"}}
	ts.insp.lines = []string{"pulling llama3.2:1b", "verifying sha256 digest"}

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/dependencies/install", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "pulling llama3.2:1b")
	assert.Contains(t, rec.Body.String(), "verifying sha256 digest")
	assert.Contains(t, rec.Body.String(), "install complete")
}

func TestServer_InstallDependencies_ReportsFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.insp.rep = ingest.DependencyReport{Available: false, Missing: []string{"llama3.2:1b"}}
	ts.insp.code = 1
	ts.insp.err = errors.New("pull failed")

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/dependencies/install", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "install failed (exit 1): pull failed")
}

func TestServer_ListFolders(t *testing.T) {
	ts := newTestServer(t)
	ts.session.folderList = []string{"Inbox", "Projects/Roadmap"}

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/folders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"folders":["Inbox","Projects/Roadmap"]}`, rec.Body.String())
}

func TestServer_ListFolders_SourceUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.factory.err = errors.New("no credentials")

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/folders", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServer_Runs_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.seedConfig("demo")
	ts.session.setFolder("Inbox", []ingest.Record{
		mail("m-1", "Inbox", "Quarterly budget review", time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)),
	})

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/runs", map[string]any{"config_id": "demo"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "demo", job.ConfigID)
	assert.Equal(t, "running", job.State)

	done := waitForJobState(t, ts.handler, "completed")
	require.NotNil(t, done.Result)
	assert.Equal(t, 1, done.Result.Inserted)
	assert.Equal(t, 1, done.Result.Summarized)
	assert.Empty(t, done.Error)
}

func TestServer_Runs_Validation(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/runs", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, ts.handler, http.MethodPost, "/api/runs", map[string]any{"config_id": "ghost"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Runs_SecondRunConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedConfig("demo")
	ts.session.setFolder("Inbox", []ingest.Record{
		mail("m-1", "Inbox", "One", time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)),
	})
	ts.session.gate = make(chan struct{})
	ts.session.entered = make(chan struct{})

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/runs", map[string]any{"config_id": "demo"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	<-ts.session.entered
	rec = doRequest(t, ts.handler, http.MethodPost, "/api/runs", map[string]any{"config_id": "demo"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already in progress")

	close(ts.session.gate)
	waitForJobState(t, ts.handler, "completed")
}

func TestServer_CurrentRun_NoneStarted(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/runs/current", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CancelRun_Idle(t *testing.T) {
	ts := newTestServer(t)

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/runs/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelling":false}`, rec.Body.String())
}

func TestServer_CancelRun_ActiveRun(t *testing.T) {
	ts := newTestServer(t)
	ts.seedConfig("demo")
	ts.session.setFolder("Inbox", []ingest.Record{
		mail("m-1", "Inbox", "One", time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)),
	})
	ts.session.gate = make(chan struct{})
	ts.session.entered = make(chan struct{})

	rec := doRequest(t, ts.handler, http.MethodPost, "/api/runs", map[string]any{"config_id": "demo"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-ts.session.entered

	rec = doRequest(t, ts.handler, http.MethodPost, "/api/runs/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelling":true}`, rec.Body.String())

	close(ts.session.gate)
	job := waitForJobState(t, ts.handler, "completed")
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.Cancelled)
	assert.Zero(t, job.Result.Inserted)
}

func TestServer_Search(t *testing.T) {
	ts := newTestServer(t)
	ts.seedConfig("demo")
	ts.session.setFolder("Inbox", []ingest.Record{
		mail("m-1", "Inbox", "Quarterly budget review", time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)),
	})

	cfg, err := ts.mgr.LoadConfig("demo")
	require.NoError(t, err)
	_, err = ts.mgr.RunNow(context.Background(), cfg, nil)
	require.NoError(t, err)

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/search?config=demo&q=budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Shard string            `json:"shard"`
		Hits  []shard.SearchHit `json:"hits"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "m-1", resp.Hits[0].ID)
	assert.NotEmpty(t, resp.Shard)
}

func TestServer_Search_Validation(t *testing.T) {
	ts := newTestServer(t)
	ts.seedConfig("demo")

	rec := doRequest(t, ts.handler, http.MethodGet, "/api/search?config=demo", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, ts.handler, http.MethodGet, "/api/search?config=ghost&q=budget", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Config exists but the labelled shard was never written.
	rec = doRequest(t, ts.handler, http.MethodGet, "/api/search?config=demo&q=budget&label=1999-01", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "shard not found")
}

func TestServer_AuthMiddleware(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	t.Cleanup(jwks.Close)

	verifier, err := auth.NewVerifier(jwks.URL)
	require.NoError(t, err)
	ts := newTestServerWithAuth(t, verifier)

	// Health stays open.
	rec := doRequest(t, ts.handler, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// API calls without a token are rejected.
	rec = doRequest(t, ts.handler, http.MethodGet, "/api/configs", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := jwt.NewBuilder().
		Subject("user-1").
		Claim("email", "dana@example.com").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/configs", nil)
	req.Header.Set("Authorization", "Bearer "+string(signed))
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)
}
