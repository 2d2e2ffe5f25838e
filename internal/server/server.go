package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halvard-dev/mailshard/internal/auth"
	"github.com/halvard-dev/mailshard/internal/ingest"
	"github.com/halvard-dev/mailshard/internal/shard"
)

const (
	jobRunning   = "running"
	jobCompleted = "completed"
	jobFailed    = "failed"
)

// runJob tracks the lifecycle of one HTTP-triggered ingestion run.
// The server keeps at most one job at a time.
type runJob struct {
	ID         string               `json:"id"`
	ConfigID   string               `json:"config_id"`
	State      string               `json:"state"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Result     *ingest.IngestResult `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Server exposes the ingestion manager over HTTP.
type Server struct {
	mgr      *ingest.Manager
	verifier *auth.Verifier
	log      zerolog.Logger
	engine   *gin.Engine

	jobMu sync.Mutex
	job   *runJob
}

// New builds the gin engine with logging, recovery and, when a verifier
// is supplied, bearer auth on the /api group.
func New(mgr *ingest.Manager, verifier *auth.Verifier, log zerolog.Logger) *Server {
	s := &Server{
		mgr:      mgr,
		verifier: verifier,
		log:      log.With().Str("component", "server").Logger(),
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(s.requestLogger(), gin.Recovery())
	s.routes()
	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)

	api := s.engine.Group("/api")
	if s.verifier != nil {
		api.Use(s.authMiddleware())
	}

	api.GET("/configs", s.listConfigs)
	api.POST("/configs", s.saveConfig)
	api.GET("/configs/:id", s.getConfig)
	api.DELETE("/configs/:id", s.deleteConfig)
	api.POST("/configs/:id/default", s.createDefaultConfig)
	api.GET("/configs/:id/reports", s.listReports)

	api.GET("/dependencies", s.dependencyReport)
	api.POST("/dependencies/install", s.installDependencies)

	api.GET("/folders", s.listFolders)

	api.POST("/runs", s.startRun)
	api.GET("/runs/current", s.currentRun)
	api.POST("/runs/cancel", s.cancelRun)

	api.GET("/search", s.search)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.log.Info().
			Str("method", c.Request.Method).
			Str("uri", c.Request.RequestURI).
			Str("remote_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Int64("latency_ms", time.Since(start).Milliseconds()).
			Msg("HTTP request")
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.verifier.CallerFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			c.Abort()
			return
		}

		c.Set("caller_id", caller.ID)
		c.Set("caller_email", caller.Email)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listConfigs(c *gin.Context) {
	configs, err := s.mgr.Configs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if configs == nil {
		configs = []ingest.RunConfig{}
	}
	c.JSON(http.StatusOK, configs)
}

func (s *Server) saveConfig(c *gin.Context) {
	var cfg ingest.RunConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cfg.RunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id is required"})
		return
	}

	if err := s.mgr.SaveConfig(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) getConfig(c *gin.Context) {
	cfg, err := s.mgr.LoadConfig(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) deleteConfig(c *gin.Context) {
	if err := s.mgr.DeleteConfig(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) createDefaultConfig(c *gin.Context) {
	cfg, err := s.mgr.CreateDefaultConfig(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) listReports(c *gin.Context) {
	cfg, err := s.mgr.LoadConfig(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
		return
	}

	reports, err := s.mgr.Reports(cfg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if reports == nil {
		reports = []ingest.RunReport{}
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) dependencyReport(c *gin.Context) {
	c.JSON(http.StatusOK, s.mgr.DependencyReport(c.Request.Context()))
}

// installDependencies streams installer output as plain text lines so a
// client can follow model pulls as they happen.
func (s *Server) installDependencies(c *gin.Context) {
	rep := s.mgr.DependencyReport(c.Request.Context())
	if rep.Available {
		c.JSON(http.StatusOK, gin.H{"status": "dependencies already satisfied"})
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)

	code, err := s.mgr.InstallDependencies(c.Request.Context(), rep.Missing, func(line string) {
		fmt.Fprintln(c.Writer, line)
		c.Writer.Flush()
	})
	if err != nil {
		fmt.Fprintf(c.Writer, "install failed (exit %d): %v\n", code, err)
		return
	}
	fmt.Fprintln(c.Writer, "install complete")
}

func (s *Server) listFolders(c *gin.Context) {
	folders, err := s.mgr.ListFolders(c.Request.Context(), c.Query("profile"), nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ingest.ErrSourceUnavailable) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

type runRequest struct {
	ConfigID string `json:"config_id" binding:"required"`
}

// startRun launches an ingestion run in the background and returns the
// job record. A second request while a run is active gets a 409.
func (s *Server) startRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := s.mgr.LoadConfig(req.ConfigID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
		return
	}

	s.jobMu.Lock()
	if (s.job != nil && s.job.State == jobRunning) || s.mgr.Running() {
		s.jobMu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": ingest.ErrRunInProgress.Error()})
		return
	}
	job := &runJob{
		ID:        uuid.NewString(),
		ConfigID:  cfg.RunID,
		State:     jobRunning,
		StartedAt: time.Now().UTC(),
	}
	s.job = job
	s.jobMu.Unlock()

	// Snapshot before the goroutine starts mutating the job record.
	accepted := *job
	go s.execute(job, cfg)

	c.JSON(http.StatusAccepted, accepted)
}

func (s *Server) execute(job *runJob, cfg ingest.RunConfig) {
	res, err := s.mgr.RunNow(context.Background(), cfg, func(msg string) {
		s.log.Info().Str("job_id", job.ID).Msg(msg)
	})

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	done := time.Now().UTC()
	job.FinishedAt = &done
	if err != nil {
		job.State = jobFailed
		job.Error = err.Error()
		return
	}
	job.State = jobCompleted
	job.Result = res
}

func (s *Server) currentRun(c *gin.Context) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has been started"})
		return
	}
	c.JSON(http.StatusOK, s.job)
}

// cancelRun requests cooperative cancellation of the active run. When
// nothing is running this is a no-op.
func (s *Server) cancelRun(c *gin.Context) {
	running := s.mgr.Running()
	if running {
		s.mgr.CancelCurrentRun()
	}
	c.JSON(http.StatusOK, gin.H{"cancelling": running})
}

// search runs a full-text query against one shard of a run config. The
// label selects the shard; it defaults to the config's next shard.
func (s *Server) search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}

	cfg, err := s.mgr.LoadConfig(c.Query("config"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "config not found"})
		return
	}

	path := cfg.ShardFile(time.Now())
	if label := c.Query("label"); label != "" {
		path = filepath.Join(cfg.ShardDir, label+".sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "shard not found"})
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	st, err := shard.Open(path, cfg.RunID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer st.Close()

	hits, err := st.Search(c.Request.Context(), query, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if hits == nil {
		hits = []shard.SearchHit{}
	}
	c.JSON(http.StatusOK, gin.H{"shard": path, "hits": hits})
}
