package providers

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/halvard-dev/mailshard/internal/config"
	"github.com/halvard-dev/mailshard/internal/ingest"
	"github.com/halvard-dev/mailshard/internal/providers/gmail"
	"github.com/halvard-dev/mailshard/internal/providers/graph"
)

// NewSessionFactory selects the configured mail source adapter.
func NewSessionFactory(cfg config.Config, log zerolog.Logger) (ingest.SessionFactory, error) {
	switch cfg.Source {
	case "graph", "":
		return graph.NewFactory(cfg.GraphToken, cfg.GraphUser, log), nil
	case "gmail":
		return gmail.NewFactory(cfg.GmailToken, log), nil
	default:
		return nil, fmt.Errorf("unknown mail source %q", cfg.Source)
	}
}
