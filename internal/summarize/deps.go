package summarize

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/halvard-dev/mailshard/internal/ingest"
)

// DefaultHost is the conventional local runtime address.
const DefaultHost = "http://localhost:11434"

const probeTimeout = 2 * time.Second

// Inspector probes the local ollama runtime and pulls missing models.
// Summarization is optional, so every probe failure surfaces as an
// unavailable report instead of an error.
type Inspector struct {
	host   string
	models []string
	client *http.Client
	log    zerolog.Logger
}

// NewInspector builds an inspector for the runtime at host (DefaultHost
// when empty) requiring the named models.
func NewInspector(host string, log zerolog.Logger, models ...string) *Inspector {
	if host == "" {
		host = DefaultHost
	}
	return &Inspector{
		host:   strings.TrimRight(host, "/"),
		models: models,
		client: &http.Client{Timeout: probeTimeout},
		log:    log.With().Str("component", "deps").Logger(),
	}
}

// Check probes the runtime binary, the server and each required model.
// It never fails.
func (i *Inspector) Check(ctx context.Context) ingest.DependencyReport {
	rep := ingest.DependencyReport{Available: true, Missing: []string{}}

	if _, err := exec.LookPath("ollama"); err != nil {
		rep.Available = false
		rep.Missing = append(rep.Missing, "ollama")
	}

	installed, err := i.installedModels(ctx)
	if err != nil {
		i.log.Debug().Err(err).Str("host", i.host).Msg("runtime probe failed")
		rep.Available = false
		rep.Missing = append(rep.Missing, i.models...)
	} else {
		for _, want := range i.models {
			if !hasModel(installed, want) {
				rep.Available = false
				rep.Missing = append(rep.Missing, want)
			}
		}
	}

	var pulls []string
	for _, name := range rep.Missing {
		if name != "ollama" {
			pulls = append(pulls, name)
		}
	}
	if len(pulls) > 0 {
		rep.InstallCommand = append([]string{"ollama", "pull"}, pulls...)
	}
	return rep
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (i *Inspector) installedModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtime returned %s", resp.Status)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// hasModel matches a required model against the installed tag list,
// treating the implicit :latest tag as equivalent.
func hasModel(installed []string, want string) bool {
	for _, name := range installed {
		if name == want || name == want+":latest" || strings.TrimSuffix(name, ":latest") == want {
			return true
		}
	}
	return false
}

// Install pulls each named model with the ollama CLI, streaming combined
// stdout/stderr lines to observer. Returns the first non-zero exit code,
// or 0 when every pull succeeded.
func (i *Inspector) Install(ctx context.Context, packages []string, observer ingest.Progress) (int, error) {
	if _, err := exec.LookPath("ollama"); err != nil {
		if observer != nil {
			observer("ollama binary not found on PATH")
		}
		return -1, fmt.Errorf("%w: ollama binary not found", ingest.ErrSummarizerUnavailable)
	}

	for _, pkg := range packages {
		if pkg == "" || pkg == "ollama" {
			continue
		}
		if observer != nil {
			observer(fmt.Sprintf("$ ollama pull %s", pkg))
		}
		code, err := i.runPull(ctx, pkg, observer)
		if err != nil {
			return code, err
		}
		if code != 0 {
			i.log.Warn().Str("model", pkg).Int("exit_code", code).Msg("model pull failed")
			return code, nil
		}
	}
	return 0, nil
}

func (i *Inspector) runPull(ctx context.Context, model string, observer ingest.Progress) (int, error) {
	cmd := exec.CommandContext(ctx, "ollama", "pull", model)

	pr, pw, err := os.Pipe()
	if err != nil {
		return -1, fmt.Errorf("installer pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return -1, fmt.Errorf("start installer: %w", err)
	}
	pw.Close()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && observer != nil {
			observer(line)
		}
	}
	pr.Close()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("installer: %w", err)
	}
	return 0, nil
}
