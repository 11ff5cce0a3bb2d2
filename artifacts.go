package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	artifactAnalysis   = "analysis_report.json"
	artifactDDL        = "snowflake_objects.sql"
	artifactMapping    = "mapping_decisions.yml"
	artifactLoadPlan   = "load_plan.yml"
	artifactChecks     = "post_migration_checks.sql"
	artifactValidation = "validation_report.json"
	artifactSummary    = "summary.md"
)

// ArtifactInfo describes one file of a run directory.
type ArtifactInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// artifactWriter writes run artifacts atomically. Text artifacts are redacted.
type artifactWriter struct {
	dir     string
	secrets []string
}

func (w artifactWriter) write(name string, data []byte) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	tmp, err := os.CreateTemp(w.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(w.dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (w artifactWriter) writeText(name, text string) error {
	return w.write(name, []byte(redactString(text, w.secrets)))
}

func (w artifactWriter) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return w.writeText(name, string(data)+"\n")
}

func (w artifactWriter) writeYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return w.writeText(name, string(data))
}

// listArtifacts returns the finished files of a run directory by name.
func listArtifacts(dir string) ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []ArtifactInfo
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if strings.HasPrefix(e.Name(), manifestFileName+"-") {
			continue // sqlite wal/shm
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, ArtifactInfo{Name: e.Name(), Size: info.Size(), ModifiedAt: info.ModTime().UTC()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// readArtifact reads one file of a run directory. Names must not leave it.
func readArtifact(dir, name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid artifact name %q", name)
	}
	return os.ReadFile(filepath.Join(dir, name))
}
