// Package export writes findings and their evidence trail to files.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

// Record is one exported line: a finding with its evidence inlined.
type Record struct {
	domain.Finding
	Trail []domain.Evidence `json:"trail,omitempty"`
}

// JSONL writes one finding per line. The file is replaced atomically so
// readers never see a partial export.
type JSONL struct {
	path     string
	evidence ports.EvidenceStore
}

var _ ports.FindingExporter = (*JSONL)(nil)

// NewJSONL exports to path. With a non-nil evidence store each line carries
// the full evidence trail.
func NewJSONL(path string, evidence ports.EvidenceStore) *JSONL {
	return &JSONL{path: path, evidence: evidence}
}

// Export replaces the file with findings in the given order.
func (j *JSONL) Export(ctx context.Context, findings []domain.Finding) error {
	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(j.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, f := range findings {
		if err := ctx.Err(); err != nil {
			_ = tmp.Close()
			return err
		}
		rec := Record{Finding: f}
		if j.evidence != nil && len(f.Evidence) > 0 {
			rec.Trail, err = j.evidence.Evidence(ctx, f.Evidence)
			if err != nil {
				_ = tmp.Close()
				return fmt.Errorf("load evidence for %s: %w", f.ID, err)
			}
		}
		if err := enc.Encode(rec); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode finding %s: %w", f.ID, err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush export: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("rename export: %w", err)
	}
	return nil
}
