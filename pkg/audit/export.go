package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyTenantID    = errors.New("audit: tenant_id must not be empty")
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
)

// ExportRequest selects the entries of one tenant in a time window.
type ExportRequest struct {
	TenantID  string    `json:"tenant_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Pack is a generated evidence archive.
type Pack struct {
	TenantID    string
	GeneratedAt time.Time
	EntryCount  int
	Checksum    string
	Zip         []byte
}

// Exporter builds zip evidence packs from a chain.
type Exporter struct {
	chain *Chain
	now   func() time.Time
}

func NewExporter(c *Chain) *Exporter {
	return &Exporter{chain: c, now: time.Now}
}

// GeneratePack writes entries.json, manifest.json and README.txt into a zip.
// The checksum is the hex SHA-256 of the archive bytes.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*Pack, error) {
	if req.TenantID == "" {
		return nil, ErrEmptyTenantID
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, ErrInvalidTimeRange
	}
	if e.chain == nil {
		return nil, ErrNotConfigured
	}
	if err := e.chain.Verify(); err != nil {
		return nil, err
	}

	entries := e.chain.Query(Filter{
		Subject: subjectFor(req.TenantID),
		Start:   req.StartTime,
		End:     req.EndTime,
	})
	generated := e.now().UTC()

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal entries: %w", err)
	}
	manifest := map[string]any{
		"tenant_id":    req.TenantID,
		"generated_at": generated,
		"entry_count":  len(entries),
		"chain_head":   e.chain.Head(),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		body []byte
	}{
		{"entries.json", entriesJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", fmt.Appendf(nil, "Evidence pack for tenant %s\nGenerated at %s\n", req.TenantID, generated.Format(time.RFC3339))},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, fmt.Errorf("audit: zip %s: %w", f.name, err)
		}
		if _, err := fw.Write(f.body); err != nil {
			return nil, fmt.Errorf("audit: zip %s: %w", f.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("audit: close zip: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Pack{
		TenantID:    req.TenantID,
		GeneratedAt: generated,
		EntryCount:  len(entries),
		Checksum:    hex.EncodeToString(sum[:]),
		Zip:         buf.Bytes(),
	}, nil
}
