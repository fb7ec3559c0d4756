// Package export writes collected records out as CSV files.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// utf8BOM keeps spreadsheet tools from mangling CJK titles.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var csvHeader = []string{
	"fingerprint", "account", "title", "link", "published_at", "collected_at", "run_id", "content",
}

// Write renders records as CSV, preceded by a UTF-8 BOM.
func Write(w io.Writer, records []crawler.Record) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return fmt.Errorf("write bom: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.Fingerprint,
			r.Account,
			r.Title,
			r.Link,
			formatTime(r.PublishedAt),
			formatTime(r.CollectedAt),
			r.RunID,
			r.Content,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %q: %w", r.Link, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// WriteFile writes records into dir and returns the file path. The name
// embeds the account (or "all") and the timestamp so repeated exports never
// clobber each other.
func WriteFile(dir, account string, now time.Time, records []crawler.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	name := account
	if name == "" {
		name = "all"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", name, now.Format("20060102_150405")))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if err := Write(f, records); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	return path, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
