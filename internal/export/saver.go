// Package export writes window snapshots to disk.
package export

import (
	"fmt"
	"strings"

	"github.com/rewired-gh/barstats/internal/models"
)

// Saver persists a slice of bars to a single file.
type Saver interface {
	Save(bars []models.Bar, path string) error
	Extension() string
}

// NewSaver returns the saver for format (csv, parquet, json).
func NewSaver(format string) (Saver, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}, nil
	case "parquet":
		return ParquetSaver{}, nil
	case "json":
		return JSONSaver{}, nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (use csv, parquet or json)", format)
	}
}
