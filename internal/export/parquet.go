package export

import (
	"github.com/parquet-go/parquet-go"

	"github.com/rewired-gh/barstats/internal/models"
)

// ParquetSaver writes bars as a Parquet file using the struct tags on models.Bar.
type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(bars []models.Bar, path string) error {
	return parquet.WriteFile(path, bars)
}
