package export

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/rewired-gh/barstats/internal/models"
)

// CSVSaver writes bars as CSV with a header row.
type CSVSaver struct{}

var csvHeader = []string{"time", "open", "high", "low", "close", "vwap", "volume", "count"}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(bars []models.Bar, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range bars {
		if err := w.Write([]string{
			strconv.FormatInt(b.Time, 10),
			floatStr(b.Open),
			floatStr(b.High),
			floatStr(b.Low),
			floatStr(b.Close),
			floatStr(b.VWAP),
			floatStr(b.Volume),
			strconv.FormatInt(b.Count, 10),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func floatStr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
