package export

import (
	"encoding/json"
	"os"

	"github.com/rewired-gh/barstats/internal/models"
)

// JSONSaver writes bars as an indented JSON array.
type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(bars []models.Bar, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if bars == nil {
		bars = []models.Bar{}
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bars); err != nil {
		return err
	}
	return f.Close()
}
