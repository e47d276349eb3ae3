package models

import (
	"time"
)

// WindowStat is the latest moving average and mean absolute deviation for one
// window length.
type WindowStat struct {
	Length    int  `json:"length"`
	Points    int  `json:"points"`
	Mean      *Bar `json:"mean,omitempty"`
	Deviation *Bar `json:"deviation,omitempty"`
}

// Report is a point-in-time summary of the engine's window for one symbol.
type Report struct {
	ID          string       `json:"id"`
	Symbol      string       `json:"symbol"`
	BarsHeld    int          `json:"bars_held"`
	Capacity    int          `json:"capacity"`
	Windows     []WindowStat `json:"windows"`
	GeneratedAt time.Time    `json:"generated_at"`
	Notified    bool         `json:"notified"`
}

// Ready reports whether at least one window has produced a moving average.
func (r *Report) Ready() bool {
	for _, w := range r.Windows {
		if w.Points > 0 {
			return true
		}
	}
	return false
}
