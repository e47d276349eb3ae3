// Package monitor feeds bars from the market data client into the statistics
// engine and archive, and builds periodic window reports.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/barstats/internal/logger"
	"github.com/rewired-gh/barstats/internal/models"
	"github.com/rewired-gh/barstats/internal/stats"
	"github.com/rewired-gh/barstats/internal/storage"
)

type Config struct {
	Symbol  string
	Windows []int
}

// IngestResult counts what happened to one batch of bars.
type IngestResult struct {
	Ingested int
	Skipped  int
	Evicted  int
}

type Monitor struct {
	engine  *stats.MovingStatistics
	storage *storage.Storage
	config  Config

	mu       sync.Mutex
	lastTime int64
	prevTime int64
}

func New(engine *stats.MovingStatistics, s *storage.Storage, config Config) *Monitor {
	return &Monitor{
		engine:  engine,
		storage: s,
		config:  config,
	}
}

// Symbol returns the pair this monitor tracks.
func (m *Monitor) Symbol() string {
	return m.config.Symbol
}

// Engine returns the statistics engine fed by this monitor.
func (m *Monitor) Engine() *stats.MovingStatistics {
	return m.engine
}

// LastTime returns the time of the newest bar delivered to the engine.
func (m *Monitor) LastTime() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTime
}

// ResumeFrom returns the time of the bar before the newest delivered one.
// Polling from there re-fetches the newest bar, which may have been archived
// while still forming.
func (m *Monitor) ResumeFrom() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prevTime
}

// advance records bar time t as delivered. Caller holds mu.
func (m *Monitor) advance(t int64) {
	if t > m.lastTime {
		m.prevTime = m.lastTime
		m.lastTime = t
	}
}

// Warm replays the newest archived bars into the engine so a restart resumes
// with a full window.
func (m *Monitor) Warm(ctx context.Context) (int, error) {
	bars, err := m.storage.LoadRecentBars(m.config.Symbol, m.engine.Capacity())
	if err != nil {
		return 0, fmt.Errorf("failed to load archived bars: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, bar := range bars {
		if _, err := m.engine.Update(ctx, bar); err != nil {
			return 0, err
		}
		m.advance(bar.Time)
	}
	logger.Info("Warmed %s window with %d archived bars", m.config.Symbol, len(bars))
	return len(bars), nil
}

// Ingest delivers a batch of bars to the engine in time order and archives
// the accepted ones. Bars older than the newest delivered bar are skipped.
// A bar repeating the newest time replaces it, which is how a still-forming
// bar gets its final values.
func (m *Monitor) Ingest(ctx context.Context, bars []models.Bar) (IngestResult, error) {
	var res IngestResult

	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time < sorted[j].Time
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := make([]models.Bar, 0, len(sorted))
	for _, bar := range sorted {
		if bar.Time < m.lastTime {
			res.Skipped++
			continue
		}
		if err := bar.Validate(); err != nil {
			logger.Warn("Skipping invalid %s bar at %d: %v", m.config.Symbol, bar.Time, err)
			res.Skipped++
			continue
		}

		evicted, err := m.engine.Update(ctx, bar)
		if err != nil {
			return res, err
		}
		if evicted != nil {
			res.Evicted++
		}
		m.advance(bar.Time)
		accepted = append(accepted, bar)
		res.Ingested++
	}

	if err := m.storage.SaveBars(m.config.Symbol, accepted); err != nil {
		// The engine already holds these bars; archive failures only cost
		// warm-start history.
		logger.Warn("Failed to archive %d bars: %v", len(accepted), err)
	}

	logger.Debug("Ingested %d %s bars (%d skipped, %d evicted)", res.Ingested, m.config.Symbol, res.Skipped, res.Evicted)
	return res, nil
}

// BuildReport computes means and deviations for every configured window and
// keeps the latest value of each.
func (m *Monitor) BuildReport(ctx context.Context) (*models.Report, error) {
	means, devs, err := m.engine.MeansAndDeviations(ctx, m.config.Windows)
	if err != nil {
		return nil, err
	}

	held, err := m.engine.Len(ctx)
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		ID:          uuid.New().String(),
		Symbol:      m.config.Symbol,
		BarsHeld:    held,
		Capacity:    m.engine.Capacity(),
		GeneratedAt: time.Now(),
	}
	for _, l := range m.config.Windows {
		stat := models.WindowStat{Length: l, Points: len(means[l])}
		if n := len(means[l]); n > 0 {
			mean := means[l][n-1]
			stat.Mean = &mean
		}
		if n := len(devs[l]); n > 0 {
			dev := devs[l][n-1]
			stat.Deviation = &dev
		}
		report.Windows = append(report.Windows, stat)
	}
	return report, nil
}

// Checkpoint persists a report.
func (m *Monitor) Checkpoint(report *models.Report) error {
	if err := m.storage.AddReport(report); err != nil {
		return fmt.Errorf("failed to checkpoint report: %w", err)
	}
	return nil
}

func (m *Monitor) Shutdown() {
	held, err := m.engine.Len(context.Background())
	if err != nil {
		logger.Warn("Window unavailable at shutdown: %v", err)
		return
	}
	logger.Info("Shutting down %s monitor with %d bars held (last bar %d)", m.config.Symbol, held, m.LastTime())
}
