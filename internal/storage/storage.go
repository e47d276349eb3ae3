// Package storage provides SQLite-backed persistence for archived bars and reports.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/barstats/internal/models"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db      *sql.DB
	maxBars int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/barstats/data.db.
func New(maxBars int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "barstats", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxBars: maxBars}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol  TEXT    NOT NULL,
			time    INTEGER NOT NULL,
			open    REAL    NOT NULL,
			high    REAL    NOT NULL,
			low     REAL    NOT NULL,
			close   REAL    NOT NULL,
			vwap    REAL    NOT NULL,
			volume  REAL    NOT NULL,
			count   INTEGER NOT NULL,
			PRIMARY KEY (symbol, time)
		)`,
		`CREATE TABLE IF NOT EXISTS reports (
			id           TEXT PRIMARY KEY,
			symbol       TEXT    NOT NULL,
			bars_held    INTEGER NOT NULL,
			capacity     INTEGER NOT NULL,
			windows      TEXT    NOT NULL DEFAULT '[]',
			generated_at INTEGER NOT NULL,
			notified     INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reports_generated_at ON reports(generated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const insertBarQuery = `
	INSERT OR REPLACE INTO bars
		(symbol, time, open, high, low, close, vwap, volume, count)
	VALUES (?,?,?,?,?,?,?,?,?)`

// SaveBar archives one bar. A bar with the same symbol and time is replaced.
func (s *Storage) SaveBar(symbol string, bar *models.Bar) error {
	if err := bar.Validate(); err != nil {
		return fmt.Errorf("invalid bar: %w", err)
	}
	if _, err := s.db.Exec(insertBarQuery,
		symbol, bar.Time, bar.Open, bar.High, bar.Low, bar.Close, bar.VWAP, bar.Volume, bar.Count,
	); err != nil {
		return fmt.Errorf("failed to insert bar: %w", err)
	}
	return nil
}

// SaveBars archives a batch of bars in one transaction and enforces the archive cap.
func (s *Storage) SaveBars(symbol string, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range bars {
		b := &bars[i]
		if err := b.Validate(); err != nil {
			return fmt.Errorf("invalid bar at %d: %w", b.Time, err)
		}
		if _, err := tx.Exec(insertBarQuery,
			symbol, b.Time, b.Open, b.High, b.Low, b.Close, b.VWAP, b.Volume, b.Count,
		); err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}

	if err := rotateBars(tx, symbol, s.maxBars); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadRecentBars returns up to limit of the newest archived bars for symbol,
// in ascending time order.
func (s *Storage) LoadRecentBars(symbol string, limit int) ([]models.Bar, error) {
	rows, err := s.db.Query(`
		SELECT time, open, high, low, close, vwap, volume, count FROM (
			SELECT * FROM bars WHERE symbol = ? ORDER BY time DESC LIMIT ?
		) ORDER BY time ASC`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	bars := []models.Bar{}
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.VWAP, &b.Volume, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// CountBars returns the number of archived bars for symbol.
func (s *Storage) CountBars(symbol string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM bars WHERE symbol = ?`, symbol).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return n, nil
}

// RotateBars keeps at most maxBars newest bars for symbol.
func (s *Storage) RotateBars(symbol string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := rotateBars(tx, symbol, s.maxBars); err != nil {
		return err
	}
	return tx.Commit()
}

func rotateBars(tx *sql.Tx, symbol string, maxBars int) error {
	if _, err := tx.Exec(`
		DELETE FROM bars WHERE symbol = ? AND time NOT IN (
			SELECT time FROM bars WHERE symbol = ? ORDER BY time DESC LIMIT ?
		)`, symbol, symbol, maxBars); err != nil {
		return fmt.Errorf("failed to rotate bars: %w", err)
	}
	return nil
}

func (s *Storage) AddReport(report *models.Report) error {
	if report.ID == "" {
		return fmt.Errorf("report ID must not be empty")
	}
	windowsJSON, err := json.Marshal(report.Windows)
	if err != nil {
		return fmt.Errorf("failed to marshal report windows: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO reports (id, symbol, bars_held, capacity, windows, generated_at, notified)
		VALUES (?,?,?,?,?,?,?)`,
		report.ID, report.Symbol, report.BarsHeld, report.Capacity, string(windowsJSON),
		report.GeneratedAt.UnixNano(), boolToInt(report.Notified),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// MarkNotified flags a stored report as delivered.
func (s *Storage) MarkNotified(id string) error {
	res, err := s.db.Exec(`UPDATE reports SET notified = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("report not found: %s", id)
	}
	return nil
}

// GetRecentReports returns the k newest reports, newest first.
func (s *Storage) GetRecentReports(k int) ([]models.Report, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, bars_held, capacity, windows, generated_at, notified
		FROM reports ORDER BY generated_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		var r models.Report
		var windowsJSON string
		var generatedAtNano int64
		var notified int

		if err := rows.Scan(&r.ID, &r.Symbol, &r.BarsHeld, &r.Capacity, &windowsJSON, &generatedAtNano, &notified); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		if err := json.Unmarshal([]byte(windowsJSON), &r.Windows); err != nil {
			return nil, fmt.Errorf("failed to unmarshal report windows: %w", err)
		}
		r.GeneratedAt = time.Unix(0, generatedAtNano)
		r.Notified = notified != 0
		reports = append(reports, r)
	}

	return reports, rows.Err()
}

func (s *Storage) ClearReports() error {
	if _, err := s.db.Exec(`DELETE FROM reports`); err != nil {
		return fmt.Errorf("failed to clear reports: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
