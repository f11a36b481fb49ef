// Package database persists the detector's durable state in SQLite:
// emitted alerts, Sigma rule matches, and finalized baselines.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB handles database operations.
type DB struct {
	Db *sql.DB
}

// AlertRecord is one emitted alert as stored.
type AlertRecord struct {
	ID          int64
	CreatedAt   time.Time
	TimestampNs uint64
	Level       string
	PID         int
	Comm        string
	Score       float64
	Reason      string
}

// MatchRecord is one Sigma rule match against an alert.
type MatchRecord struct {
	ID        int64
	AlertID   int64
	RuleID    string
	RuleName  string
	Severity  string
	Details   string
	CreatedAt time.Time
}

// BaselineRecord is one finalized baseline profile.
type BaselineRecord struct {
	ID                 int64
	CreatedAt          time.Time
	MeanCacheMissRate  float64
	StdCacheMissRate   float64
	MeanBranchMissRate float64
	StdBranchMissRate  float64
	MeanIPC            float64
	StdIPC             float64
	SampleCount        uint64
}

// New opens (creating if needed) the guardian database under dataDir.
func New(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "cpu_guardian.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{Db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS alerts (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at   DATETIME NOT NULL,
		timestamp_ns INTEGER NOT NULL,
		level        TEXT NOT NULL,
		pid          INTEGER NOT NULL,
		comm         TEXT,
		score        REAL NOT NULL,
		reason       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rule_matches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_id   INTEGER NOT NULL,
		rule_id    TEXT NOT NULL,
		rule_name  TEXT NOT NULL,
		severity   TEXT NOT NULL,
		details    TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS baselines (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at            DATETIME NOT NULL,
		mean_cache_miss_rate  REAL NOT NULL,
		std_cache_miss_rate   REAL NOT NULL,
		mean_branch_miss_rate REAL NOT NULL,
		std_branch_miss_rate  REAL NOT NULL,
		mean_ipc              REAL NOT NULL,
		std_ipc               REAL NOT NULL,
		sample_count          INTEGER NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp_ns);",
		"CREATE INDEX IF NOT EXISTS idx_alerts_level ON alerts(level);",
		"CREATE INDEX IF NOT EXISTS idx_alerts_pid ON alerts(pid);",
		"CREATE INDEX IF NOT EXISTS idx_matches_rule_id ON rule_matches(rule_id);",
		"CREATE INDEX IF NOT EXISTS idx_matches_alert_id ON rule_matches(alert_id);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

// InsertAlert stores one emitted alert and returns its row id.
func (db *DB) InsertAlert(rec *AlertRecord) (int64, error) {
	res, err := db.Db.Exec(`
		INSERT INTO alerts (created_at, timestamp_ns, level, pid, comm, score, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		time.Now(), int64(rec.TimestampNs), rec.Level, rec.PID, rec.Comm, rec.Score, rec.Reason)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %v", err)
	}
	return res.LastInsertId()
}

// InsertMatch stores one rule match.
func (db *DB) InsertMatch(rec *MatchRecord) error {
	_, err := db.Db.Exec(`
		INSERT INTO rule_matches (alert_id, rule_id, rule_name, severity, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.AlertID, rec.RuleID, rec.RuleName, rec.Severity, rec.Details, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert rule match: %v", err)
	}
	return nil
}

// InsertBaseline stores one finalized baseline.
func (db *DB) InsertBaseline(rec *BaselineRecord) error {
	_, err := db.Db.Exec(`
		INSERT INTO baselines (created_at, mean_cache_miss_rate, std_cache_miss_rate,
			mean_branch_miss_rate, std_branch_miss_rate, mean_ipc, std_ipc, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now(), rec.MeanCacheMissRate, rec.StdCacheMissRate,
		rec.MeanBranchMissRate, rec.StdBranchMissRate, rec.MeanIPC, rec.StdIPC,
		int64(rec.SampleCount))
	if err != nil {
		return fmt.Errorf("failed to insert baseline: %v", err)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (db *DB) RecentAlerts(limit int) ([]AlertRecord, error) {
	rows, err := db.Db.Query(`
		SELECT id, created_at, timestamp_ns, level, pid, comm, score, reason
		FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var rec AlertRecord
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &ts, &rec.Level,
			&rec.PID, &rec.Comm, &rec.Score, &rec.Reason); err != nil {
			return nil, err
		}
		rec.TimestampNs = uint64(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestBaseline returns the most recently stored baseline, or nil.
func (db *DB) LatestBaseline() (*BaselineRecord, error) {
	row := db.Db.QueryRow(`
		SELECT id, created_at, mean_cache_miss_rate, std_cache_miss_rate,
			mean_branch_miss_rate, std_branch_miss_rate, mean_ipc, std_ipc, sample_count
		FROM baselines ORDER BY id DESC LIMIT 1`)

	var rec BaselineRecord
	var count int64
	err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.MeanCacheMissRate, &rec.StdCacheMissRate,
		&rec.MeanBranchMissRate, &rec.StdBranchMissRate, &rec.MeanIPC, &rec.StdIPC, &count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.SampleCount = uint64(count)
	return &rec, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	return db.Db.Close()
}
