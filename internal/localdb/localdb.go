package localdb

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nantokaworks/ding-station/internal/shared/logger"
	"go.uber.org/zap"
)

var DBClient *sql.DB

// SetupDB opens the sqlite database and creates all tables.
func SetupDB(dbPath string) (*sql.DB, error) {
	if DBClient != nil {
		return DBClient, nil
	}

	// WAL mode and busy timeout guard against writer contention between
	// the worker goroutines and external readers.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// sqlite has a single writer; keep the pool at one connection.
	db.SetMaxOpenConns(1)

	DBClient = db

	if err := SetupJobsTable(db); err != nil {
		return nil, err
	}
	if err := SetupSettingsTable(db); err != nil {
		return nil, err
	}

	logger.Info("Database initialized", zap.String("path", dbPath))
	return db, nil
}

// GetDB returns the shared database handle, or nil before SetupDB.
func GetDB() *sql.DB {
	return DBClient
}

// Close closes the shared handle. Used by shutdown and tests.
func Close() error {
	if DBClient == nil {
		return nil
	}
	err := DBClient.Close()
	DBClient = nil
	return err
}

// SetupSettingsTable creates the settings table.
func SetupSettingsTable(db *sql.DB) error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		setting_type TEXT NOT NULL DEFAULT 'normal',
		is_required BOOLEAN NOT NULL DEFAULT 0,
		description TEXT DEFAULT '',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	if _, err := db.Exec(createTableSQL); err != nil {
		logger.Error("Failed to create settings table", zap.Error(err))
		return err
	}
	return nil
}
