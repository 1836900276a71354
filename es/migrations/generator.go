// Package migrations provides SQL migration generation for the event store
// schema.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// EventsTable is the name of the events table
	EventsTable string

	// StreamHeadsTable is the name of the stream version tracking table
	StreamHeadsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// CheckpointsTable is the name of the subscription checkpoints table
	CheckpointsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_event_store.sql", timestamp),
		EventsTable:      "events",
		StreamHeadsTable: "stream_heads",
		SnapshotsTable:   "snapshots",
		CheckpointsTable: "subscription_checkpoints",
	}
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return writeMigration(config, GeneratePostgresSQL(config))
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return writeMigration(config, GenerateMySQLSQL(config))
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return writeMigration(config, GenerateSQLiteSQL(config))
}

func writeMigration(config *Config, sql string) error {
	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgresSQL returns the PostgreSQL schema as a string.
func GeneratePostgresSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Store Migration
-- Generated: %s

-- Events table stores all events in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    global_position BIGSERIAL PRIMARY KEY,
    stream_type TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    payload BYTEA NOT NULL,
    correlation_id UUID,
    causation_id UUID,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    -- Ensure version uniqueness per stream
    UNIQUE (stream_type, stream_id, version)
);

-- Index for stream reads
CREATE INDEX IF NOT EXISTS idx_%s_stream
    ON %s (stream_type, stream_id, version);

-- Index for event type queries
CREATE INDEX IF NOT EXISTS idx_%s_event_type
    ON %s (event_type, global_position);

-- Stream heads table tracks the current version of each stream
-- Provides O(1) version lookup for event append operations
CREATE TABLE IF NOT EXISTS %s (
    stream_type TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (stream_type, stream_id)
);

-- Snapshots table stores at most one advisory snapshot per stream
CREATE TABLE IF NOT EXISTS %s (
    stream_type TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    version BIGINT NOT NULL,
    payload BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (stream_type, stream_id)
);

-- Subscription checkpoints table tracks each subscription's last
-- acknowledged global position
CREATE TABLE IF NOT EXISTS %s (
    subscription_id TEXT PRIMARY KEY,
    last_position BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.StreamHeadsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}

// GenerateMySQLSQL returns the MySQL/MariaDB schema as a string.
func GenerateMySQLSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Store Migration for MySQL/MariaDB
-- Generated: %s

-- Events table stores all events in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    global_position BIGINT AUTO_INCREMENT PRIMARY KEY,
    stream_type VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    event_id BINARY(16) NOT NULL UNIQUE,
    event_type VARCHAR(255) NOT NULL,
    payload BLOB NOT NULL,
    correlation_id CHAR(36),
    causation_id CHAR(36),
    metadata JSON,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    -- Ensure version uniqueness per stream
    UNIQUE KEY unique_stream_version (stream_type, stream_id, version)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Index for event type queries
CREATE INDEX idx_%s_event_type
    ON %s (event_type, global_position);

-- Stream heads table tracks the current version of each stream
-- Provides O(1) version lookup for event append operations
CREATE TABLE IF NOT EXISTS %s (
    stream_type VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),

    PRIMARY KEY (stream_type, stream_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Snapshots table stores at most one advisory snapshot per stream
CREATE TABLE IF NOT EXISTS %s (
    stream_type VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    version BIGINT NOT NULL,
    payload BLOB NOT NULL,
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    PRIMARY KEY (stream_type, stream_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Subscription checkpoints table tracks each subscription's last
-- acknowledged global position
CREATE TABLE IF NOT EXISTS %s (
    subscription_id VARCHAR(255) PRIMARY KEY,
    last_position BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.StreamHeadsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}

// GenerateSQLiteSQL returns the SQLite schema as a string.
func GenerateSQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Store Migration for SQLite
-- Generated: %s

-- Events table stores all events in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    global_position INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_type TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    payload BLOB NOT NULL,
    correlation_id TEXT,
    causation_id TEXT,
    metadata TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),

    -- Ensure version uniqueness per stream
    UNIQUE (stream_type, stream_id, version)
);

-- Index for stream reads
CREATE INDEX IF NOT EXISTS idx_%s_stream
    ON %s (stream_type, stream_id, version);

-- Index for event type queries
CREATE INDEX IF NOT EXISTS idx_%s_event_type
    ON %s (event_type, global_position);

-- Stream heads table tracks the current version of each stream
-- Provides O(1) version lookup for event append operations
CREATE TABLE IF NOT EXISTS %s (
    stream_type TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (datetime('now')),

    PRIMARY KEY (stream_type, stream_id)
);

-- Snapshots table stores at most one advisory snapshot per stream
CREATE TABLE IF NOT EXISTS %s (
    stream_type TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    payload BLOB NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),

    PRIMARY KEY (stream_type, stream_id)
);

-- Subscription checkpoints table tracks each subscription's last
-- acknowledged global position
CREATE TABLE IF NOT EXISTS %s (
    subscription_id TEXT PRIMARY KEY,
    last_position INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`,
		time.Now().Format(time.RFC3339),
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.StreamHeadsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}
