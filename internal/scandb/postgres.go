package scandb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
)

// PostgresConfig holds the connection settings for a shared Postgres-backed
// scan store. A shared store lets GUI and monitoring clients on other hosts
// observe a run in progress.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the config for usable values.
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("database URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("database ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("database max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("database max idle conns must be between 0 and max open conns")
	}
	return nil
}

// DefaultPostgresConfig returns a config with conservative pool settings for
// the given connection URL.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// PostgresStore implements scandb.Store on a Postgres database via the pgx
// stdlib driver. Scan data columns are stored as JSON-encoded float arrays;
// at step-scan point rates (one write per dwell period) this comfortably
// outruns the beamline.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to the database, verifies the connection, and
// creates the schema if it does not exist.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open scan database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping scan database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scan_info (
			key      TEXT PRIMARY KEY,
			value    TEXT NOT NULL,
			modified TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS scan_data (
			label  TEXT PRIMARY KEY,
			pvname TEXT NOT NULL DEFAULT '',
			units  TEXT NOT NULL DEFAULT '',
			notes  TEXT NOT NULL DEFAULT '',
			vals   JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS scan_definitions (
			name     TEXT PRIMARY KEY,
			doc      BYTEA NOT NULL,
			modified TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS scan_commands (
			id        UUID PRIMARY KEY,
			name      TEXT NOT NULL,
			arguments TEXT NOT NULL DEFAULT '',
			status    TEXT NOT NULL,
			run_order BIGSERIAL,
			requested TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create scan database schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetInfo(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM scan_info WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *PostgresStore) GetInfoBool(key string) bool {
	value, exists := s.GetInfo(key)
	if !exists {
		return false
	}
	switch value {
	case "1", "true", "True", "yes", "on":
		return true
	}
	return false
}

func (s *PostgresStore) SetInfo(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO scan_info (key, value, modified) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, modified = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set info %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) AddScanData(label, pvname, units, notes string, values []float64) error {
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO scan_data (label, pvname, units, notes, vals) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (label) DO UPDATE
		 SET pvname = EXCLUDED.pvname, units = EXCLUDED.units, notes = EXCLUDED.notes, vals = EXCLUDED.vals`,
		label, pvname, units, notes, encoded,
	)
	if err != nil {
		return fmt.Errorf("add scan data column %q: %w", label, err)
	}
	return nil
}

func (s *PostgresStore) SetScanData(label string, values []float64) error {
	encoded, err := encodeValues(values)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO scan_data (label, vals) VALUES ($1, $2)
		 ON CONFLICT (label) DO UPDATE SET vals = EXCLUDED.vals`,
		label, encoded,
	)
	if err != nil {
		return fmt.Errorf("set scan data column %q: %w", label, err)
	}
	return nil
}

func (s *PostgresStore) AppendScanData(label string, values []float64) error {
	current, _ := s.GetScanData(label)
	return s.SetScanData(label, append(current, values...))
}

func (s *PostgresStore) GetScanData(label string) ([]float64, bool) {
	var encoded []byte
	err := s.db.QueryRow(`SELECT vals FROM scan_data WHERE label = $1`, label).Scan(&encoded)
	if err != nil {
		return nil, false
	}
	var values []float64
	if err := json.Unmarshal(encoded, &values); err != nil {
		return nil, false
	}
	return values, true
}

func (s *PostgresStore) ClearScanData() error {
	if _, err := s.db.Exec(`DELETE FROM scan_data`); err != nil {
		return fmt.Errorf("clear scan data: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScanDefinition(name string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRow(`SELECT doc FROM scan_definitions WHERE name = $1`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scandb.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan definition %q: %w", name, err)
	}
	return doc, nil
}

func (s *PostgresStore) PutScanDefinition(name string, doc []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO scan_definitions (name, doc, modified) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET doc = EXCLUDED.doc, modified = now()`,
		name, doc,
	)
	if err != nil {
		return fmt.Errorf("put scan definition %q: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) AddCommand(name, arguments string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(
		`INSERT INTO scan_commands (id, name, arguments, status) VALUES ($1, $2, $3, $4)`,
		id, name, arguments, string(scandb.CommandRequested),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("add command %q: %w", name, err)
	}
	return id, nil
}

func (s *PostgresStore) PendingCommands() ([]scandb.Command, error) {
	rows, err := s.db.Query(
		`SELECT id, name, arguments, status, run_order, requested
		 FROM scan_commands WHERE status = $1 ORDER BY run_order`,
		string(scandb.CommandRequested),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	defer rows.Close()

	var pending []scandb.Command
	for rows.Next() {
		var cmd scandb.Command
		var status string
		if err := rows.Scan(&cmd.ID, &cmd.Name, &cmd.Arguments, &status, &cmd.RunOrder, &cmd.Requested); err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		cmd.Status = scandb.CommandStatus(status)
		pending = append(pending, cmd)
	}
	return pending, rows.Err()
}

func (s *PostgresStore) GetCommand(id uuid.UUID) (scandb.Command, error) {
	var cmd scandb.Command
	var status string
	err := s.db.QueryRow(
		`SELECT id, name, arguments, status, run_order, requested
		 FROM scan_commands WHERE id = $1`, id,
	).Scan(&cmd.ID, &cmd.Name, &cmd.Arguments, &status, &cmd.RunOrder, &cmd.Requested)
	if errors.Is(err, sql.ErrNoRows) {
		return scandb.Command{}, scandb.ErrCommandNotFound
	}
	if err != nil {
		return scandb.Command{}, fmt.Errorf("get command: %w", err)
	}
	cmd.Status = scandb.CommandStatus(status)
	return cmd, nil
}

func (s *PostgresStore) SetCommandStatus(id uuid.UUID, status scandb.CommandStatus) error {
	res, err := s.db.Exec(`UPDATE scan_commands SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set command status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return scandb.ErrCommandNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func encodeValues(values []float64) ([]byte, error) {
	if values == nil {
		values = []float64{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode scan data values: %w", err)
	}
	return encoded, nil
}

var _ scandb.Store = (*PostgresStore)(nil)
