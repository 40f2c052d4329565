package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eddielth/simonair-bridge/device"
	"github.com/eddielth/simonair-bridge/logger"
	"github.com/eddielth/simonair-bridge/telemetry"
)

// DatabaseType names a supported SQL backend.
type DatabaseType string

const (
	MySQL      DatabaseType = "mysql"
	PostgreSQL DatabaseType = "postgresql"
)

// DatabaseStorage is a SQL backend that also serves as the device registry.
type DatabaseStorage interface {
	Backend
	device.Registry
	// InitDatabase creates the tables if they do not exist.
	InitDatabase(ctx context.Context) error
	// RegisterDevice inserts or updates a device row.
	RegisterDevice(ctx context.Context, dev device.Device) error
}

// NewDatabaseStorage opens the backend named by dbType.
func NewDatabaseStorage(ctx context.Context, dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(ctx, dsn)
	case PostgreSQL, "postgres":
		return NewPostgreSQLStorage(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// dialect carries the statements that differ between SQL servers.
type dialect struct {
	name          string
	schema        []string
	insertReading string
	lookupDevice  string
	upsertDevice  string
}

// sqlStore implements the shared part of the SQL backends.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func openDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (s *sqlStore) InitDatabase(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.name, err)
		}
	}
	logger.Info("%s tables ready", s.dialect.name)
	return nil
}

func (s *sqlStore) Store(ctx context.Context, r telemetry.SensorReading) error {
	res, err := s.db.ExecContext(ctx, s.dialect.insertReading, readingArgs(r)...)
	if err != nil {
		return fmt.Errorf("%s insert reading %s: %w", s.dialect.name, r.DeviceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logger.Debug("%s: reading %s@%s already stored", s.dialect.name, r.DeviceID, r.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func (s *sqlStore) Lookup(ctx context.Context, id string) (device.Device, error) {
	dev := device.Device{ID: id}
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, s.dialect.lookupDevice, id).Scan(&name, &dev.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return device.Device{}, device.ErrNotFound
	}
	if err != nil {
		return device.Device{}, fmt.Errorf("%s lookup device: %w", s.dialect.name, err)
	}
	dev.Name = name.String
	return dev, nil
}

func (s *sqlStore) RegisterDevice(ctx context.Context, dev device.Device) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertDevice, dev.ID, dev.Name, dev.Active)
	return wrap(s.dialect.name+" register device "+dev.ID, err)
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.dialect.name, err)
	}
	logger.Info("%s connection closed", s.dialect.name)
	return nil
}
