package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/eddielth/simonair-bridge/logger"
)

// MySQLStorage stores readings in MySQL.
type MySQLStorage struct {
	sqlStore
	database string
}

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		"CREATE TABLE IF NOT EXISTS devices (" +
			"device_id VARCHAR(32) PRIMARY KEY," +
			"name VARCHAR(255)," +
			"active BOOLEAN NOT NULL DEFAULT TRUE," +
			"created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		"CREATE TABLE IF NOT EXISTS sensor_readings (" +
			"device_id VARCHAR(32) NOT NULL," +
			"recorded_at DATETIME(3) NOT NULL," +
			"temperature DOUBLE NULL," +
			"temperature_calibrated DOUBLE NULL," +
			"ph DOUBLE NULL," +
			"ph_calibrated DOUBLE NULL," +
			"tds DOUBLE NULL," +
			"tds_calibrated DOUBLE NULL," +
			"do_level DOUBLE NULL," +
			"do_level_calibrated DOUBLE NULL," +
			"PRIMARY KEY (device_id, recorded_at)" +
			") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	},
	insertReading: `INSERT IGNORE INTO sensor_readings (device_id, recorded_at,
		temperature, temperature_calibrated, ph, ph_calibrated,
		tds, tds_calibrated, do_level, do_level_calibrated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	lookupDevice: `SELECT name, active FROM devices WHERE device_id = ?`,
	upsertDevice: `INSERT INTO devices (device_id, name, active) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), active = VALUES(active)`,
}

// NewMySQLStorage creates the database if missing, connects and prepares the
// tables.
func NewMySQLStorage(ctx context.Context, dsn string) (*MySQLStorage, error) {
	database, serverDSN, connDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}

	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect mysql server: %w", err)
	}
	defer serverDB.Close()

	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		strings.ReplaceAll(database, "`", "``"))
	if _, err := serverDB.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create database %s: %w", database, err)
	}

	db, err := openDB(ctx, "mysql", connDSN)
	if err != nil {
		return nil, err
	}

	storage := &MySQLStorage{
		sqlStore: sqlStore{db: db, dialect: mysqlDialect},
		database: database,
	}
	if err := storage.InitDatabase(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("mysql storage ready: %s", database)
	return storage, nil
}

// parseMySQLDSN returns the database name, a DSN without it for creating the
// database, and the connection DSN with parseTime and UTC forced on.
func parseMySQLDSN(dsn string) (database, serverDSN, connDSN string, err error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", "", err
	}
	if cfg.DBName == "" {
		return "", "", "", fmt.Errorf("no database name in dsn")
	}
	database = cfg.DBName

	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connDSN = cfg.FormatDSN()

	cfg.DBName = ""
	serverDSN = cfg.FormatDSN()
	return database, serverDSN, connDSN, nil
}
