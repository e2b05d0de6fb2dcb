package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/silentpetals/internal/confessions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	schemeSQLite     = "sqlite://"
	schemePostgres   = "postgres://"
	schemePostgreSQL = "postgresql://"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrMissingURL indicates that no database URL was configured.
	ErrMissingURL = errors.New("database: url is required")
	// ErrUnsupportedScheme indicates a database URL with an unknown scheme.
	ErrUnsupportedScheme = errors.New("database: unsupported url scheme")
)

// Target is a parsed database URL.
type Target struct {
	Driver string
	DSN    string
}

// ParseURL resolves a database URL into a driver and the DSN that driver expects.
// sqlite:// URLs carry a file path (or an in-memory DSN) after the scheme;
// postgres:// and postgresql:// URLs are handed to the driver unchanged.
func ParseURL(rawURL string) (Target, error) {
	trimmed := strings.TrimSpace(rawURL)
	switch {
	case trimmed == "":
		return Target{}, ErrMissingURL
	case strings.HasPrefix(trimmed, schemeSQLite):
		path := strings.TrimPrefix(trimmed, schemeSQLite)
		if path == "" {
			return Target{}, fmt.Errorf("%w: sqlite path is empty", ErrMissingURL)
		}
		return Target{Driver: DriverSQLite, DSN: path}, nil
	case strings.HasPrefix(trimmed, schemePostgres), strings.HasPrefix(trimmed, schemePostgreSQL):
		return Target{Driver: DriverPostgres, DSN: trimmed}, nil
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, redact(trimmed))
	}
}

// Open establishes the connection named by rawURL and performs schema migrations.
func Open(rawURL string, logger *zap.Logger) (*gorm.DB, error) {
	target, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch target.Driver {
	case DriverPostgres:
		dialector = postgres.Open(target.DSN)
	default:
		dialector = sqlite.Open(target.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if target.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}

	if err := db.AutoMigrate(&confessions.Confession{}, &confessions.Like{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", target.Driver))
	return db, nil
}

// redact hides everything after the scheme so credentials never reach logs.
func redact(rawURL string) string {
	if index := strings.Index(rawURL, "://"); index >= 0 {
		return rawURL[:index+3] + "..."
	}
	return "..."
}
