package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/applications"
	"github.com/MarcoPoloResearchLab/intake/internal/forms"
	"github.com/MarcoPoloResearchLab/intake/internal/locking"
	"github.com/MarcoPoloResearchLab/intake/internal/scoring"
	sqlite "github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	postgresPingTimeout = 5 * time.Second
)

// Config selects and locates the database.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Models lists every table the service owns, in dependency order.
func Models() []any {
	return []any{
		&forms.Form{},
		&forms.FieldVersion{},
		&forms.ChoiceVersion{},
		&applications.Participant{},
		&applications.Application{},
		&applications.FieldResponse{},
		&scoring.Rule{},
		&locking.ProcessingLock{},
		&migrationRecord{},
	}
}

// Open connects to the configured database and brings the schema up to date.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		db, err = OpenSQLite(cfg.Path, logger)
	case DriverPostgres:
		db, err = OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("database driver %q is not supported", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()))
	return db, nil
}

// OpenSQLite opens a single-writer SQLite database.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// OpenPostgres opens a pooled Postgres connection through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: newGormLogger(logger)})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table, then runs pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
