package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/atelier/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/atelier/internal/store/migrations"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	defaultSQLiteFile = "atelier.db"
	sqliteMemory      = ":memory:"
)

// databaseTarget is a parsed DATABASE_URL.
type databaseTarget struct {
	driver string
	dsn    string
}

// database is an open gorm handle together with the target it was opened from.
type database struct {
	target databaseTarget
	gorm   *gorm.DB
}

func (db database) close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// prepareSchema brings the schema up to date and returns the applied goose
// version. sqlite is auto-migrated and always reports zero.
func (db database) prepareSchema(ctx context.Context) (int64, error) {
	if db.target.driver == driverSQLite {
		return 0, gormstore.New(db.gorm).AutoMigrate(ctx)
	}
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return 0, err
	}
	if err := migrations.Up(ctx, sqlDB); err != nil {
		return 0, err
	}
	return migrations.Version(ctx, sqlDB)
}

func openDatabase(databaseURL string) (database, error) {
	target, err := resolveTarget(databaseURL)
	if err != nil {
		return database{}, err
	}
	var dialector gorm.Dialector
	switch target.driver {
	case driverPostgres:
		dialector = postgres.Open(target.dsn)
	default:
		dialector = sqlite.Open(target.dsn)
	}
	handle, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return database{}, fmt.Errorf("open %s: %w", target.driver, err)
	}
	if target.driver == driverSQLite {
		sqlDB, err := handle.DB()
		if err != nil {
			return database{}, err
		}
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	return database{target: target, gorm: handle}, nil
}

// resolveTarget maps postgres URLs through unchanged and turns sqlite URLs or
// bare paths into a file path whose parent directory exists.
func resolveTarget(databaseURL string) (databaseTarget, error) {
	if isPostgresURL(databaseURL) {
		return databaseTarget{driver: driverPostgres, dsn: databaseURL}, nil
	}
	location := databaseURL
	if strings.HasPrefix(databaseURL, "sqlite://") {
		parsed, err := url.Parse(databaseURL)
		if err != nil {
			return databaseTarget{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		location = parsed.Path
		if location == "" {
			location = parsed.Host
		}
		if location == "" || location == "/" {
			location = defaultSQLiteFile
		}
	}
	if location == sqliteMemory {
		return databaseTarget{driver: driverSQLite, dsn: location}, nil
	}
	if !filepath.IsAbs(location) {
		location = filepath.Join(".", location)
	}
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return databaseTarget{}, fmt.Errorf("create sqlite directory: %w", err)
	}
	return databaseTarget{driver: driverSQLite, dsn: location}, nil
}

func isPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

// Migrate opens databaseURL, applies the schema and closes the connection.
func Migrate(ctx context.Context, databaseURL string) (int64, error) {
	db, err := openDatabase(databaseURL)
	if err != nil {
		return 0, fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = db.close() }()
	return db.prepareSchema(ctx)
}
