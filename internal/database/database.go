package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/agenthive/config"
)

// Open connects to the archive database named by cfg. The driver
// selects the dialector: postgres and mysql for server deployments,
// sqlite for single-file ones ("sqlite-go" forces the pure-Go driver
// for builds without cgo). GORM's own logger is silenced; diagnostics
// go through zap.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dial gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres", "postgresql":
		dial = postgres.Open(postgresDSN(cfg))
	case "mysql":
		dial = mysql.Open(mysqlDSN(cfg))
	case "sqlite", "sqlite3":
		dial = gormsqlite.Open(sqlitePath(cfg))
	case "sqlite-go":
		dial = sqlite.Open(sqlitePath(cfg))
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", cfg.Driver, err)
	}

	logger.Info("database opened",
		zap.String("driver", cfg.Driver),
		zap.String("name", cfg.Name),
	)
	return db, nil
}

func postgresDSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, sslMode)
}

func mysqlDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
}

func sqlitePath(cfg config.DatabaseConfig) string {
	if cfg.Name == "" {
		return ":memory:"
	}
	return cfg.Name
}
