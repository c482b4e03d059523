package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/BaSui01/agenthive/config"
)

// The archive schema ships with the binary, one migration set per
// driver dialect.

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// Driver names a supported archive database dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"
)

// ParseDriver normalizes a configured driver string.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(s) {
	case "", "postgres", "postgresql", "pg":
		return DriverPostgres, nil
	case "mysql", "mariadb":
		return DriverMySQL, nil
	case "sqlite", "sqlite3", "sqlite-go":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("migration: unsupported driver %q", s)
	}
}

// Status describes one known migration.
type Status struct {
	Version uint   `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Dirty   bool   `json:"dirty"`
}

// Info summarizes the schema state.
type Info struct {
	CurrentVersion uint `json:"current_version"`
	Dirty          bool `json:"dirty"`
	Total          int  `json:"total"`
	Applied        int  `json:"applied"`
	Pending        int  `json:"pending"`
}

// Options configures a Migrator directly; most callers go through
// NewFromConfig instead.
type Options struct {
	Driver Driver
	// URL is the database/sql connection string for the driver.
	URL string
	// TableName is the migrations bookkeeping table. Defaults to
	// schema_migrations.
	TableName string
}

// Migrator applies the embedded archive schema with golang-migrate.
type Migrator struct {
	driver  Driver
	db      *sql.DB
	migrate *migrate.Migrate
}

// New opens the database and binds it to the embedded migration source
// for its dialect.
func New(opts Options) (*Migrator, error) {
	if opts.URL == "" {
		return nil, errors.New("migration: database URL is required")
	}
	driver, err := ParseDriver(string(opts.Driver))
	if err != nil {
		return nil, err
	}
	if opts.TableName == "" {
		opts.TableName = "schema_migrations"
	}

	// The migrate database drivers register the matching database/sql
	// drivers under these names.
	db, err := sql.Open(string(driver), opts.URL)
	if err != nil {
		return nil, fmt.Errorf("migration: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration: ping database: %w", err)
	}

	var dbDriver database.Driver
	switch driver {
	case DriverPostgres:
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{MigrationsTable: opts.TableName})
	case DriverMySQL:
		dbDriver, err = mysql.WithInstance(db, &mysql.Config{MigrationsTable: opts.TableName})
	case DriverSQLite:
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: opts.TableName})
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration: bind %s driver: %w", driver, err)
	}

	src, err := iofs.New(sourceFS(driver), "migrations/"+string(driver))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration: open embedded source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(driver), dbDriver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration: create migrator: %w", err)
	}

	return &Migrator{driver: driver, db: db, migrate: m}, nil
}

// NewFromConfig builds a Migrator for the configured archive database.
func NewFromConfig(cfg config.DatabaseConfig) (*Migrator, error) {
	driver, err := ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return New(Options{Driver: driver, URL: URL(driver, cfg)})
}

// URL builds the connection string migrations use for the given driver.
func URL(driver Driver, cfg config.DatabaseConfig) string {
	switch driver {
	case DriverPostgres:
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, sslMode)
	case DriverMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	case DriverSQLite:
		name := cfg.Name
		if name == "" {
			name = ":memory:"
		}
		return "file:" + name + "?mode=rwc"
	default:
		return ""
	}
}

// Up applies every pending migration.
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration: up: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration: down: %w", err)
	}
	return nil
}

// DownAll rolls back every applied migration.
func (m *Migrator) DownAll() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration: down all: %w", err)
	}
	return nil
}

// Steps applies n migrations forward, or rolls back -n.
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration: steps %d: %w", n, err)
	}
	return nil
}

// Goto migrates up or down to the given version.
func (m *Migrator) Goto(version uint) error {
	if err := m.migrate.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration: goto %d: %w", version, err)
	}
	return nil
}

// Force overwrites the recorded version without running migrations.
// Recovery hatch for a dirty schema.
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("migration: force %d: %w", version, err)
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
// A fresh database reports version 0.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration: version: %w", err)
	}
	return version, dirty, nil
}

// Statuses lists every known migration with its applied state.
func (m *Migrator) Statuses() ([]Status, error) {
	current, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}

	files, err := availableMigrations(m.driver)
	if err != nil {
		return nil, err
	}

	statuses := make([]Status, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, Status{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

// Info summarizes the current schema state.
func (m *Migrator) Info() (*Info, error) {
	current, dirty, err := m.Version()
	if err != nil {
		return nil, err
	}

	files, err := availableMigrations(m.driver)
	if err != nil {
		return nil, err
	}

	applied := 0
	for _, f := range files {
		if f.version <= current {
			applied++
		}
	}
	return &Info{
		CurrentVersion: current,
		Dirty:          dirty,
		Total:          len(files),
		Applied:        applied,
		Pending:        len(files) - applied,
	}, nil
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil {
		return fmt.Errorf("migration: close source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migration: close database: %w", dbErr)
	}
	return nil
}

func sourceFS(driver Driver) fs.FS {
	switch driver {
	case DriverMySQL:
		return mysqlFS
	case DriverSQLite:
		return sqliteFS
	default:
		return postgresFS
	}
}

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations lists the embedded up migrations for a driver,
// sorted by version. File names follow NNNNNN_name.up.sql.
func availableMigrations(driver Driver) ([]migrationFile, error) {
	entries, err := fs.ReadDir(sourceFS(driver), "migrations/"+string(driver))
	if err != nil {
		return nil, fmt.Errorf("migration: read embedded migrations: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{
			version: uint(version),
			name:    strings.TrimSuffix(parts[1], ".up.sql"),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
