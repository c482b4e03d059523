package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/internal/migration"
)

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "up":
		err = migrateUp(args[1:])
	case "down":
		err = migrateDown(args[1:])
	case "status":
		err = migrateStatus(args[1:])
	case "version":
		err = migrateVersion(args[1:])
	case "goto":
		err = migrateGoto(args[1:])
	case "force":
		err = migrateForce(args[1:])
	case "reset":
		err = migrateReset(args[1:])
	case "help", "-h", "--help":
		printMigrateUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown migrate command: %s\n\n", args[0])
		printMigrateUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

// createMigrator builds a Migrator from either an explicit database URL
// or the database section of a config file. It registers the shared
// flags on fs, so callers add their own flags before passing it in.
func createMigrator(fs *flag.FlagSet, args []string) (*migration.Migrator, error) {
	configPath := fs.String("config", "", "path to YAML config file")
	dbType := fs.String("db-type", "", "database driver (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "database connection URL, overrides config")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *dbURL != "" {
		driver, err := migration.ParseDriver(*dbType)
		if err != nil {
			return nil, err
		}
		return migration.New(migration.Options{Driver: driver, URL: *dbURL})
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return migration.NewFromConfig(cfg.Database)
}

func migrateUp(args []string) error {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	steps := fs.Int("steps", 0, "apply only this many migrations")
	m, err := createMigrator(fs, args)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	if *steps > 0 {
		return cli.RunSteps(*steps)
	}
	return cli.RunUp()
}

func migrateDown(args []string) error {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "revert every applied migration")
	steps := fs.Int("steps", 0, "revert only this many migrations")
	m, err := createMigrator(fs, args)
	if err != nil {
		return err
	}
	defer m.Close()

	cli := migration.NewCLI(m)
	switch {
	case *all:
		return cli.RunDownAll()
	case *steps > 0:
		return cli.RunSteps(-*steps)
	default:
		return cli.RunDown()
	}
}

func migrateStatus(args []string) error {
	fs := flag.NewFlagSet("migrate status", flag.ExitOnError)
	m, err := createMigrator(fs, args)
	if err != nil {
		return err
	}
	defer m.Close()
	return migration.NewCLI(m).RunStatus()
}

func migrateVersion(args []string) error {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	m, err := createMigrator(fs, args)
	if err != nil {
		return err
	}
	defer m.Close()
	return migration.NewCLI(m).RunVersion()
}

func migrateGoto(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("goto requires a target version")
	}
	version, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[0], err)
	}

	fs := flag.NewFlagSet("migrate goto", flag.ExitOnError)
	m, err := createMigrator(fs, args[1:])
	if err != nil {
		return err
	}
	defer m.Close()
	return migration.NewCLI(m).RunGoto(uint(version))
}

func migrateForce(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("force requires a version")
	}
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", args[0], err)
	}

	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	m, err := createMigrator(fs, args[1:])
	if err != nil {
		return err
	}
	defer m.Close()
	return migration.NewCLI(m).RunForce(version)
}

func migrateReset(args []string) error {
	fs := flag.NewFlagSet("migrate reset", flag.ExitOnError)
	m, err := createMigrator(fs, args)
	if err != nil {
		return err
	}
	defer m.Close()
	return migration.NewCLI(m).RunDownAll()
}

func printMigrateUsage() {
	fmt.Print(`Manage the AgentHive database schema.

Usage:
  agenthive migrate <command> [flags]

Commands:
  up         Apply pending migrations (--steps N applies only N)
  down       Revert the most recent migration (--steps N, --all)
  status     Show each migration and whether it is applied
  version    Show the current schema version
  goto <v>   Migrate up or down to version v
  force <v>  Overwrite the recorded version without running migrations
  reset      Revert every applied migration

Shared flags:
  --config <path>    Path to YAML configuration file
  --db-type <name>   Database driver: postgres, mysql, sqlite (default postgres)
  --db-url <url>     Connection URL, bypasses the config file

Examples:
  agenthive migrate up --config configs/agenthive.yaml
  agenthive migrate down --steps 1 --db-type sqlite --db-url file:agenthive.db
  agenthive migrate goto 3 --db-type postgres --db-url "postgres://localhost:5432/agenthive?sslmode=disable"
`)
}
