package migration

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI renders migrator operations for the migrate subcommands.
type CLI struct {
	migrator *Migrator
	out      io.Writer
}

// NewCLI wraps a migrator with human-readable output on stdout.
func NewCLI(m *Migrator) *CLI {
	return &CLI{migrator: m, out: os.Stdout}
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// RunUp applies all pending migrations.
func (c *CLI) RunUp() error {
	fmt.Fprintln(c.out, "Applying migrations...")
	if err := c.migrator.Up(); err != nil {
		return err
	}
	return c.printVersionLine("Migrations complete.")
}

// RunDown rolls back the most recent migration.
func (c *CLI) RunDown() error {
	fmt.Fprintln(c.out, "Rolling back last migration...")
	if err := c.migrator.Down(); err != nil {
		return err
	}
	return c.printVersionLine("Rollback complete.")
}

// RunDownAll rolls back everything.
func (c *CLI) RunDownAll() error {
	fmt.Fprintln(c.out, "Rolling back all migrations...")
	if err := c.migrator.DownAll(); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "All migrations rolled back.")
	return nil
}

// RunSteps applies n migrations forward or back.
func (c *CLI) RunSteps(n int) error {
	if n >= 0 {
		fmt.Fprintf(c.out, "Applying %d migration(s)...\n", n)
	} else {
		fmt.Fprintf(c.out, "Rolling back %d migration(s)...\n", -n)
	}
	if err := c.migrator.Steps(n); err != nil {
		return err
	}
	return c.printVersionLine("Complete.")
}

// RunGoto migrates to a specific version.
func (c *CLI) RunGoto(version uint) error {
	fmt.Fprintf(c.out, "Migrating to version %d...\n", version)
	if err := c.migrator.Goto(version); err != nil {
		return err
	}
	return c.printVersionLine("Complete.")
}

// RunForce overwrites the recorded version.
func (c *CLI) RunForce(version int) error {
	if err := c.migrator.Force(version); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Version forced to %d\n", version)
	return nil
}

// RunVersion prints the current schema version.
func (c *CLI) RunVersion() error {
	version, dirty, err := c.migrator.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		fmt.Fprintln(c.out, "No migrations applied yet.")
		return nil
	}
	fmt.Fprintf(c.out, "Current version: %d", version)
	if dirty {
		fmt.Fprint(c.out, " (dirty)")
	}
	fmt.Fprintln(c.out)
	return nil
}

// RunStatus prints a table of every migration and its state.
func (c *CLI) RunStatus() error {
	statuses, err := c.migrator.Statuses()
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	w.Flush()

	info, err := c.migrator.Info()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n",
		info.Total, info.Applied, info.Pending)
	return nil
}

func (c *CLI) printVersionLine(prefix string) error {
	version, dirty, err := c.migrator.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Current version: %d", prefix, version)
	if dirty {
		fmt.Fprint(c.out, " (dirty)")
	}
	fmt.Fprintln(c.out)
	return nil
}
