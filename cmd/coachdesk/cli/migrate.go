package cli

import (
	"fmt"
	"io"

	"github.com/coachdesk/coachdesk/internal/platform/db"
)

// Migrations is the subset of db.Migrator driven by the migrate command.
type Migrations interface {
	Up() error
	Down() error
	Status() (db.MigrationStatus, error)
}

// Migrate runs action (up, down or status) and prints the resulting version.
func Migrate(m Migrations, action string, out io.Writer) error {
	switch action {
	case "up":
		if err := m.Up(); err != nil {
			return err
		}
	case "down":
		if err := m.Down(); err != nil {
			return err
		}
	case "status", "":
	default:
		return fmt.Errorf("migrate: unknown action %q (want up, down or status)", action)
	}
	status, err := m.Status()
	if err != nil {
		return err
	}
	if !status.Applied {
		_, err = fmt.Fprintln(out, "schema: no migrations applied")
		return err
	}
	dirty := ""
	if status.Dirty {
		dirty = " (dirty)"
	}
	_, err = fmt.Fprintf(out, "schema: version %d%s\n", status.Version, dirty)
	return err
}
