package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/camwatch/internal/db"
)

// dbCmd groups the database maintenance commands.
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the results database",
	Long: `Commands for the PostgreSQL database configured under "database".
"serve" and "scan" migrate automatically when the database is enabled;
these commands work whether or not database.enabled is set.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, conn *db.DB) error {
			m := db.NewMigrator(conn.DB)
			if err := m.Up(ctx); err != nil {
				return err
			}
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		})
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which schema migrations have been applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, conn *db.DB) error {
			statuses, err := db.NewMigrator(conn.DB).Status(ctx)
			if err != nil {
				return err
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
}

func withDatabase(parent context.Context, fn func(context.Context, *db.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, databaseTimeout)
	defer cancel()

	conn, err := db.Connect(ctx, &cfg.Database.Config)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	return fn(ctx, conn)
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Applied", "At")
	pending := 0
	for _, s := range statuses {
		applied, at := "no", "-"
		if s.Applied {
			applied = "yes"
			at = s.AppliedAt.Local().Format("2006-01-02 15:04:05")
			if s.Modified {
				applied = "yes (file changed)"
			}
		} else {
			pending++
		}
		_ = table.Append([]string{s.Name, applied, at})
	}
	_ = table.Render()
	fmt.Fprintf(w, "%d migrations, %d pending\n", len(statuses), pending)
}
