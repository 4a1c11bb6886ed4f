package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/migrate"
	"github.com/templeledger/templeledger/internal/ledger/schema"
	"github.com/templeledger/templeledger/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "advanced",
	Short:   "Import data from older storage formats",
}

var migrateLegacyCmd = &cobra.Command{
	Use:   "legacy [dir]",
	Short: "Import the legacy flat key/value files",
	Long: `Import data kept by the legacy storage: one JSON array per key, stored as
<key>.json in a directory (default: legacy.dir):

  temple-records.json           records
  temple-believers.json         believers
  temple-reminders.json         reminders
  custom-income-categories.json income categories
  custom-expense-categories.json expense categories

The import is one atomic batch and every imported entity is queued for
upload. It runs once; a flag in the settings makes later runs no-ops
unless --force is given. The sync daemon runs it automatically at start.

Examples:
  tl migrate legacy ./old-data --dry-run
  tl migrate legacy ./old-data --backup`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		force, _ := cmd.Flags().GetBool("force")
		dir := cfg.Legacy.Dir
		if len(args) == 1 {
			dir = args[0]
		}
		if dir == "" {
			fail("no legacy directory given and legacy.dir is not set")
		}

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		result, err := migrate.Migrate(ctx, store, migrate.Options{
			Dir:    dir,
			DryRun: dryRun,
			Backup: backup,
			Force:  force,
			Logger: logger("migrate"),
		})
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(result)
			return
		}
		if result.Skipped {
			fmt.Println(ui.RenderMuted("Legacy data was already imported (use --force to import again)"))
			return
		}

		verb := "Imported"
		if result.DryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d entities from %s\n", ui.RenderPass("✓"), verb, result.Migrated, dir)
		colls := make([]string, 0, len(result.Counts))
		for coll := range result.Counts {
			colls = append(colls, string(coll))
		}
		sort.Strings(colls)
		for _, coll := range colls {
			fmt.Printf("  %s: %d\n", coll, result.Counts[schema.Collection(coll)])
		}
		if result.BackupCreated != "" {
			fmt.Printf("Backup: %s\n", result.BackupCreated)
		}
	},
}

// importLegacy runs the one-time import from legacy.dir, if configured.
func importLegacy(ctx context.Context, store *db.DB, force bool) error {
	if cfg.Legacy.Dir == "" {
		return nil
	}
	_, err := migrate.Migrate(ctx, store, migrate.Options{
		Dir:    cfg.Legacy.Dir,
		Backup: true,
		Force:  force,
		Logger: logger("migrate"),
	})
	return err
}

func init() {
	migrateLegacyCmd.Flags().Bool("dry-run", false, "report what would be imported without writing")
	migrateLegacyCmd.Flags().Bool("backup", false, "copy the legacy files to a timestamped backup directory first")
	migrateLegacyCmd.Flags().Bool("force", false, "import even if a previous import succeeded")

	migrateCmd.AddCommand(migrateLegacyCmd)
	rootCmd.AddCommand(migrateCmd)
}
