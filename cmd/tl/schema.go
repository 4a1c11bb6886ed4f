package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ui"
)

var schemaCmd = &cobra.Command{
	Use:     "schema",
	GroupID: "advanced",
	Short:   "Inspect and repair the local database schema",
}

var schemaInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Compare the physical schema with the declared layout",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, err := db.Open(cfg.Store.Path, storeOptions())
		if err != nil {
			fail("%v", err)
		}
		defer store.Close()

		info, err := store.Inspect(ctx)
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(info)
			return
		}

		layout := store.Layout()
		fmt.Printf("%s %s (version %d, declared %d)\n", ui.RenderAccent("Database"), info.Path, info.Version, layout.Version)
		rows := make([][]string, 0, len(layout.Stores))
		for _, st := range layout.Stores {
			present := ui.RenderPass("ok")
			if !info.HasStore(st.Name) {
				present = ui.RenderFail("missing")
			}
			var idx []string
			for _, ix := range st.Indexes {
				if info.HasIndex(st.Name, ix.Name) {
					idx = append(idx, ix.Name)
				} else {
					idx = append(idx, ui.RenderFail(ix.Name+"!"))
				}
			}
			rows = append(rows, []string{string(st.Name), st.KeyPath, present, strings.Join(idx, ", ")})
		}
		fmt.Print(ui.Table([]string{"STORE", "KEY", "STATUS", "INDEXES"}, rows))
	},
}

var schemaRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Create missing stores and indexes",
	Long: `Bring the database up to the declared layout. Existing data is kept.

The upgrade needs exclusive access: it waits for other tl processes (such as
a running sync daemon) to close the database and gives up after
sync.blocked_retries attempts.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store, report, err := db.OpenWithRetry(ctx, cfg.Store.Path, storeOptions())
		if err != nil {
			fail("%v", err)
		}
		defer store.Close()

		if jsonOutput {
			printJSON(report)
			return
		}
		if !report.Changed() {
			fmt.Printf("%s Schema is up to date (version %d)\n", ui.RenderPass("✓"), report.ToVersion)
			return
		}
		fmt.Printf("%s Schema upgraded from version %d to %d\n", ui.RenderPass("✓"), report.FromVersion, report.ToVersion)
		for _, s := range report.CreatedStores {
			fmt.Printf("  created store %s\n", s)
		}
		for _, ix := range report.CreatedIndexes {
			fmt.Printf("  created index %s\n", ix)
		}
	},
}

func init() {
	schemaCmd.AddCommand(schemaInfoCmd, schemaRepairCmd)
	rootCmd.AddCommand(schemaCmd)
}
