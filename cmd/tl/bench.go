package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/loadtest"
	"github.com/templeledger/templeledger/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure local store latency under concurrent load",
	Long: `Create a scratch store, seed it with generated records and believers, then
measure index query latency with concurrent readers and check that concurrent
writers queue exactly one upload per write.

The scratch store lives in a temporary directory and is removed afterwards;
your ledger is never touched.

Examples:
  tl bench
  tl bench --records 5000 --workers 50 --queries 20
  tl bench --json`,
	Run: runBench,
}

type benchReport struct {
	Records  int                    `json:"records"`
	Workers  int                    `json:"workers"`
	Queries  *loadtest.LatencyStats `json:"queries"`
	Mixed    *loadtest.MixedResult  `json:"mixed"`
	Duration time.Duration          `json:"duration"`
}

func runBench(cmd *cobra.Command, args []string) {
	records, _ := cmd.Flags().GetInt("records")
	workers, _ := cmd.Flags().GetInt("workers")
	queries, _ := cmd.Flags().GetInt("queries")
	writes, _ := cmd.Flags().GetInt("writes")

	if records <= 0 {
		fail("--records must be positive")
	}
	if workers <= 0 {
		fail("--workers must be positive")
	}
	if queries <= 0 {
		fail("--queries must be positive")
	}

	dir, err := os.MkdirTemp("", "tl-bench-*")
	if err != nil {
		fail("%v", err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	opts := storeOptions()
	store, _, err := db.OpenWithRetry(ctx, filepath.Join(dir, "bench.db"), opts)
	if err != nil {
		fail("failed to open scratch store: %v", err)
	}
	defer store.Close()

	start := time.Now()
	if !jsonOutput {
		fmt.Printf("Seeding %d records...\n", records)
	}
	ledger, err := loadtest.Seed(ctx, store, records)
	if err != nil {
		fail("%v", err)
	}

	report := benchReport{Records: records, Workers: workers}
	report.Queries, err = ledger.RunConcurrentQueries(ctx, workers, queries)
	if err != nil {
		fail("%v", err)
	}
	report.Mixed, err = ledger.RunMixed(ctx, workers, max(1, workers/4), writes)
	report.Duration = time.Since(start)

	if jsonOutput {
		printJSON(report)
	} else {
		fmt.Printf("\n%s (%d workers x %d queries)\n", ui.RenderHeader("Index queries"), workers, queries)
		report.Queries.Fprint(os.Stdout)
		if report.Mixed != nil {
			fmt.Printf("\n%s (%d reads, %d writes, %d queued)\n",
				ui.RenderHeader("Mixed read/write"), report.Mixed.Reads, report.Mixed.Writes, report.Mixed.Queued)
			fmt.Println("  Writes:")
			report.Mixed.Writer.Fprint(os.Stdout)
		}
		fmt.Printf("\nTotal: %v\n", report.Duration.Round(time.Millisecond))
	}

	if err != nil {
		fail("%v", err)
	}
	if report.Queries.Errors > 0 {
		os.Exit(1)
	}
}

func init() {
	benchCmd.Flags().Int("records", 1000, "number of records to seed")
	benchCmd.Flags().Int("workers", 20, "number of concurrent readers")
	benchCmd.Flags().Int("queries", 10, "queries per reader")
	benchCmd.Flags().Int("writes", 25, "additions per writer in the mixed run")
	rootCmd.AddCommand(benchCmd)
}
