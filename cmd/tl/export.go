package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/schema"
	"github.com/templeledger/templeledger/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export every collection except the sync queue",
	Long: `Write a snapshot of the local ledger as JSON or YAML.

Examples:
  tl export > ledger.json
  tl export --format yaml -o ledger.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		if output != "" && !cmd.Flags().Changed("format") {
			format = formatFor(output)
		}

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		snap, err := store.ExportAllData(ctx)
		if err != nil {
			fail("%v", err)
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fail("%v", err)
			}
			defer f.Close()
			w = f
		}
		if err := encodeSnapshot(w, snap, format); err != nil {
			fail("%v", err)
		}
		if output != "" {
			fmt.Fprintf(os.Stderr, "%s Exported to %s\n", ui.RenderPass("✓"), output)
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Replace collections with the content of an export",
	Long: `Import a snapshot written by tl export. Every collection present in the
file is cleared and refilled in one transaction, and every imported entity
is queued for upload.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			fail("%v", err)
		}
		snap, err := decodeSnapshot(data, formatFor(args[0]))
		if err != nil {
			fail("%v", err)
		}

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		n, err := store.ImportData(ctx, snap)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Imported %d entities from %s\n", ui.RenderPass("✓"), n, args[0])
	},
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func encodeSnapshot(w io.Writer, snap *db.Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(yamlSnapshot(snap)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}

func decodeSnapshot(data []byte, format string) (*db.Snapshot, error) {
	var snap db.Snapshot
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("invalid YAML snapshot: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("invalid JSON snapshot: %w", err)
		}
	}
	return &snap, nil
}

// yamlSnapshot converts documents to plain maps so json.Number amounts are
// written as YAML numbers rather than strings.
func yamlSnapshot(snap *db.Snapshot) *db.Snapshot {
	out := &db.Snapshot{
		Version:     snap.Version,
		ExportedAt:  snap.ExportedAt,
		Collections: make(map[schema.Collection][]schema.Document, len(snap.Collections)),
	}
	for coll, docs := range snap.Collections {
		plain := make([]schema.Document, len(docs))
		for i, doc := range docs {
			plain[i] = make(schema.Document, len(doc))
			for k, v := range doc {
				if n, ok := v.(json.Number); ok {
					var yv yaml.Node
					yv.SetString(n.String())
					yv.Tag = "!!float"
					if _, err := n.Int64(); err == nil {
						yv.Tag = "!!int"
					}
					plain[i][k] = &yv
					continue
				}
				plain[i][k] = v
			}
		}
		out.Collections[coll] = plain
	}
	return out
}

func init() {
	exportCmd.Flags().String("format", "json", "json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(exportCmd, importCmd)
}
