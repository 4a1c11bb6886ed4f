package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/schema"
	"github.com/templeledger/templeledger/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "data",
	Short:   "Manage income and expense records",
}

var recordAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an income or expense record",
	Long: `Add a record to the local ledger. The record is queued for upload and
reaches the cloud on the next sync.

Examples:
  tl record add --type income --category "Lamp oil" --amount 300
  tl record add --type expense --category Flowers --amount 45.50 --date 2026-10-01`,
	Run: func(cmd *cobra.Command, args []string) {
		amount, _ := cmd.Flags().GetString("amount")
		rec := &schema.Record{}
		rec.Type, _ = cmd.Flags().GetString("type")
		rec.Category, _ = cmd.Flags().GetString("category")
		rec.Date, _ = cmd.Flags().GetString("date")
		rec.Description, _ = cmd.Flags().GetString("description")
		rec.BelieverID, _ = cmd.Flags().GetString("believer")
		if rec.Date == "" {
			rec.Date = time.Now().Format(schema.DateLayout)
		}
		var err error
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			fail("invalid amount %q", amount)
		}
		if err := rec.Validate(); err != nil {
			fail("%v", err)
		}
		addEntity(schema.Records, rec.ToDocument())
	},
}

var believerCmd = &cobra.Command{
	Use:     "believer",
	GroupID: "data",
	Short:   "Manage believers",
}

var believerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a believer",
	Run: func(cmd *cobra.Command, args []string) {
		b := &schema.Believer{}
		b.Name, _ = cmd.Flags().GetString("name")
		b.Phone, _ = cmd.Flags().GetString("phone")
		b.Email, _ = cmd.Flags().GetString("email")
		b.Address, _ = cmd.Flags().GetString("address")
		b.Notes, _ = cmd.Flags().GetString("notes")
		if err := b.Validate(); err != nil {
			fail("%v", err)
		}
		addEntity(schema.Believers, b.ToDocument())
	},
}

var reminderCmd = &cobra.Command{
	Use:     "reminder",
	GroupID: "data",
	Short:   "Manage reminders",
}

var reminderAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a reminder",
	Long: `Add a dated reminder. --due accepts YYYY-MM-DD or natural language.

Examples:
  tl reminder add --title "Lantern festival" --due 2027-02-12 --repeat yearly
  tl reminder add --title "Renew insurance" --due "next friday"`,
	Run: func(cmd *cobra.Command, args []string) {
		r := &schema.Reminder{}
		r.Title, _ = cmd.Flags().GetString("title")
		r.Repeat, _ = cmd.Flags().GetString("repeat")
		r.Notes, _ = cmd.Flags().GetString("notes")
		due, _ := cmd.Flags().GetString("due")
		var err error
		if r.DueDate, err = parseDue(due, time.Now()); err != nil {
			fail("%v", err)
		}
		if err := r.Validate(); err != nil {
			fail("%v", err)
		}
		addEntity(schema.Reminders, r.ToDocument())
	},
}

var categoryCmd = &cobra.Command{
	Use:     "category",
	GroupID: "data",
	Short:   "Manage custom categories",
}

var categoryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a custom income or expense category",
	Run: func(cmd *cobra.Command, args []string) {
		c := &schema.Category{}
		c.Type, _ = cmd.Flags().GetString("type")
		c.Name, _ = cmd.Flags().GetString("name")
		if err := c.Validate(); err != nil {
			fail("%v", err)
		}
		c.ID = c.Type + ":" + c.Name
		addEntity(schema.Categories, c.ToDocument())
	},
}

func addEntity(coll schema.Collection, doc schema.Document) {
	ctx := context.Background()
	store := openStore(ctx)
	defer store.Close()

	id, err := store.Add(ctx, coll, doc)
	if err != nil {
		fail("%v", err)
	}
	if jsonOutput {
		saved, _ := store.Get(ctx, coll, id)
		printJSON(saved)
		return
	}
	fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), singular(coll), ui.RenderAccent(id))
}

var listCmd = &cobra.Command{
	Use:     "list <collection>",
	GroupID: "data",
	Short:   "List a collection, optionally through an index",
	Long: `List every entity of a collection, ordered by id. With --index, list only
entities whose indexed field equals --value, or lies within --from/--to.

Examples:
  tl list records
  tl list records --index type --value income
  tl list records --index date --from 2026-10-01 --to 2026-10-31`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		coll := parseCollection(args[0])
		index, _ := cmd.Flags().GetString("index")
		value, _ := cmd.Flags().GetString("value")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")

		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		var docs []schema.Document
		var err error
		switch {
		case index == "":
			docs, err = store.GetAll(ctx, coll)
		case cmd.Flags().Changed("value"):
			docs, err = store.GetByIndex(ctx, coll, index, value)
		default:
			docs, err = store.GetByRange(ctx, coll, index, optional(from), optional(to))
		}
		if err != nil {
			fail("%v", err)
		}
		printDocs(coll, docs)
	},
}

var getCmd = &cobra.Command{
	Use:     "get <collection> <id>",
	GroupID: "data",
	Short:   "Show one entity",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		coll := parseCollection(args[0])
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		doc, err := store.MustGet(ctx, coll, args[1])
		if err != nil {
			fail("%v", err)
		}
		printJSON(doc)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <collection> <id>...",
	GroupID: "data",
	Short:   "Delete entities",
	Long: `Delete entities locally. Each deletion is queued so the cloud copy is
removed on the next sync.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		coll := parseCollection(args[0])
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		ops := make([]db.Operation, 0, len(args)-1)
		for _, id := range args[1:] {
			ops = append(ops, db.Operation{Type: db.OpDelete, Collection: coll, ID: id})
		}
		if _, err := store.Batch(ctx, ops); err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Deleted %d %s\n", ui.RenderPass("✓"), len(ops), coll)
	},
}

var queryCmd = &cobra.Command{
	Use:     "query <collection> <condition>...",
	GroupID: "data",
	Short:   "Filter a collection by field conditions",
	Long: `Filter a collection. Every condition must match:

  field=value      equal (numbers compare numerically)
  field=min..max   within bounds, either side may be empty
  field~text       contains text, ignoring case

Examples:
  tl query records type=expense amount=100..
  tl query believers name~chen`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		coll := parseCollection(args[0])
		conds, err := parseConditions(args[1:])
		if err != nil {
			fail("%v", err)
		}
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		docs, err := store.Query(ctx, coll, conds)
		if err != nil {
			fail("%v", err)
		}
		printDocs(coll, docs)
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "data",
	Short:   "Show entity counts and sync queue size",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		st, err := store.Stats(ctx)
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			printJSON(st)
			return
		}
		pairs := [][2]string{{"schema version", fmt.Sprint(st.Version)}}
		for _, coll := range store.Layout().Collections() {
			pairs = append(pairs, [2]string{string(coll), fmt.Sprint(st.Counts[coll])})
		}
		pairs = append(pairs,
			[2]string{"pending uploads", fmt.Sprint(st.Pending)},
			[2]string{"synced (retained)", fmt.Sprint(st.Synced)},
		)
		fmt.Print(ui.KeyValue(pairs))
	},
}

func parseCollection(s string) schema.Collection {
	coll, err := schema.ParseCollection(s)
	if err != nil {
		fail("%v", err)
	}
	return coll
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// parseConditions parses query arguments into store conditions.
func parseConditions(args []string) (db.Conditions, error) {
	conds := make(db.Conditions, len(args))
	for _, arg := range args {
		if field, text, ok := strings.Cut(arg, "~"); ok && field != "" && !strings.Contains(field, "=") {
			conds[field] = db.Includes(text)
			continue
		}
		field, value, ok := strings.Cut(arg, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid condition %q (want field=value, field=min..max or field~text)", arg)
		}
		if lo, hi, isRange := strings.Cut(value, ".."); isRange {
			if lo == "" && hi == "" {
				return nil, fmt.Errorf("range for %s needs at least one bound", field)
			}
			conds[field] = db.Between(optional(lo), optional(hi))
			continue
		}
		switch value {
		case "true":
			conds[field] = db.Equals(true)
		case "false":
			conds[field] = db.Equals(false)
		default:
			conds[field] = db.Equals(value)
		}
	}
	return conds, nil
}

func printDocs(coll schema.Collection, docs []schema.Document) {
	if jsonOutput {
		if docs == nil {
			docs = []schema.Document{}
		}
		printJSON(docs)
		return
	}
	if len(docs) == 0 {
		fmt.Println(ui.RenderMuted("(none)"))
		return
	}
	columns := listColumns[coll]
	if columns == nil {
		columns = []string{schema.FieldID, schema.FieldUpdatedAt}
	}
	rows := make([][]string, 0, len(docs))
	for _, doc := range docs {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = doc.Key(col)
		}
		rows = append(rows, row)
	}
	fmt.Print(ui.Table(columns, rows))
	fmt.Fprintf(os.Stderr, "%d %s\n", len(docs), coll)
}

var listColumns = map[schema.Collection][]string{
	schema.Records:    {"id", "date", "type", "category", "amount", "description"},
	schema.Believers:  {"id", "name", "phone", "totalDonation"},
	schema.Reminders:  {"id", "dueDate", "title", "repeat", "completed"},
	schema.Categories: {"id", "type", "name"},
	schema.SyncQueue:  {"id", "action", "table", "synced"},
	schema.Settings:   {"key", "updatedAt"},
}

func singular(coll schema.Collection) string {
	switch coll {
	case schema.Categories:
		return "category"
	default:
		return strings.TrimSuffix(string(coll), "s")
	}
}

func init() {
	recordAddCmd.Flags().String("type", "", "income or expense (required)")
	recordAddCmd.Flags().String("category", "", "category name (required)")
	recordAddCmd.Flags().String("amount", "", "amount (required)")
	recordAddCmd.Flags().String("date", "", "date YYYY-MM-DD (default: today)")
	recordAddCmd.Flags().StringP("description", "d", "", "description")
	recordAddCmd.Flags().String("believer", "", "id of the donating believer")
	_ = recordAddCmd.MarkFlagRequired("type")
	_ = recordAddCmd.MarkFlagRequired("category")
	_ = recordAddCmd.MarkFlagRequired("amount")
	recordCmd.AddCommand(recordAddCmd)

	believerAddCmd.Flags().String("name", "", "name (required)")
	believerAddCmd.Flags().String("phone", "", "phone number")
	believerAddCmd.Flags().String("email", "", "email address")
	believerAddCmd.Flags().String("address", "", "postal address")
	believerAddCmd.Flags().String("notes", "", "notes")
	_ = believerAddCmd.MarkFlagRequired("name")
	believerCmd.AddCommand(believerAddCmd)

	reminderAddCmd.Flags().String("title", "", "title (required)")
	reminderAddCmd.Flags().String("due", "", `due date, YYYY-MM-DD or e.g. "next friday" (required)`)
	reminderAddCmd.Flags().String("repeat", schema.RepeatNone, "none, daily, weekly, monthly or yearly")
	reminderAddCmd.Flags().String("notes", "", "notes")
	_ = reminderAddCmd.MarkFlagRequired("title")
	_ = reminderAddCmd.MarkFlagRequired("due")
	reminderCmd.AddCommand(reminderAddCmd)

	categoryAddCmd.Flags().String("type", "", "income or expense (required)")
	categoryAddCmd.Flags().String("name", "", "name (required)")
	_ = categoryAddCmd.MarkFlagRequired("type")
	_ = categoryAddCmd.MarkFlagRequired("name")
	categoryCmd.AddCommand(categoryAddCmd)

	listCmd.Flags().String("index", "", "index to list through")
	listCmd.Flags().String("value", "", "indexed value to match")
	listCmd.Flags().String("from", "", "lower bound of the indexed value")
	listCmd.Flags().String("to", "", "upper bound of the indexed value")

	rootCmd.AddCommand(recordCmd, believerCmd, reminderCmd, categoryCmd)
	rootCmd.AddCommand(listCmd, getCmd, rmCmd, queryCmd, statsCmd)
}
