package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/templeledger/templeledger/internal/config"
	"github.com/templeledger/templeledger/internal/ledger/daemon"
	"github.com/templeledger/templeledger/internal/ledger/dashboard"
	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/schema"
	ledgersync "github.com/templeledger/templeledger/internal/ledger/sync"
	"github.com/templeledger/templeledger/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize the local ledger with the cloud",
	Long: `Synchronize the local ledger with the cloud document service.

Local changes are recorded in a sync queue and uploaded when the device is
online with a signed in user. Remote data is merged according to the
conflict strategy (sync.conflict_strategy): timestamp, server-wins,
client-wins or manual.`,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state, pending changes and the last sync time",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := newSession(ctx, true)
		defer s.close()

		st := s.orch.Status()
		st.Online = s.client.Ping(ctx) == nil
		if jsonOutput {
			printJSON(st)
			return
		}

		online := ui.RenderWarn("offline")
		if st.Online {
			online = ui.RenderPass("reachable")
		}
		user := ui.RenderWarn("not signed in")
		if st.Authenticated {
			user = st.User
		}
		lastSync := ui.RenderMuted("never")
		if st.LastSync != nil {
			lastSync = st.LastSync.Local().Format(time.DateTime)
		}
		fmt.Print(ui.KeyValue([][2]string{
			{"remote", cfg.Remote.URL + " (" + online + ")"},
			{"user", user},
			{"strategy", string(st.Strategy)},
			{"last sync", lastSync},
			{"pending changes", fmt.Sprint(st.PendingChanges)},
		}))
	},
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Upload pending changes and merge remote data",
	Long: `Run a manual bidirectional sync: pending local changes are uploaded, then
the cloud data is downloaded and reconciled with the local store.

With the manual strategy, conflicts found during this run are listed and
left untouched unless --resolve picks a side for all of them.`,
	Run: func(cmd *cobra.Command, args []string) {
		resolve, _ := cmd.Flags().GetString("resolve")
		var choice *ledgersync.Decision
		if resolve != "" {
			d, ok := decisions[resolve]
			if !ok {
				fail("--resolve must be keep-local, take-remote or push-local")
			}
			choice = &d
		}

		ctx := context.Background()
		s := newSession(ctx, true)
		defer s.close()
		s.goOnline(ctx)

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.Remote.URL)
		err := s.orch.SyncNow(ctx)
		conflicts := s.orch.Conflicts()
		if choice != nil {
			for _, c := range conflicts {
				if err := s.orch.ResolveConflict(ctx, c.Type, c.ID, *choice); err != nil {
					fail("resolving %s %s: %v", c.Type, c.ID, err)
				}
			}
			if len(conflicts) > 0 {
				fmt.Printf("%s Resolved %d conflicts (%s)\n", ui.RenderPass("✓"), len(conflicts), *choice)
				if err = s.orch.SyncPending(ctx); err == nil {
					conflicts = nil
				}
			}
		}
		if errors.Is(err, ledgersync.ErrConflictUnresolved) && len(conflicts) > 0 {
			printConflicts(conflicts)
			os.Exit(1)
		}
		if err != nil {
			failSync(err)
		}
		st := s.orch.Status()
		fmt.Printf("%s Sync complete (%d pending)\n", ui.RenderPass("✓"), st.PendingChanges)
	},
}

var syncResyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Discard local data and download everything again",
	Long: `Replace the local records, believers, reminders and categories with the
cloud copy. The sync queue is cleared too, so changes that were not
uploaded yet are LOST. Settings are kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := context.Background()
		s := newSession(ctx, true)
		defer s.close()

		if !yes {
			pending, _ := s.store.CountPending(ctx)
			ok, err := confirm("Replace local data with the cloud copy?",
				fmt.Sprintf("%d local changes have not been uploaded and will be lost.", pending))
			if errors.Is(err, errNoTerminal) {
				fail("forced resync must be confirmed; rerun with --yes")
			}
			if err != nil {
				fail("%v", err)
			}
			yes = ok
		}
		if !yes {
			fmt.Println("Aborted.")
			return
		}

		s.goOnline(ctx)
		if err := s.orch.ForceResync(ctx, yes); err != nil {
			failSync(err)
		}
		st, _ := s.store.Stats(ctx)
		fmt.Printf("%s Local data replaced with the cloud copy\n", ui.RenderPass("✓"))
		if st != nil {
			for _, coll := range schema.SyncedCollections {
				fmt.Printf("  %s: %d\n", coll, st.Counts[coll])
			}
		}
	},
}

var syncQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List local changes waiting for upload",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		items, err := store.Pending(ctx)
		if err != nil {
			fail("%v", err)
		}
		if jsonOutput {
			if items == nil {
				items = []*schema.SyncQueueItem{}
			}
			printJSON(items)
			return
		}
		if len(items) == 0 {
			fmt.Println(ui.RenderPass("Nothing to upload"))
			return
		}
		rows := make([][]string, 0, len(items))
		for _, it := range items {
			rows = append(rows, []string{
				it.Time().Local().Format(time.DateTime),
				string(it.Action),
				string(it.Table),
				it.EntityID(),
			})
		}
		fmt.Print(ui.Table([]string{"QUEUED", "ACTION", "COLLECTION", "ID"}, rows))
	},
}

var syncCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune uploaded queue entries older than the retention window",
	Run: func(cmd *cobra.Command, args []string) {
		retention, _ := cmd.Flags().GetDuration("retention")
		if !cmd.Flags().Changed("retention") {
			retention = cfg.Sync.Retention
		}
		ctx := context.Background()
		store := openStore(ctx)
		defer store.Close()

		n, err := store.Cleanup(ctx, retention)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("%s Removed %d synced queue entries older than %s\n", ui.RenderPass("✓"), n, retention)
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the ledger in sync until interrupted",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Imports legacy data once when legacy.dir is set
  2. Restores the saved login
  3. Probes the remote every sync.probe_interval and syncs while reachable
  4. Streams remote changes in realtime and uploads local changes
  5. Applies a changed sync.conflict_strategy from the config file

With dashboard.port set, sync events are broadcast over a websocket at
ws://localhost:<port>/ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		w, closer := cfg.LogWriter()
		defer closer.Close()
		logWriter = w
		dlog := logger("daemon")

		s := newSession(ctx, false)
		defer s.close()

		if cfg.Dashboard.Port > 0 {
			server := dashboard.NewServer(&dashboard.Config{Port: cfg.Dashboard.Port, Logger: logger("dashboard")})
			if err := server.Start(); err != nil {
				fail("failed to start dashboard: %v", err)
			}
			defer server.Stop()
			s.orch.AddObserver(dashboard.NewHandler(server, logger("dashboard")))
			fmt.Printf("Dashboard: ws://%s/ws\n", server.Addr())
		}
		s.orch.AddObserver(ledgersync.ObserverFuncs{
			Notification: func(n ledgersync.Notification) {
				switch n.Level {
				case ledgersync.LevelError:
					dlog.Error(n.Message, "err", n.Err)
				case ledgersync.LevelWarn:
					dlog.Warn(n.Message)
				default:
					dlog.Info(n.Message)
				}
			},
		})

		if cfgViper.ConfigFileUsed() != "" {
			config.Watch(cfgViper, func(c *config.Config, err error) {
				if err != nil {
					dlog.Warnf("ignoring invalid config change: %v", err)
					return
				}
				if st := c.Strategy(); st != "" && st != s.orch.Status().Strategy {
					if err := s.orch.SetStrategy(ctx, st); err != nil {
						dlog.Warnf("%v", err)
					}
				}
			})
		}

		dcfg := daemon.DefaultConfig()
		dcfg.ProbeInterval = cfg.Sync.ProbeInterval
		dcfg.Logger = dlog
		dcfg.BeforeStart = func(ctx context.Context) error {
			return importLegacy(ctx, s.store, false)
		}
		d, err := daemon.NewWithConfig(s.orch, s.client, dcfg)
		if err != nil {
			fail("%v", err)
		}

		fmt.Println("Sync daemon running. Press Ctrl+C to stop...")
		if err := d.Start(ctx); err != nil {
			fail("%v", err)
		}
		fmt.Println("Sync daemon stopped")
	},
}

var decisions = map[string]ledgersync.Decision{
	ledgersync.KeepLocal.String():  ledgersync.KeepLocal,
	ledgersync.TakeRemote.String(): ledgersync.TakeRemote,
	ledgersync.PushLocal.String():  ledgersync.PushLocal,
}

// session bundles what every sync command needs.
type session struct {
	store   *db.DB
	client  *remote.Client
	orch    *ledgersync.Orchestrator
	started bool
}

// newSession opens the store, restores the login and creates the
// orchestrator, starting it unless a daemon will.
func newSession(ctx context.Context, start bool) *session {
	s := &session{store: openStore(ctx)}
	s.client = newClient(ctx, s.store)

	sc := cfg.SyncConfig()
	sc.Logger = logger("sync")
	s.orch = ledgersync.New(s.store, s.client, sc)
	if !start {
		return s
	}
	if err := s.orch.Start(ctx); err != nil {
		_ = s.store.Close()
		fail("%v", err)
	}
	s.started = true
	return s
}

// goOnline reports connectivity to the orchestrator, which brings cloud
// sync up when a user is signed in.
func (s *session) goOnline(ctx context.Context) {
	if err := s.client.Ping(ctx); err != nil {
		fail("remote %s unreachable: %v", cfg.Remote.URL, err)
	}
	s.orch.SetOnline(ctx, true)
}

func (s *session) close() {
	if s.started {
		_ = s.orch.Stop()
	}
	_ = s.store.Close()
}

func failSync(err error) {
	switch {
	case errors.Is(err, remote.ErrNotAuthenticated):
		fail("not signed in; run 'tl auth login' first")
	case errors.Is(err, ledgersync.ErrSyncInProgress):
		fail("%v", err)
	case ledgersync.IsRetryable(err):
		fail("%v (will succeed once the remote is available again)", err)
	default:
		fail("%v", err)
	}
}

func printConflicts(conflicts []schema.Conflict) {
	fmt.Printf("%s %d conflicts need a decision:\n", ui.RenderWarn("⚠"), len(conflicts))
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{string(c.Type), c.ID, c.Local.Key(c.Field), c.Cloud.Key(c.Field)})
	}
	fmt.Print(ui.Table([]string{"COLLECTION", "ID", "LOCAL", "CLOUD"}, rows))
	fmt.Println("Rerun with --resolve keep-local|take-remote|push-local.")
}

func init() {
	syncNowCmd.Flags().String("resolve", "", "resolve conflicts: keep-local, take-remote or push-local")
	syncResyncCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
	syncCleanupCmd.Flags().Duration("retention", 0, "keep synced entries newer than this (default: sync.retention)")

	syncCmd.AddCommand(syncStatusCmd, syncNowCmd, syncResyncCmd, syncQueueCmd, syncCleanupCmd, syncDaemonCmd)
	rootCmd.AddCommand(syncCmd)
}
