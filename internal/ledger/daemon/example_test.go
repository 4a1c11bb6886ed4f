package daemon_test

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/templeledger/templeledger/internal/ledger/daemon"
	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/remote/remotetest"
	"github.com/templeledger/templeledger/internal/ledger/schema"
	ledgersync "github.com/templeledger/templeledger/internal/ledger/sync"
)

type alwaysUp struct{}

func (alwaysUp) Ping(context.Context) error { return nil }

// Example shows a daemon bringing a store in sync with the remote once it
// finds the remote reachable.
func Example() {
	quiet := log.New(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := db.DefaultOptions()
	opts.Logger = quiet
	store, _, err := db.OpenWithRetry(ctx, db.MemoryPath, opts)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer store.Close()

	gw := remotetest.New()
	gw.SignInAs(&remote.User{ID: "u1", Email: "monk@temple.example"})
	gw.Seed(schema.Records, schema.Document{"id": "1", "type": "income", "amount": 100, "updatedAt": "2026-10-01T09:00:00.000000000Z"})

	cfg := ledgersync.DefaultConfig()
	cfg.Logger = quiet
	orch := ledgersync.New(store, gw, cfg)

	dcfg := daemon.DefaultConfig()
	dcfg.Logger = quiet
	d, err := daemon.NewWithConfig(orch, alwaysUp{}, dcfg)
	if err != nil {
		fmt.Println(err)
		return
	}

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	for orch.Status().State != ledgersync.StateRealtimeActive && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}

	rec, _ := store.Get(ctx, schema.Records, "1")
	fmt.Println(orch.Status().State, rec.Key("amount"))

	_ = d.Stop()
	<-done
	// Output:
	// realtime-active 100
}
