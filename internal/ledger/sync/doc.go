// Package sync keeps the local store and the remote service in step.
//
// # Overview
//
// The Orchestrator is a state machine driven by connectivity and
// authentication events. Once the device is online and a user is signed in
// it downloads the remote data, reconciles it with the local store through
// the Resolver, opens a realtime change stream and uploads whatever the
// sync queue holds. A periodic timer then retries failures and flushes new
// local changes.
//
//	          online && signed in
//	Idle ──────────────────────────▶ InitialSyncing
//	 ▲                                   │ download + reconcile
//	 │ offline / signed out              ▼
//	 ├──────────────────────────── RealtimeActive ◀──┐
//	 │                                   │ tick,     │ upload done
//	 │                                   ▼ pending>0 │
//	 │                            UploadingPending ──┘
//	 │                                   │ failure
//	 └──────────────────────────────── Error ──▶ retried on tick or
//	                                              connectivity event
//
// # Conflicts
//
// An entity present on both sides with a different updatedAt is a
// conflict. The Resolver settles it according to the Strategy: the newer
// timestamp wins (ties keep the local version), the server always wins,
// the client always wins (the local version is saved again so it uploads),
// or resolution is deferred until ResolveConflict is called.
//
// Documents written because of remote data never enter the sync queue, so
// applying a change never causes it to be uploaded back.
//
// # Usage
//
//	orch := sync.New(database, client, sync.DefaultConfig())
//	if err := orch.Start(ctx); err != nil {
//	    return err
//	}
//	defer orch.Stop()
//	orch.SetOnline(ctx, true)
package sync
