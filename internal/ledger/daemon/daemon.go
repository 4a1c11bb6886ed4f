// Package daemon hosts the sync orchestrator in a long-running process.
//
// The daemon:
//  1. Runs the start hook (the one-time legacy import)
//  2. Starts the syncer
//  3. Probes connectivity on a ticker and reports every change
//  4. Stops everything on shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/templeledger/templeledger/internal/ledger/remote"
	ledgersync "github.com/templeledger/templeledger/internal/ledger/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// ProbeInterval is how often connectivity is checked
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single connectivity check
	ProbeTimeout time.Duration

	// BeforeStart runs before the syncer starts; an error aborts Start
	BeforeStart func(ctx context.Context) error

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Logger:        log.NewWithOptions(os.Stderr, log.Options{Prefix: "daemon", ReportTimestamp: true}),
	}
}

// Daemon drives a syncer from connectivity probes.
type Daemon struct {
	syncer ledgersync.Syncer
	prober remote.Prober
	config *Config

	mu     sync.Mutex
	online bool
	probed bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New creates a new Daemon with the default configuration.
//
// Use Start() to begin syncing.
func New(syncer ledgersync.Syncer, prober remote.Prober) (*Daemon, error) {
	return NewWithConfig(syncer, prober, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(syncer ledgersync.Syncer, prober remote.Prober, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, errors.New("syncer cannot be nil")
	}
	if prober == nil {
		return nil, errors.New("prober cannot be nil")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer: syncer,
		prober: prober,
		config: &cfg,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start runs the start hook, starts the syncer, reports the initial
// connectivity and keeps probing.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info("starting daemon")

	if d.config.BeforeStart != nil {
		if err := d.config.BeforeStart(ctx); err != nil {
			return fmt.Errorf("start hook failed: %w", err)
		}
	}
	if err := d.syncer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync: %w", err)
	}

	d.Probe(ctx)

	d.wg.Add(1)
	go d.probeLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon and its syncer down. It is safe to call more than
// once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Info("stopping daemon")
		d.cancel()
		d.wg.Wait()
		d.stopErr = d.syncer.Stop()
		d.config.Logger.Info("daemon stopped")
	})
	return d.stopErr
}

// Probe checks connectivity once and reports a change to the syncer. It
// returns the probed state.
func (d *Daemon) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, d.config.ProbeTimeout)
	err := d.prober.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return d.Online()
	}
	online := err == nil

	d.mu.Lock()
	changed := !d.probed || d.online != online
	d.online = online
	d.probed = true
	d.mu.Unlock()

	if changed {
		if online {
			d.config.Logger.Info("remote reachable")
		} else {
			d.config.Logger.Warnf("remote unreachable: %v", err)
		}
		d.syncer.SetOnline(ctx, online)
	}
	return online
}

// Online returns the last probed connectivity.
func (d *Daemon) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

func (d *Daemon) probeLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Probe(d.ctx)
		}
	}
}
