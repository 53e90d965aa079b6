// Package sync implements the reconciliation engine between the device
// catalog and the inventory: startup validation and recovery, the periodic
// poll loop, and the event-driven invalidation loop.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spool-sync-bridge/config"
	"spool-sync-bridge/internal/device"
	"spool-sync-bridge/internal/inventory"
	"spool-sync-bridge/internal/mapping"
	"spool-sync-bridge/internal/record"
)

// DeviceClient is the device surface the engine needs.
type DeviceClient interface {
	ValidateKey(ctx context.Context) error
	ListSpools(ctx context.Context) ([]record.DeviceRecord, error)
}

// InventoryClient is the inventory REST surface the engine needs.
type InventoryClient interface {
	EnsureExtraFieldSchema(ctx context.Context) error
	FindOrCreateVendor(ctx context.Context, name string, emptySpoolWeight *float64) (int, error)
	FindOrCreateFilament(ctx context.Context, spec inventory.FilamentSpec) (int, error)
	CreateSpool(ctx context.Context, spool inventory.NewSpool) (inventory.Spool, error)
	ListSpools(ctx context.Context) ([]inventory.Spool, error)
	AddUsage(ctx context.Context, id int, grams float64) (inventory.Spool, error)
	UpdateSpool(ctx context.Context, id int, patch inventory.SpoolPatch) (inventory.Spool, error)
}

// EventSource is one live connection to the inventory event feed.
type EventSource interface {
	Next() (inventory.Event, error)
	Close() error
}

// EventsDialer opens a fresh connection to the event feed.
type EventsDialer func(ctx context.Context) (EventSource, error)

// Default filament density (g/cm³) per material, used when creating
// inventory filaments.
var materialDensities = map[string]float64{
	"PLA":  1.24,
	"PETG": 1.27,
	"ABS":  1.04,
	"ASA":  1.07,
	"TPU":  1.21,
	"PA":   1.14,
	"PC":   1.20,
	"PVA":  1.23,
	"HIPS": 1.04,
}

const (
	defaultDensity  = 1.24
	defaultDiameter = 1.75
)

// Stats is a snapshot of the engine's operational counters for the status
// server.
type Stats struct {
	StartedAt       time.Time `json:"started_at"`
	LastSyncAt      time.Time `json:"last_sync_at"`
	LastSyncError   string    `json:"last_sync_error,omitempty"`
	SyncPasses      uint64    `json:"sync_passes"`
	SpoolsCreated   uint64    `json:"spools_created"`
	UsagePushes     uint64    `json:"usage_pushes"`
	RefillsDetected uint64    `json:"refills_detected"`
	EventsHandled   uint64    `json:"events_handled"`
	EventsConnected bool      `json:"events_connected"`
	Mappings        int       `json:"mappings"`
}

// Engine drives the two coupled loops. Create with New, then Run.
type Engine struct {
	cfg    config.SyncConfig
	device DeviceClient
	inv    InventoryClient
	dial   EventsDialer
	store  *mapping.Store
	log    zerolog.Logger

	// tagLocks serializes work per tag id across the poller and the
	// event listener.
	tagLocks sync.Map // tag_id -> *sync.Mutex

	// syncRequests lets the event loop ask the poller for an immediate
	// full sync (after a reconnect).
	syncRequests chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New creates an engine.
func New(cfg config.SyncConfig, dev DeviceClient, inv InventoryClient, dial EventsDialer, store *mapping.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		device:       dev,
		inv:          inv,
		dial:         dial,
		store:        store,
		log:          logger.With().Str("component", "sync").Logger(),
		syncRequests: make(chan struct{}, 1),
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := e.stats
	s.Mappings = e.store.Len()
	return s
}

func (e *Engine) updateStats(fn func(*Stats)) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	fn(&e.stats)
}

// lockTag acquires the per-tag mutex and returns its unlock.
func (e *Engine) lockTag(tagID string) func() {
	mu, _ := e.tagLocks.LoadOrStore(tagID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Run executes the startup sequence and then drives the poll and event
// loops until ctx is cancelled. Fatal startup failures (wrong security
// key, schema setup exhausted) are returned.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.pollLoop(ctx) })
	g.Go(func() error { return e.eventLoop(ctx) })
	return g.Wait()
}

// startup runs the fixed startup sequence: key validation, extra-field
// schema, mapping recovery, initial delay, first full sync.
func (e *Engine) startup(ctx context.Context) error {
	e.updateStats(func(s *Stats) { s.StartedAt = time.Now().UTC() })

	// 1. Validate the security key. The device may still be booting, so
	// transport failures retry with backoff; a decrypt failure is fatal.
	e.log.Info().Msg("validating device security key")
	err := backoff.Retry(func() error {
		err := e.device.ValidateKey(ctx)
		if errors.Is(err, device.ErrAuthentication) {
			return backoff.Permanent(err)
		}
		if err != nil {
			e.log.Warn().Err(err).Msg("device not reachable yet, retrying")
		}
		return err
	}, backoff.WithContext(newBackOff(1*time.Second, 60*time.Second), ctx))
	if err != nil {
		return fmt.Errorf("device key validation failed: %w", err)
	}

	// 2. Declare the extra-field schema; the inventory may also still be
	// starting, so retry a bounded number of times.
	e.log.Info().Msg("ensuring inventory extra-field schema")
	err = backoff.Retry(func() error {
		return e.inv.EnsureExtraFieldSchema(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(newBackOff(3*time.Second, 30*time.Second), 5), ctx))
	if err != nil {
		return fmt.Errorf("inventory extra-field setup failed: %w", err)
	}

	// 3. Mapping recovery.
	if err := e.recoverMapping(ctx); err != nil {
		return err
	}

	// 4. Initial sync delay, letting both sides stabilize.
	if e.cfg.InitialSyncDelay > 0 {
		e.log.Info().Dur("delay", e.cfg.InitialSyncDelay).Msg("waiting before initial sync")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.InitialSyncDelay):
		}
	}

	// 5. Initial full sync.
	if err := e.FullSync(ctx); err != nil {
		e.log.Error().Err(err).Msg("initial full sync failed; the poll loop will retry")
	}
	return nil
}

// recoverMapping loads the mapping file; when it is absent, unparseable,
// or empty it rebuilds the table from the inventory's tag_id extra fields.
func (e *Engine) recoverMapping(ctx context.Context) error {
	err := e.store.Load()
	if err != nil && !errors.Is(err, mapping.ErrCorrupt) {
		return err
	}
	if errors.Is(err, mapping.ErrCorrupt) {
		e.log.Warn().Err(err).Msg("mapping file unreadable, rebuilding from inventory")
	}
	if e.store.Len() > 0 {
		return nil
	}

	recovered, err := e.rebuildFromInventory(ctx)
	if err != nil {
		// Not fatal: the bridge can run with an empty mapping and will
		// re-create spools as it observes them.
		e.log.Warn().Err(err).Msg("could not rebuild mapping from inventory")
		return nil
	}
	if recovered > 0 {
		e.log.Info().Int("mappings", recovered).Msg("rebuilt mapping from inventory extra fields")
	}
	return nil
}

// rebuildFromInventory reconstructs mapping entries from inventory spools
// carrying a tag_id extra field. The baseline is derived from the
// inventory's own accounting: initial weight minus used weight.
func (e *Engine) rebuildFromInventory(ctx context.Context) (int, error) {
	spools, err := e.inv.ListSpools(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	now := time.Now().UTC()
	for _, spool := range spools {
		tagID := spool.TagID()
		if tagID == "" {
			continue
		}
		remaining := spool.InitialWeight - spool.UsedWeight
		if remaining < 0 {
			remaining = 0
		}
		e.store.Upsert(mapping.Entry{
			TagID:         tagID,
			SpoolID:       spool.ID,
			LastRemaining: remaining,
			LastSyncedAt:  now,
		})
		recovered++
	}
	if recovered > 0 {
		if err := e.store.Save(); err != nil {
			e.log.Error().Err(err).Msg("saving rebuilt mapping failed")
		}
	}
	return recovered, nil
}

// pollLoop runs a full sync every poll interval, with the interval
// stretched while polls fail end to end. The event loop can request an
// immediate pass through syncRequests.
func (e *Engine) pollLoop(ctx context.Context) error {
	e.log.Info().Dur("interval", e.cfg.PollInterval).Msg("starting poll loop")

	failures := 0
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()

	runOnce := func() {
		if err := e.FullSync(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			e.log.Error().Err(err).Int("consecutive_failures", failures).Msg("sync pass failed")
		} else {
			failures = 0
		}
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("poll loop stopping")
			return ctx.Err()
		case <-e.syncRequests:
			runOnce()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.nextPollDelay(failures))
		case <-timer.C:
			runOnce()
			timer.Reset(e.nextPollDelay(failures))
		}
	}
}

// nextPollDelay backs the poll interval off while the device is failing:
// doubled per consecutive failure, capped at 10x.
func (e *Engine) nextPollDelay(failures int) time.Duration {
	delay := e.cfg.PollInterval
	for i := 0; i < failures && i < 4; i++ {
		delay *= 2
	}
	if max := 10 * e.cfg.PollInterval; delay > max {
		delay = max
	}
	return delay
}

// requestSync asks the poller for an immediate full sync without piling
// up requests.
func (e *Engine) requestSync() {
	select {
	case e.syncRequests <- struct{}{}:
	default:
	}
}

// newBackOff builds the shared exponential policy: factor 2 with jitter,
// no elapsed-time cutoff.
func newBackOff(initial, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	return bo
}
