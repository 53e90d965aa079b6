package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool-sync-bridge/config"
	"spool-sync-bridge/internal/inventory"
	"spool-sync-bridge/internal/mapping"
	"spool-sync-bridge/internal/record"
)

// ── Fakes ───────────────────────────────────────────────────────────

type fakeDevice struct {
	mu          sync.Mutex
	records     []record.DeviceRecord
	listErr     error
	validateErr error
}

func (d *fakeDevice) ValidateKey(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.validateErr
}

func (d *fakeDevice) ListSpools(ctx context.Context) ([]record.DeviceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]record.DeviceRecord, len(d.records))
	copy(out, d.records)
	return out, nil
}

func (d *fakeDevice) setRemaining(tagID string, remaining float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.records {
		if d.records[i].TagID == tagID {
			d.records[i].Remaining = remaining
		}
	}
}

type fakeInventory struct {
	mu        sync.Mutex
	nextID    int
	vendors   map[string]int
	filaments map[string]int
	spools    map[int]inventory.Spool

	usageCalls  map[int][]float64
	patchCalls  map[int][]inventory.SpoolPatch
	createCalls int

	// failUsage injects an APIError for AddUsage on a given spool id.
	failUsage map[int]*inventory.APIError
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{
		nextID:     100,
		vendors:    make(map[string]int),
		filaments:  make(map[string]int),
		spools:     make(map[int]inventory.Spool),
		usageCalls: make(map[int][]float64),
		patchCalls: make(map[int][]inventory.SpoolPatch),
		failUsage:  make(map[int]*inventory.APIError),
	}
}

func (f *fakeInventory) id() int {
	f.nextID++
	return f.nextID
}

func (f *fakeInventory) EnsureExtraFieldSchema(ctx context.Context) error { return nil }

func (f *fakeInventory) FindOrCreateVendor(ctx context.Context, name string, emptySpoolWeight *float64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		name = "Unknown"
	}
	if id, ok := f.vendors[name]; ok {
		return id, nil
	}
	id := f.id()
	f.vendors[name] = id
	return id, nil
}

func (f *fakeInventory) FindOrCreateFilament(ctx context.Context, spec inventory.FilamentSpec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s/%s", spec.VendorID, spec.Material, spec.ColorHex)
	if id, ok := f.filaments[key]; ok {
		return id, nil
	}
	id := f.id()
	f.filaments[key] = id
	return id, nil
}

func (f *fakeInventory) CreateSpool(ctx context.Context, spool inventory.NewSpool) (inventory.Spool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	created := inventory.Spool{
		ID:       f.id(),
		Filament: inventory.Filament{ID: spool.FilamentID},
		Extra:    spool.Extra,
	}
	if spool.InitialWeight != nil {
		created.InitialWeight = *spool.InitialWeight
	}
	if spool.UsedWeight != nil {
		created.UsedWeight = *spool.UsedWeight
	}
	f.spools[created.ID] = created
	return created, nil
}

func (f *fakeInventory) ListSpools(ctx context.Context) ([]inventory.Spool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []inventory.Spool
	for _, s := range f.spools {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeInventory) AddUsage(ctx context.Context, id int, grams float64) (inventory.Spool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if apiErr, ok := f.failUsage[id]; ok {
		return inventory.Spool{}, apiErr
	}
	spool := f.spools[id]
	spool.UsedWeight += grams
	f.spools[id] = spool
	f.usageCalls[id] = append(f.usageCalls[id], grams)
	return spool, nil
}

func (f *fakeInventory) UpdateSpool(ctx context.Context, id int, patch inventory.SpoolPatch) (inventory.Spool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	spool := f.spools[id]
	if patch.UsedWeight != nil {
		spool.UsedWeight = *patch.UsedWeight
	}
	if patch.FilamentID != nil {
		spool.Filament.ID = *patch.FilamentID
	}
	f.spools[id] = spool
	f.patchCalls[id] = append(f.patchCalls[id], patch)
	return spool, nil
}

func (f *fakeInventory) usageTotal(id int) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.usageCalls[id]...)
}

// ── Harness ─────────────────────────────────────────────────────────

func newTestEngine(t *testing.T, dev *fakeDevice, inv *fakeInventory) (*Engine, *mapping.Store) {
	store := mapping.NewStore(filepath.Join(t.TempDir(), "mapping.yaml"), zerolog.Nop())
	cfg := config.SyncConfig{
		PollInterval:        time.Hour,
		DeltaThresholdGrams: 0.1,
		FanOut:              4,
	}
	engine := New(cfg, dev, inv, nil, store, zerolog.Nop())
	t.Cleanup(func() { store.Close() })
	return engine, store
}

func deviceRecordA1() record.DeviceRecord {
	return record.DeviceRecord{
		DeviceID:      3,
		TagID:         "A1",
		Material:      "PLA",
		Brand:         "Bambu",
		ColorName:     "Red",
		ColorHex:      "FF0000",
		NominalWeight: 1000,
		EmptyWeight:   250,
		Remaining:     1000,
	}
}

// ── Full sync ───────────────────────────────────────────────────────

func TestFullSyncCreatesNewSpool(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))

	// Vendor and filament materialized.
	assert.Contains(t, inv.vendors, "Bambu")
	assert.Equal(t, 1, inv.createCalls)

	// Spool created full: initial 1000, nothing used.
	entry, ok := store.Get("A1")
	require.True(t, ok)
	spool := inv.spools[entry.SpoolID]
	assert.Equal(t, 1000.0, spool.InitialWeight)
	assert.Equal(t, 0.0, spool.UsedWeight)
	assert.Equal(t, "A1", spool.Extra[inventory.TagIDField])

	// Mapping baseline is the device-reported remaining weight.
	assert.Equal(t, 1000.0, entry.LastRemaining)
}

func TestFullSyncPushesConsumptionDelta(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")
	spoolID := entry.SpoolID

	// 25 g consumed since the last pass.
	dev.setRemaining("A1", 975)
	require.NoError(t, engine.FullSync(context.Background()))

	assert.Equal(t, []float64{25}, inv.usageTotal(spoolID))
	entry, _ = store.Get("A1")
	assert.Equal(t, 975.0, entry.LastRemaining)

	// Repeating the identical poll pushes nothing further.
	require.NoError(t, engine.FullSync(context.Background()))
	assert.Equal(t, []float64{25}, inv.usageTotal(spoolID))
}

func TestFullSyncSubThresholdSuppressed(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")
	spoolID := entry.SpoolID
	dev.setRemaining("A1", 975)
	require.NoError(t, engine.FullSync(context.Background()))

	// 0.05 g below the 0.1 g threshold: no calls, baseline untouched.
	dev.setRemaining("A1", 974.95)
	require.NoError(t, engine.FullSync(context.Background()))

	assert.Equal(t, []float64{25}, inv.usageTotal(spoolID))
	entry, _ = store.Get("A1")
	assert.Equal(t, 975.0, entry.LastRemaining)

	// The suppressed delta accumulates and is pushed once it crosses
	// the threshold.
	dev.setRemaining("A1", 974.5)
	require.NoError(t, engine.FullSync(context.Background()))
	assert.Equal(t, []float64{25, 0.5}, inv.usageTotal(spoolID))
}

func TestFullSyncRefillWritesAbsoluteWeight(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	dev.setRemaining("A1", 975)
	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")
	spoolID := entry.SpoolID

	// Back to full: refill, not negative usage.
	dev.setRemaining("A1", 1000)
	require.NoError(t, engine.FullSync(context.Background()))

	assert.Equal(t, []float64{25}, inv.usageTotal(spoolID), "no negative usage pushed")
	patches := inv.patchCalls[spoolID]
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].UsedWeight)
	assert.Equal(t, 0.0, *patches[0].UsedWeight)

	entry, _ = store.Get("A1")
	assert.Equal(t, 1000.0, entry.LastRemaining)
}

func TestFullSyncSkipsInvalidTags(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{
		{TagID: "", Material: "PLA", NominalWeight: 1000, Remaining: 1000},
		{TagID: "-MOVED1", Material: "PLA", NominalWeight: 1000, Remaining: 1000},
	}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	assert.Equal(t, 0, inv.createCalls)
	assert.Equal(t, 0, store.Len())
}

func TestFullSyncPerSpoolIsolation(t *testing.T) {
	recX := deviceRecordA1()
	recY := deviceRecordA1()
	recY.TagID = "B2"
	recY.DeviceID = 4
	dev := &fakeDevice{records: []record.DeviceRecord{recX, recY}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	entryX, _ := store.Get("A1")
	entryY, _ := store.Get("B2")

	// X's usage push is forced to fail server-side; Y's succeeds.
	inv.mu.Lock()
	inv.failUsage[entryX.SpoolID] = &inventory.APIError{Status: 503, Body: "unavailable"}
	inv.mu.Unlock()

	dev.setRemaining("A1", 900)
	dev.setRemaining("B2", 950)
	require.NoError(t, engine.FullSync(context.Background()))

	// Y progressed.
	assert.Equal(t, []float64{50}, inv.usageTotal(entryY.SpoolID))
	gotY, _ := store.Get("B2")
	assert.Equal(t, 950.0, gotY.LastRemaining)

	// X's baseline did not advance, so the next cycle retries the
	// full delta.
	gotX, _ := store.Get("A1")
	assert.Equal(t, 1000.0, gotX.LastRemaining)

	inv.mu.Lock()
	delete(inv.failUsage, entryX.SpoolID)
	inv.mu.Unlock()
	require.NoError(t, engine.FullSync(context.Background()))
	assert.Equal(t, []float64{100}, inv.usageTotal(entryX.SpoolID))
}

func TestFullSyncMetadataDivergence(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")

	// The user re-encoded the tag with a different color.
	dev.mu.Lock()
	dev.records[0].ColorName = "Blue"
	dev.records[0].ColorHex = "0000FF"
	dev.mu.Unlock()

	require.NoError(t, engine.FullSync(context.Background()))

	patches := inv.patchCalls[entry.SpoolID]
	require.Len(t, patches, 1)
	assert.NotNil(t, patches[0].FilamentID)

	got, _ := store.Get("A1")
	assert.Equal(t, "Blue", got.ColorName)
	assert.Equal(t, entry.LastRemaining, got.LastRemaining, "metadata sync must not move the baseline")
}

func TestFullSyncVanishedSpoolLeftIntact(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")

	// The tag disappears from the device catalog.
	dev.mu.Lock()
	dev.records = nil
	dev.mu.Unlock()
	require.NoError(t, engine.FullSync(context.Background()))

	// Inventory spool and mapping both survive.
	_, ok := inv.spools[entry.SpoolID]
	assert.True(t, ok)
	_, ok = store.Get("A1")
	assert.True(t, ok)
}

// ── Events ──────────────────────────────────────────────────────────

func TestDeletionEventThenRecreate(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))
	dev.setRemaining("A1", 975)
	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")
	oldSpoolID := entry.SpoolID

	// Inventory-side deletion arrives on the event feed.
	engine.handleEvent(inventory.Event{
		Type:    inventory.EventDeleted,
		Payload: inventory.Spool{ID: oldSpoolID},
	})
	_, ok := store.Get("A1")
	assert.False(t, ok)

	// The next poll still sees the tag and re-creates the spool under
	// a fresh id with the current weight as baseline.
	require.NoError(t, engine.FullSync(context.Background()))
	entry, ok = store.Get("A1")
	require.True(t, ok)
	assert.NotEqual(t, oldSpoolID, entry.SpoolID)
	assert.Equal(t, 975.0, entry.LastRemaining)

	created := inv.spools[entry.SpoolID]
	assert.Equal(t, 25.0, created.UsedWeight)
}

func TestUpdatedEventWithSameTagIsNoop(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)
	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")

	engine.handleEvent(inventory.Event{
		Type:    inventory.EventUpdated,
		Payload: inventory.Spool{ID: entry.SpoolID, Extra: map[string]string{inventory.TagIDField: `"A1"`}},
	})

	_, ok := store.Get("A1")
	assert.True(t, ok)
}

func TestUpdatedEventWithClearedTagDropsMapping(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)
	require.NoError(t, engine.FullSync(context.Background()))
	entry, _ := store.Get("A1")

	engine.handleEvent(inventory.Event{
		Type:    inventory.EventUpdated,
		Payload: inventory.Spool{ID: entry.SpoolID},
	})

	_, ok := store.Get("A1")
	assert.False(t, ok)
}

func TestAddedEventAdoptsTaggedSpool(t *testing.T) {
	dev := &fakeDevice{}
	inv := newFakeInventory()
	engine, store := newTestEngine(t, dev, inv)

	engine.handleEvent(inventory.Event{
		Type: inventory.EventAdded,
		Payload: inventory.Spool{
			ID:            55,
			InitialWeight: 1000,
			UsedWeight:    40,
			Extra:         map[string]string{inventory.TagIDField: `"C9"`},
		},
	})

	entry, ok := store.Get("C9")
	require.True(t, ok)
	assert.Equal(t, 55, entry.SpoolID)
	assert.Equal(t, 960.0, entry.LastRemaining)

	// An added event for an already-mapped tag changes nothing.
	engine.handleEvent(inventory.Event{
		Type:    inventory.EventAdded,
		Payload: inventory.Spool{ID: 77, Extra: map[string]string{inventory.TagIDField: `"C9"`}},
	})
	entry, _ = store.Get("C9")
	assert.Equal(t, 55, entry.SpoolID)
}

// ── Recovery ────────────────────────────────────────────────────────

func TestRecoveryRebuildsFromInventory(t *testing.T) {
	dev := &fakeDevice{}
	inv := newFakeInventory()
	for i := 0; i < 3; i++ {
		tag := fmt.Sprintf("T%d", i)
		id := inv.id()
		inv.spools[id] = inventory.Spool{
			ID:            id,
			InitialWeight: 1000,
			UsedWeight:    float64(i * 100),
			Extra:         map[string]string{inventory.TagIDField: fmt.Sprintf("%q", tag)},
		}
	}
	// One spool without a tag stays out of the mapping.
	id := inv.id()
	inv.spools[id] = inventory.Spool{ID: id, InitialWeight: 500}

	engine, store := newTestEngine(t, dev, inv)
	require.NoError(t, engine.recoverMapping(context.Background()))

	assert.Equal(t, 3, store.Len())
	entry, ok := store.Get("T2")
	require.True(t, ok)
	assert.Equal(t, 800.0, entry.LastRemaining)
}

func TestStatsSnapshot(t *testing.T) {
	dev := &fakeDevice{records: []record.DeviceRecord{deviceRecordA1()}}
	inv := newFakeInventory()
	engine, _ := newTestEngine(t, dev, inv)

	require.NoError(t, engine.FullSync(context.Background()))

	stats := engine.Stats()
	assert.Equal(t, uint64(1), stats.SyncPasses)
	assert.Equal(t, uint64(1), stats.SpoolsCreated)
	assert.Equal(t, 1, stats.Mappings)
	assert.False(t, stats.LastSyncAt.IsZero())
}
