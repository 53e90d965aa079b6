package sync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spool-sync-bridge/internal/inventory"
	"spool-sync-bridge/internal/mapping"
	"spool-sync-bridge/internal/record"
)

// FullSync runs one complete device-catalog-driven reconciliation pass.
// Per-spool failures are isolated: one failing spool never blocks the
// others, and its baseline is left untouched so the next pass retries it.
func (e *Engine) FullSync(ctx context.Context) error {
	passID := uuid.NewString()[:8]
	log := e.log.With().Str("pass", passID).Logger()

	records, err := e.device.ListSpools(ctx)
	if err != nil {
		e.updateStats(func(s *Stats) { s.LastSyncError = err.Error() })
		return err
	}

	valid := records[:0:0]
	for _, rec := range records {
		if rec.HasValidTag() {
			valid = append(valid, rec)
		}
	}
	log.Info().Int("spools", len(records)).Int("valid_tags", len(valid)).Msg("sync pass starting")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FanOut)
	deviceTags := make(map[string]struct{}, len(valid))
	for _, rec := range valid {
		deviceTags[rec.TagID] = struct{}{}
		rec := rec
		g.Go(func() error {
			if err := e.syncSpool(gctx, rec, log); err != nil {
				log.Error().Err(err).Str("tag", rec.TagID).Msg("spool sync failed, will retry next pass")
			}
			// Per-spool isolation: never cancel the group.
			return nil
		})
	}
	g.Wait()

	// Spools mapped but gone from the device catalog: the device may
	// simply have lost the tag, and the inventory is the long-term
	// record, so leave both the inventory spool and the mapping alone.
	for tagID, entry := range e.store.Snapshot() {
		if _, ok := deviceTags[tagID]; !ok {
			log.Warn().Str("tag", tagID).Int("spool", entry.SpoolID).Msg("mapped spool missing from device catalog")
		}
	}

	if err := e.store.Flush(); err != nil {
		log.Error().Err(err).Msg("persisting mapping failed")
	}

	e.updateStats(func(s *Stats) {
		s.SyncPasses++
		s.LastSyncAt = time.Now().UTC()
		s.LastSyncError = ""
	})
	log.Info().Msg("sync pass finished")
	return nil
}

// syncSpool reconciles a single device record against the mapping and the
// inventory, holding the per-tag lock for the whole read-modify-write.
func (e *Engine) syncSpool(ctx context.Context, rec record.DeviceRecord, log zerolog.Logger) error {
	unlock := e.lockTag(rec.TagID)
	defer unlock()

	entry, ok := e.store.Get(rec.TagID)
	if !ok {
		return e.createSpool(ctx, rec, log)
	}
	return e.syncExisting(ctx, rec, entry, log)
}

// createSpool materializes a newly observed device spool in the inventory:
// vendor and filament as needed, then the spool itself, then the mapping.
func (e *Engine) createSpool(ctx context.Context, rec record.DeviceRecord, log zerolog.Logger) error {
	log.Info().
		Str("tag", rec.TagID).
		Str("brand", rec.Brand).
		Str("material", rec.Material).
		Str("color", rec.ColorName).
		Msg("new device spool detected")

	filamentID, err := e.resolveFilament(ctx, rec)
	if err != nil {
		return err
	}

	used := rec.NominalWeight - rec.Remaining
	if used < 0 {
		used = 0
	}
	spool := inventory.NewSpool{
		FilamentID:    filamentID,
		InitialWeight: &rec.NominalWeight,
		Extra:         map[string]string{inventory.TagIDField: rec.TagID},
	}
	if rec.EmptyWeight > 0 {
		spool.SpoolWeight = &rec.EmptyWeight
	}
	if used > 0 {
		spool.UsedWeight = &used
	}

	var created inventory.Spool
	err = e.withInventoryRetry(ctx, func() error {
		var err error
		created, err = e.inv.CreateSpool(ctx, spool)
		return err
	})
	if err != nil {
		return err
	}

	e.store.Upsert(newEntry(rec, created.ID, rec.Remaining))
	e.updateStats(func(s *Stats) { s.SpoolsCreated++ })
	log.Info().Str("tag", rec.TagID).Int("spool", created.ID).Msg("mapped device spool to inventory spool")
	return nil
}

// syncExisting propagates the consumption delta and any metadata drift
// for an already-mapped spool. The baseline advances only after the
// inventory confirms the corresponding write.
func (e *Engine) syncExisting(ctx context.Context, rec record.DeviceRecord, entry mapping.Entry, log zerolog.Logger) error {
	delta := entry.LastRemaining - rec.Remaining

	switch {
	case delta >= e.cfg.DeltaThresholdGrams:
		// Filament consumed: push the increment.
		err := e.withInventoryRetry(ctx, func() error {
			_, err := e.inv.AddUsage(ctx, entry.SpoolID, delta)
			return err
		})
		if err != nil {
			return err
		}
		e.store.Upsert(newEntry(rec, entry.SpoolID, rec.Remaining))
		e.updateStats(func(s *Stats) { s.UsagePushes++ })
		log.Debug().Str("tag", rec.TagID).Float64("grams", delta).Msg("pushed usage")

	case delta < 0:
		// The device reports more filament than before: a refill or a
		// swapped spool. Never push negative usage; write the absolute
		// weight instead.
		used := rec.NominalWeight - rec.Remaining
		if used < 0 {
			used = 0
		}
		err := e.withInventoryRetry(ctx, func() error {
			_, err := e.inv.UpdateSpool(ctx, entry.SpoolID, inventory.SpoolPatch{UsedWeight: &used})
			return err
		})
		if err != nil {
			return err
		}
		e.store.Upsert(newEntry(rec, entry.SpoolID, rec.Remaining))
		e.updateStats(func(s *Stats) { s.RefillsDetected++ })
		log.Info().Str("tag", rec.TagID).
			Float64("was_g", entry.LastRemaining).
			Float64("now_g", rec.Remaining).
			Msg("refill detected, wrote absolute weight")

	default:
		// Sub-threshold consumption: no inventory call, and the baseline
		// stays put so small deltas accumulate until they cross the
		// threshold.
	}

	return e.syncMetadata(ctx, rec, entry, log)
}

// syncMetadata re-resolves the filament and patches the spool when the
// device-side metadata diverged from what was last seen.
func (e *Engine) syncMetadata(ctx context.Context, rec record.DeviceRecord, entry mapping.Entry, log zerolog.Logger) error {
	if entry.Material == rec.Material &&
		entry.Brand == rec.Brand &&
		entry.ColorName == rec.ColorName &&
		entry.ColorHex == rec.ColorHex {
		return nil
	}

	filamentID, err := e.resolveFilament(ctx, rec)
	if err != nil {
		return err
	}
	err = e.withInventoryRetry(ctx, func() error {
		_, err := e.inv.UpdateSpool(ctx, entry.SpoolID, inventory.SpoolPatch{FilamentID: &filamentID})
		return err
	})
	if err != nil {
		return err
	}

	// Refresh the cached metadata without touching the baseline.
	current, ok := e.store.Get(rec.TagID)
	if !ok {
		return nil
	}
	e.store.Upsert(newEntry(rec, current.SpoolID, current.LastRemaining))
	log.Info().Str("tag", rec.TagID).Msg("updated spool metadata")
	return nil
}

// resolveFilament maps a device record to an inventory filament id,
// creating vendor and filament as needed.
func (e *Engine) resolveFilament(ctx context.Context, rec record.DeviceRecord) (int, error) {
	var emptyWeight *float64
	if rec.EmptyWeight > 0 {
		emptyWeight = &rec.EmptyWeight
	}
	vendorID, err := e.inv.FindOrCreateVendor(ctx, rec.Brand, emptyWeight)
	if err != nil {
		return 0, err
	}

	name := rec.ColorName
	if name == "" {
		name = rec.Material
	}
	spec := inventory.FilamentSpec{
		VendorID: vendorID,
		Name:     name,
		Material: rec.Material,
		ColorHex: rec.ColorHex,
		Density:  materialDensity(rec.Material),
		Diameter: defaultDiameter,
	}
	if rec.NominalWeight > 0 {
		spec.Weight = &rec.NominalWeight
	}
	if emptyWeight != nil {
		spec.SpoolWeight = emptyWeight
	}
	return e.inv.FindOrCreateFilament(ctx, spec)
}

// newEntry builds a mapping entry for a device record, caching the
// last-seen metadata alongside the baseline.
func newEntry(rec record.DeviceRecord, spoolID int, baseline float64) mapping.Entry {
	return mapping.Entry{
		TagID:         rec.TagID,
		SpoolID:       spoolID,
		LastRemaining: baseline,
		LastSyncedAt:  time.Now().UTC(),
		Material:      rec.Material,
		Brand:         rec.Brand,
		ColorName:     rec.ColorName,
		ColorHex:      rec.ColorHex,
	}
}

func materialDensity(material string) float64 {
	if d, ok := materialDensities[normalizeMaterial(material)]; ok {
		return d
	}
	return defaultDensity
}

func normalizeMaterial(material string) string {
	out := make([]byte, 0, len(material))
	for i := 0; i < len(material); i++ {
		c := material[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// withInventoryRetry runs an inventory write, retrying 5xx responses a
// bounded number of times. 4xx responses and other errors fail
// immediately; the caller skips the spool and the next pass retries.
func (e *Engine) withInventoryRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var apiErr *inventory.APIError
		if errors.As(err, &apiErr) && apiErr.IsServerError() {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(newBackOff(500*time.Millisecond, 5*time.Second), 2), ctx))
}
