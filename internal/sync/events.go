package sync

import (
	"context"
	"time"

	"spool-sync-bridge/internal/inventory"
	"spool-sync-bridge/internal/mapping"
)

// eventLoop keeps one connection to the inventory event feed alive,
// reconnecting with exponential backoff. Events arriving during a
// disconnect are lost, so every reconnect after the first schedules an
// immediate full sync through the poller.
func (e *Engine) eventLoop(ctx context.Context) error {
	e.log.Info().Msg("starting event listener")

	bo := newBackOff(1*time.Second, 60*time.Second)
	connected := false

	for {
		if ctx.Err() != nil {
			e.log.Info().Msg("event listener stopping")
			return ctx.Err()
		}

		stream, err := e.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			e.log.Warn().Err(err).Dur("retry_in", wait).Msg("event stream connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		e.updateStats(func(s *Stats) { s.EventsConnected = true })
		if connected {
			// Recover whatever happened while we were deaf.
			e.log.Info().Msg("event stream reconnected, scheduling full sync")
			e.requestSync()
		}
		connected = true

		e.readEvents(ctx, stream)
		e.updateStats(func(s *Stats) { s.EventsConnected = false })
	}
}

// readEvents drains one stream until it dies or ctx is cancelled.
func (e *Engine) readEvents(ctx context.Context, stream EventSource) {
	defer stream.Close()

	// Tear the blocking read down when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	for {
		event, err := stream.Next()
		if err != nil {
			if ctx.Err() == nil {
				e.log.Warn().Err(err).Msg("event stream died")
			}
			return
		}
		e.handleEvent(event)
	}
}

// handleEvent applies one inventory-side event to the mapping. Events are
// processed strictly serially.
func (e *Engine) handleEvent(event inventory.Event) {
	e.updateStats(func(s *Stats) { s.EventsHandled++ })
	spoolID := event.Payload.ID

	switch event.Type {
	case inventory.EventDeleted:
		// The inventory dropped the spool; forget the mapping. If the
		// device still reports the tag, the next poll re-creates the
		// spool under a fresh id. That self-healing is intended.
		if entry, ok := e.store.GetBySpoolID(spoolID); ok {
			unlock := e.lockTag(entry.TagID)
			defer unlock()
			if entry, ok := e.store.RemoveBySpoolID(spoolID); ok {
				e.log.Info().Int("spool", spoolID).Str("tag", entry.TagID).Msg("inventory spool deleted, mapping removed")
			}
		}

	case inventory.EventUpdated:
		entry, ok := e.store.GetBySpoolID(spoolID)
		if !ok {
			return
		}
		unlock := e.lockTag(entry.TagID)
		defer unlock()
		if event.Payload.TagID() != entry.TagID {
			// The tag extra field was cleared or repointed; the linkage
			// is gone. Treat as a deletion.
			if _, ok := e.store.RemoveBySpoolID(spoolID); ok {
				e.log.Info().Int("spool", spoolID).Str("tag", entry.TagID).Msg("spool tag field changed, mapping dropped")
			}
		}

	case inventory.EventAdded:
		tagID := event.Payload.TagID()
		if tagID == "" {
			return
		}
		unlock := e.lockTag(tagID)
		defer unlock()
		if _, ok := e.store.Get(tagID); ok {
			return
		}
		// Someone created a tagged spool inventory-side (or another
		// writer raced us); adopt it so the next poll does not create a
		// duplicate.
		remaining := event.Payload.InitialWeight - event.Payload.UsedWeight
		if remaining < 0 {
			remaining = 0
		}
		e.store.Upsert(mapping.Entry{
			TagID:         tagID,
			SpoolID:       spoolID,
			LastRemaining: remaining,
			LastSyncedAt:  time.Now().UTC(),
		})
		e.log.Info().Int("spool", spoolID).Str("tag", tagID).Msg("adopted inventory-created spool")
	}

	if err := e.store.Flush(); err != nil {
		e.log.Error().Err(err).Msg("persisting mapping after event failed")
	}
}
