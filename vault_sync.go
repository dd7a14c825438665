package keyfold

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// syncSkewMargin is subtracted from the sync cursor when asking the
// server for changes, so clock skew between client and server cannot
// hide an update. Overlapping envelopes simply overwrite.
const syncSkewMargin = 2 * time.Minute

// Synchronize reconciles the local cache with the server. Incremental
// by default: only envelopes updated since the last round are fetched.
// A full round runs when forced, when the cache is empty, or when the
// server reports fewer live records than the cache holds (a deletion
// from another device that an incremental fetch alone would miss).
//
// The round is atomic with respect to decryption: every fetched
// envelope must decrypt, or the whole round aborts, the cache is
// cleared and SyncError is returned. A partial cache that silently
// dropped undecryptable records would look like data loss.
//
// Concurrent callers coalesce into one in-flight round regardless of
// mode, so a full and an incremental round can never interleave and
// race on the cursor.
func (v *Vault) Synchronize(ctx context.Context, full bool) error {
	if err := v.client.checkOpen(); err != nil {
		return err
	}
	if err := v.client.session.guard(ctx, false); err != nil {
		return err
	}

	_, err, _ := v.flight.Do("sync", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, syncTimeout)
		defer cancel()
		return nil, v.synchronize(ctx, full)
	})
	return err
}

func (v *Vault) synchronize(ctx context.Context, full bool) error {
	c := v.client

	v.mu.RLock()
	cursor := v.lastSync
	cached := len(v.records)
	v.mu.RUnlock()

	if cursor.IsZero() || cached == 0 {
		full = true
	}

	if !full {
		status, err := c.api.VaultStatus(ctx)
		if err != nil {
			return &SyncError{Reason: "status check", Err: wrapError(err)}
		}
		if status.Count < cached {
			full = true
		}
	}

	var updatedAfter *time.Time
	if !full {
		since := cursor.Add(-syncSkewMargin)
		updatedAfter = &since
	}

	started := time.Now()
	envelopes, err := c.api.ListRecords(ctx, updatedAfter)
	if err != nil {
		return &SyncError{Reason: "fetch records", Err: wrapError(err)}
	}

	// Decrypt everything into a staging map before touching the cache.
	staged := make(map[string]*Record, len(envelopes))
	tombstones := make([]string, 0)
	for i := range envelopes {
		envelope := &envelopes[i]
		if envelope.Deleted {
			tombstones = append(tombstones, envelope.ID)
			continue
		}
		record, err := v.decryptRecord(envelope)
		if err != nil {
			v.reset()
			return &SyncError{Reason: "decrypt records", Err: err}
		}
		staged[envelope.ID] = record
	}

	v.mu.Lock()
	if full {
		v.records = staged
	} else {
		for id, record := range staged {
			v.records[id] = record
		}
		for _, id := range tombstones {
			delete(v.records, id)
		}
	}
	v.lastSync = started
	v.mu.Unlock()

	c.cfg.logger.WithFields(logrus.Fields{
		"full":    full,
		"fetched": len(envelopes),
	}).Debug("vault synchronized")
	return nil
}

// LastSync returns the time of the last successful synchronization,
// zero if none has completed.
func (v *Vault) LastSync() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSync
}
