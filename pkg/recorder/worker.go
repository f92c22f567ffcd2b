package recorder

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/duskvale/rabinvault/pkg/cas"
	"github.com/duskvale/rabinvault/pkg/digest"
)

// ChunkRecord links one content-defined chunk of a journaled write to the
// CAS object holding it. ShortID is the 128-bit truncated SHA3 identity
// (see pkg/digest), a compact dedup key for tooling that indexes chunk
// history without carrying full CIDs.
type ChunkRecord struct {
	Path      string `json:"path"`
	Timestamp int64  `json:"ts"`
	Index     int    `json:"index"`
	CID       string `json:"cid"`
	ShortID   string `json:"short_id"`
	Size      int    `json:"size"`
	Op        string `json:"op"`
}

// StartProcessor launches a background worker that drains journal entries
// and writes the chunks recorded in them into CAS; entries without chunk
// spans are chunked here.
func StartProcessor(db *pebble.DB, store *cas.Store) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go processorLoop(ctx, db, store)
	return cancel
}

func processorLoop(ctx context.Context, db *pebble.DB, store *cas.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed := false
		iter, err := newPrefixIter(db, cas.PrefixLog)
		if err != nil {
			log.Printf("[processor] iterator init error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for iter.First(); iter.Valid(); iter.Next() {
			processed = true

			logKey := append([]byte(nil), iter.Key()...)
			payload := append([]byte(nil), iter.Value()...)

			if err := processJournalEntry(db, store, logKey, payload); err != nil {
				log.Printf("[processor] failed to handle journal %s: %v", string(logKey), err)
			}
		}

		if err := iter.Close(); err != nil {
			log.Printf("[processor] iterator close error: %v", err)
		}

		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func processJournalEntry(db *pebble.DB, store *cas.Store, logKey, payload []byte) error {
	if db == nil || store == nil {
		return fmt.Errorf("recorder: processor requires db and store")
	}

	var entry JournalEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return fmt.Errorf("recorder: decode journal entry: %w", err)
	}
	if entry.Op == "" {
		entry.Op = "write"
	}

	// Entries journaled before spans were recorded get segmented here;
	// everything else reuses the boundaries fixed at journaling time.
	if len(entry.Chunks) == 0 && len(entry.Data) > 0 {
		spans, err := chunkSpans(entry.Data)
		if err != nil {
			return err
		}
		entry.Chunks = spans
	}
	if entry.PayloadSHA != "" {
		if err := entry.verify(); err != nil {
			return err
		}
	}

	batch := db.NewBatch()
	defer batch.Close()

	for index, span := range entry.Chunks {
		end := span.Offset + uint64(span.Length)
		if end > uint64(len(entry.Data)) {
			return fmt.Errorf("recorder: chunk %d of %s overruns payload (%d > %d)", index, entry.Path, end, len(entry.Data))
		}
		c := entry.Data[span.Offset:end]

		sum := digest.SHA256(c)
		cid, _, _, err := store.PutWithDigest(sum[:], c)
		if err != nil {
			return fmt.Errorf("recorder: store chunk %d: %w", index, err)
		}
		if err := store.AddReference(cid, entry.Path); err != nil {
			return fmt.Errorf("recorder: add reference for chunk %d: %w", index, err)
		}

		short := digest.Chunk128(c)
		record := ChunkRecord{
			Path:      entry.Path,
			Timestamp: entry.Timestamp,
			Index:     index,
			CID:       cid,
			ShortID:   hex.EncodeToString(short[:]),
			Size:      len(c),
			Op:        entry.Op,
		}
		recordBytes, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("recorder: marshal chunk record: %w", err)
		}

		metaKey := []byte(fmt.Sprintf("%s%s:%020d:%06d", cas.PrefixMeta, entry.Path, entry.Timestamp, index))
		if err := batch.Set(metaKey, recordBytes, pebble.Sync); err != nil {
			return fmt.Errorf("recorder: stage chunk record: %w", err)
		}
	}

	if err := batch.Delete(logKey, pebble.Sync); err != nil {
		return fmt.Errorf("recorder: stage journal delete: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("recorder: commit chunk records: %w", err)
	}

	return nil
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}
