// Package recorder buffers incoming filesystem write events in a durable
// journal and drains them asynchronously into the CAS, so a watch session
// never blocks a write on a storage pass. Entries are chunk-aware from
// the moment they are journaled: LogEvent runs the content-defined
// chunker over the payload and records each chunk's span and identity
// alongside the bytes, so the processor stores pre-cut slices and can
// detect a torn entry by re-hashing them.
package recorder

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/duskvale/rabinvault/internal/chunk"
	"github.com/duskvale/rabinvault/pkg/cas"
)

// ChunkSpan is one content-defined chunk of a journaled payload: its
// position within the payload and the SHA-256 identity of its bytes,
// both fixed at journaling time.
type ChunkSpan struct {
	Offset uint64 `json:"offset"`
	Length uint32 `json:"length"`
	CID    string `json:"cid"`
}

// JournalEntry is a filesystem event captured for later storage. Data
// holds the raw payload; Chunks carries its content-defined segmentation
// and PayloadSHA the whole-payload hash, so downstream consumers never
// re-derive boundaries and any corruption of the journaled bytes is
// detectable before they reach the CAS.
type JournalEntry struct {
	Timestamp  int64       `json:"ts"` // nanoseconds
	Path       string      `json:"path"`
	Op         string      `json:"op"` // "write", "create", etc.
	Data       []byte      `json:"data"`
	PayloadSHA string      `json:"payload_sha"`
	Chunks     []ChunkSpan `json:"chunks"`
}

// chunkSpans segments data with the default content-defined bounds and
// records each chunk's span and identity.
func chunkSpans(data []byte) ([]ChunkSpan, error) {
	chunker, err := chunk.NewDefault(data)
	if err != nil {
		return nil, fmt.Errorf("recorder: build chunker: %w", err)
	}

	var (
		spans  []ChunkSpan
		offset uint64
	)
	for {
		c, ok := chunker.Next()
		if !ok {
			return spans, nil
		}
		sum := sha256.Sum256(c)
		spans = append(spans, ChunkSpan{
			Offset: offset,
			Length: uint32(len(c)),
			CID:    hex.EncodeToString(sum[:]),
		})
		offset += uint64(len(c))
	}
}

// Journal appends chunk-annotated events to Pebble under a time-ordered
// key prefix.
type Journal struct {
	db *pebble.DB
}

// NewJournal creates a journal writer bound to the provided Pebble instance.
func NewJournal(db *pebble.DB) *Journal {
	return &Journal{db: db}
}

// LogEvent journals a payload with a default "write" operation.
func (j *Journal) LogEvent(path string, data []byte) error {
	return logEventWithOp(j.db, "write", path, data)
}

// LogEventWithOp journals a payload with an explicit operation string.
func (j *Journal) LogEventWithOp(op, path string, data []byte) error {
	return logEventWithOp(j.db, op, path, data)
}

func logEventWithOp(db *pebble.DB, op, path string, data []byte) error {
	if db == nil {
		return fmt.Errorf("recorder: pebble database is not initialized")
	}

	spans, err := chunkSpans(data)
	if err != nil {
		return err
	}
	payloadSum := sha256.Sum256(data)

	entry := JournalEntry{
		Timestamp:  time.Now().UnixNano(),
		Path:       path,
		Op:         op,
		Data:       data,
		PayloadSHA: hex.EncodeToString(payloadSum[:]),
		Chunks:     spans,
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("recorder: marshal journal entry: %w", err)
	}

	keySuffix, err := randomSuffix()
	if err != nil {
		return fmt.Errorf("recorder: generate journal key: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%020d:%s", cas.PrefixLog, entry.Timestamp, keySuffix))

	batch := db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, payload, pebble.NoSync); err != nil {
		return fmt.Errorf("recorder: write journal entry: %w", err)
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("recorder: commit journal entry: %w", err)
	}
	return nil
}

// verify re-hashes the entry's payload and chunk slices against the
// identities recorded at journaling time. A mismatch means the entry was
// torn or corrupted between journaling and processing, and its bytes
// must not reach the CAS.
func (e *JournalEntry) verify() error {
	sum := sha256.Sum256(e.Data)
	if got := hex.EncodeToString(sum[:]); got != e.PayloadSHA {
		return fmt.Errorf("recorder: payload hash mismatch for %s: journaled %s, stored %s", e.Path, e.PayloadSHA, got)
	}

	for i, span := range e.Chunks {
		end := span.Offset + uint64(span.Length)
		if end > uint64(len(e.Data)) {
			return fmt.Errorf("recorder: chunk %d of %s overruns payload (%d > %d)", i, e.Path, end, len(e.Data))
		}
		chunkSum := sha256.Sum256(e.Data[span.Offset:end])
		if got := hex.EncodeToString(chunkSum[:]); got != span.CID {
			return fmt.Errorf("recorder: chunk %d of %s does not match its journaled identity", i, e.Path)
		}
	}
	return nil
}

func randomSuffix() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
