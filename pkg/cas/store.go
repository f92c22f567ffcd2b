// Package cas implements content-addressable storage for chunks on top
// of a Pebble key-value store, with zstd compression at rest and
// reference counting so garbage collection only ever removes chunks no
// manifest points at anymore.
package cas

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/klauspost/compress/zstd"
	"github.com/multiformats/go-multihash"
)

const (
	PrefixCAS  = "c:" // compressed chunk bytes
	PrefixMeta = "m:" // manifests and reference counts
	PrefixLog  = "l:" // raw incoming filesystem events awaiting chunking
)

const metaRefPrefix = PrefixMeta + "ref:"

// Persisted counters under the meta prefix. Dedup accounting lives in
// the store rather than in process-local metrics so that "how much did
// chunking actually save" survives restarts and is answerable from the
// stats CLI against a cold store.
const (
	counterCollisions = PrefixMeta + "collisions"
	counterDedupHits  = PrefixMeta + "dedup_hits"
	counterDedupBytes = PrefixMeta + "dedup_bytes"
)

const compressionMagic = "RVZ1"

// Store implements content-addressable chunk storage.
type Store struct {
	db       *pebble.DB
	hashAlgo string
}

// RefCount tracks how many files reference a given CID.
type RefCount struct {
	CID   string   `json:"cid"`
	Refs  int      `json:"refs"`
	Files []string `json:"files"`
}

// NewStore opens a Store over an already-opened Pebble database. hashAlgo
// selects the whole-chunk identity hash used by Put ("sha256" or
// "blake3"); chunk-level callers that already have a digest should use
// PutWithDigest instead and skip hash selection entirely.
func NewStore(db *pebble.DB, hashAlgo string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("cas: pebble DB is nil")
	}
	return &Store{db: db, hashAlgo: hashAlgo}, nil
}

func (s *Store) computeCID(data []byte) (string, error) {
	var hashType uint64
	switch s.hashAlgo {
	case "sha256":
		hashType = multihash.SHA2_256
	case "blake3":
		hashType = multihash.BLAKE3
	default:
		return "", fmt.Errorf("cas: unsupported hash algorithm: %s", s.hashAlgo)
	}

	mh, err := multihash.Sum(data, hashType, -1)
	if err != nil {
		return "", fmt.Errorf("cas: compute multihash: %w", err)
	}
	return mh.B58String(), nil
}

// PutWithSize stores data, keyed by a self-describing multihash CID, and
// returns the CID plus the number of compressed bytes actually written
// (zero if the CID already existed).
func (s *Store) PutWithSize(data []byte) (string, int, error) {
	cid, err := s.computeCID(data)
	if err != nil {
		return "", 0, err
	}
	return s.putCID(cid, data)
}

// Put stores data and returns its CID.
func (s *Store) Put(data []byte) (string, error) {
	cid, _, err := s.PutWithSize(data)
	return cid, err
}

// PutWithDigest stores data under a pre-computed digest (full or
// truncated — see pkg/digest), returning the hex-encoded CID and the
// number of compressed bytes written (zero on dedup hit). If the digest
// already maps to different bytes, collided is true: the digest was too
// short to uniquely identify this content, a statistic rather than an
// error (see DESIGN.md for how chunk identity width trades this off).
func (s *Store) PutWithDigest(digest []byte, data []byte) (cid string, stored int, collided bool, err error) {
	cid = hex.EncodeToString(digest)

	existing, ok, getErr := s.getRaw(cid)
	if getErr != nil {
		return "", 0, false, getErr
	}
	if ok {
		if !bytes.Equal(existing, data) {
			if noteErr := s.bumpCounter(counterCollisions, 1); noteErr != nil {
				return cid, 0, true, noteErr
			}
			return cid, 0, true, nil
		}
		if noteErr := s.noteDedupHit(len(data)); noteErr != nil {
			return cid, 0, false, noteErr
		}
		return cid, 0, false, nil
	}

	n, putErr := s.storeCompressed(cid, data)
	return cid, n, false, putErr
}

func (s *Store) putCID(cid string, data []byte) (string, int, error) {
	exists, err := s.Has(cid)
	if err != nil {
		return "", 0, err
	}
	if exists {
		if err := s.noteDedupHit(len(data)); err != nil {
			return cid, 0, err
		}
		return cid, 0, nil
	}
	n, err := s.storeCompressed(cid, data)
	return cid, n, err
}

func (s *Store) storeCompressed(cid string, data []byte) (int, error) {
	compressed, err := compressForStorage(data)
	if err != nil {
		return 0, fmt.Errorf("cas: compress object: %w", err)
	}
	if err := s.db.Set(casKey(cid), compressed, pebble.Sync); err != nil {
		return 0, fmt.Errorf("cas: write object: %w", err)
	}
	return len(compressed), nil
}

func (s *Store) getRaw(cid string) ([]byte, bool, error) {
	val, closer, err := s.db.Get(casKey(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	copied := append([]byte(nil), val...)
	data, err := decompressFromStorage(copied)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Get retrieves data from CAS by CID.
func (s *Store) Get(cid string) ([]byte, error) {
	data, ok, err := s.getRaw(cid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cas: CID not found: %s", cid)
	}
	return data, nil
}

// Has reports whether a CID exists in CAS.
func (s *Store) Has(cid string) (bool, error) {
	_, closer, err := s.db.Get(casKey(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// Delete removes a CID from CAS. Callers must verify no references exist
// first; GarbageCollect does this automatically.
func (s *Store) Delete(cid string) error {
	return s.db.Delete(casKey(cid), pebble.Sync)
}

// loadRefCount reads the ref-count record for cid, returning a fresh
// record when none exists yet.
func (s *Store) loadRefCount(cid string) (RefCount, bool, error) {
	val, closer, err := s.db.Get(refKey(cid))
	if errors.Is(err, pebble.ErrNotFound) {
		return RefCount{CID: cid}, false, nil
	}
	if err != nil {
		return RefCount{}, false, err
	}
	defer closer.Close()

	var rc RefCount
	if err := json.Unmarshal(val, &rc); err != nil {
		return RefCount{}, false, fmt.Errorf("cas: unmarshal ref count: %w", err)
	}
	return rc, true, nil
}

func (s *Store) saveRefCount(rc RefCount) error {
	if rc.Refs <= 0 {
		return s.db.Delete(refKey(rc.CID), pebble.Sync)
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("cas: marshal ref count: %w", err)
	}
	return s.db.Set(refKey(rc.CID), data, pebble.Sync)
}

// AddReference records that filePath depends on cid. Adding the same
// path twice is a no-op: a file referencing the same chunk at two
// offsets still pins it exactly once.
func (s *Store) AddReference(cid, filePath string) error {
	rc, _, err := s.loadRefCount(cid)
	if err != nil {
		return err
	}

	for _, f := range rc.Files {
		if f == filePath {
			return nil
		}
	}

	rc.Refs++
	rc.Files = append(rc.Files, filePath)
	return s.saveRefCount(rc)
}

// RemoveReference drops filePath's dependency on cid, deleting the
// ref-count record entirely once it reaches zero.
func (s *Store) RemoveReference(cid, filePath string) error {
	rc, found, err := s.loadRefCount(cid)
	if err != nil || !found {
		return err
	}

	kept := rc.Files[:0]
	removed := false
	for _, f := range rc.Files {
		if f == filePath {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	if !removed {
		return nil
	}

	rc.Files = kept
	rc.Refs--
	return s.saveRefCount(rc)
}

// GetRefCount returns the current reference count for cid.
func (s *Store) GetRefCount(cid string) (int, error) {
	rc, _, err := s.loadRefCount(cid)
	if err != nil {
		return 0, err
	}
	return rc.Refs, nil
}

// GarbageCollect deletes every stored object with zero references and
// returns how many were removed.
func (s *Store) GarbageCollect() (int, error) {
	iter, err := newPrefixIter(s.db, PrefixCAS)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	deleted := 0
	for iter.First(); iter.Valid(); iter.Next() {
		cid := stripPrefix(iter.Key(), PrefixCAS)

		refs, err := s.GetRefCount(cid)
		if err != nil {
			return deleted, fmt.Errorf("cas: ref count for %s: %w", cid, err)
		}
		if refs <= 0 {
			if err := s.db.Delete(casKey(cid), pebble.Sync); err != nil {
				return deleted, fmt.Errorf("cas: delete %s: %w", cid, err)
			}
			deleted++
		}
	}
	if err := iter.Error(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Stats summarizes the state of the store.
type Stats struct {
	TotalObjects     int
	TotalSize        int64
	TotalRefs        int
	UniqueFiles      int
	UnreferencedObjs int
	// Collisions counts PutWithDigest calls that found an existing CID
	// mapped to different bytes: a true digest collision, not a dedup
	// hit. See DESIGN.md for how chunk identity width trades this off.
	Collisions int
	// DedupHits counts puts whose content was already stored;
	// DedupBytesSaved accumulates the uncompressed bytes those hits
	// avoided writing. Together they are the store's lifetime answer to
	// "what did chunk-level dedup buy".
	DedupHits       int
	DedupBytesSaved int64
}

func (s *Store) noteDedupHit(size int) error {
	if err := s.bumpCounter(counterDedupHits, 1); err != nil {
		return err
	}
	return s.bumpCounter(counterDedupBytes, int64(size))
}

func (s *Store) readCounter(key string) (int64, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	n, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cas: parse counter %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) bumpCounter(key string, delta int64) error {
	n, err := s.readCounter(key)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), []byte(strconv.FormatInt(n+delta, 10)), pebble.Sync)
}

// GetStats computes aggregate statistics by scanning the store.
func (s *Store) GetStats() (Stats, error) {
	var stats Stats

	referencedCIDs := make(map[string]bool)
	fileSet := make(map[string]bool)

	refsIter, err := newPrefixIter(s.db, metaRefPrefix)
	if err != nil {
		return stats, err
	}
	defer refsIter.Close()

	for refsIter.First(); refsIter.Valid(); refsIter.Next() {
		var refCount RefCount
		if err := json.Unmarshal(refsIter.Value(), &refCount); err != nil {
			return stats, err
		}
		if refCount.Refs > 0 {
			referencedCIDs[refCount.CID] = true
			stats.TotalRefs += refCount.Refs
			for _, f := range refCount.Files {
				fileSet[f] = true
			}
		}
	}
	if err := refsIter.Error(); err != nil {
		return stats, err
	}
	stats.UniqueFiles = len(fileSet)

	casIter, err := newPrefixIter(s.db, PrefixCAS)
	if err != nil {
		return stats, err
	}
	defer casIter.Close()

	for casIter.First(); casIter.Valid(); casIter.Next() {
		stats.TotalObjects++
		stats.TotalSize += int64(len(casIter.Value()))

		cid := stripPrefix(casIter.Key(), PrefixCAS)
		if !referencedCIDs[cid] {
			stats.UnreferencedObjs++
		}
	}
	if err := casIter.Error(); err != nil {
		return stats, err
	}

	collisions, err := s.readCounter(counterCollisions)
	if err != nil {
		return stats, err
	}
	stats.Collisions = int(collisions)

	hits, err := s.readCounter(counterDedupHits)
	if err != nil {
		return stats, err
	}
	stats.DedupHits = int(hits)

	saved, err := s.readCounter(counterDedupBytes)
	if err != nil {
		return stats, err
	}
	stats.DedupBytesSaved = saved

	return stats, nil
}

var (
	zstdEncoderOnce sync.Once
	zstdDecoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdInitErr     error
)

func getZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			zstdInitErr = err
			return
		}
		zstdEncoder = enc
	})
	return zstdEncoder, zstdInitErr
}

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			zstdInitErr = err
			return
		}
		zstdDecoder = dec
	})
	return zstdDecoder, zstdInitErr
}

func compressForStorage(data []byte) ([]byte, error) {
	enc, err := getZstdEncoder()
	if err != nil {
		return nil, err
	}
	dst := enc.EncodeAll(data, nil)
	return append([]byte(compressionMagic), dst...), nil
}

func decompressFromStorage(data []byte) ([]byte, error) {
	if len(data) < len(compressionMagic) || !bytes.Equal(data[:len(compressionMagic)], []byte(compressionMagic)) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	dec, err := getZstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data[len(compressionMagic):], nil)
}

func casKey(cid string) []byte {
	return []byte(PrefixCAS + cid)
}

func refKey(cid string) []byte {
	return []byte(metaRefPrefix + cid)
}

func newPrefixIter(db *pebble.DB, prefix string) (*pebble.Iterator, error) {
	upper := append([]byte(prefix), 0xff)
	return db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upper,
	})
}

func stripPrefix(key []byte, prefix string) string {
	k := append([]byte(nil), key...)
	return strings.TrimPrefix(string(k), prefix)
}
