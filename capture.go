package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/duskvale/rabinvault/internal/metrics"
	"github.com/duskvale/rabinvault/internal/platform"
	"github.com/duskvale/rabinvault/pkg/chunk"
	"github.com/duskvale/rabinvault/pkg/delta"
	"github.com/duskvale/rabinvault/pkg/digest"
	"github.com/duskvale/rabinvault/pkg/merkle"
	"go.etcd.io/bbolt"
)

func (v *Vault) storeRecord(relPath string, rec *FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return v.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketManifests)).Put([]byte(relPath), data)
	})
}

func (v *Vault) getRecord(relPath string) (*FileRecord, error) {
	var rec FileRecord
	err := v.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(BucketManifests)).Get([]byte(relPath))
		if data == nil {
			return fmt.Errorf("manifest not found for %s", relPath)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (v *Vault) countRecords() (int, error) {
	count := 0
	err := v.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketManifests)).ForEach(func(k, _ []byte) error {
			count++
			return nil
		})
	})
	return count, err
}

func (v *Vault) chunkerFor(data []byte) chunk.Chunker {
	if v.config.Chunking.Fixed {
		return chunk.NewFixedChunker(bytes.NewReader(data), v.config.Chunking.FixedBytes)
	}
	params := chunk.Params{
		MinSize: v.config.Chunking.MinBytes,
		MaxSize: v.config.Chunking.MaxBytes,
	}
	return chunk.NewRabinChunker(bytes.NewReader(data), params)
}

// Capture chunks the file at path, dedups each chunk through the CAS,
// and persists a new manifest version. Unchanged files (same whole-file
// hash as the previous capture) are skipped without touching the CAS.
func (v *Vault) Capture(path string) (err error) {
	start := time.Now()
	chunkerName := "cdc"
	if v.config.Chunking.Fixed {
		chunkerName = "fixed"
	}
	outcome := "success"
	defer func() {
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveCapture(start, chunkerName, outcome)
	}()

	// Skip captures that race a shutdown; the stores may already be closing.
	if v.monitorCtx != nil {
		select {
		case <-v.monitorCtx.Done():
			return nil
		default:
		}
	}

	relPath, err := filepath.Rel(v.stateDir, path)
	if err != nil {
		return err
	}

	fullPath := platform.LongPathname(path)
	info, err := os.Stat(fullPath)
	if err != nil {
		return err
	}
	if err := ensureReadable(fullPath, info); err != nil {
		return err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		return err
	}

	fileSum := sha256.Sum256(data)
	newHash := hex.EncodeToString(fileSum[:])

	var prevHash string
	if err := v.db.View(func(tx *bbolt.Tx) error {
		if h := tx.Bucket([]byte(BucketHashes)).Get([]byte(relPath)); h != nil {
			prevHash = string(h)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read previous hash: %w", err)
	}
	if prevHash == newHash {
		outcome = "unchanged"
		return nil
	}

	var prev *FileRecord
	if prevHash != "" {
		if rec, recErr := v.getRecord(relPath); recErr == nil {
			prev = rec
		}
	}

	chunker := v.chunkerFor(data)

	var (
		stored     []StoredChunk
		leaves     []merkle.ChunkLeaf
		storedSize int64
		index      int
	)

	for {
		ch, chErr := chunker.Next()
		if errors.Is(chErr, io.EOF) {
			break
		}
		if chErr != nil {
			return fmt.Errorf("chunker failed for %s: %w", relPath, chErr)
		}

		sc, written, putErr := v.storeChunk(relPath, prev, index, ch)
		if putErr != nil {
			return fmt.Errorf("failed to store chunk %d for %s: %w", index, relPath, putErr)
		}
		storedSize += written
		stored = append(stored, sc)
		leaves = append(leaves, merkle.ChunkLeaf{CID: sc.CID, ShortID: sc.ShortID})
		index++
	}

	rec := &FileRecord{
		Path:         relPath,
		Version:      1,
		Timestamp:    time.Now(),
		Chunker:      chunkerName,
		OriginalSize: info.Size(),
		StoredSize:   storedSize,
		Chunks:       stored,
	}
	if prev != nil {
		rec.Version = prev.Version + 1
	}

	if len(leaves) > 0 {
		tree, treeErr := v.merkle.BuildTree(leaves)
		if treeErr != nil {
			return fmt.Errorf("failed to build merkle tree: %w", treeErr)
		}
		rec.MerkleRoot = merkle.GetRoot(tree)
	}

	if err := v.storeRecord(relPath, rec); err != nil {
		return err
	}
	if err := v.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(BucketHashes)).Put([]byte(relPath), []byte(newHash))
	}); err != nil {
		return err
	}

	if count, countErr := v.countRecords(); countErr == nil {
		metrics.SetFilesTracked(count)
	}
	metrics.ObserveStorageSavings(info.Size(), storedSize)

	ratio := 0.0
	if info.Size() > 0 {
		ratio = float64(storedSize) / float64(info.Size()) * 100
	}
	log.Printf("[Capture] %s v%d: %d chunks, %.2f KB stored (%.1f%% of original)",
		relPath, rec.Version, len(stored), float64(storedSize)/1024, ratio)

	return nil
}

// storeChunk writes one chunk into the CAS, preferring delta encoding
// when the previous version of the same chunk slot is available as a
// full chunk and the patch is small enough to be worth the extra restore
// step. Returns the manifest entry and the compressed bytes written
// (zero on a dedup hit).
func (v *Vault) storeChunk(relPath string, prev *FileRecord, index int, ch chunk.Chunk) (StoredChunk, int64, error) {
	cid := hex.EncodeToString(ch.Ref.Hash[:])
	short := digest.Chunk128(ch.Data)
	sc := StoredChunk{
		CID:     cid,
		ShortID: hex.EncodeToString(short[:]),
		Offset:  ch.Ref.Offset,
		Length:  ch.Ref.Length,
	}

	exists, err := v.cas.Has(cid)
	if err != nil {
		return sc, 0, err
	}
	if exists {
		// Dedup hit: PutWithDigest still runs so a digest collision
		// gets recorded, but nothing new is written.
		if _, _, _, err := v.cas.PutWithDigest(ch.Ref.Hash[:], ch.Data); err != nil {
			return sc, 0, err
		}
		if err := v.cas.AddReference(cid, relPath); err != nil {
			return sc, 0, err
		}
		metrics.ObserveChunk("reuse", len(ch.Data))
		return sc, 0, nil
	}

	if patch, baseCID, ok := v.tryDeltaEncode(prev, index, cid, ch.Data); ok {
		patchSum := sha256.Sum256(patch)
		patchCID, written, _, putErr := v.cas.PutWithDigest(patchSum[:], patch)
		if putErr != nil {
			return sc, 0, putErr
		}
		if refErr := v.cas.AddReference(patchCID, relPath); refErr != nil {
			return sc, 0, refErr
		}
		// The base chunk must outlive this version too.
		if refErr := v.cas.AddReference(baseCID, relPath); refErr != nil {
			return sc, 0, refErr
		}
		sc.PatchCID = patchCID
		sc.DeltaBase = baseCID
		metrics.ObserveChunk("delta", len(ch.Data))
		return sc, int64(written), nil
	}

	_, written, _, err := v.cas.PutWithDigest(ch.Ref.Hash[:], ch.Data)
	if err != nil {
		return sc, 0, err
	}
	if err := v.cas.AddReference(cid, relPath); err != nil {
		return sc, 0, err
	}
	metrics.ObserveChunk("new", len(ch.Data))
	return sc, int64(written), nil
}

// tryDeltaEncode returns a worthwhile patch against the previous
// version's chunk at the same index, or ok=false when no usable base
// exists. Only full (non-delta) chunks serve as bases, so patch chains
// never grow beyond one link and a restore applies at most one patch.
func (v *Vault) tryDeltaEncode(prev *FileRecord, index int, cid string, data []byte) (patch []byte, baseCID string, ok bool) {
	if v.delta == nil || prev == nil || index >= len(prev.Chunks) {
		return nil, "", false
	}

	base := prev.Chunks[index]
	if base.PatchCID != "" || base.CID == cid {
		return nil, "", false
	}

	baseData, err := v.cas.Get(base.CID)
	if err != nil {
		logDebug("[Capture] delta base %s unavailable: %v", base.CID, err)
		return nil, "", false
	}

	p, err := v.delta.Encode(baseData, data)
	if err != nil {
		logDebug("[Capture] delta encode failed for chunk %d: %v", index, err)
		return nil, "", false
	}
	if !delta.Worthwhile(p, data) {
		return nil, "", false
	}
	return p, base.CID, true
}

// WalkAndCapture captures every regular file under root in one pass,
// returning how many files were captured.
func (v *Vault) WalkAndCapture(root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := v.Capture(path); err != nil {
			log.Printf("[Backup] failed to capture %s: %v", path, err)
			return nil
		}
		count++
		return nil
	})
	return count, err
}
