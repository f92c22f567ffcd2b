package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/duskvale/rabinvault/internal/metrics"
	"github.com/duskvale/rabinvault/internal/platform"
	"github.com/duskvale/rabinvault/pkg/digest"
	"github.com/duskvale/rabinvault/pkg/merkle"
	"go.etcd.io/bbolt"
)

// RestoreAll reconstructs every tracked file under the state directory
// from its manifest. reason tags the metrics ("startup" for the recovery
// phase before the wrapped command starts, "manual" for the CLI verb).
func (v *Vault) RestoreAll(reason string) (err error) {
	log.Println("[Restore] Restoring state from chunk manifests...")

	startTime := time.Now()
	count := 0
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveRestore(startTime, reason, outcome)
	}()

	err = v.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketManifests)).Cursor()

		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			relPath := string(k)

			var rec FileRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				log.Printf("Warning: failed to parse manifest for %s: %v", relPath, err)
				continue
			}

			if len(rec.Chunks) > 0 {
				leaves := make([]merkle.ChunkLeaf, len(rec.Chunks))
				for i, sc := range rec.Chunks {
					leaves[i] = merkle.ChunkLeaf{CID: sc.CID, ShortID: sc.ShortID}
				}
				if err := v.merkle.VerifyFileIntegrity(leaves, rec.MerkleRoot); err != nil {
					log.Printf("Warning: integrity check failed for %s: %v", relPath, err)
					continue
				}
			}

			if err := v.restoreFile(relPath, &rec); err != nil {
				return fmt.Errorf("failed to restore %s: %w", relPath, err)
			}
			count++
		}
		return nil
	})

	log.Printf("[Restore] Restored %d files in %v", count, time.Since(startTime))
	return err
}

func (v *Vault) restoreFile(relPath string, rec *FileRecord) error {
	fullPath := platform.LongPathname(filepath.Join(v.stateDir, relPath))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	var totalSize int64
	for i, sc := range rec.Chunks {
		data, err := v.fetchChunk(sc)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if len(data) != int(sc.Length) {
			return fmt.Errorf("chunk %d length mismatch: expected %d got %d", i, sc.Length, len(data))
		}
		if _, err := f.WriteAt(data, int64(sc.Offset)); err != nil {
			return fmt.Errorf("chunk %d write: %w", i, err)
		}
		if end := int64(sc.Offset) + int64(sc.Length); end > totalSize {
			totalSize = end
		}
	}

	if err := f.Truncate(totalSize); err != nil {
		return fmt.Errorf("failed to finalize: %w", err)
	}
	return nil
}

// fetchChunk materializes one chunk from the CAS, applying the stored
// patch when the chunk was delta-encoded, and verifies the result
// against the chunk's content hash before returning it.
func (v *Vault) fetchChunk(sc StoredChunk) ([]byte, error) {
	var data []byte

	if sc.PatchCID == "" {
		full, err := v.cas.Get(sc.CID)
		if err != nil {
			return nil, err
		}
		data = full
	} else {
		base, err := v.cas.Get(sc.DeltaBase)
		if err != nil {
			return nil, fmt.Errorf("delta base: %w", err)
		}
		patch, err := v.cas.Get(sc.PatchCID)
		if err != nil {
			return nil, fmt.Errorf("patch: %w", err)
		}
		if v.delta == nil {
			return nil, fmt.Errorf("manifest requires delta decoding but delta encoding is disabled")
		}
		data, err = v.delta.Apply(base, patch)
		if err != nil {
			return nil, err
		}
	}

	sum := sha256.Sum256(data)
	if got := hex.EncodeToString(sum[:]); got != sc.CID {
		return nil, fmt.Errorf("content hash mismatch: manifest %s, reconstructed %s", sc.CID, got)
	}
	if sc.ShortID != "" {
		short := digest.Chunk128(data)
		if got := hex.EncodeToString(short[:]); got != sc.ShortID {
			return nil, fmt.Errorf("short identity mismatch: manifest %s, reconstructed %s", sc.ShortID, got)
		}
	}
	return data, nil
}
