package cas

import (
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
)

func setupTestDB(t *testing.T) *pebble.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.pebble")
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func TestNewStore(t *testing.T) {
	db := setupTestDB(t)

	store, err := NewStore(db, "sha256")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store == nil {
		t.Fatal("NewStore() returned nil store")
	}
	if store.hashAlgo != "sha256" {
		t.Errorf("expected hash algo 'sha256', got %q", store.hashAlgo)
	}
}

func TestNewStoreRejectsNilDB(t *testing.T) {
	if _, err := NewStore(nil, "sha256"); err == nil {
		t.Fatal("expected an error for a nil pebble DB")
	}
}

func TestStorePutAndGet(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("hello world")
	cid, err := store.Put(data)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if cid == "" {
		t.Fatal("Put() returned empty CID")
	}

	retrieved, err := store.Get(cid)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(retrieved) != string(data) {
		t.Errorf("Get() = %q, want %q", retrieved, data)
	}
}

func TestStoreDeduplication(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("duplicate data")
	cid1, err := store.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	cid2, err := store.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	if cid1 != cid2 {
		t.Errorf("deduplication failed: cid1 = %s, cid2 = %s", cid1, cid2)
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalObjects != 1 {
		t.Errorf("TotalObjects after dedup = %d, want 1", stats.TotalObjects)
	}
}

func TestStorePutWithDigestDetectsCollision(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	digest := []byte{0xAA, 0xBB, 0xCC}

	cid, stored, collided, err := store.PutWithDigest(digest, []byte("first content"))
	if err != nil {
		t.Fatal(err)
	}
	if collided || stored == 0 {
		t.Fatalf("expected first write to store cleanly, stored=%d collided=%v", stored, collided)
	}

	_, stored2, collided2, err := store.PutWithDigest(digest, []byte("different content, same digest"))
	if err != nil {
		t.Fatal(err)
	}
	if !collided2 {
		t.Fatal("expected a collision when the same digest maps to different bytes")
	}
	if stored2 != 0 {
		t.Errorf("a collided write should not store new bytes, got stored=%d", stored2)
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Collisions != 1 {
		t.Errorf("Collisions = %d, want 1", stats.Collisions)
	}

	got, err := store.Get(cid)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first content" {
		t.Errorf("collided write must not overwrite the original content, got %q", got)
	}
}

func TestStoreHas(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	cid, err := store.Put([]byte("test data"))
	if err != nil {
		t.Fatal(err)
	}

	exists, err := store.Has(cid)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("Has() = false for existing CID")
	}

	exists, err = store.Has("nonexistent")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("Has() = true for non-existing CID")
	}
}

func TestStoreReferences(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	cid, err := store.Put([]byte("referenced data"))
	if err != nil {
		t.Fatal(err)
	}

	if err := store.AddReference(cid, "/path/to/file1"); err != nil {
		t.Fatal(err)
	}
	if count, err := store.GetRefCount(cid); err != nil || count != 1 {
		t.Fatalf("GetRefCount() = %d, %v, want 1, nil", count, err)
	}

	if err := store.AddReference(cid, "/path/to/file2"); err != nil {
		t.Fatal(err)
	}
	if count, err := store.GetRefCount(cid); err != nil || count != 2 {
		t.Fatalf("GetRefCount() = %d, %v, want 2, nil", count, err)
	}

	// Duplicate reference from the same file must not increment.
	if err := store.AddReference(cid, "/path/to/file1"); err != nil {
		t.Fatal(err)
	}
	if count, err := store.GetRefCount(cid); err != nil || count != 2 {
		t.Fatalf("GetRefCount() after duplicate = %d, %v, want 2, nil", count, err)
	}

	if err := store.RemoveReference(cid, "/path/to/file1"); err != nil {
		t.Fatal(err)
	}
	if count, err := store.GetRefCount(cid); err != nil || count != 1 {
		t.Fatalf("GetRefCount() after removal = %d, %v, want 1, nil", count, err)
	}
}

func TestStoreGarbageCollect(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	cid1, _ := store.Put([]byte("referenced data"))
	store.AddReference(cid1, "/file1")

	cid2, _ := store.Put([]byte("unreferenced data"))

	deleted, err := store.GarbageCollect()
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("GarbageCollect() deleted %d objects, want 1", deleted)
	}

	if exists, _ := store.Has(cid1); !exists {
		t.Error("GarbageCollect() deleted referenced data")
	}
	if exists, _ := store.Has(cid2); exists {
		t.Error("GarbageCollect() did not delete unreferenced data")
	}
}

func TestStoreGetStats(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	cid1, _ := store.Put([]byte("data 1"))
	store.AddReference(cid1, "/file1")
	store.AddReference(cid1, "/file2")

	cid2, _ := store.Put([]byte("data 2"))
	store.AddReference(cid2, "/file1")

	store.Put([]byte("data 3")) // no references

	stats, err := store.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalObjects != 3 {
		t.Errorf("TotalObjects = %d, want 3", stats.TotalObjects)
	}
	if stats.TotalRefs != 3 {
		t.Errorf("TotalRefs = %d, want 3", stats.TotalRefs)
	}
	if stats.UniqueFiles != 2 {
		t.Errorf("UniqueFiles = %d, want 2", stats.UniqueFiles)
	}
	if stats.UnreferencedObjs != 1 {
		t.Errorf("UnreferencedObjs = %d, want 1", stats.UnreferencedObjs)
	}
}

func BenchmarkStorePut(b *testing.B) {
	dbPath := filepath.Join(b.TempDir(), "bench.pebble")
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	store, _ := NewStore(db, "sha256")
	data := []byte("benchmark data")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Put(data)
	}
}

func BenchmarkStoreGet(b *testing.B) {
	dbPath := filepath.Join(b.TempDir(), "bench.pebble")
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		b.Fatal(err)
	}
	defer db.Close()

	store, _ := NewStore(db, "sha256")
	data := []byte("benchmark data")
	cid, _ := store.Put(data)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.Get(cid)
	}
}

func TestStoreDedupAccounting(t *testing.T) {
	store, err := NewStore(setupTestDB(t), "sha256")
	if err != nil {
		t.Fatal(err)
	}

	chunk := []byte("a chunk that every version of the file shares")

	digest := [32]byte{1, 2, 3}
	if _, stored, _, err := store.PutWithDigest(digest[:], chunk); err != nil || stored == 0 {
		t.Fatalf("first put should store bytes, stored=%d err=%v", stored, err)
	}
	for i := 0; i < 3; i++ {
		if _, stored, _, err := store.PutWithDigest(digest[:], chunk); err != nil || stored != 0 {
			t.Fatalf("repeat put %d should be a dedup hit, stored=%d err=%v", i, stored, err)
		}
	}

	stats, err := store.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.DedupHits != 3 {
		t.Errorf("DedupHits = %d, want 3", stats.DedupHits)
	}
	if want := int64(3 * len(chunk)); stats.DedupBytesSaved != want {
		t.Errorf("DedupBytesSaved = %d, want %d", stats.DedupBytesSaved, want)
	}

	// Whole-object puts feed the same counters.
	if _, err := store.Put(chunk); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(chunk); err != nil {
		t.Fatal(err)
	}
	stats, err = store.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.DedupHits != 4 {
		t.Errorf("DedupHits after whole-object reuse = %d, want 4", stats.DedupHits)
	}
}
