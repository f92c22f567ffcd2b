package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/duskvale/rabinvault/pkg/digest"
)

// chunkLeaves derives leaves the way capture does: both identities
// computed from the same synthetic chunk payloads.
func chunkLeaves(n int) []ChunkLeaf {
	leaves := make([]ChunkLeaf, n)
	for i := range leaves {
		payload := []byte(fmt.Sprintf("chunk payload %d", i))
		sum := sha256.Sum256(payload)
		short := digest.Chunk128(payload)
		leaves[i] = ChunkLeaf{
			CID:     hex.EncodeToString(sum[:]),
			ShortID: hex.EncodeToString(short[:]),
		}
	}
	return leaves
}

func TestChunkLeafHashing(t *testing.T) {
	leaves := chunkLeaves(2)
	a, b := leaves[0], leaves[1]
	aAgain := ChunkLeaf{CID: a.CID, ShortID: a.ShortID}

	hashA, err := a.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}
	hashB, err := b.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}
	hashA2, err := aAgain.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}

	if !bytes.Equal(hashA, hashA2) {
		t.Error("same leaf hashed to different values")
	}
	if bytes.Equal(hashA, hashB) {
		t.Error("different leaves hashed to the same value")
	}

	if eq, err := a.Equals(aAgain); err != nil || !eq {
		t.Errorf("Equals(same leaf) = %v, %v; want true, nil", eq, err)
	}
	if eq, err := a.Equals(b); err != nil || eq {
		t.Errorf("Equals(other leaf) = %v, %v; want false, nil", eq, err)
	}
}

func TestLeafHashBindsBothIdentities(t *testing.T) {
	leaf := chunkLeaves(1)[0]
	base, err := leaf.CalculateHash()
	if err != nil {
		t.Fatal(err)
	}

	// Swapping either identity must change the leaf hash, or a digest
	// collision in one identity space could be hidden behind the other.
	otherCID := chunkLeaves(2)[1].CID
	swappedCID, err := ChunkLeaf{CID: otherCID, ShortID: leaf.ShortID}.CalculateHash()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(base, swappedCID) {
		t.Error("changing the CID did not change the leaf hash")
	}

	swappedShort, err := ChunkLeaf{CID: leaf.CID, ShortID: ""}.CalculateHash()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(base, swappedShort) {
		t.Error("dropping the ShortID did not change the leaf hash")
	}
}

func TestBuildTreeBounds(t *testing.T) {
	m := NewManager()

	if _, err := m.BuildTree(nil); err == nil {
		t.Error("BuildTree(nil) should fail: a manifest with chunks always has leaves")
	}

	for _, n := range []int{1, 2, 5, 64} {
		tree, err := m.BuildTree(chunkLeaves(n))
		if err != nil {
			t.Fatalf("BuildTree(%d leaves) error = %v", n, err)
		}
		if GetRoot(tree) == nil {
			t.Fatalf("BuildTree(%d leaves) produced a nil root", n)
		}
		if valid, err := VerifyTree(tree); err != nil || !valid {
			t.Fatalf("VerifyTree(%d leaves) = %v, %v; want true, nil", n, valid, err)
		}
	}

	if GetRoot(nil) != nil {
		t.Error("GetRoot(nil) should return nil")
	}
	if _, err := VerifyTree(nil); err == nil {
		t.Error("VerifyTree(nil) should return an error")
	}
}

func TestRootIsOrderSensitive(t *testing.T) {
	m := NewManager()

	leaves := chunkLeaves(4)
	tree1, err := m.BuildTree(leaves)
	if err != nil {
		t.Fatal(err)
	}

	swapped := append([]ChunkLeaf(nil), leaves...)
	swapped[0], swapped[1] = swapped[1], swapped[0]
	tree2, err := m.BuildTree(swapped)
	if err != nil {
		t.Fatal(err)
	}

	// Chunk order is part of file identity: reordering two chunks must
	// change the root, or a corrupted manifest could pass verification.
	if bytes.Equal(GetRoot(tree1), GetRoot(tree2)) {
		t.Error("reordering chunk leaves did not change the Merkle root")
	}
}

func TestVerifyContentMembership(t *testing.T) {
	m := NewManager()

	leaves := chunkLeaves(3)
	tree, err := m.BuildTree(leaves)
	if err != nil {
		t.Fatal(err)
	}

	if ok, err := m.VerifyContent(tree, leaves[1]); err != nil || !ok {
		t.Errorf("VerifyContent(member) = %v, %v; want true, nil", ok, err)
	}
	outsider := chunkLeaves(5)[4]
	if ok, err := m.VerifyContent(tree, outsider); err != nil || ok {
		t.Errorf("VerifyContent(non-member) = %v, %v; want false, nil", ok, err)
	}
}

func TestTreeCache(t *testing.T) {
	m := NewManager()

	tree, err := m.BuildAndCache("data/a.bin", chunkLeaves(2))
	if err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}
	if _, err := m.BuildAndCache("data/b.bin", chunkLeaves(4)); err != nil {
		t.Fatalf("BuildAndCache() error = %v", err)
	}

	cached, ok := m.GetCachedTree("data/a.bin")
	if !ok || cached != tree {
		t.Error("cached tree lookup did not return the built tree")
	}
	if _, ok := m.GetCachedTree("data/missing.bin"); ok {
		t.Error("lookup of an uncached key reported a hit")
	}

	m.RemoveFromCache("data/a.bin")
	if _, ok := m.GetCachedTree("data/a.bin"); ok {
		t.Error("removed key still cached")
	}
	if _, ok := m.GetCachedTree("data/b.bin"); !ok {
		t.Error("unrelated key evicted by RemoveFromCache")
	}

	m.ClearCache()
	if _, ok := m.GetCachedTree("data/b.bin"); ok {
		t.Error("cache still populated after ClearCache")
	}
}

func TestVerifyFileIntegrity(t *testing.T) {
	m := NewManager()

	leaves := chunkLeaves(3)
	tree, err := m.BuildTree(leaves)
	if err != nil {
		t.Fatal(err)
	}
	root := GetRoot(tree)

	if err := m.VerifyFileIntegrity(leaves, root); err != nil {
		t.Errorf("VerifyFileIntegrity() failed for a matching root: %v", err)
	}

	tamperedRoot := append([]byte(nil), root...)
	tamperedRoot[0] ^= 0xFF
	if err := m.VerifyFileIntegrity(leaves, tamperedRoot); err == nil {
		t.Error("VerifyFileIntegrity() accepted a tampered root")
	}

	if err := m.VerifyFileIntegrity(nil, root); err == nil {
		t.Error("VerifyFileIntegrity() accepted an empty leaf list")
	}

	// A manifest whose ShortIDs were tampered with must fail even when
	// the CIDs are intact.
	tamperedLeaves := append([]ChunkLeaf(nil), leaves...)
	tamperedLeaves[1].ShortID = tamperedLeaves[0].ShortID
	if err := m.VerifyFileIntegrity(tamperedLeaves, root); err == nil {
		t.Error("VerifyFileIntegrity() accepted a manifest with a swapped ShortID")
	}
}

func TestLeavesFromCIDs(t *testing.T) {
	cids := []string{"aa", "bb"}
	leaves := LeavesFromCIDs(cids)
	if len(leaves) != 2 {
		t.Fatalf("got %d leaves, want 2", len(leaves))
	}
	for i, leaf := range leaves {
		if leaf.CID != cids[i] || leaf.ShortID != "" {
			t.Errorf("leaf %d = %+v, want CID %s with empty ShortID", i, leaf, cids[i])
		}
	}
}

func TestProveChunkByShortID(t *testing.T) {
	m := NewManager()

	leaves := chunkLeaves(8)
	tree, err := m.BuildTree(leaves)
	if err != nil {
		t.Fatal(err)
	}

	leaf, proof, err := m.ProveChunkByShortID(tree, leaves, leaves[3].ShortID)
	if err != nil {
		t.Fatalf("ProveChunkByShortID() error = %v", err)
	}
	if leaf.CID != leaves[3].CID {
		t.Errorf("resolved CID = %s, want %s", leaf.CID, leaves[3].CID)
	}
	if len(proof) == 0 {
		t.Error("ProveChunkByShortID() returned an empty path for a tree member")
	}

	if _, _, err := m.ProveChunkByShortID(tree, leaves, "feedfacefeedface"); err == nil {
		t.Error("ProveChunkByShortID() should fail for an unknown short id")
	}
	if _, _, err := m.ProveChunkByShortID(tree, leaves, ""); err == nil {
		t.Error("ProveChunkByShortID() should fail for an empty short id")
	}

	// A leaf whose ShortID matches but that belongs to a different tree
	// must be rejected by the membership check.
	foreign := chunkLeaves(12)[11]
	impostor := []ChunkLeaf{{CID: foreign.CID, ShortID: foreign.ShortID}}
	if _, _, err := m.ProveChunkByShortID(tree, impostor, foreign.ShortID); err == nil {
		t.Error("ProveChunkByShortID() proved membership for a leaf outside the tree")
	}
}

func BenchmarkBuildTree(b *testing.B) {
	m := NewManager()
	leaves := chunkLeaves(256) // ~1 MiB file at the default ~4 KiB chunk size

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.BuildTree(leaves); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkVerifyFileIntegrity(b *testing.B) {
	m := NewManager()
	leaves := chunkLeaves(256)
	tree, err := m.BuildTree(leaves)
	if err != nil {
		b.Fatal(err)
	}
	root := GetRoot(tree)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := m.VerifyFileIntegrity(leaves, root); err != nil {
			b.Fatal(err)
		}
	}
}
