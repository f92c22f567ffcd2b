// Package merkle builds and verifies per-file Merkle trees over a file
// version's chunk identities. Each leaf binds a chunk's two identities
// together — the full SHA-256 CAS key and the truncated SHA-3 ShortID
// (see pkg/digest) — so a restore can confirm it reconstructed exactly
// the chunk sequence a manifest recorded, and neither identity can be
// substituted without changing the root. Proofs can be addressed by
// ShortID, the compact identity journal records and external tooling
// carry.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cbergoon/merkletree"
)

// leafTag prefixes every leaf hash so a leaf digest can never be
// confused with an interior-node digest of the same bytes.
const leafTag = 0x00

// ChunkLeaf is one chunk's position in a file tree: the hex SHA-256 CAS
// key plus the hex SHA-3 ShortID. ShortID may be empty for callers that
// only track the full identity.
type ChunkLeaf struct {
	CID     string
	ShortID string
}

// identityBytes decodes a hex identity to its raw digest bytes so the
// leaf hash is independent of string casing; non-hex identities (such as
// base58 multihash CIDs) contribute their raw text.
func identityBytes(id string) []byte {
	if b, err := hex.DecodeString(id); err == nil {
		return b
	}
	return []byte(id)
}

// CalculateHash implements merkletree.Content. The hash covers both
// identities, length-separated, so (CID, ShortID) pairs cannot collide
// by concatenation.
func (l ChunkLeaf) CalculateHash() ([]byte, error) {
	cid := identityBytes(l.CID)
	short := identityBytes(l.ShortID)

	h := sha256.New()
	h.Write([]byte{leafTag, byte(len(cid))})
	h.Write(cid)
	h.Write([]byte{byte(len(short))})
	h.Write(short)
	return h.Sum(nil), nil
}

// Equals implements merkletree.Content.
func (l ChunkLeaf) Equals(other merkletree.Content) (bool, error) {
	o, ok := other.(ChunkLeaf)
	if !ok {
		return false, fmt.Errorf("merkle: type mismatch")
	}
	return l.CID == o.CID && l.ShortID == o.ShortID, nil
}

// LeavesFromCIDs wraps a bare CID list as leaves with no ShortIDs.
func LeavesFromCIDs(cids []string) []ChunkLeaf {
	leaves := make([]ChunkLeaf, len(cids))
	for i, cid := range cids {
		leaves[i] = ChunkLeaf{CID: cid}
	}
	return leaves
}

// Manager builds and caches file trees keyed by an arbitrary string
// (typically a file path and version).
type Manager struct {
	treeCache map[string]*merkletree.MerkleTree
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{treeCache: make(map[string]*merkletree.MerkleTree)}
}

// BuildTree builds a Merkle tree over a file version's ordered chunk
// leaves. Order matters: chunk sequence is part of file identity.
func (m *Manager) BuildTree(leaves []ChunkLeaf) (*merkletree.MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: cannot build tree from empty leaf list")
	}

	contents := make([]merkletree.Content, len(leaves))
	for i, leaf := range leaves {
		contents[i] = leaf
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, fmt.Errorf("merkle: build tree: %w", err)
	}
	return tree, nil
}

// GetRoot returns the Merkle root hash for a tree, or nil for a nil tree.
func GetRoot(tree *merkletree.MerkleTree) []byte {
	if tree == nil {
		return nil
	}
	return tree.MerkleRoot()
}

// VerifyTree verifies the internal structure of a tree.
func VerifyTree(tree *merkletree.MerkleTree) (bool, error) {
	if tree == nil {
		return false, fmt.Errorf("merkle: cannot verify nil tree")
	}
	return tree.VerifyTree()
}

// VerifyContent verifies that a leaf is a member of tree.
func (m *Manager) VerifyContent(tree *merkletree.MerkleTree, leaf ChunkLeaf) (bool, error) {
	if tree == nil {
		return false, fmt.Errorf("merkle: cannot verify content in nil tree")
	}

	verified, err := tree.VerifyContent(leaf)
	if err != nil {
		return false, fmt.Errorf("merkle: verify content: %w", err)
	}
	return verified, nil
}

// BuildAndCache builds a tree and stores it under key for later reuse.
func (m *Manager) BuildAndCache(key string, leaves []ChunkLeaf) (*merkletree.MerkleTree, error) {
	tree, err := m.BuildTree(leaves)
	if err != nil {
		return nil, err
	}
	m.treeCache[key] = tree
	return tree, nil
}

// GetCachedTree retrieves a previously cached tree.
func (m *Manager) GetCachedTree(key string) (*merkletree.MerkleTree, bool) {
	tree, ok := m.treeCache[key]
	return tree, ok
}

// ClearCache empties the tree cache.
func (m *Manager) ClearCache() {
	m.treeCache = make(map[string]*merkletree.MerkleTree)
}

// RemoveFromCache drops a single cached tree.
func (m *Manager) RemoveFromCache(key string) {
	delete(m.treeCache, key)
}

// VerifyFileIntegrity rebuilds a tree from a manifest's chunk leaves and
// confirms its root matches expectedRoot, the value stored at capture
// time. A mismatch means the manifest's chunk list (either identity, or
// the order) no longer describes what was captured.
func (m *Manager) VerifyFileIntegrity(leaves []ChunkLeaf, expectedRoot []byte) error {
	if len(leaves) == 0 {
		return fmt.Errorf("merkle: cannot verify integrity with empty leaf list")
	}

	tree, err := m.BuildTree(leaves)
	if err != nil {
		return fmt.Errorf("merkle: build tree for verification: %w", err)
	}

	valid, err := VerifyTree(tree)
	if err != nil {
		return fmt.Errorf("merkle: tree verification failed: %w", err)
	}
	if !valid {
		return fmt.Errorf("merkle: tree structure is invalid")
	}

	actualRoot := GetRoot(tree)
	if !bytes.Equal(actualRoot, expectedRoot) {
		return fmt.Errorf("merkle: root mismatch: expected %x, got %x", expectedRoot, actualRoot)
	}
	return nil
}

// GenerateProof returns the Merkle path for a leaf within tree.
func (m *Manager) GenerateProof(tree *merkletree.MerkleTree, leaf ChunkLeaf) ([][]byte, error) {
	if tree == nil {
		return nil, fmt.Errorf("merkle: cannot generate proof from nil tree")
	}

	path, _, err := tree.GetMerklePath(leaf)
	if err != nil {
		return nil, fmt.Errorf("merkle: generate proof: %w", err)
	}
	return path, nil
}

// ProveChunkByShortID resolves the compact SHA-3 identity to its leaf,
// confirms tree membership, and returns the leaf with its Merkle path.
// This is the lookup journal tooling uses: chunk records carry ShortIDs,
// not full CIDs, and a membership proof ties a ShortID back to a
// specific file version without fetching any chunk bytes.
func (m *Manager) ProveChunkByShortID(tree *merkletree.MerkleTree, leaves []ChunkLeaf, shortID string) (ChunkLeaf, [][]byte, error) {
	if shortID == "" {
		return ChunkLeaf{}, nil, fmt.Errorf("merkle: empty short id")
	}

	for _, leaf := range leaves {
		if leaf.ShortID != shortID {
			continue
		}

		member, err := m.VerifyContent(tree, leaf)
		if err != nil {
			return ChunkLeaf{}, nil, err
		}
		if !member {
			return ChunkLeaf{}, nil, fmt.Errorf("merkle: leaf for short id %s is not in the tree", shortID)
		}

		proof, err := m.GenerateProof(tree, leaf)
		if err != nil {
			return ChunkLeaf{}, nil, err
		}
		return leaf, proof, nil
	}

	return ChunkLeaf{}, nil, fmt.Errorf("merkle: no leaf with short id %s", shortID)
}
