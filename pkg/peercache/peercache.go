// Package peercache is the authoritative in-memory peer table: the map of
// known peer_ids to reachability records, freshness-based purge, and
// opportunistic encrypted snapshot persistence to disk, per spec.md §3 and
// §4.4. Grounded on the teacher's peers.go PeerStore, generalized from a
// single Addr field to the spec's ranked reachability Path and an
// unverified flag for gossip-learned peers.
package peercache

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/omerta-mesh/mesh/internal/meshlog"
	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// DefaultFreshnessTTL is how long a peer record is considered fresh enough
// to dial without a liveness re-check (spec.md §4.4).
const DefaultFreshnessTTL = 10 * time.Minute

// Record is one entry in the cache: a peer's known reachability paths plus
// bookkeeping.
type Record struct {
	PeerID           meshtypes.PeerId
	Paths            []meshtypes.Path
	Unverified       bool // true for peers learned only via gossip, never dialed
	PredictedNATType meshtypes.NATType
	LastSeen         time.Time
}

// freshestPath returns the highest LivenessScore path, or the zero value if
// there are none.
func (r Record) freshestPath() (meshtypes.Path, bool) {
	if len(r.Paths) == 0 {
		return meshtypes.Path{}, false
	}
	best := r.Paths[0]
	for _, p := range r.Paths[1:] {
		if p.LivenessScore > best.LivenessScore {
			best = p
		}
	}
	return best, true
}

// Cache is the thread-safe peer table for one node.
type Cache struct {
	mu          sync.RWMutex
	byID        map[meshtypes.PeerId]Record
	freshnessTTL time.Duration
	log         *meshlog.Logger
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{
		byID:         make(map[meshtypes.PeerId]Record),
		freshnessTTL: DefaultFreshnessTTL,
		log:          meshlog.New("peercache"),
	}
}

// Upsert inserts or merges a peer record. Gossip-learned merges follow the
// "newer last_seen wins" rule (spec.md §4.4); a record already marked
// verified (dialed directly) is never downgraded back to unverified by a
// later gossip entry for the same peer.
func (c *Cache) Upsert(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.byID[rec.PeerID]
	if !ok {
		c.byID[rec.PeerID] = rec
		return
	}
	if rec.LastSeen.Before(existing.LastSeen) {
		return
	}
	merged := rec
	merged.Unverified = existing.Unverified && rec.Unverified
	merged.Paths = mergePaths(existing.Paths, rec.Paths)
	if rec.PredictedNATType == meshtypes.NATUnknown {
		merged.PredictedNATType = existing.PredictedNATType
	}
	c.byID[rec.PeerID] = merged
}

// MarkVerified clears the unverified flag after a successful direct dial.
func (c *Cache) MarkVerified(id meshtypes.PeerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	if !ok {
		return
	}
	rec.Unverified = false
	c.byID[id] = rec
}

// Get returns a peer's record, purging it first if it has aged out.
func (c *Cache) Get(id meshtypes.PeerId) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.byID[id]
	if !ok {
		return Record{}, false
	}
	if time.Since(rec.LastSeen) > c.freshnessTTL {
		delete(c.byID, id)
		return Record{}, false
	}
	return rec, true
}

// Remove deletes a peer record outright (e.g. on explicit disconnect).
func (c *Cache) Remove(id meshtypes.PeerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
}

// PurgeStale drops every record whose LastSeen exceeds the freshness TTL
// and returns how many were purged. The mesh node does not call it; stale
// records are otherwise removed only when Get reaches them.
func (c *Cache) PurgeStale() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, rec := range c.byID {
		if time.Since(rec.LastSeen) > c.freshnessTTL {
			delete(c.byID, id)
			n++
		}
	}
	return n
}

// Snapshot returns every held record, verified before unverified, then by
// the highest LivenessScore among each record's paths. Path kind (direct,
// hole-punched, relayed) is not compared.
func (c *Cache) Snapshot() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.byID))
	for _, rec := range c.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unverified != out[j].Unverified {
			return !out[i].Unverified
		}
		pi, _ := out[i].freshestPath()
		pj, _ := out[j].freshestPath()
		return pi.LivenessScore > pj.LivenessScore
	})
	return out
}

// DialCandidates returns Snapshot filtered to peers with at least one known
// path and not flagged unverified-only (spec.md §4.4: gossip-learned peers
// are excluded from direct dial targets until independently confirmed).
func (c *Cache) DialCandidates() []Record {
	all := c.Snapshot()
	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if rec.Unverified {
			continue
		}
		if len(rec.Paths) == 0 {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ByEndpoint reverse-resolves a known path endpoint back to the peer_id it
// belongs to, so an inbound datagram's source address can be attributed to
// the same peer_id a gossip-learned sighting of it would use, rather than
// splitting one peer across two cache keys (spec.md §4.4/§4.8).
func (c *Cache) ByEndpoint(ep meshtypes.Endpoint) (meshtypes.PeerId, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, rec := range c.byID {
		for _, p := range rec.Paths {
			if p.Endpoint == ep {
				return id, true
			}
		}
	}
	return "", false
}

// Len reports the current record count, including stale-but-not-yet-purged
// entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func mergePaths(existing, incoming []meshtypes.Path) []meshtypes.Path {
	byKey := make(map[string]meshtypes.Path, len(existing)+len(incoming))
	for _, p := range existing {
		byKey[pathKey(p)] = p
	}
	for _, p := range incoming {
		if old, ok := byKey[pathKey(p)]; !ok || p.FreshnessAt.After(old.FreshnessAt) {
			byKey[pathKey(p)] = p
		}
	}
	out := make([]meshtypes.Path, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	return out
}

func pathKey(p meshtypes.Path) string {
	return p.String()
}

// snapshotFile is the on-disk encrypted representation: an envelope
// version, the owning peer_id, and the flattened records.
type snapshotFile struct {
	Version  int              `json:"version"`
	SelfID   meshtypes.PeerId `json:"self_id"`
	SavedUTC time.Time        `json:"saved_utc"`
	Records  []Record         `json:"records"`
}

// SaveEncrypted persists the cache to path, sealed under key with
// XChaCha20-Poly1305 (a wide, random nonce suits an at-rest file blob
// better than the wire layer's counter-based scheme, since there's no
// shared per-session counter state to coordinate across restarts).
// Grounded directly on the teacher's encryptSnapshot/savePeersEncrypted.
func (c *Cache) SaveEncrypted(path string, key [32]byte, selfID meshtypes.PeerId) error {
	c.mu.RLock()
	records := make([]Record, 0, len(c.byID))
	for _, rec := range c.byID {
		records = append(records, rec)
	}
	c.mu.RUnlock()

	snap := snapshotFile{Version: 1, SelfID: selfID, SavedUTC: time.Now().UTC(), Records: records}
	plain, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ct := aead.Seal(nil, nonce, plain, nil)
	blob := append(nonce, ct...)
	return os.WriteFile(path, blob, 0o600)
}

// LoadEncrypted reads and merges a snapshot previously written by
// SaveEncrypted, marking every restored peer as unverified until a fresh
// direct dial confirms it again.
func (c *Cache) LoadEncrypted(path string, key [32]byte) (int, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return 0, meshtypes.NewError(meshtypes.ErrResource, "short_snapshot", "peer snapshot file too short", nil)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return 0, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return 0, meshtypes.NewError(meshtypes.ErrCryptographic, "snapshot_auth_failed", "peer snapshot failed to authenticate", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(plain, &snap); err != nil {
		return 0, err
	}
	for _, rec := range snap.Records {
		rec.Unverified = true
		c.Upsert(rec)
	}
	return len(snap.Records), nil
}
