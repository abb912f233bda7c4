package peercache

import (
	"os"
	"testing"
	"time"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

func directPath(endpoint string, score float64, at time.Time) meshtypes.Path {
	return meshtypes.Path{Kind: meshtypes.PathDirect, Endpoint: meshtypes.Endpoint(endpoint), FreshnessAt: at, LivenessScore: score}
}

func TestUpsertAndGet(t *testing.T) {
	c := New()
	now := time.Now()
	c.Upsert(Record{PeerID: "peer1", Paths: []meshtypes.Path{directPath("1.2.3.4:9000", 1, now)}, LastSeen: now})

	rec, ok := c.Get("peer1")
	if !ok {
		t.Fatalf("expected peer1 present")
	}
	if len(rec.Paths) != 1 {
		t.Fatalf("expected one path, got %d", len(rec.Paths))
	}
}

func TestUpsertNewerLastSeenWins(t *testing.T) {
	c := New()
	t0 := time.Now().Add(-time.Minute)
	t1 := time.Now()

	c.Upsert(Record{PeerID: "p", Paths: []meshtypes.Path{directPath("1.1.1.1:1", 1, t0)}, LastSeen: t0, Unverified: true})
	c.Upsert(Record{PeerID: "p", Paths: []meshtypes.Path{directPath("2.2.2.2:2", 2, t1)}, LastSeen: t1, Unverified: true})

	rec, ok := c.Get("p")
	if !ok {
		t.Fatalf("expected p present")
	}
	if len(rec.Paths) != 2 {
		t.Fatalf("expected merged paths from both upserts, got %d", len(rec.Paths))
	}

	// An older upsert must not roll back LastSeen-derived state.
	c.Upsert(Record{PeerID: "p", Paths: []meshtypes.Path{directPath("3.3.3.3:3", 9, t0)}, LastSeen: t0})
	rec2, _ := c.Get("p")
	if len(rec2.Paths) != 2 {
		t.Fatalf("stale upsert should have been ignored, got %d paths", len(rec2.Paths))
	}
}

func TestMarkVerifiedSticky(t *testing.T) {
	c := New()
	now := time.Now()
	c.Upsert(Record{PeerID: "p", Paths: []meshtypes.Path{directPath("1.1.1.1:1", 1, now)}, LastSeen: now, Unverified: true})
	c.MarkVerified("p")

	// A later gossip-sourced (unverified) upsert must not downgrade it back.
	c.Upsert(Record{PeerID: "p", Paths: []meshtypes.Path{directPath("1.1.1.1:1", 1, now.Add(time.Second))}, LastSeen: now.Add(time.Second), Unverified: true})
	rec, _ := c.Get("p")
	if rec.Unverified {
		t.Fatalf("verified peer should not be downgraded by gossip merge")
	}
}

func TestFreshnessTTLPurge(t *testing.T) {
	c := New()
	c.freshnessTTL = 10 * time.Millisecond
	c.Upsert(Record{PeerID: "p", LastSeen: time.Now()})
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("p"); ok {
		t.Fatalf("expected stale peer to be purged on access")
	}
	if c.Len() != 0 {
		t.Fatalf("expected Get to have purged the stale entry, Len=%d", c.Len())
	}
}

func TestPurgeStaleBatch(t *testing.T) {
	c := New()
	c.freshnessTTL = 10 * time.Millisecond
	c.Upsert(Record{PeerID: "a", LastSeen: time.Now()})
	c.Upsert(Record{PeerID: "b", LastSeen: time.Now()})
	time.Sleep(20 * time.Millisecond)
	n := c.PurgeStale()
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after purge, got %d", c.Len())
	}
}

func TestDialCandidatesExcludesUnverifiedAndEmpty(t *testing.T) {
	c := New()
	now := time.Now()
	c.Upsert(Record{PeerID: "verified", Paths: []meshtypes.Path{directPath("1.1.1.1:1", 5, now)}, LastSeen: now})
	c.Upsert(Record{PeerID: "gossiped", Paths: []meshtypes.Path{directPath("2.2.2.2:2", 9, now)}, LastSeen: now, Unverified: true})
	c.Upsert(Record{PeerID: "empty", LastSeen: now})

	cands := c.DialCandidates()
	if len(cands) != 1 || cands[0].PeerID != "verified" {
		t.Fatalf("expected only the verified peer with a path, got %+v", cands)
	}
}

func TestSnapshotOrdering(t *testing.T) {
	c := New()
	now := time.Now()
	c.Upsert(Record{PeerID: "low", Paths: []meshtypes.Path{directPath("1.1.1.1:1", 1, now)}, LastSeen: now})
	c.Upsert(Record{PeerID: "high", Paths: []meshtypes.Path{directPath("2.2.2.2:2", 9, now)}, LastSeen: now})
	c.Upsert(Record{PeerID: "unverified", Paths: []meshtypes.Path{directPath("3.3.3.3:3", 100, now)}, LastSeen: now, Unverified: true})

	snap := c.Snapshot()
	if snap[0].PeerID != "high" || snap[1].PeerID != "low" {
		t.Fatalf("expected verified peers ranked by liveness before unverified, got %+v", snap)
	}
	if snap[2].PeerID != "unverified" {
		t.Fatalf("expected unverified peer ranked last despite higher score, got %+v", snap)
	}
}

func TestSaveLoadEncryptedRoundTrip(t *testing.T) {
	c := New()
	now := time.Now()
	c.Upsert(Record{PeerID: "peer1", Paths: []meshtypes.Path{directPath("1.2.3.4:9000", 1, now)}, LastSeen: now})

	f, err := os.CreateTemp("", "peercache-snapshot-*.bin")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	if err := c.SaveEncrypted(path, key, "self"); err != nil {
		t.Fatalf("SaveEncrypted: %v", err)
	}

	c2 := New()
	n, err := c2.LoadEncrypted(path, key)
	if err != nil {
		t.Fatalf("LoadEncrypted: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored record, got %d", n)
	}
	rec, ok := c2.Get("peer1")
	if !ok || !rec.Unverified {
		t.Fatalf("expected restored peer marked unverified, got %+v ok=%v", rec, ok)
	}
}

func TestLoadEncryptedWrongKeyFails(t *testing.T) {
	c := New()
	now := time.Now()
	c.Upsert(Record{PeerID: "peer1", Paths: []meshtypes.Path{directPath("1.2.3.4:9000", 1, now)}, LastSeen: now})

	f, err := os.CreateTemp("", "peercache-snapshot-*.bin")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	var key, otherKey [32]byte
	for i := range key {
		key[i] = byte(i)
		otherKey[i] = byte(255 - i)
	}
	if err := c.SaveEncrypted(path, key, "self"); err != nil {
		t.Fatalf("SaveEncrypted: %v", err)
	}

	c2 := New()
	if _, err := c2.LoadEncrypted(path, otherKey); err == nil {
		t.Fatalf("expected auth failure decrypting with the wrong key")
	}
}
