package sync

import (
	"context"
	"testing"
	"time"
)

func TestIdempotencyKeyIsStableAndTrimmed(t *testing.T) {
	first := IdempotencyKey("hubspot", "contact", "42", "a@x.io")
	second := IdempotencyKey(" hubspot ", "contact", "42\n", "a@x.io")
	if first != second {
		t.Fatalf("expected trimmed fields to produce the same key")
	}
	if len(first) != 40 {
		t.Fatalf("expected sha1 hex, got %q", first)
	}
	if first == IdempotencyKey("hubspot", "contact", "43", "a@x.io") {
		t.Fatalf("expected different entities to produce different keys")
	}
	// sha1("a|b")
	if got := IdempotencyKey("a", "b"); got != "9abe6de24a871364bf412a1c301698b5ed30dbb7" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestCandidateKeyNormalizesEmailAndIntegration(t *testing.T) {
	updated := time.Date(2026, 5, 4, 11, 59, 0, 0, time.FixedZone("CET", 3600))
	left := CandidateKey("HubSpot", Candidate{EntityType: "contact", EntityID: "7", Email: " A@X.io ", UpdatedAt: updated})
	right := CandidateKey("hubspot", Candidate{EntityType: "contact", EntityID: "7", Email: "a@x.io", UpdatedAt: updated.UTC()})
	if left != right {
		t.Fatalf("expected normalized keys to match")
	}
	later := CandidateKey("hubspot", Candidate{EntityType: "contact", EntityID: "7", Email: "a@x.io", UpdatedAt: updated.Add(time.Second)})
	if later == right {
		t.Fatalf("expected a newer revision to change the key")
	}
}

func TestMemoryLockerLeases(t *testing.T) {
	now := syncEpoch
	locker := NewMemoryLocker()
	locker.now = func() time.Time { return now }

	release, err := locker.Acquire(context.Background(), "relay:job:hubspot_sync", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(context.Background(), "relay:job:hubspot_sync", time.Minute); !IsJobBusy(err) {
		t.Fatalf("expected busy lease, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	stolen, err := locker.Acquire(context.Background(), "relay:job:hubspot_sync", time.Minute)
	if err != nil {
		t.Fatalf("expected expired lease to be reclaimable: %v", err)
	}
	// A stale release must not drop the new holder's lease.
	_ = release(context.Background())
	if _, err := locker.Acquire(context.Background(), "relay:job:hubspot_sync", time.Minute); !IsJobBusy(err) {
		t.Fatalf("expected new lease to survive stale release, got %v", err)
	}
	_ = stolen(context.Background())
	if _, err := locker.Acquire(context.Background(), "relay:job:hubspot_sync", time.Minute); err != nil {
		t.Fatalf("expected lease free after release: %v", err)
	}
}

func TestJobGuardSnapshotAndRelease(t *testing.T) {
	guard := newJobGuard(0)
	release, err := guard.acquire("reconciliation", syncEpoch)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := guard.acquire("hubspot_sync", syncEpoch); !IsJobBusy(err) {
		t.Fatalf("expected a zero limit to default to one slot, got %v", err)
	}
	if got := guard.snapshot()["reconciliation"]; !got.Equal(syncEpoch) {
		t.Fatalf("unexpected snapshot %v", got)
	}
	release()
	if len(guard.snapshot()) != 0 {
		t.Fatalf("expected empty guard after release")
	}
}
