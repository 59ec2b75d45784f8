package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fhirbridge/receiver/internal/submission"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		OutcomeDir:        t.TempDir(),
		RetentionComplete: 10 * time.Minute,
		RetentionPending:  24 * time.Hour,
	}
}

func TestRegistry_FindOrCreate(t *testing.T) {
	r := New(testConfig(t))
	id := submission.Identity{System: "s", Value: "v"}

	s1, err := r.FindOrCreate(id, "sub-1")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	s2, err := r.FindOrCreate(id, "sub-1")
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if s1 != s2 {
		t.Error("same identity must return the same submission")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	s3, _ := r.FindOrCreate(id, "sub-2")
	if s3 == s1 {
		t.Error("different submission ids must return different submissions")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistry_FindAndGet(t *testing.T) {
	r := New(testConfig(t))
	id := submission.Identity{System: "s", Value: "v"}

	if r.Find(id, "sub-1") != nil {
		t.Error("Find before create should return nil")
	}

	s, _ := r.FindOrCreate(id, "sub-1")
	if r.Find(id, "sub-1") != s {
		t.Error("Find should return the created submission")
	}
	if r.Get(s.Slug()) != s {
		t.Error("Get by slug should return the created submission")
	}
	if r.Get("00000000000000000000000000000000") != nil {
		t.Error("Get with unknown slug should return nil")
	}
}

func TestRegistry_SweepRespectsRetention(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)
	id := submission.Identity{System: "s", Value: "v"}

	completed, _ := r.FindOrCreate(id, "done")
	completed.Complete()
	pending, _ := r.FindOrCreate(id, "pending")

	// Inside both windows: nothing expires.
	if n := r.Sweep(time.Now()); n != 0 {
		t.Errorf("Sweep removed %d submissions, want 0", n)
	}

	// Past the completed window but inside the pending one.
	if n := r.Sweep(time.Now().Add(cfg.RetentionComplete + time.Minute)); n != 1 {
		t.Errorf("Sweep removed %d submissions, want 1", n)
	}
	if r.Get(completed.Slug()) != nil {
		t.Error("completed submission should be expired")
	}
	if r.Get(pending.Slug()) == nil {
		t.Error("pending submission should survive")
	}

	// Past the pending window too.
	if n := r.Sweep(time.Now().Add(cfg.RetentionPending + time.Minute)); n != 1 {
		t.Errorf("Sweep removed %d submissions, want 1", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_SweepDeletesOutcomeDir(t *testing.T) {
	cfg := testConfig(t)
	r := New(cfg)
	id := submission.Identity{System: "s", Value: "v"}

	s, _ := r.FindOrCreate(id, "sub-1")
	s.Complete()

	dir := filepath.Join(cfg.OutcomeDir, s.Slug())
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("outcome dir should exist after create: %v", err)
	}

	r.Sweep(time.Now().Add(cfg.RetentionComplete + time.Minute))
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("outcome dir should be removed on expiry")
	}
}
