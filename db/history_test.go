package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/reelrelay/crypto"
	"github.com/onnwee/reelrelay/db"
	"github.com/onnwee/reelrelay/testutil"
)

func TestHistoryLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewHistoryStore(database, nil)
	ctx := context.Background()

	if err := store.Started(ctx, "t1", "+1555", "tiktok", "https://vm.tiktok.com/a"); err != nil {
		t.Fatalf("Started() error = %v", err)
	}
	if err := store.Started(ctx, "t2", "+1556", "instagram", "https://instagram.com/p/b"); err != nil {
		t.Fatalf("Started() error = %v", err)
	}
	if err := store.Finished(ctx, "t1", "succeeded", "", 1500*time.Millisecond); err != nil {
		t.Fatalf("Finished() error = %v", err)
	}
	if err := store.Finished(ctx, "missing", "failed", "x", time.Second); err == nil {
		t.Error("Finished() on unknown task should fail")
	}

	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d rows, want 2", len(recent))
	}
	byID := map[string]db.Analysis{}
	for _, a := range recent {
		byID[a.TaskID] = a
	}
	done := byID["t1"]
	if done.Status != "succeeded" || done.Duration != 1500*time.Millisecond || done.FinishedAt == nil {
		t.Errorf("t1 = %+v", done)
	}
	if running := byID["t2"]; running.Status != "running" || running.FinishedAt != nil {
		t.Errorf("t2 = %+v", running)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats["succeeded"] != 1 || stats["running"] != 1 {
		t.Errorf("Stats() = %v", stats)
	}
}

func TestHistoryRevealSource(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	kr, err := crypto.NewKeyring("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	if err != nil {
		t.Fatal(err)
	}
	sealed := db.NewHistoryStore(database, kr)
	if err := sealed.Started(ctx, "t1", "+1555", "tiktok", "https://vm.tiktok.com/a"); err != nil {
		t.Fatalf("Started() error = %v", err)
	}
	plain := db.NewHistoryStore(database, nil)
	if err := plain.Started(ctx, "t2", "+1556", "tiktok", "https://vm.tiktok.com/b"); err != nil {
		t.Fatalf("Started() error = %v", err)
	}

	recent, err := sealed.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range recent {
		if a.TaskID == "t1" && a.Source == "+1555" {
			t.Error("sealed store kept the plaintext number")
		}
	}

	got, err := sealed.RevealSource(ctx, "t1")
	if err != nil || got != "+1555" {
		t.Errorf("RevealSource(t1) = %q, %v; want +1555", got, err)
	}
	if _, err := sealed.RevealSource(ctx, "t2"); !errors.Is(err, db.ErrNoSealedSource) {
		t.Errorf("RevealSource(plaintext row) error = %v, want ErrNoSealedSource", err)
	}
	if _, err := sealed.RevealSource(ctx, "missing"); err == nil {
		t.Error("RevealSource(missing) should fail")
	}
	if _, err := plain.RevealSource(ctx, "t1"); err == nil {
		t.Error("RevealSource without a key should fail")
	}
}

func TestHistoryPrune(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewHistoryStore(database, nil)
	ctx := context.Background()

	for i, id := range []string{"old1", "old2", "old3", "running"} {
		if err := store.Started(ctx, id, "+1555", "tiktok", "https://vm.tiktok.com/x"); err != nil {
			t.Fatalf("Started(%s) error = %v", id, err)
		}
		if id != "running" {
			if err := store.Finished(ctx, id, "succeeded", "", time.Second); err != nil {
				t.Fatalf("Finished(%s) error = %v", id, err)
			}
		}
		days := 10 - i
		if _, err := database.ExecContext(ctx, `UPDATE analyses SET started_at = NOW() - make_interval(days => $2::int) WHERE task_id=$1`, id, days); err != nil {
			t.Fatalf("backdate %s: %v", id, err)
		}
	}

	cutoff := time.Now().Add(-24 * time.Hour)
	n, err := store.Prune(ctx, cutoff, 1, true)
	if err != nil {
		t.Fatalf("Prune(dry run) error = %v", err)
	}
	// "running" is the newest row and is kept by count; old3 is the newest finished row but not within keepLast=1.
	if n != 3 {
		t.Errorf("Prune(dry run) = %d, want 3", n)
	}
	if recent, _ := store.Recent(ctx, 10); len(recent) != 4 {
		t.Fatalf("dry run deleted rows: %d left", len(recent))
	}

	n, err = store.Prune(ctx, cutoff, 1, false)
	if err != nil || n != 3 {
		t.Fatalf("Prune() = %d, %v; want 3", n, err)
	}
	recent, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].TaskID != "running" {
		t.Errorf("after prune = %+v, want only the running row", recent)
	}

	aborted, err := store.AbandonRunning(ctx)
	if err != nil || aborted != 1 {
		t.Fatalf("AbandonRunning() = %d, %v; want 1", aborted, err)
	}
	if stats, _ := store.Stats(ctx); stats["aborted"] != 1 {
		t.Errorf("Stats() = %v, want one aborted", stats)
	}
}
