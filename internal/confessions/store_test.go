package confessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGormStoreInsertLikeIgnoresDuplicatePair(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	createdAt := time.Unix(1700000000, 0).UTC()

	if _, err := store.InsertConfession(ctx, Confession{ID: "c-1", Message: "hello", CreatedAt: createdAt}); err != nil {
		t.Fatalf("failed to insert confession: %v", err)
	}

	like := Like{UserID: "u-1", ConfessionID: "c-1", CreatedAt: createdAt}
	_, inserted, err := store.InsertLike(ctx, like)
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if !inserted {
		t.Fatalf("expected first like to be inserted")
	}

	existing, inserted, err := store.InsertLike(ctx, like)
	if err != nil {
		t.Fatalf("unexpected duplicate insert error: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate like to be ignored")
	}
	if existing.UserID != "u-1" || existing.ConfessionID != "c-1" {
		t.Fatalf("expected existing like to be returned, got %#v", existing)
	}

	var likeCount int64
	if err := db.Model(&Like{}).Count(&likeCount).Error; err != nil {
		t.Fatalf("failed to count likes: %v", err)
	}
	if likeCount != 1 {
		t.Fatalf("expected one stored like, got %d", likeCount)
	}
}

func TestGormStoreIncrementLikeCount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertConfession(ctx, Confession{ID: "c-1", Message: "hello", CreatedAt: time.Unix(1700000000, 0)}); err != nil {
		t.Fatalf("failed to insert confession: %v", err)
	}

	for expected := int64(1); expected <= 3; expected++ {
		updated, err := store.IncrementConfessionLikeCount(ctx, ConfessionID("c-1"))
		if err != nil {
			t.Fatalf("unexpected increment error: %v", err)
		}
		if updated.LikeCount != expected {
			t.Fatalf("expected like count %d, got %d", expected, updated.LikeCount)
		}
	}

	if _, err := store.IncrementConfessionLikeCount(ctx, ConfessionID("missing")); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound for missing confession, got %v", err)
	}
	if _, err := store.UpdateConfessionLikeCount(ctx, ConfessionID("missing"), 4); !errors.Is(err, ErrRowNotFound) {
		t.Fatalf("expected ErrRowNotFound for missing confession, got %v", err)
	}
}

func TestGormStoreUpdateLikeCountNeverLowers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertConfession(ctx, Confession{ID: "c-1", Message: "hello", LikeCount: 3, CreatedAt: time.Unix(1700000000, 0)}); err != nil {
		t.Fatalf("failed to insert confession: %v", err)
	}

	lowered, err := store.UpdateConfessionLikeCount(ctx, ConfessionID("c-1"), 1)
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if lowered.LikeCount != 3 {
		t.Fatalf("expected count to stay at 3, got %d", lowered.LikeCount)
	}

	raised, err := store.UpdateConfessionLikeCount(ctx, ConfessionID("c-1"), 7)
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if raised.LikeCount != 7 {
		t.Fatalf("expected count 7, got %d", raised.LikeCount)
	}
}

func TestGormStoreSelectsByEquality(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	createdAt := time.Unix(1700000000, 0).UTC()

	for _, id := range []string{"c-1", "c-2"} {
		if _, err := store.InsertConfession(ctx, Confession{ID: id, Message: id, CreatedAt: createdAt}); err != nil {
			t.Fatalf("failed to insert confession: %v", err)
		}
	}
	for _, like := range []Like{
		{UserID: "u-1", ConfessionID: "c-1", CreatedAt: createdAt},
		{UserID: "u-1", ConfessionID: "c-2", CreatedAt: createdAt},
		{UserID: "u-2", ConfessionID: "c-2", CreatedAt: createdAt},
	} {
		if _, _, err := store.InsertLike(ctx, like); err != nil {
			t.Fatalf("failed to insert like: %v", err)
		}
	}

	confession, found, err := store.SelectConfessionByID(ctx, ConfessionID("c-2"))
	if err != nil || !found {
		t.Fatalf("expected confession c-2, found=%v err=%v", found, err)
	}
	if confession.Message != "c-2" {
		t.Fatalf("unexpected confession %#v", confession)
	}
	if _, found, err := store.SelectConfessionByID(ctx, ConfessionID("c-9")); err != nil || found {
		t.Fatalf("expected missing confession, found=%v err=%v", found, err)
	}

	likes, err := store.SelectLikesByUser(ctx, UserID("u-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(likes) != 2 {
		t.Fatalf("expected 2 likes for u-1, got %d", len(likes))
	}

	if _, found, err := store.SelectLike(ctx, UserID("u-2"), ConfessionID("c-1")); err != nil || found {
		t.Fatalf("expected no like for u-2 on c-1, found=%v err=%v", found, err)
	}
}

func TestGormStoreRaiseLikeCountsOnlyRaises(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	createdAt := time.Unix(1700000000, 0).UTC()

	for _, confession := range []Confession{
		{ID: "trailing", Message: "trailing", LikeCount: 0, CreatedAt: createdAt},
		{ID: "inflated", Message: "inflated", LikeCount: 5, CreatedAt: createdAt},
		{ID: "exact", Message: "exact", LikeCount: 1, CreatedAt: createdAt},
	} {
		if _, err := store.InsertConfession(ctx, confession); err != nil {
			t.Fatalf("failed to insert confession: %v", err)
		}
	}
	for _, like := range []Like{
		{UserID: "u-1", ConfessionID: "trailing", CreatedAt: createdAt},
		{UserID: "u-2", ConfessionID: "trailing", CreatedAt: createdAt},
		{UserID: "u-1", ConfessionID: "inflated", CreatedAt: createdAt},
		{UserID: "u-1", ConfessionID: "exact", CreatedAt: createdAt},
	} {
		if _, _, err := store.InsertLike(ctx, like); err != nil {
			t.Fatalf("failed to insert like: %v", err)
		}
	}

	updated, err := store.RaiseLikeCountsToRecorded(ctx)
	if err != nil {
		t.Fatalf("unexpected raise error: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected one row to change, got %d", updated)
	}

	want := map[string]int64{"trailing": 2, "inflated": 5, "exact": 1}
	for id, count := range want {
		var row Confession
		if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
			t.Fatalf("failed to load %s: %v", id, err)
		}
		if row.LikeCount != count {
			t.Fatalf("expected %s count %d, got %d", id, count, row.LikeCount)
		}
	}
}

func TestGormStoreTransactionRollsBack(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	rollback := errors.New("rollback")

	err := store.WithinTransaction(ctx, func(transaction Store) error {
		if _, err := transaction.InsertConfession(ctx, Confession{ID: "c-1", Message: "gone", CreatedAt: time.Unix(1700000000, 0)}); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}

	var count int64
	if err := db.Model(&Confession{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count confessions: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rolled back insert, found %d rows", count)
	}
}

func TestNewGormStoreRequiresDatabase(t *testing.T) {
	if _, err := NewGormStore(nil); err == nil {
		t.Fatalf("expected error for nil database")
	}
}
