package confessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var errStoreUnavailable = errors.New("store unavailable")

type staticIDGenerator struct {
	mu    sync.Mutex
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	var ticks atomic.Int64
	base := time.Unix(1700000000, 0).UTC()
	return func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
}

type recordingObserver struct {
	created    atomic.Int64
	recorded   atomic.Int64
	duplicates atomic.Int64
	degraded   atomic.Int64
}

func (o *recordingObserver) ConfessionCreated() { o.created.Add(1) }

func (o *recordingObserver) LikeApplied(duplicate bool) {
	if duplicate {
		o.duplicates.Add(1)
		return
	}
	o.recorded.Add(1)
}

func (o *recordingObserver) FeedDegraded() { o.degraded.Add(1) }

// faultyStore wraps a Store and injects failures.
type faultyStore struct {
	Store
	selectAllErr         error
	likesByUserErr       error
	insertConfessionErr  error
	rows                 []Confession
	transactionFailures  atomic.Int64
	transactionAttempted atomic.Int64
}

func (f *faultyStore) SelectAllConfessions(ctx context.Context) ([]Confession, error) {
	if f.selectAllErr != nil {
		return nil, f.selectAllErr
	}
	if f.rows != nil {
		return f.rows, nil
	}
	return f.Store.SelectAllConfessions(ctx)
}

func (f *faultyStore) SelectLikesByUser(ctx context.Context, userID UserID) ([]Like, error) {
	if f.likesByUserErr != nil {
		return nil, f.likesByUserErr
	}
	return f.Store.SelectLikesByUser(ctx, userID)
}

func (f *faultyStore) InsertConfession(ctx context.Context, confession Confession) (Confession, error) {
	if f.insertConfessionErr != nil {
		return Confession{}, f.insertConfessionErr
	}
	return f.Store.InsertConfession(ctx, confession)
}

func (f *faultyStore) WithinTransaction(ctx context.Context, fn func(Store) error) error {
	f.transactionAttempted.Add(1)
	if f.transactionFailures.Load() > 0 {
		f.transactionFailures.Add(-1)
		return errStoreUnavailable
	}
	return f.Store.WithinTransaction(ctx, fn)
}

// likesDuringReconcileStore runs beforeRaise just ahead of the reconcile
// statement, standing in for likes that arrive while reconciliation runs.
type likesDuringReconcileStore struct {
	Store
	beforeRaise func()
}

func (s *likesDuringReconcileStore) RaiseLikeCountsToRecorded(ctx context.Context) (int64, error) {
	if s.beforeRaise != nil {
		s.beforeRaise()
	}
	return s.Store.RaiseLikeCountsToRecorded(ctx)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:confessions_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := db.AutoMigrate(&Confession{}, &Like{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func newTestService(t *testing.T, store Store, ids ...string) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Store:            store,
		Clock:            steppingClock(),
		IDProvider:       &staticIDGenerator{ids: ids},
		LikeRetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func mustCreate(t *testing.T, service *Service, text string) ConfessionView {
	t.Helper()
	view, err := service.CreateConfession(context.Background(), text)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	return view
}

func mustLike(t *testing.T, service *Service, confessionID, userID string) ConfessionView {
	t.Helper()
	view, err := service.LikeConfession(context.Background(), confessionID, userID)
	if err != nil {
		t.Fatalf("unexpected like error: %v", err)
	}
	return view
}
