package confessions

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnID            = "id"
	columnLikeCount     = "likes_count"
	queryID             = columnID + " = ?"
	queryCountBelow     = columnID + " = ? AND " + columnLikeCount + " < ?"
	queryUserID         = "user_id = ?"
	queryUserConfession = "user_id = ? AND confession_id = ?"
	orderNewestFirst    = "created_at DESC, id DESC"

	// Count and guard share one statement; a count is only ever raised.
	raiseLikeCountsStatement = `UPDATE confessions
SET likes_count = (SELECT COUNT(*) FROM likes WHERE likes.confession_id = confessions.id)
WHERE likes_count < (SELECT COUNT(*) FROM likes WHERE likes.confession_id = confessions.id)`
)

var (
	// ErrRowNotFound is returned by store writes that target a missing confession.
	ErrRowNotFound = errors.New("confessions: row not found")

	errMissingStoreDatabase = errors.New("store database handle is required")
)

// Store is the persistence boundary for confessions and likes. Reads filter by
// equality only. Implementations must make IncrementConfessionLikeCount atomic.
type Store interface {
	InsertConfession(ctx context.Context, confession Confession) (Confession, error)
	SelectAllConfessions(ctx context.Context) ([]Confession, error)
	SelectConfessionByID(ctx context.Context, id ConfessionID) (Confession, bool, error)
	// UpdateConfessionLikeCount sets the count to likeCount unless the stored
	// count is already at least that high.
	UpdateConfessionLikeCount(ctx context.Context, id ConfessionID, likeCount int64) (Confession, error)
	IncrementConfessionLikeCount(ctx context.Context, id ConfessionID) (Confession, error)
	SelectLikesByUser(ctx context.Context, userID UserID) ([]Like, error)
	SelectLike(ctx context.Context, userID UserID, confessionID ConfessionID) (Like, bool, error)
	// InsertLike stores the like unless the pair already exists. The boolean
	// reports whether a new row was written.
	InsertLike(ctx context.Context, like Like) (Like, bool, error)
	// RaiseLikeCountsToRecorded sets likes_count to the number of stored likes
	// wherever it is lower, in one statement, and reports how many rows changed.
	RaiseLikeCountsToRecorded(ctx context.Context) (int64, error)
	// WithinTransaction runs fn against a store bound to a single transaction.
	WithinTransaction(ctx context.Context, fn func(Store) error) error
}

// GormStore implements Store on top of a gorm connection.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db. The schema is expected to be migrated already.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingStoreDatabase
	}
	return &GormStore{db: db}, nil
}

func (store *GormStore) InsertConfession(ctx context.Context, confession Confession) (Confession, error) {
	if err := store.db.WithContext(ctx).Create(&confession).Error; err != nil {
		return Confession{}, err
	}
	return confession, nil
}

func (store *GormStore) SelectAllConfessions(ctx context.Context) ([]Confession, error) {
	var rows []Confession
	if err := store.db.WithContext(ctx).Order(orderNewestFirst).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (store *GormStore) SelectConfessionByID(ctx context.Context, id ConfessionID) (Confession, bool, error) {
	var row Confession
	err := store.db.WithContext(ctx).Where(queryID, id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Confession{}, false, nil
	}
	if err != nil {
		return Confession{}, false, err
	}
	return row, true, nil
}

func (store *GormStore) UpdateConfessionLikeCount(ctx context.Context, id ConfessionID, likeCount int64) (Confession, error) {
	database := store.db.WithContext(ctx)
	if err := database.Model(&Confession{}).Where(queryCountBelow, id.String(), likeCount).Update(columnLikeCount, likeCount).Error; err != nil {
		return Confession{}, err
	}
	var row Confession
	err := database.Where(queryID, id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Confession{}, ErrRowNotFound
	}
	if err != nil {
		return Confession{}, err
	}
	return row, nil
}

func (store *GormStore) IncrementConfessionLikeCount(ctx context.Context, id ConfessionID) (Confession, error) {
	database := store.db.WithContext(ctx)
	result := database.Model(&Confession{}).Where(queryID, id.String()).Update(columnLikeCount, gorm.Expr(columnLikeCount+" + ?", 1))
	if result.Error != nil {
		return Confession{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Confession{}, ErrRowNotFound
	}
	var row Confession
	if err := database.Where(queryID, id.String()).Take(&row).Error; err != nil {
		return Confession{}, err
	}
	return row, nil
}

func (store *GormStore) SelectLikesByUser(ctx context.Context, userID UserID) ([]Like, error) {
	var rows []Like
	if err := store.db.WithContext(ctx).Where(queryUserID, userID.String()).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (store *GormStore) SelectLike(ctx context.Context, userID UserID, confessionID ConfessionID) (Like, bool, error) {
	var row Like
	err := store.db.WithContext(ctx).
		Where(queryUserConfession, userID.String(), confessionID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Like{}, false, nil
	}
	if err != nil {
		return Like{}, false, err
	}
	return row, true, nil
}

func (store *GormStore) InsertLike(ctx context.Context, like Like) (Like, bool, error) {
	result := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&like)
	if result.Error != nil {
		return Like{}, false, result.Error
	}
	if result.RowsAffected > 0 {
		return like, true, nil
	}
	existing, found, err := store.SelectLike(ctx, UserID(like.UserID), ConfessionID(like.ConfessionID))
	if err != nil {
		return Like{}, false, err
	}
	if !found {
		return Like{}, false, ErrRowNotFound
	}
	return existing, false, nil
}

func (store *GormStore) RaiseLikeCountsToRecorded(ctx context.Context) (int64, error) {
	result := store.db.WithContext(ctx).Exec(raiseLikeCountsStatement)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (store *GormStore) WithinTransaction(ctx context.Context, fn func(Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&GormStore{db: transaction})
	})
}
