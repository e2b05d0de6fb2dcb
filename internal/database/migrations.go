package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/silentpetals/internal/confessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationReconcileLikeCounts = "2026-10-19_reconcile_confession_like_counts"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationReconcileLikeCounts, apply: reconcileLikeCounts},
}

// applyMigrations runs each registered migration that has no db_migrations
// row yet. A migration and its record commit together.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range migrations {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			return transaction.Create(&migrationRecord{
				Name:             migration.name,
				AppliedAtSeconds: time.Now().UTC().Unix(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// reconcileLikeCounts raises counters that trail the stored likes, which happens
// for data imported from stores that wrote likes and counts separately.
func reconcileLikeCounts(db *gorm.DB) error {
	store, err := confessions.NewGormStore(db)
	if err != nil {
		return err
	}
	_, err = store.RaiseLikeCountsToRecorded(context.Background())
	return err
}
