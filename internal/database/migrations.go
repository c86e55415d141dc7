package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRepairSequenceWatermarks = "2026-07-14_repair_sequence_watermarks"

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

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairSequenceWatermarks, apply: repairSequenceWatermarks},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairSequenceWatermarks lifts any sequence counter that fell behind its
// business's change log high-water mark. A stale counter would hand out
// change ids that collide with committed entries.
func repairSequenceWatermarks(db *gorm.DB) error {
	const lift = `
UPDATE sync_sequences
SET next_change_id = (
    SELECT MAX(change_id) + 1 FROM sync_change_log
    WHERE sync_change_log.business_id = sync_sequences.business_id
)
WHERE business_id IN (
    SELECT business_id FROM sync_change_log
    GROUP BY business_id
    HAVING MAX(change_id) >= (
        SELECT next_change_id FROM sync_sequences s
        WHERE s.business_id = sync_change_log.business_id
    )
);`
	return db.Exec(lift).Error
}
