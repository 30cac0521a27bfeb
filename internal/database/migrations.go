package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ensemble/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeIdentityEmails = "2026-03-01_normalize_identity_emails"

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
		{name: migrationNormalizeIdentityEmails, apply: normalizeIdentityEmails},
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
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeIdentityEmails lowercases stored emails so allowed-domain checks
// on session joins see the same form the claims produce.
func normalizeIdentityEmails(db *gorm.DB) error {
	return db.Model(&users.Identity{}).
		Where("user_email <> lower(trim(user_email))").
		Update("user_email", gorm.Expr("lower(trim(user_email))")).Error
}
