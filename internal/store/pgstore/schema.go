package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/schema"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	schemaMarkerID         = 1
	indexBalancesAmount    = "idx_balances_amount"
	sqlCreateAmountIndex   = `create index if not exists idx_balances_amount on balances (amount)`
	stepCreateLedgerTables = "create_ledger_tables"
	stepIndexBalances      = "index_balances_amount"
)

type accountRow struct {
	ID       int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Identity uuid.UUID `gorm:"column:identity;type:uuid;not null;uniqueIndex:idx_accounts_identity"`
}

func (accountRow) TableName() string { return "accounts" }

type balanceRow struct {
	AccountID int64 `gorm:"column:account_id;primaryKey;autoIncrement:false"`
	Amount    int64 `gorm:"column:amount;not null"`
}

func (balanceRow) TableName() string { return "balances" }

type schemaVersionRow struct {
	ID      int `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version int `gorm:"column:version;not null"`
}

func (schemaVersionRow) TableName() string { return "ledger_schema" }

// EnsureSchema creates or upgrades the ledger tables to the latest known version.
func (backend *Backend) EnsureSchema(ctx context.Context) error {
	_, err := schema.Apply(ctx, versionStore{db: backend.gormDB}, backend.steps(), backend.logger)
	return err
}

// SchemaVersion reports the stored schema marker, zero before the first migration.
func (backend *Backend) SchemaVersion(ctx context.Context) (int, error) {
	return versionStore{db: backend.gormDB}.CurrentVersion(ctx)
}

func (backend *Backend) steps() []schema.Step {
	return []schema.Step{
		{
			Version: 1,
			Name:    stepCreateLedgerTables,
			Apply: func(ctx context.Context) error {
				migrator := backend.gormDB.WithContext(ctx).Migrator()
				for _, model := range []interface{}{&accountRow{}, &balanceRow{}} {
					if migrator.HasTable(model) {
						continue
					}
					if err := migrator.CreateTable(model); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version: 2,
			Name:    stepIndexBalances,
			Apply: func(ctx context.Context) error {
				db := backend.gormDB.WithContext(ctx)
				if db.Migrator().HasIndex(&balanceRow{}, indexBalancesAmount) {
					return nil
				}
				return db.Exec(sqlCreateAmountIndex).Error
			},
		},
	}
}

type versionStore struct {
	db *gorm.DB
}

func (store versionStore) EnsureVersionTable(ctx context.Context) error {
	migrator := store.db.WithContext(ctx).Migrator()
	if migrator.HasTable(&schemaVersionRow{}) {
		return nil
	}
	return migrator.CreateTable(&schemaVersionRow{})
}

func (store versionStore) CurrentVersion(ctx context.Context) (int, error) {
	var marker schemaVersionRow
	err := store.db.WithContext(ctx).Where("id = ?", schemaMarkerID).Take(&marker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return marker.Version, nil
}

func (store versionStore) RecordVersion(ctx context.Context, version int) error {
	return store.db.WithContext(ctx).Save(&schemaVersionRow{ID: schemaMarkerID, Version: version}).Error
}
