package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/schema"
	"gorm.io/gorm"
)

const (
	schemaMarkerID         = 1
	indexBalancesAmount    = "idx_balances_amount"
	sqlCreateAmountIndex   = "CREATE INDEX idx_balances_amount ON balances (amount)"
	stepCreateLedgerTables = "create_ledger_tables"
	stepIndexBalances      = "index_balances_amount"
)

// EnsureSchema creates or upgrades the ledger tables to the latest known version.
func (backend *Backend) EnsureSchema(ctx context.Context) error {
	_, err := schema.Apply(ctx, versionStore{db: backend.db}, backend.steps(), backend.logger)
	return err
}

// SchemaVersion reports the stored schema marker, zero before the first migration.
func (backend *Backend) SchemaVersion(ctx context.Context) (int, error) {
	return versionStore{db: backend.db}.CurrentVersion(ctx)
}

func (backend *Backend) steps() []schema.Step {
	return []schema.Step{
		{
			Version: 1,
			Name:    stepCreateLedgerTables,
			Apply: func(ctx context.Context) error {
				migrator := backend.db.WithContext(ctx).Migrator()
				for _, model := range []interface{}{&Account{}, &Balance{}} {
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
				db := backend.db.WithContext(ctx)
				if db.Migrator().HasIndex(&Balance{}, indexBalancesAmount) {
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
	if migrator.HasTable(&SchemaVersion{}) {
		return nil
	}
	return migrator.CreateTable(&SchemaVersion{})
}

func (store versionStore) CurrentVersion(ctx context.Context) (int, error) {
	var marker SchemaVersion
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
	return store.db.WithContext(ctx).Save(&SchemaVersion{ID: schemaMarkerID, Version: version}).Error
}
