package gormstore

// Account maps an identity to its account id.
type Account struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Identity []byte `gorm:"column:identity;type:binary(16);not null;uniqueIndex:idx_accounts_identity"`
}

func (Account) TableName() string { return "accounts" }

// Balance mirrors the balances table. Rows are keyed by account id without a foreign key.
type Balance struct {
	AccountID int64 `gorm:"column:account_id;primaryKey;autoIncrement:false"`
	Amount    int64 `gorm:"column:amount;not null"`
}

func (Balance) TableName() string { return "balances" }

// SchemaVersion holds the single schema version marker row.
type SchemaVersion struct {
	ID      int `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version int `gorm:"column:version;not null"`
}

func (SchemaVersion) TableName() string { return "ledger_schema" }
