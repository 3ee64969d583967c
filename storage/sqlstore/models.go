package sqlstore

import (
	"time"

	"gorm.io/gorm"
)

// projectRow persists the project header. Amounts are base-10 wei strings so
// the full 256-bit range survives every SQL dialect.
type projectRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	Funder      string `gorm:"size:42;index"`
	Contractor  string `gorm:"size:42;index"`
	TotalLocked string `gorm:"size:80;not null"`
	Released    string `gorm:"size:80;not null"`
	CreatedAt   int64
	Milestones  []milestoneRow `gorm:"foreignKey:ProjectID;references:ID"`
}

func (projectRow) TableName() string { return "escrow_projects" }

type milestoneRow struct {
	ProjectID      uint64 `gorm:"primaryKey;autoIncrement:false"`
	MilestoneIndex int    `gorm:"primaryKey;autoIncrement:false"`
	Amount         string `gorm:"size:80;not null"`
	Description    string `gorm:"type:text"`
	State          string `gorm:"size:16;index"`
	ResolvedAt     int64
}

func (milestoneRow) TableName() string { return "escrow_milestones" }

type evidenceRow struct {
	ProjectID      uint64 `gorm:"primaryKey;autoIncrement:false"`
	MilestoneIndex int    `gorm:"primaryKey;autoIncrement:false"`
	Sequence       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Reference      string `gorm:"size:512"`
	Submitter      string `gorm:"size:42"`
	SubmittedAt    int64
	Digest         string `gorm:"size:66"`
}

func (evidenceRow) TableName() string { return "escrow_evidence" }

type accountRow struct {
	Address string `gorm:"primaryKey;size:42"`
	Balance string `gorm:"size:80;not null"`
}

func (accountRow) TableName() string { return "escrow_accounts" }

type counterRow struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64
}

func (counterRow) TableName() string { return "escrow_counters" }

// idempotencyRow stores request idempotency metadata.
type idempotencyRow struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestHash string `gorm:"size:66"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

func (idempotencyRow) TableName() string { return "idempotency_keys" }

// AutoMigrate performs all schema migrations for the store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&projectRow{},
		&milestoneRow{},
		&evidenceRow{},
		&accountRow{},
		&counterRow{},
		&idempotencyRow{},
	)
}
