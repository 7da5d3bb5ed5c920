package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex;not null"`
	Name         string `gorm:"not null"`
	Phone        string
	BranchName   string `gorm:"index"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null;index"`
	Status       string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type StoreModel struct {
	Code       string    `gorm:"primaryKey"`
	Name       string    `gorm:"not null"`
	BranchName string    `gorm:"not null;index"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time
}

type ReportModel struct {
	ID              string          `gorm:"primaryKey"`
	ReportNumber    string          `gorm:"uniqueIndex;not null"`
	StoreCode       string          `gorm:"index"`
	StoreName       string
	BranchName      string
	Status          string          `gorm:"not null;index"`
	TotalEstimation decimal.Decimal `gorm:"type:numeric(18,2);not null;default:0"`
	CreatedBy       string          `gorm:"not null;index"`
	ClientSeq       int64           `gorm:"not null;default:0"`
	CreatedAt       time.Time       `gorm:"not null;index"`
	UpdatedAt       time.Time       `gorm:"not null"`
}

type ReportAnswerModel struct {
	ReportID  string `gorm:"primaryKey"`
	ItemID    string `gorm:"primaryKey;index"`
	Position  int    `gorm:"not null"`
	Condition string `gorm:"not null"`
	Handler   string
	PhotoURL  string
	Notes     string `gorm:"type:text"`
}

type EstimationLineModel struct {
	ReportID     string          `gorm:"primaryKey"`
	ItemID       string          `gorm:"primaryKey"`
	Position     int             `gorm:"primaryKey"`
	MaterialName string          `gorm:"not null"`
	Quantity     decimal.Decimal `gorm:"type:numeric(12,3);not null"`
	Unit         string
	UnitPrice    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	LineTotal    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
}

type ApprovalLogModel struct {
	ID         string    `gorm:"primaryKey"`
	ReportID   string    `gorm:"not null;uniqueIndex:idx_approval_log_report_seq,priority:1"`
	Seq        int       `gorm:"not null;default:0;uniqueIndex:idx_approval_log_report_seq,priority:2"`
	ActingUser string    `gorm:"not null"`
	Action     string    `gorm:"not null"`
	Notes      string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

// ReportCounterModel holds the last sequence issued per CODE-YYMM prefix.
type ReportCounterModel struct {
	Prefix    string    `gorm:"primaryKey"`
	LastSeq   int       `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// OutboxModel records side effects committed together with a report
// transition and relayed afterwards.
type OutboxModel struct {
	ID          string `gorm:"primaryKey"`
	ReportID    string `gorm:"not null;index"`
	Kind        string `gorm:"not null"`
	Payload     datatypes.JSON
	Processed   bool `gorm:"not null;default:false;index"`
	Attempts    int  `gorm:"not null;default:0"`
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string   `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;index"`
	ProcessedAt *time.Time
}
