package postgres

import (
	"encoding/json"
	"time"
)

// SessionModel maps to the "escrow_sessions" table.
type SessionModel struct {
	ID         string  `gorm:"primaryKey"`
	PayerID    string  `gorm:"not null;index"`
	LockedUSD  float64 `gorm:"type:numeric(14,6);not null"`
	SpentUSD   float64 `gorm:"type:numeric(14,6);not null;default:0"`
	StepCount  int     `gorm:"not null"`
	Settled    bool    `gorm:"not null;default:false;index"`
	SettledRef string
	CreatedAt  time.Time `gorm:"index"`
	UpdatedAt  time.Time
	SettledAt  *time.Time
}

func (SessionModel) TableName() string { return "escrow_sessions" }

// HoldModel maps to the "escrow_holds" table.
// The composite primary key enforces at most one hold per step.
type HoldModel struct {
	SessionID         string  `gorm:"primaryKey"`
	StepID            string  `gorm:"primaryKey"`
	AmountUSD         float64 `gorm:"type:numeric(14,6);not null"`
	State             string  `gorm:"not null;index"`
	Reference         string  `gorm:"not null"`
	ResolvedReference string
	CreatedAt         time.Time
	ResolvedAt        *time.Time // NULL = outstanding hold.
}

func (HoldModel) TableName() string { return "escrow_holds" }

// ReportModel maps to the "reports" table. The full report travels as a
// JSON payload; dedicated columns carry only what listing and filtering
// need.
type ReportModel struct {
	SessionID string    `gorm:"primaryKey"`
	Query     string    `gorm:"type:text;not null"`
	Status    string    `gorm:"not null;index"`
	Payload   JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (ReportModel) TableName() string { return "reports" }

// JSONB is a json.RawMessage that implements the driver.Valuer and sql.Scanner interfaces
// for GORM JSONB columns.
type JSONB json.RawMessage
