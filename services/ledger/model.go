package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	EntryTypeConsumption = "consumption"
	EntryTypeRecharge    = "recharge"
	EntryTypeGrant       = "grant"
)

const (
	ReservationHeld      = "held"
	ReservationConfirmed = "confirmed"
	ReservationReleased  = "released"
)

// Balance is the denormalized committed balance per user. It must always
// equal the sum of that user's LedgerEntry amounts; VerifyBalance checks it.
// Amounts everywhere are credit cents, 100 = 1.00 credit.
type Balance struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;uniqueIndex"`
	Balance   int64     `gorm:"column:balance"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// CreditReservation is a pending hold against available balance, one per job.
type CreditReservation struct {
	ID        string    `gorm:"column:id;primaryKey"`
	UserID    string    `gorm:"column:user_id;index"`
	JobID     string    `gorm:"column:job_id;uniqueIndex"`
	Amount    int64     `gorm:"column:amount"`
	State     string    `gorm:"column:state;index"`
	EntryID   string    `gorm:"column:entry_id"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// LedgerEntry is an append-only, hash-chained audit record. Amount is the
// signed delta applied to the balance.
type LedgerEntry struct {
	ID           string         `gorm:"column:id;primaryKey"`
	CreatedAt    time.Time      `gorm:"column:created_at;index"`
	UserID       string         `gorm:"column:user_id;index"`
	Type         string         `gorm:"column:type"`
	Amount       int64          `gorm:"column:amount"`
	ReferenceID  string         `gorm:"column:reference_id;uniqueIndex"`
	Description  string         `gorm:"column:description"`
	PreviousHash string         `gorm:"column:previous_hash"`
	Hash         string         `gorm:"column:hash"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
}

type EntryParams struct {
	EntryID      string
	UserID       string
	Type         string
	Amount       int64
	ReferenceID  string
	Description  string
	PreviousHash string
	Metadata     datatypes.JSON
}

func NewLedgerEntry(p EntryParams) *LedgerEntry {
	return &LedgerEntry{
		ID:           p.EntryID,
		UserID:       p.UserID,
		Type:         p.Type,
		Amount:       p.Amount,
		ReferenceID:  p.ReferenceID,
		Description:  p.Description,
		PreviousHash: p.PreviousHash,
		Metadata:     p.Metadata,
	}
}

func (m *LedgerEntry) HashFields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"user_id":       m.UserID,
		"type":          m.Type,
		"amount":        fmt.Sprintf("%d", m.Amount),
		"reference_id":  m.ReferenceID,
		"description":   m.Description,
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": m.PreviousHash,
	}
}

func (m *LedgerEntry) GenerateHash() string {
	fields := m.HashFields()
	var keys []string
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	joined := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(hash[:])
}
