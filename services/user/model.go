package user

import "time"

// User mirrors the identity provider's account on first sight and owns the
// tier locally. Balances live in the ledger service.
type User struct {
	ID         string     `gorm:"column:id;primaryKey"`
	Email      string     `gorm:"column:email"`
	Tier       string     `gorm:"column:tier"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
	UpgradedAt *time.Time `gorm:"column:upgraded_at"`
}
