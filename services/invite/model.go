package invite

import "time"

// InviteCode upgrades a redeeming user to the target tier. MaxUses=1 marks a
// single-use code. ValidFrom/ValidUntil bound both redemption and, when
// ValidUntil is set, how long the granted tier lasts.
type InviteCode struct {
	ID         string     `gorm:"column:id;primaryKey"`
	Code       string     `gorm:"column:code;uniqueIndex"`
	TargetTier string     `gorm:"column:target_tier"`
	MaxUses    int64      `gorm:"column:max_uses"`
	UsedCount  int64      `gorm:"column:used_count"`
	ValidFrom  *time.Time `gorm:"column:valid_from"`
	ValidUntil *time.Time `gorm:"column:valid_until"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

// Redemption records one user consuming one code. The unique index keeps a
// second redemption by the same user from consuming the code twice.
type Redemption struct {
	ID         string     `gorm:"column:id;primaryKey"`
	CodeID     string     `gorm:"column:code_id;uniqueIndex:idx_code_user"`
	UserID     string     `gorm:"column:user_id;uniqueIndex:idx_code_user;index"`
	ExpiresAt  *time.Time `gorm:"column:expires_at"`
	RedeemedAt time.Time  `gorm:"column:redeemed_at"`
}
