package recharge

import "time"

const (
	ProviderStripe = "stripe"
	ProviderWechat = "wechat"
)

const (
	OrderPending   = "pending"
	OrderCompleted = "completed"
	OrderExpired   = "expired"
)

// Order is a payment-provider charge awaiting settlement. Amount is the
// credit value in credit cents; the money side lives with the provider.
type Order struct {
	ID          string    `gorm:"column:id;primaryKey"`
	Code        string    `gorm:"column:code;uniqueIndex"`
	UserID      string    `gorm:"column:user_id;index"`
	Provider    string    `gorm:"column:provider"`
	Amount      int64     `gorm:"column:amount"`
	Status      string    `gorm:"column:status;index"`
	ProviderRef string    `gorm:"column:provider_ref"`
	PaymentURL  string    `gorm:"column:payment_url"`
	CreatedAt   time.Time `gorm:"column:created_at;index"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}
