package pricing

import "time"

// Kind identifies one of the supported processing services.
type Kind string

const (
	KindPiano    Kind = "piano"
	KindSpleeter Kind = "spleeter"
	KindYourmt3  Kind = "yourmt3"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPiano, KindSpleeter, KindYourmt3:
		return true
	}
	return false
}

// Tier is the user's service level. Pro pays a discounted per-block rate.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Rate is a per-kind price override stored in the database. Config defaults
// apply for kinds without a row. Amounts are credit cents per billing block.
type Rate struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Kind         string    `gorm:"column:kind;uniqueIndex"`
	FreePerBlock int64     `gorm:"column:free_per_block"`
	ProPerBlock  int64     `gorm:"column:pro_per_block"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}
