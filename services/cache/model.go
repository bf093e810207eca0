package cache

import "time"

// CachedResult maps a content fingerprint and job kind to a previously
// produced result reference. Params carries kind-specific options (for stem
// separation, the requested stem count) so the same audio can be cached per
// variant.
type CachedResult struct {
	ID         string    `gorm:"column:id;primaryKey"`
	Hash       string    `gorm:"column:hash;uniqueIndex:idx_cache_key"`
	Kind       string    `gorm:"column:kind;uniqueIndex:idx_cache_key"`
	Params     string    `gorm:"column:params;uniqueIndex:idx_cache_key"`
	ResultRef  string    `gorm:"column:result_ref"`
	ProducedAt time.Time `gorm:"column:produced_at"`
}
