package schema

import (
	"tunegate/services/cache"
	"tunegate/services/invite"
	"tunegate/services/job"
	"tunegate/services/ledger"
	"tunegate/services/pricing"
	"tunegate/services/recharge"
	"tunegate/services/user"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models is the full persisted surface, in one place so every binary
// migrates the same schema.
func Models() []any {
	return []any{
		&user.User{},
		&ledger.Balance{},
		&ledger.CreditReservation{},
		&ledger.LedgerEntry{},
		&job.ProcessingJob{},
		&job.Watcher{},
		&cache.CachedResult{},
		&pricing.Rate{},
		&invite.InviteCode{},
		&invite.Redemption{},
		&recharge.Order{},
	}
}

var Module = fx.Module("schema",
	fx.Invoke(Migrate),
)

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("[DB] schema migration failed", zap.Error(err))
		return err
	}
	return nil
}
