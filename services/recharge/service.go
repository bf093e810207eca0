package recharge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tunegate/pkg/config"
	"tunegate/pkg/db"
	"tunegate/pkg/errutil"
	"tunegate/pkg/sequence"
	"tunegate/services/ledger"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("recharge.service",
	fx.Provide(NewService),
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	seq    sequence.Generator
	ledger *ledger.Service
	cfg    *config.Config
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Seq    sequence.Generator `optional:"true"`
	Ledger *ledger.Service
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		seq:    p.Seq,
		ledger: p.Ledger,
		cfg:    p.Config,
	}
}

// CreateOrder opens a pending order with the payment provider. The provider
// charge itself is created out of band; the payment URL points the client at
// the provider's checkout for this order code.
func (s *Service) CreateOrder(ctx context.Context, userID, provider string, amount int64) (*Order, error) {
	if provider != ProviderStripe && provider != ProviderWechat {
		return nil, errutil.InvalidInput("unsupported payment provider")
	}
	if amount <= 0 {
		return nil, errutil.InvalidInput("amount must be > 0")
	}

	code, err := s.seq.NextOrderCode(ctx, provider)
	if err != nil {
		return nil, err
	}

	base := s.cfg.Payments.Stripe.CheckoutURL
	if provider == ProviderWechat {
		base = s.cfg.Payments.Wechat.OrderURL
	}

	now := time.Now()
	order := &Order{
		ID:         s.node.Generate().String(),
		Code:       code,
		UserID:     userID,
		Provider:   provider,
		Amount:     amount,
		Status:     OrderPending,
		PaymentURL: fmt.Sprintf("%s?order=%s", base, code),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, err
	}

	zap.L().Info("recharge order created",
		zap.String("order_code", code),
		zap.String("user_id", userID),
		zap.String("provider", provider),
		zap.Int64("amount", amount),
	)
	return order, nil
}

// Settle completes an order after the provider's callback and credits the
// ledger with a recharge entry. Replayed callbacks settle at most once: both
// the order status check and the ledger's reference id dedup guard it.
func (s *Service) Settle(ctx context.Context, orderCode, providerRef string) (*Order, error) {
	var order Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.ForUpdate(tx).Where(&Order{Code: orderCode}).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errutil.NotFound("order not found")
			}
			return err
		}

		switch order.Status {
		case OrderCompleted:
			return nil
		case OrderExpired:
			return errutil.InvalidState("order has expired")
		}

		if err := tx.Model(&Order{}).Where("id = ?", order.ID).Updates(map[string]any{
			"status":       OrderCompleted,
			"provider_ref": providerRef,
			"updated_at":   time.Now(),
		}).Error; err != nil {
			return err
		}

		order.Status = OrderCompleted
		order.ProviderRef = providerRef
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Credit(ctx, ledger.CreditParams{
		UserID:      order.UserID,
		Type:        ledger.EntryTypeRecharge,
		Amount:      order.Amount,
		ReferenceID: order.Code,
		Description: fmt.Sprintf("recharge via %s", order.Provider),
	}); err != nil {
		return nil, err
	}

	zap.L().Info("recharge settled",
		zap.String("order_code", order.Code),
		zap.String("user_id", order.UserID),
		zap.Int64("amount", order.Amount),
	)
	return &order, nil
}

// ExpireStale voids pending orders older than the configured TTL.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.cfg.Payments.OrderTTL)

	result := s.db.WithContext(ctx).Model(&Order{}).
		Where("status = ? AND created_at < ?", OrderPending, cutoff).
		Updates(map[string]any{
			"status":     OrderExpired,
			"updated_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

// Orders lists a user's orders, newest first.
func (s *Service) Orders(ctx context.Context, userID string) ([]Order, error) {
	var orders []Order
	if err := s.db.WithContext(ctx).
		Where(&Order{UserID: userID}).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
